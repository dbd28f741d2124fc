package main

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"

	"github.com/bogem/id3v2/v2"
	"github.com/nfnt/resize"
)

// ===========================
// Audio Tagging
// ===========================

const (
	MsgTagWritten   = "Tagged %s"
	MsgTagCoverSkip = "Cover not embeddable: %v"

	coverMaxEdge = 500
)

// TagAudio writes ID3 metadata into the downloaded file and embeds the cover
// art when one was fetched. Tagging failures never fail a delivery; the
// caller logs and ships the file untagged.
func TagAudio(audioPath, coverPath, title, artist string) error {
	tag, err := id3v2.Open(audioPath, id3v2.Options{Parse: true})
	if err != nil {
		return err
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	if title != "" {
		tag.SetTitle(title)
	}
	if artist != "" {
		tag.SetArtist(artist)
	}

	if coverPath != "" {
		if pic, err := encodeCover(coverPath); err != nil {
			LogAcquire(MsgTagCoverSkip, err)
		} else {
			tag.AddAttachedPicture(id3v2.PictureFrame{
				Encoding:    id3v2.EncodingUTF8,
				MimeType:    "image/jpeg",
				PictureType: id3v2.PTFrontCover,
				Description: "Front cover",
				Picture:     pic,
			})
		}
	}

	if err := tag.Save(); err != nil {
		return err
	}

	LogAcquire(MsgTagWritten, audioPath)
	return nil
}

// encodeCover loads the fetched thumbnail, bounds it to a square-ish embed
// size and re-encodes as JPEG. Players choke on oversized or exotic formats.
func encodeCover(coverPath string) ([]byte, error) {
	f, err := os.Open(coverPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	if bounds.Dx() > coverMaxEdge || bounds.Dy() > coverMaxEdge {
		img = resize.Thumbnail(coverMaxEdge, coverMaxEdge, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
