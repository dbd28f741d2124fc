package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Music Delivery System
// ===========================

const (
	MsgMusicSystemUp     = "Music system initialized (work dir: %s)"
	MsgMusicCacheFail    = "Failed to open delivery cache: %v"
	MsgMusicAcquireFail  = "Acquisition failed for session %s: %v"
	MsgMusicLinkAccepted = "Link message from %s in channel %s"

	UIMsgBusy           = "⏳ A download is already running in this channel. Cancel it first or wait for it to finish."
	UIMsgCancelled      = "🛑 Download cancelled."
	UIMsgCancelNothing  = "Nothing to cancel here."
	UIMsgCancelSent     = "🛑 Cancelling after the current step (%s)..."
	UIMsgTooLong        = "⏱️ That one is too long: %v"
	UIMsgNetworkBlocked = "🌐 The source keeps refusing us even after changing network identity. Try again later."
	UIMsgNotFound       = "🔍 Couldn't find a matching song."
	UIMsgUnknownFail    = "❌ Download failed: %s"
	UIMsgDeliveredFresh = "✅ **%s** delivered in %s."
	UIMsgDeliveredCache = "⚡ **%s** delivered from cache."
	UIMsgNoLyrics       = "No lyrics found for **%s**."
	UIMsgNoResults      = "No results for **%s**."
	UIMsgStatsEmpty     = "Nothing delivered in this channel yet."

	cancelButtonPrefix = "music_cancel:"
)

type MusicSystem struct {
	client   bot.Client
	acquirer *Acquirer
	lyrics   *LyricsEngine
	cache    *DeliveryCache
	notifier *DiscordNotifier
}

var (
	Music     *MusicSystem
	onceMusic sync.Once
)

func init() {
	OnClientReady(initMusicSystem)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Song delivery",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "get",
				Description: "Fetch a song as an audio file",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "A link or a song name",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "lyrics",
				Description: "Look up lyrics for a song",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "title",
						Description: "Song title",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "artist",
						Description: "Artist name",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "search",
				Description: "List matching songs without downloading",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "query",
						Description: "Song name to search for",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "cancel",
				Description: "Cancel the download running in this channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stats",
				Description: "Delivery statistics for this channel",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
	RegisterComponentHandler(cancelButtonPrefix, handleCancelButton)
	RegisterMessageCreateHandler(onSongLinkMessage)

	OnClientReady(func(ctx context.Context, client bot.Client) {
		RegisterDaemon(LogAcquire, workDirSweeper)
	})
}

const (
	MsgSweepRemoved = "Swept orphaned work file %s (age %s)"
	MsgSweepFail    = "Failed to sweep %s: %v"

	sweepInterval = 30 * time.Minute
	sweepMaxAge   = 6 * time.Hour
)

// workDirSweeper periodically removes work files orphaned by crashes. Normal
// jobs clean up after themselves; anything this old belongs to no live job.
func workDirSweeper(ctx context.Context) (bool, func(), func()) {
	run := func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepWorkDir()
			}
		}
	}
	return true, run, nil
}

func sweepWorkDir() {
	cfg := GlobalConfig
	if cfg == nil {
		return
	}
	entries, err := os.ReadDir(cfg.WorkDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		age := time.Since(info.ModTime())
		if age < sweepMaxAge {
			continue
		}
		path := filepath.Join(cfg.WorkDir, e.Name())
		if err := os.Remove(path); err != nil {
			LogAcquire(MsgSweepFail, path, err)
			continue
		}
		LogAcquire(MsgSweepRemoved, e.Name(), age.Round(time.Minute))
	}
}

func initMusicSystem(ctx context.Context, client bot.Client) {
	onceMusic.Do(func() {
		cfg := GlobalConfig

		notifier := NewDiscordNotifier(client)
		assets := &DiscordAssetStore{client: client}

		cache, err := NewDeliveryCache(cfg.CacheFile, assets)
		if err != nil {
			LogFatal(MsgMusicCacheFail, err)
		}

		fetcher := NewYtdlpFetcher(cfg.WorkDir, cfg.Proxy)
		rotator := NewRotator(cfg.RotateCommand)

		Music = &MusicSystem{
			client:   client,
			acquirer: NewAcquirer(fetcher, SearchCandidates, rotator, cache, assets, notifier, cfg.WorkDir, cfg.MaxDuration, cfg.RankFloor),
			lyrics:   NewLyricsEngine("", cfg.LyricsSiteURL, cfg.SimilarityMin),
			cache:    cache,
			notifier: notifier,
		}

		LogAcquire(MsgMusicSystemUp, cfg.WorkDir)
	})
}

// ===========================
// Command Handlers
// ===========================

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil || Music == nil {
		return
	}
	switch *data.SubCommandName {
	case "get":
		handleMusicGet(event, data)
	case "lyrics":
		handleMusicLyrics(event, data)
	case "search":
		handleMusicSearch(event, data)
	case "cancel":
		handleMusicCancel(event)
	case "stats":
		handleMusicStats(event)
	}
}

func handleMusicGet(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query := strings.TrimSpace(data.String("query"))
	channelID := event.Channel().ID()

	if GlobalConfig != nil && !GlobalConfig.ChannelAllowed(channelID) {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetContent("This channel is not enabled for downloads.").SetEphemeral(true).Build())
		return
	}

	_ = event.DeferCreateMessage(false)

	req := buildRequest(AppContext, channelID.String(), query)
	delivery, err := Music.acquirer.Acquire(AppContext, req)
	Music.notifier.Clear(channelID.String())

	content := resultMessage(delivery, err)
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.MessageUpdate{Content: &content})
}

// buildRequest classifies a raw query into an acquisition request. Direct
// media links pass through as locators; DRM streaming-site pages are reduced
// to title and artist and re-routed through search; everything else is a
// free-form search query.
func buildRequest(ctx context.Context, sessionID, query string) Request {
	req := Request{SessionID: sessionID, Query: query}

	if !strings.HasPrefix(query, "http://") && !strings.HasPrefix(query, "https://") {
		return req
	}

	if !isYouTubeURL(query) && isLikelyMusicStreamingSite(query) {
		scrapeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if title, artist, err := ExtractStreamingSiteMetadata(scrapeCtx, query); err == nil {
			return Request{
				SessionID: sessionID,
				Query:     strings.TrimSpace(artist + " " + title),
				Title:     title,
				Artist:    artist,
			}
		}
	}

	req.Locator = canonicalLocator(query)
	req.Query = ""
	return req
}

func resultMessage(delivery *Delivery, err error) string {
	if err == nil {
		name := deliveryCaption(delivery.Artist, delivery.Title)
		if delivery.FromCache {
			return fmt.Sprintf(UIMsgDeliveredCache, name)
		}
		return fmt.Sprintf(UIMsgDeliveredFresh, name, delivery.Elapsed.Round(time.Second))
	}

	switch {
	case errors.Is(err, ErrBusy):
		return UIMsgBusy
	case errors.Is(err, ErrCancelled):
		return UIMsgCancelled
	case errors.Is(err, ErrTooLong):
		return fmt.Sprintf(UIMsgTooLong, err)
	case errors.Is(err, ErrNetworkBlocked):
		return UIMsgNetworkBlocked
	case errors.Is(err, ErrNotFound):
		return UIMsgNotFound
	default:
		return fmt.Sprintf(UIMsgUnknownFail, sanitizeErrorText(err))
	}
}

// sanitizeErrorText keeps unknown failures displayable: single line, bounded
// length, no backticks to break formatting.
func sanitizeErrorText(err error) string {
	s := strings.ReplaceAll(err.Error(), "`", "'")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 300 {
		s = s[:300] + "…"
	}
	return s
}

func handleMusicLyrics(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	title := strings.TrimSpace(data.String("title"))
	artist := ""
	if v, ok := data.OptString("artist"); ok {
		artist = strings.TrimSpace(v)
	}

	_ = event.DeferCreateMessage(false)

	lookupCtx, cancel := context.WithTimeout(AppContext, 30*time.Second)
	defer cancel()

	res := Music.lyrics.Resolve(lookupCtx, artist, title)
	if res == nil {
		content := fmt.Sprintf(UIMsgNoLyrics, deliveryCaption(artist, title))
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.MessageUpdate{Content: &content})
		return
	}

	header := fmt.Sprintf("🎤 **%s**\n\n", deliveryCaption(artist, title))
	body := header + res.Text
	if len(body) <= 2000 {
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.MessageUpdate{Content: &body})
		return
	}

	// Long lyrics go out as a file attachment instead of a truncated wall
	files := []*discord.File{
		discord.NewFile("lyrics.txt", "Lyrics", strings.NewReader(res.Text)),
	}
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.MessageUpdate{Content: &header, Files: files})
}

func handleMusicSearch(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query := strings.TrimSpace(data.String("query"))

	_ = event.DeferCreateMessage(false)

	results := QuickSearch(query)
	if len(results) == 0 {
		content := fmt.Sprintf(UIMsgNoResults, query)
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.MessageUpdate{Content: &content})
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔎 Results for **%s**:\n", query)
	for i, r := range results {
		if i >= 10 {
			break
		}
		fmt.Fprintf(&b, "%d. [%s](<%s>)\n", i+1, r.Title, r.URL)
	}
	content := b.String()
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.MessageUpdate{Content: &content})
}

func handleMusicCancel(event *events.ApplicationCommandInteractionCreate) {
	sessionID := event.Channel().ID().String()
	content := UIMsgCancelNothing
	if job, ok := Music.acquirer.Active(sessionID); ok && Music.acquirer.Cancel(sessionID) {
		content = fmt.Sprintf(UIMsgCancelSent, job.State())
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(content).Build())
}

func handleMusicStats(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(false)

	stats, err := GetDeliveryStats(AppContext, event.Channel().ID().String())
	var content string
	if err != nil || stats.Total == 0 {
		content = UIMsgStatsEmpty
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "📊 **Channel stats**\nDelivered: %d (%d from cache)\nTransferred: %s\n",
			stats.Total, stats.FromCache, humanBytes(stats.TotalBytes))
		if len(stats.TopTitles) > 0 {
			b.WriteString("Most requested:\n")
			for _, t := range stats.TopTitles {
				fmt.Fprintf(&b, "• %s\n", t)
			}
		}
		content = b.String()
	}
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.MessageUpdate{Content: &content})
}

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := strings.TrimSpace(f.String())
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}

	rs := QuickSearch(q)
	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := r.URL
		if len(v) > 100 {
			v = n
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}

func handleCancelButton(event *events.ComponentInteractionCreate) {
	sessionID := strings.TrimPrefix(event.Data.CustomID(), cancelButtonPrefix)
	content := UIMsgCancelNothing
	if Music != nil {
		if job, ok := Music.acquirer.Active(sessionID); ok && Music.acquirer.Cancel(sessionID) {
			content = fmt.Sprintf(UIMsgCancelSent, job.State())
		}
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(content).SetEphemeral(true).Build())
}

// onSongLinkMessage treats a bare link posted in an allowed channel as a
// download request.
func onSongLinkMessage(event *events.MessageCreate) {
	if Music == nil || event.Message.Author.Bot {
		return
	}
	content := strings.TrimSpace(event.Message.Content)
	if !strings.HasPrefix(content, "http://") && !strings.HasPrefix(content, "https://") {
		return
	}
	if strings.ContainsAny(content, " \n\t") {
		return
	}
	if GlobalConfig != nil && !GlobalConfig.ChannelAllowed(event.ChannelID) {
		return
	}
	if !isYouTubeURL(content) && !isLikelyMusicStreamingSite(content) {
		return
	}

	LogAcquire(MsgMusicLinkAccepted, event.Message.Author.Username, event.ChannelID)

	sessionID := event.ChannelID.String()
	req := buildRequest(AppContext, sessionID, content)
	_, err := Music.acquirer.Acquire(AppContext, req)
	Music.notifier.Clear(sessionID)

	if err != nil {
		LogAcquire(MsgMusicAcquireFail, sessionID, err)
		_, _ = event.Client().Rest.CreateMessage(event.ChannelID,
			discord.NewMessageCreateBuilder().SetContent(resultMessage(nil, err)).Build())
	}
}

// ===========================
// Discord Collaborators
// ===========================

// DiscordNotifier maintains one editable status message per session and a
// cancel button alongside it. Notification failures are swallowed.
type DiscordNotifier struct {
	client bot.Client

	mu     sync.Mutex
	status map[string]snowflake.ID
}

func NewDiscordNotifier(client bot.Client) *DiscordNotifier {
	return &DiscordNotifier{client: client, status: make(map[string]snowflake.ID)}
}

func (n *DiscordNotifier) Notify(sessionID, statusText string) {
	channelID, err := snowflake.Parse(sessionID)
	if err != nil {
		return
	}

	cancelRow := discord.NewActionRow(
		discord.NewButton(discord.ButtonStyleDanger, "Cancel", cancelButtonPrefix+sessionID, "", 0),
	)

	n.mu.Lock()
	msgID, exists := n.status[sessionID]
	n.mu.Unlock()

	if exists {
		_, err = n.client.Rest.UpdateMessage(channelID, msgID, discord.NewMessageUpdateBuilder().
			SetContent(statusText).
			SetComponents(cancelRow).
			Build())
		if err == nil {
			return
		}
		// Status message is gone, fall through and create a fresh one
	}

	msg, err := n.client.Rest.CreateMessage(channelID, discord.NewMessageCreateBuilder().
		SetContent(statusText).
		AddComponents(cancelRow).
		Build())
	if err != nil {
		return
	}

	n.mu.Lock()
	n.status[sessionID] = msg.ID
	n.mu.Unlock()
}

// Clear removes the session's status message after a terminal outcome.
func (n *DiscordNotifier) Clear(sessionID string) {
	n.mu.Lock()
	msgID, exists := n.status[sessionID]
	delete(n.status, sessionID)
	n.mu.Unlock()

	if !exists {
		return
	}
	if channelID, err := snowflake.Parse(sessionID); err == nil {
		_ = n.client.Rest.DeleteMessage(channelID, msgID)
	}
}

// DiscordAssetStore delivers audio as channel attachments. The message
// holding the attachment doubles as durable storage; its CDN URL is the
// retrievable reference.
type DiscordAssetStore struct {
	client bot.Client
}

func (s *DiscordAssetStore) Store(ctx context.Context, sessionID, audioPath, coverPath, caption string) (AssetRef, AssetRef, error) {
	channelID, err := snowflake.Parse(sessionID)
	if err != nil {
		return AssetRef{}, AssetRef{}, err
	}

	audioFile, err := os.Open(audioPath)
	if err != nil {
		return AssetRef{}, AssetRef{}, err
	}
	defer audioFile.Close()

	files := []*discord.File{
		discord.NewFile(filepath.Base(audioPath), caption, audioFile),
	}

	if coverPath != "" {
		if coverFile, coverErr := os.Open(coverPath); coverErr == nil {
			defer coverFile.Close()
			files = append(files, discord.NewFile(filepath.Base(coverPath), "Cover", coverFile))
		}
	}

	msg, err := s.client.Rest.CreateMessage(channelID, discord.NewMessageCreateBuilder().
		SetContent("🎵 "+caption).
		SetFiles(files...).
		Build())
	if err != nil {
		return AssetRef{}, AssetRef{}, err
	}

	var audioRef, coverRef AssetRef
	for _, att := range msg.Attachments {
		ref := AssetRef{
			ChannelID: channelID.String(),
			MessageID: msg.ID.String(),
			URL:       att.URL,
		}
		if strings.HasSuffix(strings.ToLower(att.Filename), ".mp3") {
			audioRef = ref
		} else {
			coverRef = ref
		}
	}
	if audioRef.IsZero() {
		return AssetRef{}, AssetRef{}, fmt.Errorf("delivery message %s carries no audio attachment", msg.ID)
	}
	return audioRef, coverRef, nil
}

// Redeliver re-serves a cached asset by its stored URL after verifying the
// URL still resolves. A dead URL reports an error so the controller can
// re-acquire and repair the entry.
func (s *DiscordAssetStore) Redeliver(ctx context.Context, sessionID string, entry *CacheEntry, caption string) error {
	channelID, err := snowflake.Parse(sessionID)
	if err != nil {
		return err
	}
	if entry == nil || entry.Audio.IsZero() {
		return fmt.Errorf("cache entry has no audio reference")
	}

	if err := s.checkResolvable(ctx, entry.Audio.URL); err != nil {
		return err
	}

	_, err = s.client.Rest.CreateMessage(channelID, discord.NewMessageCreateBuilder().
		SetContent(fmt.Sprintf("🎵 %s\n%s", caption, entry.Audio.URL)).
		Build())
	return err
}

func (s *DiscordAssetStore) Delete(ctx context.Context, ref AssetRef) error {
	if ref.MessageID == "" || ref.ChannelID == "" {
		return nil
	}
	channelID, err := snowflake.Parse(ref.ChannelID)
	if err != nil {
		return err
	}
	messageID, err := snowflake.Parse(ref.MessageID)
	if err != nil {
		return err
	}
	return s.client.Rest.DeleteMessage(channelID, messageID)
}

func (s *DiscordAssetStore) checkResolvable(ctx context.Context, url string) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, "HEAD", url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("cached asset returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func humanBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.Bytes(uint64(n))
}
