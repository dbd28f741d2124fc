package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
)

// ===========================
// Configuration
// ===========================

const (
	MsgConfigFailedToLoad = "Failed to load config: %v"
	MsgConfigMissingToken = "DISCORD_TOKEN is not set in .env file"

	defaultMaxDuration = 900 * time.Second
	defaultWorkDir     = ".downloads"
)

type Config struct {
	Token           string
	GuildID         string
	DatabasePath    string
	AllowedChannels []snowflake.ID
	MaxDuration     time.Duration
	RotateCommand   string
	Proxy           string
	CacheFile       string
	WorkDir         string
	LyricsSiteURL   string
	SimilarityMin   int
	RankFloor       float64
	Silent          bool
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv("DISCORD_TOKEN")
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	maxDuration := defaultMaxDuration
	if s := os.Getenv("MAX_DURATION_SECONDS"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			maxDuration = time.Duration(secs) * time.Second
		}
	}

	var allowed []snowflake.ID
	if s := os.Getenv("ALLOWED_CHANNEL_IDS"); s != "" {
		for _, part := range strings.Split(s, ",") {
			if id, err := snowflake.Parse(strings.TrimSpace(part)); err == nil {
				allowed = append(allowed, id)
			}
		}
	}

	similarityMin := DefaultSimilarityThreshold
	if s := os.Getenv("SIMILARITY_THRESHOLD"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 && v <= 100 {
			similarityMin = v
		}
	}

	rankFloor := DefaultRankFloor
	if s := os.Getenv("RANK_FLOOR"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			rankFloor = v
		}
	}

	workDir := os.Getenv("WORK_DIR")
	if workDir == "" {
		workDir = defaultWorkDir
	}

	cfg := &Config{
		Token:           token,
		GuildID:         os.Getenv("GUILD_ID"),
		DatabasePath:    fmt.Sprintf("%s?_journal_mode=WAL&_timeout=5000", dbPath),
		AllowedChannels: allowed,
		MaxDuration:     maxDuration,
		RotateCommand:   os.Getenv("ROTATE_COMMAND"),
		Proxy:           os.Getenv("YOUTUBE_PROXY"),
		CacheFile:       os.Getenv("CACHE_FILE"),
		WorkDir:         workDir,
		LyricsSiteURL:   os.Getenv("LYRICS_SITE_URL"),
		SimilarityMin:   similarityMin,
		RankFloor:       rankFloor,
		Silent:          silent,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	return nil
}

// ChannelAllowed reports whether the bot should react in this channel at all.
// An empty allowlist means every channel is fair game.
func (c *Config) ChannelAllowed(id snowflake.ID) bool {
	if len(c.AllowedChannels) == 0 {
		return true
	}
	for _, allowed := range c.AllowedChannels {
		if allowed == id {
			return true
		}
	}
	return false
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "haveit"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
