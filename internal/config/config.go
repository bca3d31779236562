package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

// ErrDiscordTokenNotSet indicates the bot token is missing from the environment.
var ErrDiscordTokenNotSet = errors.New("DISCORD_TOKEN is not set")

// Config holds the top-level process configuration. Component-specific
// settings (audio cluster, preservation store, logging) load themselves
// from the environment through their own config structs.
type Config struct {
	DiscordToken        string
	SpotifyClientID     string
	SpotifyClientSecret string
}

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() (*Config, error) {
	// A missing .env file is fine in production; env vars win either way.
	_ = godotenv.Load()

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		return nil, ErrDiscordTokenNotSet
	}

	return &Config{
		DiscordToken:        token,
		SpotifyClientID:     os.Getenv("SPOTIFY_CLIENT_ID"),
		SpotifyClientSecret: os.Getenv("SPOTIFY_CLIENT_SECRET"),
	}, nil
}
