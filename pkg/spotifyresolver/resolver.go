// Package spotifyresolver resolves Spotify links to title and author
// metadata so the audio node can locate an equivalent playable track on
// the primary search platform. It is a pure metadata fallback: playback
// itself never touches Spotify.
package spotifyresolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrUnrecognizedLink is returned for URLs that are not Spotify track links.
var ErrUnrecognizedLink = errors.New("not a recognized spotify track link")

var trackLinkPattern = regexp.MustCompile(`open\.spotify\.com(?:/intl-[a-z-]+)?/track/([A-Za-z0-9]+)`)

// Resolver looks up track metadata through the Spotify Web API using the
// client-credentials flow. Lookups carry their own timeout so a slow or
// unavailable API degrades to a failed fallback instead of stalling the
// search chain.
type Resolver struct {
	api     *spotify.Client
	timeout time.Duration
}

// Config contains the Spotify application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// New creates a resolver. Returns an error when credentials are missing,
// in which case the caller should run without a cross-platform resolver.
func New(config Config) (*Resolver, error) {
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, errors.New("spotify credentials not configured")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	creds := &clientcredentials.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}
	httpClient := creds.Client(context.Background())

	return &Resolver{
		api:     spotify.New(httpClient),
		timeout: config.Timeout,
	}, nil
}

// Matches reports whether the URL is a Spotify track link.
func (r *Resolver) Matches(url string) bool {
	return trackLinkPattern.MatchString(url)
}

// Resolve returns (title, author) for a Spotify track link.
func (r *Resolver) Resolve(ctx context.Context, url string) (string, string, error) {
	match := trackLinkPattern.FindStringSubmatch(url)
	if match == nil {
		return "", "", ErrUnrecognizedLink
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	track, err := r.api.GetTrack(ctx, spotify.ID(match[1]))
	if err != nil {
		return "", "", fmt.Errorf("spotify track lookup: %w", err)
	}

	author := ""
	if len(track.Artists) > 0 {
		author = track.Artists[0].Name
	}
	return track.Name, author, nil
}
