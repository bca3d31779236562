package audionode

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latoulicious/Resona/pkg/events"
)

type stubLoader struct {
	results map[string]*LoadResult
	err     error
	calls   []string
}

func (s *stubLoader) loadTracks(_ context.Context, identifier string) (*LoadResult, error) {
	s.calls = append(s.calls, identifier)
	if s.err != nil {
		return nil, s.err
	}
	if result, ok := s.results[identifier]; ok {
		return result, nil
	}
	return &LoadResult{Type: LoadTypeEmpty}, nil
}

type stubSecondary struct {
	url   string
	err   error
	calls int
}

func (s *stubSecondary) search(context.Context, string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.url, nil
}

type stubMetadata struct {
	title  string
	author string
	err    error
	prefix string
}

func (s *stubMetadata) Resolve(context.Context, string) (string, string, error) {
	return s.title, s.author, s.err
}

func (s *stubMetadata) Matches(url string) bool {
	return s.prefix != "" && strings.HasPrefix(url, s.prefix)
}

func apiT(title, encoded string) *apiTrack {
	return &apiTrack{
		Encoded: encoded,
		Info: apiTrackInfo{
			Title:  title,
			Author: "Test Artist",
			Length: 180000,
			URI:    "https://example.com/" + title,
		},
	}
}

func newSearchManager(t *testing.T, loader *stubLoader, secondary *stubSecondary, metadata MetadataResolver) *Manager {
	t.Helper()
	cfg := DefaultClusterConfig()
	cfg.Nodes = []NodeConfig{{Name: "test", Host: "127.0.0.1", Port: 2333, Password: "pw"}}

	m, err := NewManager(cfg, events.NewBus(zap.NewNop()), metadata, "bot", zap.NewNop())
	require.NoError(t, err)

	m.rest = loader
	if secondary != nil {
		m.secondary = secondary
	} else {
		m.secondary = &stubSecondary{err: ErrNoResults}
	}
	m.connected = true
	return m
}

func TestManager_Search_NotReady(t *testing.T) {
	m := newSearchManager(t, &stubLoader{}, nil, nil)
	m.connected = false

	_, err := m.Search(context.Background(), "query", "user")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestManager_Search_EmptyQuery(t *testing.T) {
	m := newSearchManager(t, &stubLoader{}, nil, nil)

	_, err := m.Search(context.Background(), "   ", "user")
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestManager_Search_TextQuery(t *testing.T) {
	loader := &stubLoader{results: map[string]*LoadResult{
		"ytsearch:never gonna": {
			Type:   LoadTypeSearch,
			Search: []*apiTrack{apiT("skipme", ""), apiT("Never Gonna Give You Up", "token")},
		},
	}}
	m := newSearchManager(t, loader, nil, nil)

	track, err := m.Search(context.Background(), "never gonna", "user-1")
	require.NoError(t, err)
	// The first candidate lacks a playback token and is skipped.
	assert.Equal(t, "Never Gonna Give You Up", track.Title)
	assert.Equal(t, "token", track.Encoded)
	assert.Equal(t, SourceSearch, track.Source)
	assert.Equal(t, "user-1", track.RequestedBy)
}

func TestManager_Search_NormalizesYouTubeLinks(t *testing.T) {
	canonical := "https://www.youtube.com/watch?v=dQw4w9WgXcQ"
	loader := &stubLoader{results: map[string]*LoadResult{
		canonical: {Type: LoadTypeTrack, Track: apiT("Never Gonna Give You Up", "token")},
	}}
	m := newSearchManager(t, loader, nil, nil)

	links := []string{
		"https://youtu.be/dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://music.youtube.com/watch?v=dQw4w9WgXcQ",
	}
	for _, link := range links {
		track, err := m.Search(context.Background(), link, "user-1")
		require.NoError(t, err, "link %s", link)
		assert.Equal(t, "token", track.Encoded)
		assert.Equal(t, SourceLink, track.Source)
	}
	// Every variant collapsed to the same canonical identifier.
	for _, call := range loader.calls {
		assert.Equal(t, canonical, call)
	}
}

func TestManager_Search_SecondaryFallback(t *testing.T) {
	fallbackURL := "https://music.youtube.com/watch?v=abc"
	loader := &stubLoader{results: map[string]*LoadResult{
		// Primary search yields nothing usable.
		"ytsearch:obscure song": {Type: LoadTypeEmpty},
		fallbackURL:             {Type: LoadTypeTrack, Track: apiT("Obscure Song", "token")},
	}}
	secondary := &stubSecondary{url: fallbackURL}
	m := newSearchManager(t, loader, secondary, nil)

	track, err := m.Search(context.Background(), "obscure song", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "token", track.Encoded)
	assert.Equal(t, 1, secondary.calls)
}

func TestManager_Search_NoResultsAnywhere(t *testing.T) {
	m := newSearchManager(t, &stubLoader{}, &stubSecondary{err: ErrNoResults}, nil)

	_, err := m.Search(context.Background(), "nothing here", "user-1")
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestManager_Search_UnplayableLinkFallsBackToMetadata(t *testing.T) {
	link := "https://example.com/stream/123"
	loader := &stubLoader{results: map[string]*LoadResult{
		// The link resolves but carries no playback token.
		link: {Type: LoadTypeTrack, Track: apiT("Region Locked", "")},
		"ytsearch:Region Locked Test Artist": {
			Type:   LoadTypeSearch,
			Search: []*apiTrack{apiT("Region Locked (Reupload)", "token")},
		},
	}}
	m := newSearchManager(t, loader, nil, nil)

	track, err := m.Search(context.Background(), link, "user-1")
	require.NoError(t, err)
	// Original metadata wins over the re-search result's.
	assert.Equal(t, "Region Locked", track.Title)
	assert.Equal(t, "token", track.Encoded)
	assert.Equal(t, SourceCrossPlatform, track.Source)
}

func TestManager_Search_UnplayableFallbackTerminates(t *testing.T) {
	// Worst case: the link is unplayable, the metadata re-search finds
	// nothing, and the secondary platform hands back a link that resolves
	// to the same unplayable track. The fallback must run once and give
	// up instead of cycling link -> metadata -> secondary -> link.
	link := "https://example.com/stream/dead"
	loader := &stubLoader{results: map[string]*LoadResult{
		link: {Type: LoadTypeTrack, Track: apiT("Dead Air", "")},
	}}
	secondary := &stubSecondary{url: link}
	m := newSearchManager(t, loader, secondary, nil)

	_, err := m.Search(context.Background(), link, "user-1")
	assert.ErrorIs(t, err, ErrNoResults)
	assert.Equal(t, 1, secondary.calls)
}

func TestManager_Search_CrossPlatformLink(t *testing.T) {
	loader := &stubLoader{results: map[string]*LoadResult{
		"ytsearch:Blinding Lights The Weeknd": {
			Type:   LoadTypeSearch,
			Search: []*apiTrack{apiT("Blinding Lights (Official Audio)", "token")},
		},
	}}
	metadata := &stubMetadata{
		title:  "Blinding Lights",
		author: "The Weeknd",
		prefix: "https://open.spotify.com/",
	}
	m := newSearchManager(t, loader, nil, metadata)

	track, err := m.Search(context.Background(), "https://open.spotify.com/track/abc123", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Blinding Lights", track.Title)
	assert.Equal(t, "The Weeknd", track.Author)
	assert.Equal(t, "token", track.Encoded)
	assert.Equal(t, SourceCrossPlatform, track.Source)
}

func TestManager_Search_LoadError(t *testing.T) {
	loadErr := &LoadError{Message: "video unavailable", Severity: "common"}
	loader := &stubLoader{results: map[string]*LoadResult{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ": {Type: LoadTypeError, Err: loadErr},
	}}
	m := newSearchManager(t, loader, nil, nil)

	_, err := m.Search(context.Background(), "https://youtu.be/dQw4w9WgXcQ", "user-1")
	assert.ErrorContains(t, err, "video unavailable")
}

func TestManager_SearchPlaylist(t *testing.T) {
	playlist := &apiPlaylist{Tracks: []*apiTrack{
		apiT("One", "t1"),
		apiT("Broken", ""),
		apiT("Two", "t2"),
	}}
	playlist.Info.Name = "My Mix"
	loader := &stubLoader{results: map[string]*LoadResult{
		"https://example.com/playlist/1": {Type: LoadTypePlaylist, Playlist: playlist},
	}}
	m := newSearchManager(t, loader, nil, nil)

	result, err := m.SearchPlaylist(context.Background(), "https://example.com/playlist/1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "My Mix", result.Name)
	// The unplayable middle track is dropped.
	require.Len(t, result.Tracks, 2)
	assert.Equal(t, "One", result.Tracks[0].Title)
	assert.Equal(t, "Two", result.Tracks[1].Title)
}

func TestManager_SearchPlaylist_Errors(t *testing.T) {
	loader := &stubLoader{results: map[string]*LoadResult{
		"https://example.com/single": {Type: LoadTypeTrack, Track: apiT("One", "t1")},
		"https://example.com/hollow": {Type: LoadTypePlaylist, Playlist: &apiPlaylist{
			Tracks: []*apiTrack{apiT("Broken", "")},
		}},
	}}
	m := newSearchManager(t, loader, nil, nil)
	ctx := context.Background()

	_, err := m.SearchPlaylist(ctx, "https://example.com/single", "user-1")
	assert.ErrorIs(t, err, ErrNotAPlaylist)

	_, err = m.SearchPlaylist(ctx, "https://example.com/hollow", "user-1")
	assert.ErrorIs(t, err, ErrNoResults)

	m.connected = false
	_, err = m.SearchPlaylist(ctx, "anything", "user-1")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestNormalizeYouTubeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://youtu.be/dQw4w9WgXcQ", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=x", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"https://open.spotify.com/track/abc", "", false},
		{"not a url", "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeYouTubeURL(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}
