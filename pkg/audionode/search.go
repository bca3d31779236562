package audionode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"
	"github.com/raitonoberu/ytmusic"
	"go.uber.org/zap"
)

type cachedLoad struct {
	result    *LoadResult
	expiresAt time.Time
}

// clusterLoader is the default trackLoader: it routes load requests to
// any connected node and caches results for a short TTL.
type clusterLoader struct {
	manager *Manager
}

func (l *clusterLoader) loadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	m := l.manager

	m.cacheMu.RLock()
	if item, ok := m.cache[identifier]; ok && time.Now().Before(item.expiresAt) {
		m.cacheMu.RUnlock()
		return item.result, nil
	}
	m.cacheMu.RUnlock()

	node := m.availableNode()
	if node == nil {
		return nil, ErrNodeUnavailable
	}
	result, err := node.loadTracks(ctx, identifier)
	if err != nil {
		return nil, err
	}

	m.cacheMu.Lock()
	m.cache[identifier] = cachedLoad{result: result, expiresAt: time.Now().Add(m.config.SearchCacheTTL)}
	m.cacheMu.Unlock()
	return result, nil
}

// secondarySearcher finds a resolvable URL on the secondary search
// platform when the primary prefixed search comes back empty.
type secondarySearcher interface {
	search(ctx context.Context, query string) (string, error)
}

type ytmusicSearcher struct{}

func (ytmusicSearcher) search(_ context.Context, query string) (string, error) {
	s := ytmusic.TrackSearch(query)
	result, err := s.Next()
	if err != nil {
		return "", err
	}
	for _, track := range result.Tracks {
		if track.VideoID != "" {
			return "https://music.youtube.com/watch?v=" + track.VideoID, nil
		}
	}
	return "", ErrNoResults
}

func isURL(query string) bool {
	return strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://")
}

// normalizeYouTubeURL collapses the many YouTube link forms (youtu.be,
// shorts, music.) into a canonical watch URL. Returns false when the
// input is not a YouTube link.
func normalizeYouTubeURL(raw string) (string, bool) {
	if !isURL(raw) {
		return "", false
	}
	lower := strings.ToLower(raw)
	if !strings.Contains(lower, "youtube.com") && !strings.Contains(lower, "youtu.be") {
		return "", false
	}
	id, err := youtube.ExtractVideoID(raw)
	if err != nil {
		return "", false
	}
	return "https://www.youtube.com/watch?v=" + id, true
}

// Search resolves a query (a direct link, a cross-platform link, or free
// text) into a single playable track. The resolution chain:
//  1. direct YouTube links are normalized and loaded as-is;
//  2. links matched by the cross-platform metadata resolver are resolved
//     to title+author and re-searched on the primary platform;
//  3. anything else becomes a prefixed text search, retried once on the
//     secondary platform when empty.
//
// A result that lacks a playback token is unplayable and routed through
// the cross-platform fallback before giving up.
func (m *Manager) Search(ctx context.Context, query, requestedBy string) (*Track, error) {
	if !m.Ready() {
		return nil, ErrNotReady
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoResults
	}

	if watchURL, ok := normalizeYouTubeURL(query); ok {
		return m.resolveLink(ctx, watchURL, requestedBy, true)
	}
	if isURL(query) {
		if m.metadata != nil && m.metadata.Matches(query) {
			return m.resolveCrossPlatform(ctx, query, requestedBy)
		}
		return m.resolveLink(ctx, query, requestedBy, true)
	}
	return m.resolveText(ctx, query, requestedBy)
}

// resolveLink loads a URL through the node. allowFallback permits one
// hop into the metadata re-search when the result is unplayable; links
// that were themselves produced by a fallback pass false, so the chain
// link -> metadata -> text -> secondary link terminates.
func (m *Manager) resolveLink(ctx context.Context, url, requestedBy string, allowFallback bool) (*Track, error) {
	result, err := m.rest.loadTracks(ctx, url)
	if err != nil {
		return nil, err
	}

	var track *Track
	switch result.Type {
	case LoadTypeTrack:
		track = result.Track.toTrack(SourceLink, requestedBy)
	case LoadTypePlaylist:
		if len(result.Playlist.Tracks) == 0 {
			return nil, ErrNoResults
		}
		track = result.Playlist.Tracks[0].toTrack(SourceLink, requestedBy)
	case LoadTypeSearch:
		if len(result.Search) == 0 {
			return nil, ErrNoResults
		}
		track = result.Search[0].toTrack(SourceLink, requestedBy)
	case LoadTypeEmpty:
		return nil, ErrNoResults
	case LoadTypeError:
		return nil, result.Err
	}

	if !track.Playable() {
		if !allowFallback {
			return nil, ErrNoResults
		}
		m.logger.Debug("link resolved to unplayable track, falling back to metadata search",
			zap.String("uri", url))
		return m.searchByMetadata(ctx, track.Title, track.Author, track.Thumbnail, requestedBy)
	}
	return track, nil
}

func (m *Manager) resolveCrossPlatform(ctx context.Context, url, requestedBy string) (*Track, error) {
	title, author, err := m.metadata.Resolve(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("cross-platform metadata lookup: %w", err)
	}
	return m.searchByMetadata(ctx, title, author, "", requestedBy)
}

// searchByMetadata re-issues a text search for title+author on the
// primary platform and merges the known metadata with the returned
// playback token.
func (m *Manager) searchByMetadata(ctx context.Context, title, author, thumbnail, requestedBy string) (*Track, error) {
	if title == "" {
		return nil, ErrNoResults
	}
	query := strings.TrimSpace(title + " " + author)
	found, err := m.resolveText(ctx, query, requestedBy)
	if err != nil {
		return nil, err
	}

	merged := *found
	merged.Title = title
	if author != "" {
		merged.Author = author
	}
	if thumbnail != "" {
		merged.Thumbnail = thumbnail
	}
	merged.Source = SourceCrossPlatform
	if !merged.Playable() {
		return nil, ErrNoResults
	}
	return &merged, nil
}

func (m *Manager) resolveText(ctx context.Context, query, requestedBy string) (*Track, error) {
	result, err := m.rest.loadTracks(ctx, m.config.SearchPrefix+":"+query)
	if err != nil {
		return nil, err
	}

	switch result.Type {
	case LoadTypeSearch:
		for _, candidate := range result.Search {
			if candidate.Encoded != "" {
				return candidate.toTrack(SourceSearch, requestedBy), nil
			}
		}
	case LoadTypeTrack:
		if result.Track.Encoded != "" {
			return result.Track.toTrack(SourceSearch, requestedBy), nil
		}
	case LoadTypeError:
		return nil, result.Err
	}

	// Primary platform came back empty; retry once on the secondary one.
	url, err := m.secondary.search(ctx, query)
	if err != nil {
		return nil, ErrNoResults
	}
	track, err := m.resolveLink(ctx, url, requestedBy, false)
	if err != nil {
		return nil, ErrNoResults
	}
	return track, nil
}

// SearchPlaylist resolves a query that is expected to yield a playlist.
// Unplayable tracks are filtered from the result.
func (m *Manager) SearchPlaylist(ctx context.Context, query, requestedBy string) (*Playlist, error) {
	if !m.Ready() {
		return nil, ErrNotReady
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoResults
	}

	identifier := query
	if !isURL(query) {
		identifier = m.config.SearchPrefix + ":" + query
	}
	result, err := m.rest.loadTracks(ctx, identifier)
	if err != nil {
		return nil, err
	}

	switch result.Type {
	case LoadTypePlaylist:
		playlist := &Playlist{Name: result.Playlist.Info.Name}
		for _, t := range result.Playlist.Tracks {
			if t.Encoded == "" {
				continue
			}
			playlist.Tracks = append(playlist.Tracks, t.toTrack(SourceLink, requestedBy))
		}
		if len(playlist.Tracks) == 0 {
			return nil, ErrNoResults
		}
		return playlist, nil
	case LoadTypeEmpty:
		return nil, ErrNoResults
	case LoadTypeError:
		return nil, result.Err
	default:
		return nil, ErrNotAPlaylist
	}
}
