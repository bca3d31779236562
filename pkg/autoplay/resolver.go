// Package autoplay finds a plausible next track when a session's queue
// empties with autoplay enabled. Resolution is best-effort: every failure
// path degrades to "no track" so the session falls back to queue-ended
// behavior instead of surfacing an error.
package autoplay

import (
	"context"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ppalone/ytsearch"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/latoulicious/Resona/pkg/audionode"
	"github.com/latoulicious/Resona/pkg/queue"
)

const (
	// DefaultSearchInterval is the minimum gap between autoplay searches
	// per session, so rapid empty-queue loops cannot hammer the backend.
	DefaultSearchInterval = 15 * time.Second

	// maxAttempts bounds how many candidate strategies are tried.
	maxAttempts = 4
)

// bracketQualifier matches trailing qualifiers like "(Official Video)",
// "[Lyrics]", "(HD)" that pollute similarity searches.
var bracketQualifier = regexp.MustCompile(`\s*[(\[][^)\]]*[)\]]`)

var genreKeywords = []string{
	"rock", "metal", "jazz", "blues", "funk", "soul", "reggae",
	"lofi", "lo-fi", "phonk", "edm", "house", "techno", "trance",
	"hip hop", "rap", "r&b", "pop", "indie", "acoustic", "classical",
	"synthwave", "vaporwave", "city pop",
}

// Searcher resolves a text query into a playable track. Implemented by
// the audio node manager.
type Searcher interface {
	Search(ctx context.Context, query, requestedBy string) (*audionode.Track, error)
}

// discoverer finds candidate track URLs off-node. The default uses the
// public YouTube search index; tests inject fakes.
type discoverer interface {
	discover(ctx context.Context, query string) ([]candidate, error)
}

type candidate struct {
	url   string
	title string
}

type ytsearchDiscoverer struct{}

func (ytsearchDiscoverer) discover(ctx context.Context, query string) ([]candidate, error) {
	client := ytsearch.NewClient(nil)
	result, err := client.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	candidates := make([]candidate, 0, len(result.Results))
	for _, video := range result.Results {
		if video.VideoID == "" {
			continue
		}
		candidates = append(candidates, candidate{
			url:   "https://www.youtube.com/watch?v=" + video.VideoID,
			title: video.Title,
		})
	}
	return candidates, nil
}

// Resolver builds similarity search strategies from the last played
// track and rate-limits attempts per session.
type Resolver struct {
	searcher  Searcher
	discovery discoverer
	store     *queue.Store
	logger    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewResolver creates an autoplay resolver.
func NewResolver(searcher Searcher, store *queue.Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		searcher:  searcher,
		discovery: ytsearchDiscoverer{},
		store:     store,
		logger:    logger.Named("autoplay"),
		limiters:  make(map[string]*rate.Limiter),
		interval:  DefaultSearchInterval,
	}
}

// SetSearchInterval overrides the per-session rate limit interval.
func (r *Resolver) SetSearchInterval(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = interval
	r.limiters = make(map[string]*rate.Limiter)
}

func (r *Resolver) limiter(sessionID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.interval), 1)
		r.limiters[sessionID] = lim
	}
	return lim
}

// ForgetSession drops the session's rate limiter state on teardown.
func (r *Resolver) ForgetSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, sessionID)
}

// CleanTitle strips bracketed qualifiers and collapses whitespace.
func CleanTitle(title string) string {
	cleaned := bracketQualifier.ReplaceAllString(title, " ")
	return strings.Join(strings.Fields(cleaned), " ")
}

func detectGenres(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, genre := range genreKeywords {
		if strings.Contains(lower, genre) {
			found = append(found, genre)
		}
	}
	return found
}

// FindSimilar returns a track similar to the last one, or nil when
// nothing suitable was found. It never returns an error to the caller.
func (r *Resolver) FindSimilar(ctx context.Context, sessionID string, last *audionode.Track) *audionode.Track {
	if last == nil {
		return nil
	}
	if !r.limiter(sessionID).Allow() {
		r.logger.Debug("autoplay search rate-limited", zap.String("session_id", sessionID))
		return nil
	}

	title := CleanTitle(last.Title)
	queries := r.buildQueries(title, last.Author)
	rand.Shuffle(len(queries), func(i, j int) {
		queries[i], queries[j] = queries[j], queries[i]
	})
	if len(queries) > maxAttempts {
		queries = queries[:maxAttempts]
	}

	for _, query := range queries {
		if track := r.tryQuery(ctx, sessionID, query, last); track != nil {
			return track
		}
	}

	// Every strategy came up empty: one last plain-text attempt.
	return r.tryQuery(ctx, sessionID, title, last)
}

func (r *Resolver) buildQueries(title, author string) []string {
	var queries []string
	if title != "" && author != "" {
		queries = append(queries, title+" "+author+" mix")
	}
	if author != "" {
		queries = append(queries, author+" songs")
	}
	for _, genre := range detectGenres(title + " " + author) {
		queries = append(queries, genre+" music")
	}
	if title != "" {
		queries = append(queries, title+" similar songs")
	}
	return queries
}

// tryQuery discovers candidates off-node first so already-played titles
// are filtered before spending a node resolution, then falls back to a
// direct node search.
func (r *Resolver) tryQuery(ctx context.Context, sessionID, query string, last *audionode.Track) *audionode.Track {
	if candidates, err := r.discovery.discover(ctx, query); err == nil {
		for _, c := range candidates {
			if r.alreadyPlayed(sessionID, c.title, last) {
				continue
			}
			track, err := r.searcher.Search(ctx, c.url, last.RequestedBy)
			if err != nil || track == nil {
				continue
			}
			if r.alreadyPlayed(sessionID, track.Title, last) {
				continue
			}
			return track
		}
	}

	track, err := r.searcher.Search(ctx, query, last.RequestedBy)
	if err != nil || track == nil {
		return nil
	}
	if r.alreadyPlayed(sessionID, track.Title, last) {
		return nil
	}
	return track
}

func (r *Resolver) alreadyPlayed(sessionID, title string, last *audionode.Track) bool {
	if strings.EqualFold(CleanTitle(title), CleanTitle(last.Title)) {
		return true
	}
	return r.store.IsRecentTitle(sessionID, title)
}
