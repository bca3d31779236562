// Package playback sequences play/pause/stop/seek/skip operations
// against a session's player. Queue advancement is serialized through a
// per-session transition lock with a bounded acquisition timeout, so a
// track-end event and a concurrent user skip can never both advance the
// queue for the same track.
package playback

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/latoulicious/Resona/pkg/audionode"
	"github.com/latoulicious/Resona/pkg/events"
	"github.com/latoulicious/Resona/pkg/queue"
)

// Errors returned by playback operations.
var (
	ErrNoPlayer     = errors.New("no player exists for this session")
	ErrNoTrack      = errors.New("no track is currently playing")
	ErrInvalidTrack = errors.New("track has no playback token")
)

// DefaultLockTimeout bounds transition lock acquisition.
const DefaultLockTimeout = 250 * time.Millisecond

// Player is the per-session playback handle the orchestrator drives.
// Implemented by *audionode.Player.
type Player interface {
	Play(ctx context.Context, encoded string) error
	Stop(ctx context.Context) error
	SetPaused(ctx context.Context, paused bool) error
	Seek(ctx context.Context, positionMs int64) error
	SetVolume(ctx context.Context, volume int) error
	Paused() bool
}

// PlayerProvider resolves a session id to its player, returning nil when
// the session has none.
type PlayerProvider interface {
	PlayerFor(sessionID string) Player
}

// VoteEnder clears any active skip vote for a session. Implemented by
// the skip vote manager; advancement and termination both end votes.
type VoteEnder interface {
	End(sessionID string)
}

// AdvanceResult describes the outcome of a queue advancement.
type AdvanceResult struct {
	Track      *audionode.Track
	Looped     bool
	QueueEnded bool
}

// SkipResult describes the outcome of a skip operation. Skipped counts
// the tracks actually passed over, which may be fewer than requested
// when the queue runs out.
type SkipResult struct {
	Skipped  int
	Previous *audionode.Track
	Advance  AdvanceResult
}

// Orchestrator sequences playback operations for all sessions.
type Orchestrator struct {
	store       *queue.Store
	players     PlayerProvider
	votes       VoteEnder
	bus         *events.Bus
	logger      *zap.Logger
	locks       *transitionLocks
	lockTimeout time.Duration
}

// NewOrchestrator creates a playback orchestrator.
func NewOrchestrator(store *queue.Store, players PlayerProvider, votes VoteEnder, bus *events.Bus, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:       store,
		players:     players,
		votes:       votes,
		bus:         bus,
		logger:      logger.Named("playback"),
		locks:       newTransitionLocks(),
		lockTimeout: DefaultLockTimeout,
	}
}

// SetLockTimeout overrides the transition lock acquisition timeout.
func (o *Orchestrator) SetLockTimeout(timeout time.Duration) {
	o.lockTimeout = timeout
}

// PlayTrack starts playback of the given track and records it as the
// session's current track.
func (o *Orchestrator) PlayTrack(ctx context.Context, sessionID string, track *audionode.Track) error {
	player := o.players.PlayerFor(sessionID)
	if player == nil {
		return ErrNoPlayer
	}
	if !track.Playable() {
		return ErrInvalidTrack
	}
	if err := player.Play(ctx, track.Encoded); err != nil {
		return err
	}
	o.store.SetCurrent(sessionID, track)
	o.store.AddRecentTitle(sessionID, track.Title)
	o.bus.Publish(events.Event{Type: events.TypeTrackStart, SessionID: sessionID, Payload: track})
	return nil
}

// PlayNext advances the queue under the transition lock. With track loop
// active the current track is replayed; with queue loop active the
// finished track is pushed back onto the tail before the head is popped.
// When nothing is left to play the result reports QueueEnded and the
// caller decides between autoplay and going idle.
func (o *Orchestrator) PlayNext(ctx context.Context, sessionID string) (AdvanceResult, error) {
	release, err := o.locks.acquire(sessionID, o.lockTimeout)
	if err != nil {
		return AdvanceResult{}, err
	}
	defer release()
	return o.advance(ctx, sessionID)
}

// advance implements the advancement algorithm. Callers must hold the
// session's transition lock.
func (o *Orchestrator) advance(ctx context.Context, sessionID string) (AdvanceResult, error) {
	o.store.SetTransitioning(sessionID, true)
	defer o.store.SetTransitioning(sessionID, false)

	current := o.store.Current(sessionID)
	mode := o.store.LoopMode(sessionID)

	if mode == queue.LoopTrack && current != nil {
		if err := o.PlayTrack(ctx, sessionID, current); err != nil {
			return AdvanceResult{}, err
		}
		return AdvanceResult{Track: current, Looped: true}, nil
	}

	if mode == queue.LoopQueue && current != nil {
		o.store.PushTail(sessionID, current)
	}

	next := o.store.NextTrack(sessionID)
	if next == nil {
		o.store.SetCurrent(sessionID, nil)
		o.bus.Publish(events.Event{Type: events.TypeQueueEnded, SessionID: sessionID, Payload: current})
		return AdvanceResult{QueueEnded: true}, nil
	}

	if err := o.PlayTrack(ctx, sessionID, next); err != nil {
		// Put the track back at the head so a transient node failure
		// does not lose it; the next advancement retries it.
		o.store.AddTrack(sessionID, next, true)
		return AdvanceResult{}, err
	}
	return AdvanceResult{Track: next}, nil
}

// Skip discards count-1 queued tracks, then performs one advancement.
// Loop semantics are ignored while discarding and respected only on the
// final advancement. Any active skip vote ends as a side effect.
func (o *Orchestrator) Skip(ctx context.Context, sessionID string, count int) (SkipResult, error) {
	if count < 1 {
		count = 1
	}

	release, err := o.locks.acquire(sessionID, o.lockTimeout)
	if err != nil {
		return SkipResult{}, err
	}
	defer release()

	o.votes.End(sessionID)

	previous := o.store.Current(sessionID)
	discarded := 0
	for i := 0; i < count-1; i++ {
		if o.store.NextTrack(sessionID) == nil {
			break
		}
		discarded++
	}

	advance, err := o.advance(ctx, sessionID)
	if err != nil {
		return SkipResult{}, err
	}
	return SkipResult{Skipped: discarded + 1, Previous: previous, Advance: advance}, nil
}

// TogglePause flips the paused state and returns the new value.
func (o *Orchestrator) TogglePause(ctx context.Context, sessionID string) (bool, error) {
	player := o.players.PlayerFor(sessionID)
	if player == nil {
		return false, ErrNoPlayer
	}
	paused := !player.Paused()
	if err := player.SetPaused(ctx, paused); err != nil {
		return false, err
	}
	return paused, nil
}

// SetPaused pauses or resumes playback.
func (o *Orchestrator) SetPaused(ctx context.Context, sessionID string, paused bool) error {
	player := o.players.PlayerFor(sessionID)
	if player == nil {
		return ErrNoPlayer
	}
	return player.SetPaused(ctx, paused)
}

// Stop terminates playback for the session: the queue and current track
// are cleared and any active skip vote ends. Used for full session
// termination, not for skipping.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) error {
	release, err := o.locks.acquire(sessionID, o.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	o.votes.End(sessionID)
	o.store.Clear(sessionID)
	o.store.SetCurrent(sessionID, nil)

	player := o.players.PlayerFor(sessionID)
	if player == nil {
		return nil
	}
	return player.Stop(ctx)
}

// Seek moves the playhead, clamped to the current track's duration.
func (o *Orchestrator) Seek(ctx context.Context, sessionID string, positionMs int64) error {
	player := o.players.PlayerFor(sessionID)
	if player == nil {
		return ErrNoPlayer
	}
	current := o.store.Current(sessionID)
	if current == nil {
		return ErrNoTrack
	}
	if positionMs < 0 {
		positionMs = 0
	}
	if max := current.Duration.Milliseconds(); positionMs > max {
		positionMs = max
	}
	return player.Seek(ctx, positionMs)
}

// SetVolume clamps and applies the volume, returning the applied value.
// The session volume is recorded even when no player exists yet.
func (o *Orchestrator) SetVolume(ctx context.Context, sessionID string, volume int) (int, error) {
	applied := o.store.SetVolume(sessionID, volume)
	if player := o.players.PlayerFor(sessionID); player != nil {
		if err := player.SetVolume(ctx, applied); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// AdjustVolume applies a delta to the session volume.
func (o *Orchestrator) AdjustVolume(ctx context.Context, sessionID string, delta int) (int, error) {
	return o.SetVolume(ctx, sessionID, o.store.Volume(sessionID)+delta)
}

// ForgetSession drops per-session lock state on teardown.
func (o *Orchestrator) ForgetSession(sessionID string) {
	o.locks.forget(sessionID)
}
