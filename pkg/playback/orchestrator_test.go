package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latoulicious/Resona/pkg/audionode"
	"github.com/latoulicious/Resona/pkg/events"
	"github.com/latoulicious/Resona/pkg/queue"
)

type fakePlayer struct {
	mu      sync.Mutex
	played  []string
	seeks   []int64
	volumes []int
	paused  bool
	stopped bool
	playErr error
	onPlay  func()
}

func (f *fakePlayer) Play(_ context.Context, encoded string) error {
	f.mu.Lock()
	f.played = append(f.played, encoded)
	onPlay := f.onPlay
	err := f.playErr
	f.mu.Unlock()
	if onPlay != nil {
		onPlay()
	}
	return err
}

func (f *fakePlayer) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakePlayer) SetPaused(_ context.Context, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = paused
	return nil
}

func (f *fakePlayer) Seek(_ context.Context, positionMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, positionMs)
	return nil
}

func (f *fakePlayer) SetVolume(_ context.Context, volume int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, volume)
	return nil
}

func (f *fakePlayer) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakePlayer) playedTracks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.played))
	copy(out, f.played)
	return out
}

type fakeProvider struct {
	players map[string]*fakePlayer
}

func (f *fakeProvider) PlayerFor(sessionID string) Player {
	if p, ok := f.players[sessionID]; ok {
		return p
	}
	return nil
}

type fakeVotes struct {
	mu    sync.Mutex
	ended []string
}

func (f *fakeVotes) End(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sessionID)
}

func track(title string) *audionode.Track {
	return &audionode.Track{
		Title:    title,
		Author:   "Test Artist",
		Encoded:  "token-" + title,
		Duration: 3 * time.Minute,
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *queue.Store, *fakePlayer, *fakeVotes, *events.Bus) {
	t.Helper()
	store := queue.NewStore()
	player := &fakePlayer{}
	votes := &fakeVotes{}
	bus := events.NewBus(zap.NewNop())
	provider := &fakeProvider{players: map[string]*fakePlayer{"g": player}}
	o := NewOrchestrator(store, provider, votes, bus, zap.NewNop())
	return o, store, player, votes, bus
}

func TestOrchestrator_PlayTrack(t *testing.T) {
	o, store, player, _, bus := newTestOrchestrator(t)
	ctx := context.Background()

	var started []*audionode.Track
	bus.Subscribe(events.TypeTrackStart, func(e events.Event) {
		started = append(started, e.Payload.(*audionode.Track))
	})

	a := track("a")
	require.NoError(t, o.PlayTrack(ctx, "g", a))

	assert.Equal(t, []string{"token-a"}, player.playedTracks())
	assert.Same(t, a, store.Current("g"))
	assert.True(t, store.IsRecentTitle("g", "a"))
	require.Len(t, started, 1)
	assert.Same(t, a, started[0])
}

func TestOrchestrator_PlayTrack_Errors(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	// Session without a player.
	err := o.PlayTrack(ctx, "nobody", track("a"))
	assert.ErrorIs(t, err, ErrNoPlayer)

	// Track without a playback token.
	err = o.PlayTrack(ctx, "g", &audionode.Track{Title: "broken"})
	assert.ErrorIs(t, err, ErrInvalidTrack)
}

func TestOrchestrator_PlayNext_Advances(t *testing.T) {
	o, store, player, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a, b := track("a"), track("b")
	store.AddTracks("g", []*audionode.Track{a, b})

	result, err := o.PlayNext(ctx, "g")
	require.NoError(t, err)
	assert.Same(t, a, result.Track)
	assert.False(t, result.Looped)
	assert.False(t, result.QueueEnded)
	assert.Equal(t, []string{"token-a"}, player.playedTracks())
	assert.Equal(t, 1, store.Len("g"))
	assert.False(t, store.Transitioning("g"))
}

func TestOrchestrator_PlayNext_QueueEnded(t *testing.T) {
	o, store, _, _, bus := newTestOrchestrator(t)
	ctx := context.Background()

	last := track("last")
	store.SetCurrent("g", last)

	var endedWith *audionode.Track
	bus.Subscribe(events.TypeQueueEnded, func(e events.Event) {
		endedWith, _ = e.Payload.(*audionode.Track)
	})

	result, err := o.PlayNext(ctx, "g")
	require.NoError(t, err)
	assert.True(t, result.QueueEnded)
	assert.Nil(t, store.Current("g"))
	// The finished track rides along so autoplay can seed from it.
	assert.Same(t, last, endedWith)
}

func TestOrchestrator_PlayNext_LoopTrack(t *testing.T) {
	o, store, player, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	current := track("looped")
	store.SetCurrent("g", current)
	store.SetLoopMode("g", queue.LoopTrack)
	store.AddTrack("g", track("queued"), false)

	result, err := o.PlayNext(ctx, "g")
	require.NoError(t, err)
	assert.True(t, result.Looped)
	assert.Same(t, current, result.Track)
	assert.Equal(t, []string{"token-looped"}, player.playedTracks())
	// The queued track stays untouched.
	assert.Equal(t, 1, store.Len("g"))
}

func TestOrchestrator_PlayNext_LoopQueue(t *testing.T) {
	o, store, player, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a, b := track("a"), track("b")
	store.SetCurrent("g", a)
	store.SetLoopMode("g", queue.LoopQueue)
	store.AddTrack("g", b, false)

	result, err := o.PlayNext(ctx, "g")
	require.NoError(t, err)
	assert.Same(t, b, result.Track)
	assert.Equal(t, []string{"token-b"}, player.playedTracks())

	// The finished track went back to the tail.
	require.Equal(t, 1, store.Len("g"))
	assert.Same(t, a, store.NextTrack("g"))
}

func TestOrchestrator_PlayNext_LoopQueueSingleTrack(t *testing.T) {
	o, store, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	// Queue loop with an empty queue keeps the current track cycling.
	only := track("only")
	store.SetCurrent("g", only)
	store.SetLoopMode("g", queue.LoopQueue)

	result, err := o.PlayNext(ctx, "g")
	require.NoError(t, err)
	assert.False(t, result.QueueEnded)
	assert.Same(t, only, result.Track)
	assert.Same(t, only, store.Current("g"))
	assert.Equal(t, 0, store.Len("g"))
}

func TestOrchestrator_Skip(t *testing.T) {
	o, store, player, votes, _ := newTestOrchestrator(t)
	ctx := context.Background()

	current := track("current")
	a, b, c := track("a"), track("b"), track("c")
	store.SetCurrent("g", current)
	store.AddTracks("g", []*audionode.Track{a, b, c})

	result, err := o.Skip(ctx, "g", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Same(t, current, result.Previous)
	assert.Same(t, a, result.Advance.Track)
	assert.Equal(t, []string{"token-a"}, player.playedTracks())
	assert.Equal(t, []string{"g"}, votes.ended)
}

func TestOrchestrator_Skip_Multiple(t *testing.T) {
	o, store, player, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a, b, c := track("a"), track("b"), track("c")
	store.SetCurrent("g", track("current"))
	store.AddTracks("g", []*audionode.Track{a, b, c})

	// Skip 2: discard a, play b. Only one track actually starts.
	result, err := o.Skip(ctx, "g", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Skipped)
	assert.Same(t, b, result.Advance.Track)
	assert.Equal(t, []string{"token-b"}, player.playedTracks())
	assert.Equal(t, 1, store.Len("g"))
}

func TestOrchestrator_Skip_CountBeyondQueue(t *testing.T) {
	o, store, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	store.SetCurrent("g", track("current"))
	store.AddTrack("g", track("a"), false)

	result, err := o.Skip(ctx, "g", 10)
	require.NoError(t, err)
	assert.True(t, result.Advance.QueueEnded)
	assert.Nil(t, store.Current("g"))
	// Only the current track and the one queued track were passed over.
	assert.Equal(t, 2, result.Skipped)
}

func TestOrchestrator_Skip_RespectsLoopOnFinalAdvance(t *testing.T) {
	o, store, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	// Discarded positions ignore the loop mode; the final advancement
	// honors it, so queue loop recycles only the track being skipped.
	current := track("current")
	a, b := track("a"), track("b")
	store.SetCurrent("g", current)
	store.SetLoopMode("g", queue.LoopQueue)
	store.AddTracks("g", []*audionode.Track{a, b})

	result, err := o.Skip(ctx, "g", 2)
	require.NoError(t, err)
	assert.Same(t, b, result.Advance.Track)

	// Remaining queue holds only the recycled current track.
	require.Equal(t, 1, store.Len("g"))
	assert.Same(t, current, store.NextTrack("g"))
}

func TestOrchestrator_PlayNext_RequeuesTrackOnPlayFailure(t *testing.T) {
	o, store, player, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a, b := track("a"), track("b")
	store.AddTracks("g", []*audionode.Track{a, b})
	player.playErr = errors.New("node rejected the track")

	_, err := o.PlayNext(ctx, "g")
	require.Error(t, err)

	// The popped track goes back to the head instead of vanishing; the
	// next advancement retries it in order.
	require.Equal(t, 2, store.Len("g"))
	player.playErr = nil
	result, err := o.PlayNext(ctx, "g")
	require.NoError(t, err)
	assert.Same(t, a, result.Track)
	assert.Same(t, b, store.NextTrack("g"))
}

func TestOrchestrator_TransitionLockTimesOut(t *testing.T) {
	o, store, player, _, _ := newTestOrchestrator(t)
	o.SetLockTimeout(20 * time.Millisecond)
	ctx := context.Background()

	store.AddTracks("g", []*audionode.Track{track("a"), track("b")})

	started := make(chan struct{})
	release := make(chan struct{})
	player.onPlay = func() {
		close(started)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.PlayNext(ctx, "g")
		done <- err
	}()
	<-started

	// A concurrent advancement fails closed instead of double-advancing.
	_, err := o.PlayNext(ctx, "g")
	assert.ErrorIs(t, err, ErrTransitionLockTimeout)
	_, err = o.Skip(ctx, "g", 1)
	assert.ErrorIs(t, err, ErrTransitionLockTimeout)

	close(release)
	require.NoError(t, <-done)

	// Exactly one advancement happened while the lock was held.
	assert.Equal(t, []string{"token-a"}, player.playedTracks())
	assert.Equal(t, 1, store.Len("g"))
}

func TestOrchestrator_LockReleasedAfterAdvance(t *testing.T) {
	o, store, _, _, _ := newTestOrchestrator(t)
	o.SetLockTimeout(20 * time.Millisecond)
	ctx := context.Background()

	store.AddTracks("g", []*audionode.Track{track("a"), track("b")})

	_, err := o.PlayNext(ctx, "g")
	require.NoError(t, err)
	_, err = o.PlayNext(ctx, "g")
	require.NoError(t, err)
}

func TestOrchestrator_Stop(t *testing.T) {
	o, store, player, votes, _ := newTestOrchestrator(t)
	ctx := context.Background()

	store.SetCurrent("g", track("current"))
	store.AddTracks("g", []*audionode.Track{track("a"), track("b")})

	require.NoError(t, o.Stop(ctx, "g"))
	assert.True(t, player.stopped)
	assert.Nil(t, store.Current("g"))
	assert.Equal(t, 0, store.Len("g"))
	assert.Equal(t, []string{"g"}, votes.ended)
}

func TestOrchestrator_Stop_WithoutPlayer(t *testing.T) {
	o, store, _, _, _ := newTestOrchestrator(t)

	store.AddTrack("nobody", track("a"), false)
	require.NoError(t, o.Stop(context.Background(), "nobody"))
	assert.Equal(t, 0, store.Len("nobody"))
}

func TestOrchestrator_TogglePause(t *testing.T) {
	o, _, player, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	paused, err := o.TogglePause(ctx, "g")
	require.NoError(t, err)
	assert.True(t, paused)
	assert.True(t, player.Paused())

	paused, err = o.TogglePause(ctx, "g")
	require.NoError(t, err)
	assert.False(t, paused)

	_, err = o.TogglePause(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNoPlayer)
}

func TestOrchestrator_Seek(t *testing.T) {
	o, store, player, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	current := track("current") // 3 minutes long
	store.SetCurrent("g", current)

	tests := []struct {
		name     string
		position int64
		want     int64
	}{
		{"within track", 60_000, 60_000},
		{"negative clamps to start", -500, 0},
		{"beyond duration clamps to end", 10_000_000, current.Duration.Milliseconds()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, o.Seek(ctx, "g", tt.position))
			assert.Equal(t, tt.want, player.seeks[len(player.seeks)-1])
		})
	}
}

func TestOrchestrator_Seek_Errors(t *testing.T) {
	o, store, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	err := o.Seek(ctx, "nobody", 0)
	assert.ErrorIs(t, err, ErrNoPlayer)

	store.SetCurrent("g", nil)
	err = o.Seek(ctx, "g", 0)
	assert.ErrorIs(t, err, ErrNoTrack)
}

func TestOrchestrator_SetVolume(t *testing.T) {
	o, store, player, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	applied, err := o.SetVolume(ctx, "g", 500)
	require.NoError(t, err)
	assert.Equal(t, queue.MaxVolume, applied)
	assert.Equal(t, []int{queue.MaxVolume}, player.volumes)

	// Volume persists without a player and is picked up later.
	applied, err = o.SetVolume(ctx, "nobody", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, applied)
	assert.Equal(t, 42, store.Volume("nobody"))
}

func TestOrchestrator_AdjustVolume(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	applied, err := o.AdjustVolume(ctx, "g", 50)
	require.NoError(t, err)
	assert.Equal(t, 150, applied)

	applied, err = o.AdjustVolume(ctx, "g", 500)
	require.NoError(t, err)
	assert.Equal(t, queue.MaxVolume, applied)

	applied, err = o.AdjustVolume(ctx, "g", -1000)
	require.NoError(t, err)
	assert.Equal(t, queue.MinVolume, applied)
}
