// Package music is the composition root of the playback subsystem and
// the only surface the presentation layer calls. It wires the queue
// store, the audio node manager, the playback orchestrator, voice
// connections, vote-skip, autoplay, and durable state preservation, and
// reacts to node events published on the bus.
package music

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/latoulicious/Resona/pkg/audionode"
	"github.com/latoulicious/Resona/pkg/autoplay"
	"github.com/latoulicious/Resona/pkg/events"
	"github.com/latoulicious/Resona/pkg/playback"
	"github.com/latoulicious/Resona/pkg/preserve"
	"github.com/latoulicious/Resona/pkg/queue"
	"github.com/latoulicious/Resona/pkg/skipvote"
	"github.com/latoulicious/Resona/pkg/voice"
)

const voteSweepInterval = 5 * time.Second

// nodePlayers adapts the node manager to the orchestrator's provider
// interface without handing out typed-nil players.
type nodePlayers struct {
	nodes *audionode.Manager
}

func (p nodePlayers) PlayerFor(sessionID string) playback.Player {
	if player := p.nodes.GetPlayer(sessionID); player != nil {
		return player
	}
	return nil
}

// Service is the playback facade.
type Service struct {
	store        *queue.Store
	nodes        *audionode.Manager
	orchestrator *playback.Orchestrator
	voice        *voice.Manager
	votes        *skipvote.Manager
	autoplay     *autoplay.Resolver
	bus          *events.Bus
	preserved    *preserve.Store
	monitor      *preserve.Monitor
	logger       *zap.Logger

	unsubscribes []func()
	stopSweep    chan struct{}
}

// New assembles the playback service from its building blocks.
func New(
	store *queue.Store,
	nodes *audionode.Manager,
	voiceManager *voice.Manager,
	votes *skipvote.Manager,
	bus *events.Bus,
	preserved *preserve.Store,
	logger *zap.Logger,
) *Service {
	s := &Service{
		store:     store,
		nodes:     nodes,
		voice:     voiceManager,
		votes:     votes,
		bus:       bus,
		preserved: preserved,
		logger:    logger.Named("music"),
		stopSweep: make(chan struct{}),
	}
	s.orchestrator = playback.NewOrchestrator(store, nodePlayers{nodes}, votes, bus, logger)
	s.autoplay = autoplay.NewResolver(nodes, store, logger)
	s.monitor = preserve.NewMonitor(preserved, bus, s.snapshotActiveSessions, logger)

	s.unsubscribes = append(s.unsubscribes,
		bus.Subscribe(events.TypeTrackEnd, s.onTrackEnd),
		bus.Subscribe(events.TypeTrackException, s.onTrackException),
		bus.Subscribe(events.TypeTrackStuck, s.onTrackStuck),
		bus.Subscribe(events.TypeQueueEnded, s.onQueueEnded),
		bus.Subscribe(events.TypeRestoreAvailable, s.onRestoreAvailable),
	)
	voiceManager.OnIdle(s.handleIdleSession)
	return s
}

// Start connects the audio cluster and launches the background sweeps.
func (s *Service) Start() error {
	if err := s.nodes.Connect(); err != nil {
		return err
	}
	s.voice.StartSweep()
	go s.voteSweepLoop()
	return nil
}

// Close tears the whole subsystem down.
func (s *Service) Close() {
	close(s.stopSweep)
	for _, unsubscribe := range s.unsubscribes {
		unsubscribe()
	}
	s.monitor.Stop()
	s.voice.StopSweep()
	s.nodes.Close()
}

func (s *Service) voteSweepLoop() {
	ticker := time.NewTicker(voteSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.votes.SweepExpired()
		}
	}
}

// On subscribes to an event type. The returned function unsubscribes.
func (s *Service) On(eventType events.Type, handler events.Handler) func() {
	return s.bus.Subscribe(eventType, handler)
}

// OnSession subscribes to an event type scoped to one session.
func (s *Service) OnSession(sessionID string, eventType events.Type, handler events.Handler) func() {
	return s.bus.SubscribeSession(sessionID, eventType, handler)
}

// Join binds the session to a voice channel and ensures a player exists.
func (s *Service) Join(sessionID, voiceChannelID, textChannelID string) error {
	if err := s.voice.Connect(sessionID, voiceChannelID); err != nil {
		return err
	}
	s.store.SetChannels(sessionID, voiceChannelID, textChannelID)
	_, err := s.nodes.EnsurePlayer(sessionID)
	return err
}

// Play resolves the query and either starts playback immediately or
// enqueues the track behind the current one. Returns the resolved track
// and whether it was queued rather than played.
func (s *Service) Play(ctx context.Context, sessionID, query, requestedBy string) (*audionode.Track, bool, error) {
	track, err := s.nodes.Search(ctx, query, requestedBy)
	if err != nil {
		return nil, false, err
	}

	if s.store.Current(sessionID) != nil {
		s.store.AddTrack(sessionID, track, false)
		s.bus.Publish(events.Event{Type: events.TypeQueueUpdated, SessionID: sessionID})
		return track, true, nil
	}
	if err := s.orchestrator.PlayTrack(ctx, sessionID, track); err != nil {
		return nil, false, err
	}
	return track, false, nil
}

// PlayPlaylist resolves a playlist query and enqueues every playable
// track, starting playback when the session was idle.
func (s *Service) PlayPlaylist(ctx context.Context, sessionID, query, requestedBy string) (*audionode.Playlist, error) {
	playlist, err := s.nodes.SearchPlaylist(ctx, query, requestedBy)
	if err != nil {
		return nil, err
	}

	tracks := playlist.Tracks
	if s.store.Current(sessionID) == nil && len(tracks) > 0 {
		if err := s.orchestrator.PlayTrack(ctx, sessionID, tracks[0]); err != nil {
			return nil, err
		}
		tracks = tracks[1:]
	}
	s.store.AddTracks(sessionID, tracks)
	s.bus.Publish(events.Event{Type: events.TypeQueueUpdated, SessionID: sessionID})
	return playlist, nil
}

// Skip advances past the current track, discarding count-1 queued tracks.
func (s *Service) Skip(ctx context.Context, sessionID string, count int) (playback.SkipResult, error) {
	return s.orchestrator.Skip(ctx, sessionID, count)
}

// VoteStatus describes the state of a skip vote after a vote is cast.
type VoteStatus struct {
	Count    int
	Required int
	Skipped  bool
}

// VoteSkip casts a skip vote for the session, starting a vote when none
// is active, and performs the skip once the threshold is reached.
func (s *Service) VoteSkip(ctx context.Context, sessionID, voterID string) (VoteStatus, error) {
	listeners, err := s.voice.ListenerCount(sessionID)
	if err != nil {
		return VoteStatus{}, err
	}

	status, ok := s.votes.AddVote(sessionID, voterID)
	if !ok {
		status = s.votes.Start(sessionID, voterID, listeners)
	}

	result := VoteStatus{Count: status.Count, Required: status.Required}
	if s.votes.HasEnough(sessionID) {
		if _, err := s.orchestrator.Skip(ctx, sessionID, 1); err != nil {
			return result, err
		}
		result.Skipped = true
	}
	return result, nil
}

// TogglePause flips the paused state.
func (s *Service) TogglePause(ctx context.Context, sessionID string) (bool, error) {
	return s.orchestrator.TogglePause(ctx, sessionID)
}

// SetPaused pauses or resumes playback.
func (s *Service) SetPaused(ctx context.Context, sessionID string, paused bool) error {
	return s.orchestrator.SetPaused(ctx, sessionID, paused)
}

// Stop terminates playback and clears the queue.
func (s *Service) Stop(ctx context.Context, sessionID string) error {
	return s.orchestrator.Stop(ctx, sessionID)
}

// Seek moves the playhead of the current track.
func (s *Service) Seek(ctx context.Context, sessionID string, positionMs int64) error {
	return s.orchestrator.Seek(ctx, sessionID, positionMs)
}

// SetVolume clamps and applies the session volume.
func (s *Service) SetVolume(ctx context.Context, sessionID string, volume int) (int, error) {
	return s.orchestrator.SetVolume(ctx, sessionID, volume)
}

// AdjustVolume applies a delta to the session volume.
func (s *Service) AdjustVolume(ctx context.Context, sessionID string, delta int) (int, error) {
	return s.orchestrator.AdjustVolume(ctx, sessionID, delta)
}

// CycleLoopMode advances the loop mode and returns the new value.
func (s *Service) CycleLoopMode(sessionID string) queue.LoopMode {
	return s.store.CycleLoopMode(sessionID)
}

// ToggleShuffle flips the shuffle flag.
func (s *Service) ToggleShuffle(sessionID string) bool {
	return s.store.ToggleShuffle(sessionID)
}

// ToggleAutoplay flips autoplay, enforcing loop exclusivity.
func (s *Service) ToggleAutoplay(sessionID string) bool {
	return s.store.ToggleAutoplay(sessionID)
}

// RemoveTrack removes the queued track at index.
func (s *Service) RemoveTrack(sessionID string, index int) (*audionode.Track, error) {
	track, err := s.store.RemoveTrack(sessionID, index)
	if err == nil {
		s.bus.Publish(events.Event{Type: events.TypeQueueUpdated, SessionID: sessionID})
	}
	return track, err
}

// ClearQueue drops all queued tracks.
func (s *Service) ClearQueue(sessionID string) {
	s.store.Clear(sessionID)
	s.bus.Publish(events.Event{Type: events.TypeQueueUpdated, SessionID: sessionID})
}

// Queue returns a read-only snapshot of the session state.
func (s *Service) Queue(sessionID string) queue.Snapshot {
	return s.store.Snapshot(sessionID)
}

// SetNowPlayingMessage records the last status message reference.
func (s *Service) SetNowPlayingMessage(sessionID, messageRef string) {
	s.store.SetNowPlayingMessage(sessionID, messageRef)
}

// Degraded reports whether the audio cluster is in the terminal degraded
// state and cannot start new playback.
func (s *Service) Degraded() bool {
	return s.nodes.Degraded()
}

// Cleanup fully tears down a session: vote state, timers, event
// listeners, the node player, the voice connection, preserved state, and
// the queue itself.
func (s *Service) Cleanup(ctx context.Context, sessionID string) {
	s.bus.Publish(events.Event{Type: events.TypeSessionCleanup, SessionID: sessionID})

	s.votes.End(sessionID)
	s.autoplay.ForgetSession(sessionID)
	s.orchestrator.ForgetSession(sessionID)
	s.nodes.DestroyPlayer(ctx, sessionID)
	if err := s.voice.Disconnect(sessionID); err != nil && err != voice.ErrNotConnected {
		s.logger.Warn("voice disconnect failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := s.preserved.Clear(ctx, sessionID); err != nil {
		s.logger.Warn("clearing preserved state failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	s.store.Delete(sessionID)
	s.bus.RemoveSessionListeners(sessionID)
}

func (s *Service) handleIdleSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.orchestrator.Stop(ctx, sessionID); err != nil {
		s.logger.Debug("stop during idle cleanup failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	s.Cleanup(ctx, sessionID)
}

// onTrackEnd is the single place the queue advances from node events.
// Ends caused by an explicit stop or replace already had their follow-up
// decided by the command that issued them; advancing again here would
// drop the track that command started.
func (s *Service) onTrackEnd(event events.Event) {
	reason, _ := event.Payload.(audionode.EndReason)
	if !reason.MayStartNext() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.orchestrator.PlayNext(ctx, event.SessionID); err != nil {
		s.logger.Warn("advancing after track end failed",
			zap.String("session_id", event.SessionID), zap.Error(err))
	}
}

// The node follows an exception or stuck track with a load-failed track
// end, which drives the advancement through onTrackEnd.
func (s *Service) onTrackException(event events.Event) {
	s.logger.Warn("track raised an exception",
		zap.String("session_id", event.SessionID), zap.Any("exception", event.Payload))
}

func (s *Service) onTrackStuck(event events.Event) {
	s.logger.Warn("track stuck", zap.String("session_id", event.SessionID))
}

// onQueueEnded runs autoplay when the queue drains naturally. Autoplay
// failures degrade to staying idle; they are never surfaced as errors.
func (s *Service) onQueueEnded(event events.Event) {
	sessionID := event.SessionID
	if !s.store.Autoplay(sessionID) {
		return
	}
	last, _ := event.Payload.(*audionode.Track)
	if last == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	track := s.autoplay.FindSimilar(ctx, sessionID, last)
	if track == nil {
		s.logger.Info("autoplay found nothing, session stays idle",
			zap.String("session_id", sessionID))
		return
	}
	if err := s.orchestrator.PlayTrack(ctx, sessionID, track); err != nil {
		s.logger.Warn("autoplay playback failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// snapshotActiveSessions captures every session that has a live player
// and a current track, for preservation during a cluster outage.
func (s *Service) snapshotActiveSessions() []preserve.State {
	now := time.Now()
	var states []preserve.State
	for sessionID, player := range s.nodes.ActivePlayers() {
		track := s.store.Current(sessionID)
		if track == nil {
			continue
		}
		states = append(states, preserve.State{
			SessionID:  sessionID,
			Timestamp:  now,
			Track:      track,
			PositionMs: player.Position(),
			Paused:     player.Paused(),
			Volume:     s.store.Volume(sessionID),
		})
	}
	return states
}

// onRestoreAvailable resumes a preserved session when its voice channel
// is still bound; otherwise the offer stays available for an explicit
// RestoreSession call from the presentation layer.
func (s *Service) onRestoreAvailable(event events.Event) {
	sessionID := event.SessionID
	if s.voice.ChannelID(sessionID) == "" {
		s.logger.Info("restoration available but session has no voice binding",
			zap.String("session_id", sessionID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.RestoreSession(ctx, sessionID); err != nil {
		s.logger.Warn("automatic restoration failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// RestoreSession recreates the session's player from preserved state and
// resumes playback at the preserved position.
func (s *Service) RestoreSession(ctx context.Context, sessionID string) error {
	state, err := s.preserved.Read(ctx, sessionID)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	player, err := s.nodes.EnsurePlayer(sessionID)
	if err != nil {
		return err
	}
	if err := player.Play(ctx, state.Track.Encoded); err != nil {
		return err
	}
	s.store.SetCurrent(sessionID, state.Track)
	s.store.SetVolume(sessionID, state.Volume)
	if err := player.SetVolume(ctx, state.Volume); err != nil {
		s.logger.Debug("restoring volume failed", zap.Error(err))
	}
	if state.PositionMs > 0 {
		if err := player.Seek(ctx, state.PositionMs); err != nil {
			s.logger.Debug("restoring position failed", zap.Error(err))
		}
	}
	if state.Paused {
		if err := player.SetPaused(ctx, true); err != nil {
			s.logger.Debug("restoring pause failed", zap.Error(err))
		}
	}

	if err := s.preserved.Clear(ctx, sessionID); err != nil {
		s.logger.Warn("clearing restored state failed", zap.Error(err))
	}
	s.logger.Info("restored session after outage",
		zap.String("session_id", sessionID),
		zap.String("track", state.Track.Title),
		zap.Int64("position_ms", state.PositionMs),
	)
	return nil
}
