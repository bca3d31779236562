// Package queue holds the per-guild playback session state: pending
// tracks, the current track, loop/shuffle/volume/autoplay flags, and the
// recently-played title history. The Store is the single source of truth
// for this state; every other component queries and mutates it through
// the Store API using a session id.
package queue

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/latoulicious/Resona/pkg/audionode"
)

const (
	// MinVolume and MaxVolume bound the session volume.
	MinVolume = 0
	MaxVolume = 200

	// recentTitleLimit caps the recently-played history per session.
	recentTitleLimit = 25
)

// ErrInvalidIndex is returned when a track index is out of range.
var ErrInvalidIndex = errors.New("invalid track index")

// Store is the keyed session container. Sessions are created on first
// use and must be deleted explicitly on teardown.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*session)}
}

func (s *Store) get(sessionID string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[sessionID]; ok {
		return sess
	}
	sess = newSession()
	s.sessions[sessionID] = sess
	return sess
}

// peek returns the session without creating it. Read paths use peek so a
// stray event for a torn-down session cannot resurrect it.
func (s *Store) peek(sessionID string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// Exists reports whether a session has been created for the id.
func (s *Store) Exists(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// Delete removes the session entirely. Called once on session teardown.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// SessionIDs returns the ids of all live sessions.
func (s *Store) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// AddTrack appends a track to the session queue, or prepends it when
// front is set.
func (s *Store) AddTrack(sessionID string, track *audionode.Track, front bool) {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if front {
		sess.tracks = append([]*audionode.Track{track}, sess.tracks...)
	} else {
		sess.tracks = append(sess.tracks, track)
	}
}

// AddTracks appends several tracks preserving their order.
func (s *Store) AddTracks(sessionID string, tracks []*audionode.Track) {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.tracks = append(sess.tracks, tracks...)
}

// RemoveTrack removes and returns the track at the given index.
func (s *Store) RemoveTrack(sessionID string, index int) (*audionode.Track, error) {
	sess := s.peek(sessionID)
	if sess == nil {
		return nil, ErrInvalidIndex
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if index < 0 || index >= len(sess.tracks) {
		return nil, ErrInvalidIndex
	}
	removed := sess.tracks[index]
	sess.tracks = append(sess.tracks[:index], sess.tracks[index+1:]...)
	return removed, nil
}

// NextTrack pops and returns the head of the queue, or nil when empty.
func (s *Store) NextTrack(sessionID string) *audionode.Track {
	sess := s.peek(sessionID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.tracks) == 0 {
		return nil
	}
	track := sess.tracks[0]
	sess.tracks = sess.tracks[1:]
	return track
}

// Len returns the number of queued tracks.
func (s *Store) Len(sessionID string) int {
	sess := s.peek(sessionID)
	if sess == nil {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.tracks)
}

// Clear drops all queued tracks, keeping the current track untouched.
func (s *Store) Clear(sessionID string) {
	sess := s.peek(sessionID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.tracks = nil
}

// Current returns the current track, or nil.
func (s *Store) Current(sessionID string) *audionode.Track {
	sess := s.peek(sessionID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.currentTrack
}

// SetCurrent records the current track. Passing nil clears it; clearing
// a session that does not exist is a no-op rather than creating one.
func (s *Store) SetCurrent(sessionID string, track *audionode.Track) {
	var sess *session
	if track == nil {
		if sess = s.peek(sessionID); sess == nil {
			return
		}
	} else {
		sess = s.get(sessionID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.currentTrack = track
}

// LoopMode returns the session loop mode.
func (s *Store) LoopMode(sessionID string) LoopMode {
	sess := s.peek(sessionID)
	if sess == nil {
		return LoopOff
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.loopMode
}

// SetLoopMode sets the loop mode. Selecting track loop disables autoplay,
// mirroring the exclusivity enforced by ToggleAutoplay.
func (s *Store) SetLoopMode(sessionID string, mode LoopMode) {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.loopMode = mode
	if mode == LoopTrack {
		sess.autoplay = false
	}
}

// CycleLoopMode advances off -> track -> queue -> off and returns the
// new mode.
func (s *Store) CycleLoopMode(sessionID string) LoopMode {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.loopMode = sess.loopMode.Cycle()
	if sess.loopMode == LoopTrack {
		sess.autoplay = false
	}
	return sess.loopMode
}

// ToggleShuffle flips the shuffle flag. Enabling it shuffles the pending
// tracks in place.
func (s *Store) ToggleShuffle(sessionID string) bool {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.shuffled = !sess.shuffled
	if sess.shuffled {
		rand.Shuffle(len(sess.tracks), func(i, j int) {
			sess.tracks[i], sess.tracks[j] = sess.tracks[j], sess.tracks[i]
		})
	}
	return sess.shuffled
}

// Volume returns the session volume.
func (s *Store) Volume(sessionID string) int {
	sess := s.peek(sessionID)
	if sess == nil {
		return defaultVolume
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.volume
}

// SetVolume clamps the volume into [MinVolume, MaxVolume] and returns
// the applied value.
func (s *Store) SetVolume(sessionID string, volume int) int {
	if volume < MinVolume {
		volume = MinVolume
	}
	if volume > MaxVolume {
		volume = MaxVolume
	}
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.volume = volume
	return volume
}

// Autoplay returns the autoplay flag.
func (s *Store) Autoplay(sessionID string) bool {
	sess := s.peek(sessionID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.autoplay
}

// ToggleAutoplay flips autoplay and returns the new value. Autoplay and
// track loop are mutually exclusive: enabling autoplay forces the loop
// mode off when it was looping a single track.
func (s *Store) ToggleAutoplay(sessionID string) bool {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.autoplay = !sess.autoplay
	if sess.autoplay && sess.loopMode == LoopTrack {
		sess.loopMode = LoopOff
	}
	return sess.autoplay
}

// SetTransitioning flags that a play-next operation is in flight. A
// no-op for sessions that do not exist: the flag is advancement
// bookkeeping and must not revive a torn-down session.
func (s *Store) SetTransitioning(sessionID string, transitioning bool) {
	sess := s.peek(sessionID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.transitioning = transitioning
}

// Transitioning reports whether a play-next operation is in flight.
func (s *Store) Transitioning(sessionID string) bool {
	sess := s.peek(sessionID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.transitioning
}

// AddRecentTitle records a played title in the bounded history.
func (s *Store) AddRecentTitle(sessionID, title string) {
	normalized := normalizeTitle(title)
	if normalized == "" {
		return
	}
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, ok := sess.recentSet[normalized]; ok {
		return
	}
	sess.recentTitles = append(sess.recentTitles, normalized)
	sess.recentSet[normalized] = struct{}{}
	if len(sess.recentTitles) > recentTitleLimit {
		oldest := sess.recentTitles[0]
		sess.recentTitles = sess.recentTitles[1:]
		delete(sess.recentSet, oldest)
	}
}

// IsRecentTitle reports whether a title was played recently.
func (s *Store) IsRecentTitle(sessionID, title string) bool {
	sess := s.peek(sessionID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_, ok := sess.recentSet[normalizeTitle(title)]
	return ok
}

// SetChannels binds the session to its voice and text channels.
func (s *Store) SetChannels(sessionID, voiceChannelID, textChannelID string) {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.voiceChannelID = voiceChannelID
	sess.textChannelID = textChannelID
}

// SetNowPlayingMessage stores the reference of the last status message.
func (s *Store) SetNowPlayingMessage(sessionID, messageRef string) {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.nowPlayingMessage = messageRef
}

// Snapshot returns a read-only copy of the session state. An unknown
// session yields the zero state a fresh session would have.
func (s *Store) Snapshot(sessionID string) Snapshot {
	sess := s.peek(sessionID)
	if sess == nil {
		return Snapshot{Volume: defaultVolume}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	tracks := make([]*audionode.Track, len(sess.tracks))
	copy(tracks, sess.tracks)
	return Snapshot{
		Tracks:            tracks,
		CurrentTrack:      sess.currentTrack,
		LoopMode:          sess.loopMode,
		Shuffled:          sess.shuffled,
		Volume:            sess.volume,
		Autoplay:          sess.autoplay,
		Transitioning:     sess.transitioning,
		VoiceChannelID:    sess.voiceChannelID,
		TextChannelID:     sess.textChannelID,
		NowPlayingMessage: sess.nowPlayingMessage,
	}
}

// PushTail appends a track to the tail. Used by queue-loop advancement to
// recycle the finished track.
func (s *Store) PushTail(sessionID string, track *audionode.Track) {
	s.AddTrack(sessionID, track, false)
}
