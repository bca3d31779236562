package queue

import (
	"strings"
	"sync"

	"github.com/latoulicious/Resona/pkg/audionode"
)

// LoopMode controls what happens when a track finishes naturally.
type LoopMode int

const (
	LoopOff LoopMode = iota
	LoopTrack
	LoopQueue
)

func (m LoopMode) String() string {
	switch m {
	case LoopOff:
		return "off"
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// Cycle advances off -> track -> queue -> off.
func (m LoopMode) Cycle() LoopMode {
	switch m {
	case LoopOff:
		return LoopTrack
	case LoopTrack:
		return LoopQueue
	default:
		return LoopOff
	}
}

// session is the per-guild aggregate. It is owned exclusively by the
// Store; all access goes through Store methods, which serialize on the
// session's own mutex so mutations on the same guild never interleave.
type session struct {
	mu sync.Mutex

	tracks       []*audionode.Track
	currentTrack *audionode.Track
	loopMode     LoopMode
	shuffled     bool
	volume       int
	autoplay     bool
	transitioning bool

	recentTitles []string
	recentSet    map[string]struct{}

	voiceChannelID    string
	textChannelID     string
	nowPlayingMessage string
}

// defaultVolume is the volume a fresh session starts with, and the value
// reported for sessions that do not exist.
const defaultVolume = 100

func newSession() *session {
	return &session{
		volume:    defaultVolume,
		recentSet: make(map[string]struct{}),
	}
}

// Snapshot is a read-only view of a session, used for diagnostics and
// display. It never aliases the session's internal slices.
type Snapshot struct {
	Tracks            []*audionode.Track
	CurrentTrack      *audionode.Track
	LoopMode          LoopMode
	Shuffled          bool
	Volume            int
	Autoplay          bool
	Transitioning     bool
	VoiceChannelID    string
	TextChannelID     string
	NowPlayingMessage string
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
