// Package presence mirrors playback activity onto the bot's status:
// while a track is playing the status shows what is being listened to,
// otherwise it falls back to a server-count summary.
package presence

import (
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/latoulicious/Resona/pkg/audionode"
	"github.com/latoulicious/Resona/pkg/events"
	"github.com/latoulicious/Resona/pkg/queue"
)

// refreshInterval is how often the idle status is re-derived from the
// guild count.
const refreshInterval = 5 * time.Minute

// Manager keeps the bot's Discord status in sync with playback.
type Manager struct {
	session *discordgo.Session
	store   *queue.Store
	logger  *zap.Logger

	mu      sync.Mutex
	playing bool

	unsubscribes []func()
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewManager wires a presence manager onto the bus.
func NewManager(session *discordgo.Session, store *queue.Store, bus *events.Bus, logger *zap.Logger) *Manager {
	m := &Manager{
		session: session,
		store:   store,
		logger:  logger.Named("presence"),
		stop:    make(chan struct{}),
	}
	m.unsubscribes = append(m.unsubscribes,
		bus.Subscribe(events.TypeTrackStart, m.onTrackStart),
		bus.Subscribe(events.TypeQueueEnded, m.onPlaybackStopped),
		bus.Subscribe(events.TypeSessionCleanup, m.onPlaybackStopped),
	)
	return m
}

// Start shows the idle status and begins periodic refreshes.
func (m *Manager) Start() {
	m.showIdle()
	go m.refreshLoop()
}

// Stop detaches the manager from the bus and halts refreshes.
func (m *Manager) Stop() {
	for _, unsubscribe := range m.unsubscribes {
		unsubscribe()
	}
	m.unsubscribes = nil
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			playing := m.playing
			m.mu.Unlock()
			if !playing {
				m.showIdle()
			}
		}
	}
}

func (m *Manager) onTrackStart(e events.Event) {
	track, ok := e.Payload.(*audionode.Track)
	if !ok {
		return
	}
	m.mu.Lock()
	m.playing = true
	m.mu.Unlock()
	m.update(discordgo.Activity{
		Name:  "to",
		Type:  discordgo.ActivityTypeListening,
		State: track.Title,
	})
}

func (m *Manager) onPlaybackStopped(events.Event) {
	// Another session may still be mid-track.
	for _, id := range m.store.SessionIDs() {
		if current := m.store.Current(id); current != nil {
			m.update(discordgo.Activity{
				Name:  "to",
				Type:  discordgo.ActivityTypeListening,
				State: current.Title,
			})
			return
		}
	}

	m.mu.Lock()
	m.playing = false
	m.mu.Unlock()
	m.showIdle()
}

func (m *Manager) showIdle() {
	guilds := len(m.session.State.Guilds)
	m.update(discordgo.Activity{
		Name: "in " + strconv.Itoa(guilds) + " servers",
		Type: discordgo.ActivityTypeWatching,
	})
}

func (m *Manager) update(activity discordgo.Activity) {
	err := m.session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status:     "online",
		Activities: []*discordgo.Activity{&activity},
	})
	if err != nil {
		m.logger.Debug("failed to update presence", zap.Error(err))
	}
}
