// Package voice manages audio-channel membership for each session:
// joining and leaving, counting human listeners, and disconnecting
// sessions whose channel has been empty past a grace period.
package voice

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when a session has no bound voice channel.
var ErrNotConnected = errors.New("session has no voice connection")

const (
	// DefaultIdleGrace is how long a channel may stay empty of humans
	// before the session is torn down.
	DefaultIdleGrace = 40 * time.Second

	// DefaultSweepInterval is how often idle deadlines are checked. The
	// sweep may overshoot a deadline by up to one interval; that is
	// acceptable, indefinite drift is not.
	DefaultSweepInterval = 10 * time.Second
)

// Gateway abstracts the voice/channel platform. Implemented by
// DiscordGateway in production and by fakes in tests.
type Gateway interface {
	JoinChannel(guildID, channelID string) error
	LeaveChannel(guildID string) error
	// ListenerCount returns the number of non-bot members currently in
	// the channel.
	ListenerCount(guildID, channelID string) (int, error)
}

// IdleFunc is invoked when a session's channel has been empty past the
// grace period.
type IdleFunc func(sessionID string)

type binding struct {
	channelID     string
	emptyDeadline time.Time // zero while humans are present
}

// Manager tracks which voice channel each session is bound to and runs
// the inactivity sweep.
type Manager struct {
	gateway Gateway
	logger  *zap.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	onIdle   IdleFunc

	idleGrace     time.Duration
	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// NewManager creates a voice connection manager.
func NewManager(gateway Gateway, logger *zap.Logger) *Manager {
	return &Manager{
		gateway:       gateway,
		logger:        logger.Named("voice"),
		bindings:      make(map[string]*binding),
		idleGrace:     DefaultIdleGrace,
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
	}
}

// SetIdleGrace overrides the empty-channel grace period.
func (m *Manager) SetIdleGrace(grace time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleGrace = grace
}

// OnIdle registers the callback fired when a session goes idle.
func (m *Manager) OnIdle(fn IdleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIdle = fn
}

// Connect joins the session to the given voice channel.
func (m *Manager) Connect(sessionID, channelID string) error {
	if err := m.gateway.JoinChannel(sessionID, channelID); err != nil {
		return err
	}
	m.mu.Lock()
	m.bindings[sessionID] = &binding{channelID: channelID}
	m.mu.Unlock()
	m.logger.Info("joined voice channel",
		zap.String("session_id", sessionID), zap.String("channel_id", channelID))
	return nil
}

// Disconnect leaves the session's voice channel and unbinds it.
func (m *Manager) Disconnect(sessionID string) error {
	m.mu.Lock()
	_, bound := m.bindings[sessionID]
	delete(m.bindings, sessionID)
	m.mu.Unlock()
	if !bound {
		return ErrNotConnected
	}
	return m.gateway.LeaveChannel(sessionID)
}

// ChannelID returns the channel the session is bound to, or empty.
func (m *Manager) ChannelID(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[sessionID]; ok {
		return b.channelID
	}
	return ""
}

// ListenerCount returns the number of human listeners in the session's
// bound channel.
func (m *Manager) ListenerCount(sessionID string) (int, error) {
	channelID := m.ChannelID(sessionID)
	if channelID == "" {
		return 0, ErrNotConnected
	}
	return m.gateway.ListenerCount(sessionID, channelID)
}

// StartSweep launches the periodic inactivity check. Safe to call once.
func (m *Manager) StartSweep() {
	m.sweepOnce.Do(func() {
		go m.sweepLoop()
	})
}

// StopSweep stops the inactivity check.
func (m *Manager) StopSweep() {
	close(m.stopSweep)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.Sweep(time.Now())
		}
	}
}

// Sweep checks every bound session once: sessions with human listeners
// get their deadline cleared, empty sessions get one armed, and sessions
// past their deadline are reported idle. Exported so tests can drive it
// without real time passing.
func (m *Manager) Sweep(now time.Time) {
	m.mu.Lock()
	type check struct {
		sessionID string
		channelID string
	}
	checks := make([]check, 0, len(m.bindings))
	for sessionID, b := range m.bindings {
		checks = append(checks, check{sessionID, b.channelID})
	}
	onIdle := m.onIdle
	grace := m.idleGrace
	m.mu.Unlock()

	var idle []string
	for _, c := range checks {
		count, err := m.gateway.ListenerCount(c.sessionID, c.channelID)
		if err != nil {
			m.logger.Debug("listener count failed",
				zap.String("session_id", c.sessionID), zap.Error(err))
			continue
		}

		m.mu.Lock()
		b, ok := m.bindings[c.sessionID]
		if !ok {
			m.mu.Unlock()
			continue
		}
		switch {
		case count > 0:
			b.emptyDeadline = time.Time{}
		case b.emptyDeadline.IsZero():
			b.emptyDeadline = now.Add(grace)
		case now.After(b.emptyDeadline):
			idle = append(idle, c.sessionID)
		}
		m.mu.Unlock()
	}

	for _, sessionID := range idle {
		m.logger.Info("voice channel idle past grace, cleaning up",
			zap.String("session_id", sessionID))
		if onIdle != nil {
			onIdle(sessionID)
		}
	}
}

// DiscordGateway implements Gateway on top of a discordgo session.
type DiscordGateway struct {
	session *discordgo.Session
}

// NewDiscordGateway wraps a discordgo session.
func NewDiscordGateway(session *discordgo.Session) *DiscordGateway {
	return &DiscordGateway{session: session}
}

// JoinChannel joins the voice channel with retry, then waits for the
// connection to report ready.
func (g *DiscordGateway) JoinChannel(guildID, channelID string) error {
	var vc *discordgo.VoiceConnection
	var err error

	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		vc, err = g.session.ChannelVoiceJoin(guildID, channelID, false, true)
		if err == nil {
			break
		}
		if i < maxRetries-1 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to join voice channel after %d attempts: %w", maxRetries, err)
	}

	timeout := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			vc.Disconnect()
			return errors.New("voice connection timed out")
		case <-ticker.C:
			if vc.Ready {
				return nil
			}
		}
	}
}

// LeaveChannel disconnects from the guild's voice channel, if any.
func (g *DiscordGateway) LeaveChannel(guildID string) error {
	for _, vc := range g.session.VoiceConnections {
		if vc.GuildID == guildID {
			return vc.Disconnect()
		}
	}
	return nil
}

// ListenerCount counts non-bot members present in the channel.
func (g *DiscordGateway) ListenerCount(guildID, channelID string) (int, error) {
	guild, err := g.session.State.Guild(guildID)
	if err != nil {
		return 0, fmt.Errorf("could not find guild: %w", err)
	}

	count := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		if vs.UserID == g.session.State.User.ID {
			continue
		}
		member, err := g.session.State.Member(guildID, vs.UserID)
		if err == nil && member.User != nil && member.User.Bot {
			continue
		}
		count++
	}
	return count, nil
}
