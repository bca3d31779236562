package audionode

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/latoulicious/Resona/pkg/events"
)

// Manager owns the connections to the audio-processing cluster, exposes
// per-session player handles, and resolves search queries into playable
// track descriptors. A background watchdog rebuilds the cluster
// connections when every node is lost, bounded by a maximum attempt
// count after which the manager enters a degraded state.
type Manager struct {
	config    *ClusterConfig
	bus       *events.Bus
	logger    *zap.Logger
	botUserID string

	// rest abstracts track loading so the search chain is testable
	// without live nodes.
	rest      trackLoader
	secondary secondarySearcher
	metadata  MetadataResolver

	mu        sync.RWMutex
	started   bool
	nodes     []*Node
	players   map[string]*Player
	rebuilds  int
	degraded  bool
	connected bool // cluster-level view, guards up/down edge events

	cache   map[string]cachedLoad
	cacheMu sync.RWMutex

	stopWatchdog chan struct{}
}

// trackLoader resolves an identifier into a load result.
type trackLoader interface {
	loadTracks(ctx context.Context, identifier string) (*LoadResult, error)
}

// MetadataResolver resolves title and author for link types the primary
// search backend cannot load natively. It is a pluggable fallback: the
// manager functions without one for natively resolvable sources.
type MetadataResolver interface {
	// Resolve returns (title, author) for the given URL, or an error if
	// the resolver does not recognize it or is unavailable.
	Resolve(ctx context.Context, url string) (string, string, error)
	// Matches reports whether the URL belongs to this resolver's platform.
	Matches(url string) bool
}

// NewManager creates a new audio node manager. botUserID identifies the
// bot to the nodes; metadata may be nil when no cross-platform resolver
// is configured.
func NewManager(config *ClusterConfig, bus *events.Bus, metadata MetadataResolver, botUserID string, logger *zap.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultClusterConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		config:       config,
		bus:          bus,
		logger:       logger.Named("audionode"),
		botUserID:    botUserID,
		metadata:     metadata,
		players:      make(map[string]*Player),
		cache:        make(map[string]cachedLoad),
		stopWatchdog: make(chan struct{}),
	}
	m.rest = &clusterLoader{manager: m}
	m.secondary = &ytmusicSearcher{}
	return m, nil
}

// Connect establishes connections to all configured nodes and starts the
// watchdog. Calling Connect on an already-connected manager is a no-op.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	for _, nc := range m.config.Nodes {
		m.nodes = append(m.nodes, newNode(nc, m, m.logger))
	}
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	m.mu.Unlock()

	for _, node := range nodes {
		go node.connect()
	}
	go m.watchdogLoop()
	return nil
}

// Close tears down the watchdog and every node connection.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopWatchdog)
	nodes := m.nodes
	m.nodes = nil
	m.players = make(map[string]*Player)
	m.mu.Unlock()

	for _, node := range nodes {
		node.close()
	}
}

// Ready reports whether at least one node is connected.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Degraded reports whether the watchdog has exhausted its rebuild budget.
func (m *Manager) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// GetPlayer returns the player for the session, or nil if none exists.
func (m *Manager) GetPlayer(sessionID string) *Player {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.players[sessionID]
}

// EnsurePlayer returns the existing player for the session or creates one
// bound to an available node.
func (m *Manager) EnsurePlayer(sessionID string) (*Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if player, ok := m.players[sessionID]; ok {
		return player, nil
	}
	node := m.availableNodeLocked()
	if node == nil {
		return nil, ErrNodeUnavailable
	}
	player := newPlayer(sessionID, node)
	m.players[sessionID] = player
	return player, nil
}

// DestroyPlayer removes the session's player locally and on the node.
func (m *Manager) DestroyPlayer(ctx context.Context, sessionID string) {
	m.mu.Lock()
	player := m.players[sessionID]
	delete(m.players, sessionID)
	m.mu.Unlock()

	if player != nil {
		if err := player.Destroy(ctx); err != nil {
			m.logger.Debug("player destroy failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// ActivePlayers returns a snapshot of all live players, keyed by session.
func (m *Manager) ActivePlayers() map[string]*Player {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Player, len(m.players))
	for id, p := range m.players {
		out[id] = p
	}
	return out
}

func (m *Manager) availableNode() *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.availableNodeLocked()
}

func (m *Manager) availableNodeLocked() *Node {
	for _, node := range m.nodes {
		if node.State() == StateConnected {
			return node
		}
	}
	return nil
}

func (m *Manager) handleNodeReady(n *Node) {
	m.mu.Lock()
	m.rebuilds = 0
	m.degraded = false
	wasDown := !m.connected
	m.connected = true
	m.mu.Unlock()

	m.bus.Publish(events.Event{Type: events.TypeNodeReady, Payload: n.Name()})
	if wasDown {
		m.bus.Publish(events.Event{Type: events.TypeClusterUp, Payload: n.Name()})
	}
}

func (m *Manager) handleNodeClosed(n *Node) {
	m.bus.Publish(events.Event{Type: events.TypeNodeClosed, Payload: n.Name()})

	m.mu.Lock()
	anyConnected := false
	for _, node := range m.nodes {
		if node.State() == StateConnected {
			anyConnected = true
			break
		}
	}
	wasConnected := m.connected
	if !anyConnected {
		m.connected = false
	}
	m.mu.Unlock()

	// The cluster-down event fires while the dead players are still
	// registered: the preservation snapshot needs their last known
	// position before they are dropped.
	if wasConnected && !anyConnected {
		m.logger.Warn("all audio nodes lost")
		m.bus.Publish(events.Event{Type: events.TypeClusterDown, Payload: n.Name()})
	}

	m.mu.Lock()
	// Players bound to a dead node cannot be reused; they are recreated
	// during restoration.
	for id, player := range m.players {
		if player.node == n {
			delete(m.players, id)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) handleTrackEnd(guildID string, reason EndReason) {
	if player := m.GetPlayer(guildID); player != nil {
		player.mu.Lock()
		player.playing = false
		player.mu.Unlock()
	}
	m.bus.Publish(events.Event{Type: events.TypeTrackEnd, SessionID: guildID, Payload: reason})
}

func (m *Manager) handleTrackException(guildID string, exception *LoadError) {
	m.bus.Publish(events.Event{Type: events.TypeTrackException, SessionID: guildID, Payload: exception})
}

func (m *Manager) handleTrackStuck(guildID string) {
	m.bus.Publish(events.Event{Type: events.TypeTrackStuck, SessionID: guildID})
}
