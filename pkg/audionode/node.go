package audionode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Node is one connection to an audio-processing node. It keeps the
// websocket event stream open and issues REST commands against the same
// endpoint. Nodes are created at manager initialization and only removed
// on shutdown.
type Node struct {
	config  NodeConfig
	manager *Manager
	logger  *zap.Logger

	httpClient *http.Client

	mu           sync.RWMutex
	conn         *websocket.Conn
	state        ConnectionState
	sessionID    string
	reconnecting bool
	closed       bool
}

func newNode(config NodeConfig, manager *Manager, logger *zap.Logger) *Node {
	return &Node{
		config:  config,
		manager: manager,
		logger:  logger.Named("node").With(zap.String("node", config.Name)),
		httpClient: &http.Client{
			Timeout: manager.config.RestTimeout,
		},
	}
}

// Name returns the configured node name.
func (n *Node) Name() string {
	return n.config.Name
}

// State returns the current connection state.
func (n *Node) State() ConnectionState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Reconnecting reports whether a reconnect attempt is in flight.
func (n *Node) Reconnecting() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reconnecting
}

func (n *Node) wsURL() string {
	scheme := "ws"
	if n.config.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/v4/websocket", scheme, n.config.Host, n.config.Port)
}

func (n *Node) restURL(path string) string {
	scheme := "http"
	if n.config.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, n.config.Host, n.config.Port, path)
}

// connect dials the node's websocket and starts the read loop. A second
// call while connected or reconnecting is a no-op.
func (n *Node) connect() {
	n.mu.Lock()
	if n.closed || n.state == StateConnected || n.reconnecting {
		n.mu.Unlock()
		return
	}
	n.reconnecting = true
	n.state = StateConnecting
	n.mu.Unlock()

	headers := http.Header{}
	headers.Set("Authorization", n.config.Password)
	headers.Set("User-Id", n.manager.botUserID)
	headers.Set("Client-Name", "Resona/1.0")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(n.wsURL(), headers)
	if err != nil {
		n.logger.Warn("failed to connect to audio node", zap.Error(err))
		n.mu.Lock()
		n.reconnecting = false
		n.state = StateDisconnected
		closed := n.closed
		n.mu.Unlock()
		if !closed {
			go func() {
				time.Sleep(n.manager.config.ReconnectDelay)
				n.connect()
			}()
		}
		return
	}

	n.mu.Lock()
	n.conn = conn
	n.state = StateConnected
	n.reconnecting = false
	n.mu.Unlock()

	n.logger.Info("connected to audio node")
	go n.readLoop(conn)
}

// close tears the connection down permanently. The read loop notices the
// closed socket and exits without scheduling a reconnect.
func (n *Node) close() {
	n.mu.Lock()
	n.closed = true
	n.state = StateDisconnecting
	conn := n.conn
	n.conn = nil
	n.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	n.mu.Lock()
	n.state = StateDisconnected
	n.mu.Unlock()
}

func (n *Node) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			n.handleDisconnect(err)
			return
		}

		var payload struct {
			Op        string          `json:"op"`
			SessionID string          `json:"sessionId"`
			Type      string          `json:"type"`
			GuildID   string          `json:"guildId"`
			State     json.RawMessage `json:"state"`
			Reason    string          `json:"reason"`
			Exception *LoadError      `json:"exception"`
		}
		if err := json.Unmarshal(message, &payload); err != nil {
			continue
		}

		switch payload.Op {
		case "ready":
			n.mu.Lock()
			n.sessionID = payload.SessionID
			n.mu.Unlock()
			n.logger.Info("audio node ready", zap.String("session_id", payload.SessionID))
			n.manager.handleNodeReady(n)
		case "playerUpdate":
			n.handlePlayerUpdate(payload.GuildID, payload.State)
		case "event":
			n.handleEvent(payload.Type, payload.GuildID, EndReason(payload.Reason), payload.Exception)
		}
	}
}

func (n *Node) handlePlayerUpdate(guildID string, state json.RawMessage) {
	var update struct {
		Position int64 `json:"position"`
	}
	if err := json.Unmarshal(state, &update); err != nil {
		return
	}
	if player := n.manager.GetPlayer(guildID); player != nil {
		player.setPosition(update.Position)
	}
}

func (n *Node) handleEvent(eventType, guildID string, reason EndReason, exception *LoadError) {
	switch eventType {
	case "TrackEndEvent":
		n.manager.handleTrackEnd(guildID, reason)
	case "TrackExceptionEvent":
		n.manager.handleTrackException(guildID, exception)
	case "TrackStuckEvent":
		n.manager.handleTrackStuck(guildID)
	case "WebSocketClosedEvent":
		n.logger.Warn("voice websocket closed", zap.String("guild_id", guildID))
	}
}

func (n *Node) handleDisconnect(err error) {
	n.mu.Lock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	wasClosed := n.closed
	n.state = StateDisconnected
	n.mu.Unlock()

	if wasClosed {
		return
	}

	n.logger.Warn("disconnected from audio node", zap.Error(err))
	n.manager.handleNodeClosed(n)

	go func() {
		time.Sleep(n.manager.config.ReconnectDelay)
		n.connect()
	}()
}

// loadTracks resolves an identifier through the node's REST surface.
func (n *Node) loadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.restURL("/v4/loadtracks"), nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("identifier", identifier)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", n.config.Password)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load tracks request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading load tracks response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load tracks returned status %d", resp.StatusCode)
	}
	return decodeLoadResult(body)
}

// playerUpdateRequest is the REST body for player mutations. Pointer
// fields are omitted when unset so partial updates do not clobber state.
type playerUpdateRequest struct {
	Track    *playerTrackUpdate `json:"track,omitempty"`
	Position *int64             `json:"position,omitempty"`
	Paused   *bool              `json:"paused,omitempty"`
	Volume   *int               `json:"volume,omitempty"`
}

type playerTrackUpdate struct {
	Encoded *string `json:"encoded"`
}

// updatePlayer issues a player mutation for the given guild.
func (n *Node) updatePlayer(ctx context.Context, guildID string, update playerUpdateRequest) error {
	n.mu.RLock()
	sessionID := n.sessionID
	n.mu.RUnlock()
	if sessionID == "" {
		return ErrNodeUnavailable
	}

	body, err := json.Marshal(update)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/v4/sessions/%s/players/%s", sessionID, guildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, n.restURL(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", n.config.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("player update request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("player update returned status %d", resp.StatusCode)
	}
	return nil
}

// destroyPlayer removes the node-side player for the given guild.
func (n *Node) destroyPlayer(ctx context.Context, guildID string) error {
	n.mu.RLock()
	sessionID := n.sessionID
	n.mu.RUnlock()
	if sessionID == "" {
		return ErrNodeUnavailable
	}

	path := fmt.Sprintf("/v4/sessions/%s/players/%s", sessionID, guildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, n.restURL(path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", n.config.Password)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("player destroy request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
