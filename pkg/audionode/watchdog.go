package audionode

import (
	"time"

	"go.uber.org/zap"
)

// watchdogLoop periodically checks cluster health. When every node is
// disconnected and no reconnect is in flight, it tears the node set down
// and rebuilds it from configuration. Rebuilds are bounded: once the
// budget is exhausted the manager stays degraded until a node comes back
// on its own or an operator intervenes.
func (m *Manager) watchdogLoop() {
	ticker := time.NewTicker(m.config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopWatchdog:
			return
		case <-ticker.C:
			m.checkCluster()
		}
	}
}

func (m *Manager) checkCluster() {
	m.mu.Lock()
	if !m.started || m.degraded {
		m.mu.Unlock()
		return
	}

	anyAlive := false
	for _, node := range m.nodes {
		if node.State() == StateConnected || node.State() == StateConnecting || node.Reconnecting() {
			anyAlive = true
			break
		}
	}
	if anyAlive {
		m.mu.Unlock()
		return
	}

	m.rebuilds++
	if m.rebuilds > m.config.MaxRebuilds {
		m.degraded = true
		m.mu.Unlock()
		m.logger.Error("cluster rebuild budget exhausted, entering degraded state",
			zap.Int("attempts", m.config.MaxRebuilds),
		)
		return
	}

	attempt := m.rebuilds
	oldNodes := m.nodes
	m.nodes = nil
	for _, nc := range m.config.Nodes {
		m.nodes = append(m.nodes, newNode(nc, m, m.logger))
	}
	newNodes := make([]*Node, len(m.nodes))
	copy(newNodes, m.nodes)
	m.mu.Unlock()

	m.logger.Warn("rebuilding audio node connections",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", m.config.MaxRebuilds),
	)

	for _, node := range oldNodes {
		node.close()
	}
	for _, node := range newNodes {
		go node.connect()
	}
}
