package preserve

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/latoulicious/Resona/pkg/events"
)

// SnapshotFunc captures the current state of every session with an
// active player. Supplied by the composition root, since assembling a
// snapshot needs the queue store and the node manager.
type SnapshotFunc func() []State

// Monitor bridges cluster lifecycle events to the durable store: on
// cluster-down it snapshots every active session, on cluster-up it
// announces restoration offers for every fresh snapshot.
type Monitor struct {
	store    *Store
	bus      *events.Bus
	snapshot SnapshotFunc
	logger   *zap.Logger

	unsubscribes []func()
}

// NewMonitor wires a monitor onto the bus. Call Stop to detach.
func NewMonitor(store *Store, bus *events.Bus, snapshot SnapshotFunc, logger *zap.Logger) *Monitor {
	m := &Monitor{
		store:    store,
		bus:      bus,
		snapshot: snapshot,
		logger:   logger.Named("preserve.monitor"),
	}
	m.unsubscribes = append(m.unsubscribes,
		bus.Subscribe(events.TypeClusterDown, m.onClusterDown),
		bus.Subscribe(events.TypeClusterUp, m.onClusterUp),
	)
	return m
}

// Stop detaches the monitor from the bus.
func (m *Monitor) Stop() {
	for _, unsubscribe := range m.unsubscribes {
		unsubscribe()
	}
	m.unsubscribes = nil
}

func (m *Monitor) onClusterDown(events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	states := m.snapshot()
	for _, state := range states {
		if err := m.store.Preserve(ctx, state); err != nil {
			m.logger.Error("failed to preserve session",
				zap.String("session_id", state.SessionID), zap.Error(err))
			continue
		}
		m.logger.Info("preserved session state",
			zap.String("session_id", state.SessionID),
			zap.String("track", state.Track.Title),
		)
	}
}

func (m *Monitor) onClusterUp(events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids, err := m.store.ListIDs(ctx)
	if err != nil {
		m.logger.Error("failed to list preserved sessions", zap.Error(err))
		return
	}
	for _, sessionID := range ids {
		state, err := m.store.Read(ctx, sessionID)
		if err != nil {
			m.logger.Error("failed to read preserved session",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if state == nil {
			// Stale, already discarded by Read.
			continue
		}
		m.bus.Publish(events.Event{
			Type:      events.TypeRestoreAvailable,
			SessionID: sessionID,
			Payload:   state,
		})
	}
}
