package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aliscie/ic-websocket-gateway/canister"
	"github.com/aliscie/ic-websocket-gateway/principal"
	"github.com/aliscie/ic-websocket-gateway/telemetry"
)

// ManagerOptions tune poller spawning.
type ManagerOptions struct {
	// PollingInterval is the pause before each canister poll.
	PollingInterval time.Duration
	// ChannelBound sizes every bounded channel the manager creates.
	ChannelBound int
}

// pollerHandle is the manager's grip on one running poller: its intake
// channel plus a done channel the poller goroutine closes when it exits,
// which is how registration races with termination are resolved.
type pollerHandle struct {
	intake chan IntakeEvent
	done   chan struct{}
}

// Manager is the connection manager: it tracks at most one poller per
// canister, spawns one when the first client for a canister arrives, and
// announces later clients to the running poller. The poller's own sink and
// queue maps are never touched from here; everything crosses the intake
// channel.
type Manager struct {
	mu      sync.Mutex
	pollers map[principal.Principal]*pollerHandle

	client      *canister.Client
	opts        ManagerOptions
	analyzer    *telemetry.Analyzer
	termination chan TerminationInfo
	log         *zap.SugaredLogger
	wg          sync.WaitGroup
}

// NewManager creates a connection manager.
func NewManager(client *canister.Client, opts ManagerOptions, analyzer *telemetry.Analyzer, log *zap.SugaredLogger) *Manager {
	return &Manager{
		pollers:     make(map[principal.Principal]*pollerHandle),
		client:      client,
		opts:        opts,
		analyzer:    analyzer,
		termination: make(chan TerminationInfo, opts.ChannelBound),
		log:         log,
	}
}

// Run drains poller termination signals until ctx is cancelled, then waits
// for all pollers to stop.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case info := <-m.termination:
			m.log.Infow("poller terminated",
				"canister_id", info.CanisterID.String(),
				"reason", info.Reason.String(),
			)
			m.reap(info.CanisterID)
		}
	}
}

// reap removes the registry entry for canisterID once its poller goroutine
// has actually exited. A handle whose done channel is still open is left
// alone: it belongs to a live (possibly respawned) poller, or to one still
// exiting, whose goroutine drops its own handle on the way out.
func (m *Manager) reap(canisterID principal.Principal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.pollers[canisterID]
	if !ok {
		return
	}
	select {
	case <-h.done:
		delete(m.pollers, canisterID)
	default:
	}
}

// ClientConnected wires a session that reached Setup into the canister's
// poller, spawning one when this is the canister's first client. Blocks
// while the poller's intake channel is full.
func (m *Manager) ClientConnected(ctx context.Context, canisterID, client principal.Principal, sink Sink) {
	for {
		m.mu.Lock()
		h, ok := m.pollers[canisterID]
		if !ok {
			m.spawnLocked(ctx, canisterID, client, sink)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		// A terminated poller never drains its intake buffer, so check for
		// an already-dead handle before a buffered send can swallow the
		// event.
		select {
		case <-h.done:
			m.dropHandle(canisterID, h)
			continue
		default:
		}

		select {
		case h.intake <- IntakeEvent{Kind: IntakeNewClient, Principal: client, Sink: sink}:
			m.log.Debugw("announced client to existing poller",
				"canister_id", canisterID.String(),
				"client_principal", client.String(),
			)
			return
		case <-h.done:
			// The poller exited between lookup and send; drop the stale
			// handle and retry, which spawns a fresh poller with this
			// client as its first.
			m.dropHandle(canisterID, h)
		case <-ctx.Done():
			return
		}
	}
}

// ClientDisconnected announces a session's departure to the canister's
// poller. A poller that already exited needs no announcement.
func (m *Manager) ClientDisconnected(ctx context.Context, canisterID, client principal.Principal) {
	m.mu.Lock()
	h, ok := m.pollers[canisterID]
	m.mu.Unlock()
	if !ok {
		return
	}

	select {
	case h.intake <- IntakeEvent{Kind: IntakeClientDisconnected, Principal: client}:
	case <-h.done:
		m.dropHandle(canisterID, h)
	case <-ctx.Done():
	}
}

// spawnLocked starts a poller for canisterID with client as its first
// registered session. Caller holds m.mu.
func (m *Manager) spawnLocked(ctx context.Context, canisterID, client principal.Principal, sink Sink) {
	h := &pollerHandle{
		intake: make(chan IntakeEvent, m.opts.ChannelBound),
		done:   make(chan struct{}),
	}
	m.pollers[canisterID] = h

	poller := NewPoller(canisterID, m.client, m.opts.PollingInterval, m.analyzer, m.log.Named("poller"))

	m.log.Infow("spawning poller",
		"canister_id", canisterID.String(),
		"first_client", client.String(),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.dropHandle(canisterID, h)
		defer close(h.done)
		poller.Run(ctx, h.intake, m.termination, client, sink)
	}()
}

// dropHandle removes a handle from the registry if it is still the mapped
// one.
func (m *Manager) dropHandle(canisterID principal.Principal, h *pollerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollers[canisterID] == h {
		delete(m.pollers, canisterID)
	}
}
