// Package connectivity tracks whether the list server is reachable and
// emits a signal when it becomes reachable again.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor is fed network outcomes by the cache router and, while
// offline, probes the health endpoint itself. Each offline to online
// transition produces one value on Restored. Values are coalesced: if
// nobody has consumed the previous signal, a new transition does not
// queue a second one.
type Monitor struct {
	probeURL string
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	online bool

	restored chan struct{}
}

// NewMonitor returns a Monitor that assumes the server is reachable until
// told otherwise.
func NewMonitor(probeURL string, client *http.Client, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		probeURL: probeURL,
		client:   client,
		interval: interval,
		logger:   logger,
		online:   true,
		restored: make(chan struct{}, 1),
	}
}

// Restored is the "connectivity restored" channel.
func (m *Monitor) Restored() <-chan struct{} {
	return m.restored
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// ReportSuccess records that a request reached the server.
func (m *Monitor) ReportSuccess() {
	m.mu.Lock()
	wasOffline := !m.online
	m.online = true
	m.mu.Unlock()

	if wasOffline {
		m.logger.Info("connectivity restored")

		select {
		case m.restored <- struct{}{}:
		default:
		}
	}
}

// ReportFailure records a transport-level failure.
func (m *Monitor) ReportFailure() {
	m.mu.Lock()
	wasOnline := m.online
	m.online = false
	m.mu.Unlock()

	if wasOnline {
		m.logger.Warn("connectivity lost")
	}
}

// Run probes the health endpoint every interval while offline. Blocks
// until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !m.Online() {
				m.probe(ctx)
			}
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("probe failed", slog.String("error", err.Error()))
		return
	}

	resp.Body.Close()
	m.ReportSuccess()
}
