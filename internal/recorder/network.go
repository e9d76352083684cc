package recorder

import (
	"context"
	"errors"
	"log"
	"net"
	"net/url"
	"sync"
	"syscall"
	"time"
)

// Prober checks whether the server is reachable
type Prober interface {
	Health(ctx context.Context) error
}

// OnlineSetter receives network transitions
type OnlineSetter interface {
	SetOnline(online bool)
}

// NetworkMonitor probes the server on an interval and reports transitions to the queue
type NetworkMonitor struct {
	prober   Prober
	target   OnlineSetter
	interval time.Duration

	mu     sync.Mutex
	online bool
}

// NewNetworkMonitor creates a monitor that assumes the network is up
func NewNetworkMonitor(prober Prober, target OnlineSetter, interval time.Duration) *NetworkMonitor {
	return &NetworkMonitor{
		prober:   prober,
		target:   target,
		interval: interval,
		online:   true,
	}
}

// Run probes until ctx is cancelled
func (m *NetworkMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and applies the result
func (m *NetworkMonitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	online := m.prober.Health(probeCtx) == nil
	if ctx.Err() != nil {
		return m.Online()
	}
	m.apply(online)
	return online
}

// ReportFailure marks the network down when a delivery failed at the transport level,
// so the next successful probe forces a flush of everything pending
func (m *NetworkMonitor) ReportFailure(err error) {
	if IsNetworkError(err) {
		m.apply(false)
	}
}

// Online returns the last known state
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *NetworkMonitor) apply(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	if online {
		log.Printf("Network: server reachable again")
	} else {
		log.Printf("Network: server unreachable")
	}
	m.target.SetOnline(online)
}

// IsNetworkError reports whether err came from the transport rather than from the server
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
