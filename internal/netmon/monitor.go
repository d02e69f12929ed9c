// Package netmon tracks connectivity and publishes debounced status transitions.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cmw1990/offline_sync/internal/log"
)

// Status is the connectivity state.
type Status int

const (
	Offline Status = iota
	Online
)

func (s Status) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

const (
	// DefaultStabilization is how long an observed status must hold before it is published.
	DefaultStabilization = 1500 * time.Millisecond
	// DefaultProbeInterval is the probe loop period.
	DefaultProbeInterval = 10 * time.Second
)

// Prober checks connectivity once.
type Prober interface {
	Probe(ctx context.Context) Status
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) Status

// Probe implements Prober
func (f ProberFunc) Probe(ctx context.Context) Status {
	return f(ctx)
}

// HTTPProber sends a HEAD request to URL. Any HTTP response counts as online.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober with a short request timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Probe implements Prober
func (p *HTTPProber) Probe(ctx context.Context) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return Offline
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return Offline
	}
	resp.Body.Close()
	return Online
}

// Config holds monitor timings. Zero values select the defaults.
type Config struct {
	Stabilization time.Duration
	ProbeInterval time.Duration
}

type subscriber struct {
	id uint64
	cb func(Status)
}

// Monitor publishes connectivity transitions to subscribers. A transition is
// published once the observed status held for the stabilization window.
type Monitor struct {
	prober Prober
	config Config
	logger *logrus.Entry

	// deliver orders the subscribe replay against publish so a subscriber
	// never sees a stale status after a newer one.
	deliver sync.Mutex

	mu          sync.Mutex
	current     Status
	pending     *time.Timer
	pendingTo   Status
	subscribers []subscriber
	nextID      uint64
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a monitor. Until Start runs the status is Offline.
func New(prober Prober, config Config) *Monitor {
	if config.Stabilization <= 0 {
		config.Stabilization = DefaultStabilization
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultProbeInterval
	}
	return &Monitor{
		prober:  prober,
		config:  config,
		current: Offline,
		logger:  log.WithComponent("netmon"),
	}
}

// Start probes once to set the initial status without debouncing, then runs
// the probe loop until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	initial := m.prober.Probe(ctx)
	m.publish(initial)
	m.logger.WithField("status", initial).Info("Network monitor started")

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.config.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.Report(m.prober.Probe(loopCtx))
			}
		}
	}()
}

// Stop ends the probe loop and drops any pending transition.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentStatus returns the last published status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe calls cb with the current status now and once per published
// transition afterwards. The returned func unsubscribes.
func (m *Monitor) Subscribe(cb func(Status)) func() {
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers = append(m.subscribers, subscriber{id: id, cb: cb})
	current := m.current
	m.mu.Unlock()

	cb(current)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subscribers {
			if s.id == id {
				m.subscribers = append(m.subscribers[:i:i], m.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Report feeds an observed status. A change is published only if no
// contradicting observation arrives within the stabilization window.
func (m *Monitor) Report(observed Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if observed == m.current {
		if m.pending != nil {
			m.pending.Stop()
			m.pending = nil
			m.logger.WithField("status", observed).Debug("Transition cancelled, link flapped")
		}
		return
	}
	if m.pending != nil && m.pendingTo == observed {
		return
	}
	if m.pending != nil {
		m.pending.Stop()
	}
	m.pendingTo = observed
	var timer *time.Timer
	timer = time.AfterFunc(m.config.Stabilization, func() {
		m.mu.Lock()
		if m.pending != timer {
			m.mu.Unlock()
			return
		}
		m.pending = nil
		m.mu.Unlock()
		m.publish(observed)
	})
	m.pending = timer
}

func (m *Monitor) publish(s Status) {
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	if m.current == s {
		m.mu.Unlock()
		return
	}
	m.current = s
	snapshot := make([]subscriber, len(m.subscribers))
	copy(snapshot, m.subscribers)
	m.mu.Unlock()

	m.logger.WithField("status", s).Info("Network status changed")
	for _, sub := range snapshot {
		sub.cb(s)
	}
}
