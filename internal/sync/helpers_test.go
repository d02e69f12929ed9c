package sync

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmw1990/offline_sync/internal/netmon"
	"github.com/cmw1990/offline_sync/internal/status"
	"github.com/cmw1990/offline_sync/internal/store"
)

// fakeMonitor lets tests flip connectivity with or without notifying.
type fakeMonitor struct {
	mu     sync.Mutex
	status netmon.Status
	subs   map[int]func(netmon.Status)
	next   int
}

func newFakeMonitor(s netmon.Status) *fakeMonitor {
	return &fakeMonitor{status: s, subs: make(map[int]func(netmon.Status))}
}

func (m *fakeMonitor) Subscribe(cb func(netmon.Status)) func() {
	m.mu.Lock()
	m.next++
	id := m.next
	m.subs[id] = cb
	current := m.status
	m.mu.Unlock()

	cb(current)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *fakeMonitor) CurrentStatus() netmon.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// setQuietly changes the status without notifying subscribers.
func (m *fakeMonitor) setQuietly(s netmon.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// set changes the status and notifies subscribers.
func (m *fakeMonitor) set(s netmon.Status) {
	m.mu.Lock()
	m.status = s
	subs := make([]func(netmon.Status), 0, len(m.subs))
	for _, cb := range m.subs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()
	for _, cb := range subs {
		cb(s)
	}
}

// fakeTransport records requests and answers them with handler.
type fakeTransport struct {
	mu       sync.Mutex
	requests []Request
	handler  func(ctx context.Context, req Request) (*Response, error)
}

func (f *fakeTransport) Do(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return &Response{StatusCode: 200}, nil
	}
	return handler(ctx, req)
}

func (f *fakeTransport) setHandler(h func(ctx context.Context, req Request) (*Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

func respond(code int, body string) func(context.Context, Request) (*Response, error) {
	return func(context.Context, Request) (*Response, error) {
		return &Response{StatusCode: code, Body: []byte(body)}, nil
	}
}

type testEngine struct {
	*Engine
	monitor   *fakeMonitor
	transport *fakeTransport
	store     *store.Memory
	events    *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []status.Event
}

func (l *eventLog) add(e status.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []status.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]status.Event(nil), l.events...)
}

// newTestEngine initializes an engine while offline and then switches the
// monitor online without notifying, so no background sync starts.
func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	mon := newFakeMonitor(netmon.Offline)
	tr := &fakeTransport{}
	mem := store.NewMemory()
	events := &eventLog{}

	e, err := New(Options{Store: mem, Monitor: mon, Transport: tr, Config: cfg})
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(e.Dispose)

	e.Publisher().AddListener(events.add)
	mon.setQuietly(netmon.Online)
	return &testEngine{Engine: e, monitor: mon, transport: tr, store: mem, events: events}
}
