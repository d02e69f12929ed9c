// Package sync replays queued mutations against the remote API.
//
// An Engine owns one queue and runs at most one sync session at a time. A
// session is started by SyncNow, by the background scheduler or by the
// network monitor reporting that connectivity returned.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cmw1990/offline_sync/internal/cache"
	"github.com/cmw1990/offline_sync/internal/conflict"
	"github.com/cmw1990/offline_sync/internal/log"
	"github.com/cmw1990/offline_sync/internal/netmon"
	"github.com/cmw1990/offline_sync/internal/queue"
	"github.com/cmw1990/offline_sync/internal/retry"
	"github.com/cmw1990/offline_sync/internal/status"
	"github.com/cmw1990/offline_sync/internal/store"
)

// State is the session state of an engine.
type State int

const (
	Idle State = iota
	Syncing
	Aborting
)

func (s State) String() string {
	switch s {
	case Syncing:
		return "syncing"
	case Aborting:
		return "aborting"
	default:
		return "idle"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProgressFunc is called after every processed item of a session.
type ProgressFunc func(total, completed int)

// Monitor reports connectivity. *netmon.Monitor implements it.
type Monitor interface {
	Subscribe(cb func(netmon.Status)) func()
	CurrentStatus() netmon.Status
}

// Options are the collaborators of an Engine. Store and Monitor are required.
type Options struct {
	Store     store.Store
	Monitor   Monitor
	Transport Transport
	Resolver  *conflict.Resolver
	Publisher *status.Publisher
	Config    Config
}

// Status is a point-in-time view of the engine and its queue.
type Status struct {
	State        State      `json:"state"`
	Online       bool       `json:"online"`
	Pending      int        `json:"pending"`
	Failed       int        `json:"failed"`
	Total        int        `json:"total"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	NextSyncTime *time.Time `json:"next_sync_time,omitempty"`
}

// Mutation is a change to replay. It becomes a queue item on Enqueue.
type Mutation struct {
	Table     string            `json:"table"`
	EntityID  string            `json:"entity_id"`
	Operation queue.Operation   `json:"operation"`
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
}

// PurgeResult counts what PurgeExpired removed.
type PurgeResult struct {
	Queue int `json:"queue"`
	Cache int `json:"cache"`
}

type session struct {
	id     string
	cancel context.CancelFunc
}

// Engine is the offline-first sync engine.
type Engine struct {
	config    Config
	store     store.Store
	monitor   Monitor
	transport Transport
	resolver  *conflict.Resolver
	publisher *status.Publisher
	logger    *logrus.Entry
	now       func() time.Time

	queue     *queue.Queue
	cache     *cache.Cache
	scheduler *Scheduler

	mu          sync.Mutex
	state       State
	session     *session
	lastSync    time.Time
	unsubscribe func()
	baseCtx     context.Context
	stop        context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an engine. Call Init before use.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("sync engine requires a store")
	}
	if opts.Monitor == nil {
		return nil, errors.New("sync engine requires a network monitor")
	}
	cfg := opts.Config.withDefaults()
	if opts.Transport == nil {
		opts.Transport = NewHTTPTransport(cfg.RequestTimeout)
	}
	if opts.Resolver == nil {
		opts.Resolver = conflict.NewResolver(nil)
	}
	if opts.Publisher == nil {
		opts.Publisher = status.NewPublisher(false)
	}
	return &Engine{
		config:    cfg,
		store:     opts.Store,
		monitor:   opts.Monitor,
		transport: opts.Transport,
		resolver:  opts.Resolver,
		publisher: opts.Publisher,
		logger:    log.WithComponent("sync"),
		now:       time.Now,
	}, nil
}

// Init loads the queue, subscribes to the network monitor and starts the
// background scheduler. A store that cannot be read is returned as an error.
func (e *Engine) Init(ctx context.Context) error {
	q, err := queue.New(ctx, e.store, e.config.MaxRetries)
	if err != nil {
		return err
	}
	baseCtx, stop := context.WithCancel(context.WithoutCancel(ctx))

	e.mu.Lock()
	e.queue = q
	e.cache = cache.New(e.store, e.config.CacheTTL)
	e.baseCtx, e.stop = baseCtx, stop
	e.mu.Unlock()

	if !e.config.Manual {
		e.scheduler = NewScheduler(e.config.SyncInterval, func() { e.trigger("schedule") })
		if err := e.scheduler.Start(); err != nil {
			stop()
			return err
		}
	}

	unsubscribe := e.monitor.Subscribe(e.onNetworkStatus)
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"pending":       q.PendingCount(),
		"failed":        q.FailedCount(),
		"sync_interval": e.config.SyncInterval,
		"cache_ttl":     e.cache.TTL(),
	}).Info("Sync engine initialized")
	return nil
}

// Dispose cancels any session, stops background work and waits for it.
func (e *Engine) Dispose() {
	e.mu.Lock()
	unsubscribe, stop := e.unsubscribe, e.stop
	e.unsubscribe, e.stop = nil, nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.CancelSync()
	if stop != nil {
		stop()
	}
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	e.wg.Wait()
	e.logger.Info("Sync engine disposed")
}

// Publisher returns the status publisher events are sent to.
func (e *Engine) Publisher() *status.Publisher {
	return e.publisher
}

// Queue returns the underlying queue. It is nil before Init.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

func (e *Engine) online() bool {
	return e.monitor.CurrentStatus() == netmon.Online
}

func (e *Engine) onNetworkStatus(s netmon.Status) {
	e.publisher.SetOnline(s == netmon.Online)
	if s != netmon.Online {
		if e.CancelSync() {
			e.logger.Info("Went offline, cancelled sync session")
		}
		return
	}
	e.schedule("online")
}

// schedule runs a trigger in the background unless the engine is disposed
// or in manual mode.
func (e *Engine) schedule(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop == nil || e.config.Manual {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.trigger(reason)
	}()
}

// trigger starts a session when online, idle and the queue has pending items.
func (e *Engine) trigger(reason string) {
	e.mu.Lock()
	ctx, busy := e.baseCtx, e.session != nil
	e.mu.Unlock()
	if busy || ctx == nil || ctx.Err() != nil || !e.online() {
		return
	}
	if err := e.queue.Reload(ctx); err != nil {
		e.logger.WithError(err).Warn("Failed to reload queue for triggered sync")
		return
	}
	if e.queue.PendingCount() == 0 {
		return
	}
	e.logger.WithField("reason", reason).Debug("Triggering sync")
	e.SyncNow(ctx, nil)
}

// begin claims the session marker. It fails when a session exists or the
// engine is offline.
func (e *Engine) begin(ctx context.Context) (*session, context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue == nil || e.session != nil || e.state != Idle {
		return nil, nil, false
	}
	if !e.online() {
		return nil, nil, false
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &session{id: uuid.NewString(), cancel: cancel}
	e.session = s
	e.state = Syncing
	return s, sctx, true
}

func (e *Engine) end(s *session, completed bool) {
	s.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != s {
		return
	}
	e.session = nil
	e.state = Idle
	if completed {
		e.lastSync = e.now()
	}
}

// SyncNow replays the active queue items in timestamp order. It returns false
// without doing anything when a session is already running or the engine is
// offline, and otherwise reports whether every item succeeded.
func (e *Engine) SyncNow(ctx context.Context, progress ProgressFunc) bool {
	s, sctx, ok := e.begin(ctx)
	if !ok {
		e.logger.Debug("Sync rejected, session active or offline")
		return false
	}
	logger := e.logger.WithField("session", s.id)

	items, err := e.queue.ListOrdered(sctx)
	if err != nil {
		logger.WithError(err).Error("Failed to load sync queue")
		e.end(s, false)
		e.publisher.Publish(status.SyncCompleted{Success: false})
		return false
	}

	active := e.activeItems(items)
	if len(active) == 0 {
		e.end(s, true)
		return true
	}

	logger.WithField("items", len(active)).Info("Starting sync session")
	total, completed, succeeded := len(active), 0, 0
	cancelled := false
	for _, item := range active {
		if sctx.Err() != nil {
			cancelled = true
			break
		}
		err := e.process(sctx, item)
		if IsCancelled(err) {
			cancelled = true
			break
		}
		if err != nil {
			entry := logger.WithError(err).WithFields(logrus.Fields{
				"id":      item.ID,
				"kind":    failureKind(err),
				"retries": item.Retries + 1,
			})
			if IsStorage(err) {
				entry.Error("Queue item failed")
			} else {
				entry.Warn("Queue item failed")
			}
		} else {
			succeeded++
		}
		completed++
		if progress != nil {
			progress(total, completed)
		}
		e.publisher.Publish(status.SyncProgress{Total: total, Completed: completed})
	}

	e.end(s, !cancelled)
	success := !cancelled && succeeded == total
	logger.WithFields(logrus.Fields{
		"total":     total,
		"succeeded": succeeded,
		"cancelled": cancelled,
	}).Info("Sync session finished")
	e.publisher.Publish(status.SyncCompleted{Success: success})
	return success
}

// CancelSync moves a running session to Aborting and signals it. It reports
// whether there was a session to cancel.
func (e *Engine) CancelSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return false
	}
	e.state = Aborting
	e.session.cancel()
	return true
}

// State returns the current session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// activeItems drops items over the retry budget and, with backoff enabled,
// items still waiting out their delay.
func (e *Engine) activeItems(items []queue.Item) []queue.Item {
	now := e.now()
	active := make([]queue.Item, 0, len(items))
	for _, item := range items {
		if item.Failed(e.queue.MaxRetries()) {
			continue
		}
		if e.config.RetryBackoff > 0 && item.LastAttemptAt != nil {
			delay := retry.ItemDelay(e.config.RetryBackoff, e.config.RetryBackoffMax, item.Retries)
			if now.Before(item.LastAttemptAt.Add(delay)) {
				continue
			}
		}
		active = append(active, item)
	}
	return active
}

// failureKind names the failure class of err for logging.
func failureKind(err error) string {
	switch {
	case IsTransient(err):
		return "transient"
	case IsPermanent(err):
		return "permanent"
	case IsStorage(err):
		return "storage"
	default:
		return "unknown"
	}
}

func cancelledError(item queue.Item, err error) error {
	return &SyncError{Code: CodeCancelled, ItemID: item.ID, Table: item.Table, Err: err}
}

// process runs fetch, merge, send and remove for one item. Results that
// arrive after the session was cancelled are discarded.
func (e *Engine) process(ctx context.Context, item queue.Item) error {
	data := item.Data
	var merged map[string]any

	if item.Operation == queue.Update {
		remote, err := e.fetchRemote(ctx, item)
		if ctx.Err() != nil {
			return cancelledError(item, ctx.Err())
		}
		if err != nil {
			return e.fail(ctx, item, nil, err)
		}
		if conflict.HasConflict(item, remote) {
			e.logger.WithFields(logrus.Fields{
				"id":         item.ID,
				"table":      item.Table,
				"updated_at": remote[conflict.UpdatedAtField],
			}).Info("Conflict detected, merging with remote")
			merged = e.resolver.Merge(item.Data, remote, item.Table)
			data = merged
		}
	}

	var body []byte
	if data != nil && item.Operation != queue.Delete {
		var err error
		if body, err = json.Marshal(data); err != nil {
			return e.fail(ctx, item, merged, &SyncError{Code: CodePermanentClient, ItemID: item.ID, Table: item.Table, Err: err})
		}
	}

	if ctx.Err() != nil {
		return cancelledError(item, ctx.Err())
	}
	resp, err := e.transport.Do(ctx, Request{
		Method:  item.Method,
		URL:     item.URL,
		Headers: item.Headers,
		Body:    body,
	})
	if ctx.Err() != nil {
		return cancelledError(item, ctx.Err())
	}
	if err != nil {
		return e.fail(ctx, item, merged, &SyncError{Code: CodeTransientNetwork, ItemID: item.ID, Table: item.Table, Err: err})
	}
	if !resp.OK() {
		return e.fail(ctx, item, merged, &SyncError{
			Code:       CodePermanentClient,
			ItemID:     item.ID,
			Table:      item.Table,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		})
	}

	if err := e.queue.Remove(context.WithoutCancel(ctx), item.ID); err != nil {
		return storageError(item, err)
	}
	e.logger.WithFields(logrus.Fields{
		"id":        item.ID,
		"operation": item.Operation,
		"status":    resp.StatusCode,
	}).Debug("Replayed queue item")
	return nil
}

func storageError(item queue.Item, err error) error {
	return &SyncError{Code: CodeStorage, ItemID: item.ID, Table: item.Table, Err: err}
}

// fail records a failed attempt and returns cause. A merged payload replaces
// the queued data so the next attempt starts from it. Cancelled attempts
// never reach fail and leave the item untouched.
func (e *Engine) fail(ctx context.Context, item queue.Item, merged map[string]any, cause error) error {
	commitCtx := context.WithoutCancel(ctx)
	if merged != nil {
		if _, err := e.queue.ReplaceData(commitCtx, item.ID, merged); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.WithError(err).WithField("id", item.ID).Warn("Failed to persist merged payload")
		}
	}
	if _, err := e.queue.IncrementRetry(commitCtx, item.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.WithField("id", item.ID).Debug("Item replaced while syncing, retry not recorded")
		} else {
			e.logger.WithError(err).WithField("id", item.ID).Error("Failed to record retry")
			return errors.Join(cause, storageError(item, err))
		}
	}
	return cause
}

// fetchRemote returns the current remote record of an update item. A 404
// yields a nil record.
func (e *Engine) fetchRemote(ctx context.Context, item queue.Item) (map[string]any, error) {
	target, err := fetchURL(item.URL, item.EntityID)
	if err != nil {
		return nil, &SyncError{Code: CodePermanentClient, ItemID: item.ID, Table: item.Table, Err: err}
	}
	resp, err := e.transport.Do(ctx, Request{Method: http.MethodGet, URL: target, Headers: item.Headers})
	if err != nil {
		return nil, &SyncError{Code: CodeTransientNetwork, ItemID: item.ID, Table: item.Table, Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if !resp.OK() {
		return nil, &SyncError{
			Code:       CodePermanentClient,
			ItemID:     item.ID,
			Table:      item.Table,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("fetch remote %s: %s", target, http.StatusText(resp.StatusCode)),
		}
	}
	remote, err := resp.JSON()
	if err != nil {
		e.logger.WithError(err).WithField("id", item.ID).Warn("Remote record is not a JSON object, skipping conflict check")
		return nil, nil
	}
	return remote, nil
}

// fetchURL returns the URL of the remote record an item targets. A URL whose
// last path segment already is the entity id is used as is; otherwise the id
// is appended as a path segment and the query string is kept.
func fetchURL(raw, entityID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid item url %q: %w", raw, err)
	}
	p := strings.TrimSuffix(u.Path, "/")
	if last := p[strings.LastIndex(p, "/")+1:]; last == entityID {
		return u.String(), nil
	}
	u.Path = p + "/" + entityID
	u.RawPath = ""
	return u.String(), nil
}

// Status reloads the queue and reports the engine state and counters.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	if e.queue == nil {
		return Status{}, errors.New("sync engine is not initialized")
	}
	if err := e.queue.Reload(ctx); err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	st := Status{State: e.state}
	if !e.lastSync.IsZero() {
		last := e.lastSync
		st.LastSyncTime = &last
	}
	e.mu.Unlock()

	if e.scheduler != nil {
		if next := e.scheduler.Next(); !next.IsZero() {
			st.NextSyncTime = &next
		}
	}
	st.Online = e.online()
	st.Pending = e.queue.PendingCount()
	st.Failed = e.queue.FailedCount()
	st.Total = e.queue.Size()
	return st, nil
}

// Enqueue queues a mutation for replay.
func (e *Engine) Enqueue(ctx context.Context, m Mutation) (queue.Item, error) {
	if e.queue == nil {
		return queue.Item{}, errors.New("sync engine is not initialized")
	}
	item, err := e.queue.Enqueue(ctx, queue.Item{
		Table:     m.Table,
		EntityID:  m.EntityID,
		Operation: m.Operation,
		URL:       m.URL,
		Method:    m.Method,
		Headers:   m.Headers,
		Data:      m.Data,
		Timestamp: e.now(),
	})
	if err != nil {
		return queue.Item{}, err
	}
	if e.config.SyncOnEnqueue && e.online() {
		e.schedule("enqueue")
	}
	return item, nil
}

// Items lists the queue in replay order.
func (e *Engine) Items(ctx context.Context) ([]queue.Item, error) {
	if e.queue == nil {
		return nil, errors.New("sync engine is not initialized")
	}
	return e.queue.ListOrdered(ctx)
}

// Read fetches target while online and caches the body under key. Offline,
// or when the fetch fails, the cached body is returned.
func (e *Engine) Read(ctx context.Context, key, target string) (json.RawMessage, error) {
	if e.cache == nil {
		return nil, errors.New("sync engine is not initialized")
	}
	return cache.ReadThrough(ctx, e.cache, key, e.online(), func(ctx context.Context) (json.RawMessage, error) {
		resp, err := e.transport.Do(ctx, Request{Method: http.MethodGet, URL: target})
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, fmt.Errorf("read %s: status %d", target, resp.StatusCode)
		}
		if !json.Valid(resp.Body) {
			return nil, fmt.Errorf("read %s: response is not JSON", target)
		}
		return json.RawMessage(resp.Body), nil
	})
}

// PurgeExpired removes queue items older than PruneAge and expired cache
// entries. It is never run by a sync session.
func (e *Engine) PurgeExpired(ctx context.Context) (PurgeResult, error) {
	if e.queue == nil {
		return PurgeResult{}, errors.New("sync engine is not initialized")
	}
	var res PurgeResult
	var err error
	if res.Queue, err = e.queue.PurgeExpired(ctx, e.config.PruneAge); err != nil {
		return res, fmt.Errorf("failed to purge queue: %w", err)
	}
	if res.Cache, err = e.cache.PurgeExpired(ctx); err != nil {
		return res, fmt.Errorf("failed to purge cache: %w", err)
	}
	return res, nil
}
