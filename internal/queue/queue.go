// Package queue persists pending mutations and keeps at most one pending
// item per (table, entity) pair.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cmw1990/offline_sync/internal/log"
	"github.com/cmw1990/offline_sync/internal/store"
)

// Bucket is the store bucket holding queued items.
const Bucket = "sync_queue"

// Operation is the kind of mutation an item replays.
type Operation string

const (
	Create Operation = "create"
	Update Operation = "update"
	Delete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case Create, Update, Delete:
		return true
	}
	return false
}

// DefaultMethod returns the HTTP verb used when an item carries none.
func (op Operation) DefaultMethod() string {
	switch op {
	case Create:
		return http.MethodPost
	case Delete:
		return http.MethodDelete
	default:
		return http.MethodPut
	}
}

// Item is a queued mutation together with the exact network call to replay.
type Item struct {
	ID            string            `json:"id"`
	Table         string            `json:"table"`
	EntityID      string            `json:"entity_id"`
	Operation     Operation         `json:"operation"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers,omitempty"`
	Data          map[string]any    `json:"data,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Retries       int               `json:"retries"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
}

// Key returns the collapsing key of the item.
func (i Item) Key() string {
	return i.Table + "/" + i.EntityID
}

// Failed reports whether the item exceeded maxRetries.
func (i Item) Failed(maxRetries int) bool {
	return i.Retries > maxRetries
}

func (i Item) validate() error {
	switch {
	case i.Table == "":
		return errors.New("table is required")
	case i.EntityID == "":
		return errors.New("entity_id is required")
	case !i.Operation.Valid():
		return fmt.Errorf("unknown operation %q", i.Operation)
	case i.URL == "":
		return errors.New("url is required")
	}
	return nil
}

// Queue is the durable mutation queue. An in-memory mirror serves the counters;
// ListOrdered always reads the store.
type Queue struct {
	store      store.Store
	maxRetries int
	now        func() time.Time

	mu     sync.Mutex
	mirror map[string]Item
	logger *logrus.Entry
}

// New creates a queue over s and loads the current contents.
func New(ctx context.Context, s store.Store, maxRetries int) (*Queue, error) {
	q := &Queue{
		store:      s,
		maxRetries: maxRetries,
		now:        time.Now,
		mirror:     make(map[string]Item),
		logger:     log.WithComponent("queue"),
	}
	if err := q.Reload(ctx); err != nil {
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}
	return q, nil
}

// MaxRetries returns the retry budget after which an item counts as failed.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Reload replaces the in-memory mirror with the store contents.
func (q *Queue) Reload(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.reloadLocked(ctx)
	return err
}

func (q *Queue) reloadLocked(ctx context.Context) ([]Item, error) {
	records, err := q.store.GetAll(ctx, Bucket)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(records))
	mirror := make(map[string]Item, len(records))
	for _, rec := range records {
		var item Item
		if err := json.Unmarshal(rec.Value, &item); err != nil {
			q.logger.WithError(err).WithField("id", rec.Key).Warn("Skipping unreadable queue item")
			continue
		}
		items = append(items, item)
		mirror[item.ID] = item
	}
	q.mirror = mirror
	return items, nil
}

// reconcile reloads the mirror after a failed store operation. Called with mu held.
func (q *Queue) reconcile(ctx context.Context, cause error) {
	q.logger.WithError(cause).Warn("Store operation failed, reloading queue mirror")
	if _, err := q.reloadLocked(ctx); err != nil {
		q.logger.WithError(err).Error("Failed to reload queue mirror")
	}
}

func (q *Queue) putLocked(ctx context.Context, item Item) error {
	value, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode queue item %s: %w", item.ID, err)
	}
	if err := q.store.Put(ctx, Bucket, store.Record{Key: item.ID, Index: item.Key(), Value: value}); err != nil {
		q.reconcile(ctx, err)
		return err
	}
	q.mirror[item.ID] = item
	return nil
}

// Enqueue validates and persists item, replacing any pending item for the
// same table and entity. The stored item is returned.
func (q *Queue) Enqueue(ctx context.Context, item Item) (Item, error) {
	if err := item.validate(); err != nil {
		return Item{}, fmt.Errorf("invalid queue item: %w", err)
	}
	if item.ID == "" {
		item.ID = fmt.Sprintf("%s-%s-%s", item.Table, item.EntityID, uuid.NewString())
	}
	if item.Method == "" {
		item.Method = item.Operation.DefaultMethod()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = q.now()
	}
	item.Timestamp = item.Timestamp.UTC()
	item.Retries = 0
	item.LastAttemptAt = nil

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.store.IndexScan(ctx, Bucket, item.Key())
	if err != nil {
		q.reconcile(ctx, err)
		return Item{}, err
	}
	for _, rec := range existing {
		if rec.Key == item.ID {
			continue
		}
		if err := q.store.Delete(ctx, Bucket, rec.Key); err != nil {
			q.reconcile(ctx, err)
			return Item{}, err
		}
		delete(q.mirror, rec.Key)
		q.logger.WithFields(logrus.Fields{
			"replaced": rec.Key,
			"id":       item.ID,
			"key":      item.Key(),
		}).Debug("Collapsed pending mutation")
	}

	if err := q.putLocked(ctx, item); err != nil {
		return Item{}, err
	}
	q.logger.WithFields(logrus.Fields{
		"id":        item.ID,
		"table":     item.Table,
		"operation": item.Operation,
	}).Debug("Enqueued mutation")
	return item, nil
}

// ListOrdered reads every item from the store and returns them in ascending
// timestamp order. Ties are broken by id.
func (q *Queue) ListOrdered(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.reloadLocked(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(a, b int) bool {
		if items[a].Timestamp.Equal(items[b].Timestamp) {
			return items[a].ID < items[b].ID
		}
		return items[a].Timestamp.Before(items[b].Timestamp)
	})
	return items, nil
}

// Get reads a single item from the store.
func (q *Queue) Get(ctx context.Context, id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getLocked(ctx, id)
}

func (q *Queue) getLocked(ctx context.Context, id string) (Item, error) {
	rec, err := q.store.Get(ctx, Bucket, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			q.reconcile(ctx, err)
		} else {
			delete(q.mirror, id)
		}
		return Item{}, err
	}
	var item Item
	if err := json.Unmarshal(rec.Value, &item); err != nil {
		return Item{}, fmt.Errorf("failed to decode queue item %s: %w", id, err)
	}
	return item, nil
}

// IncrementRetry increments the retry counter of the item and records the
// attempt time. store.ErrNotFound is returned when the item is gone.
func (q *Queue) IncrementRetry(ctx context.Context, id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.getLocked(ctx, id)
	if err != nil {
		return Item{}, err
	}
	item.Retries++
	attempt := q.now().UTC()
	item.LastAttemptAt = &attempt
	if err := q.putLocked(ctx, item); err != nil {
		return Item{}, err
	}
	if item.Failed(q.maxRetries) {
		q.logger.WithFields(logrus.Fields{
			"id":      id,
			"retries": item.Retries,
		}).Warn("Queue item exceeded max retries")
	}
	return item, nil
}

// ReplaceData overwrites the payload of the item, used to keep a merged
// record after a failed send.
func (q *Queue) ReplaceData(ctx context.Context, id string, data map[string]any) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.getLocked(ctx, id)
	if err != nil {
		return Item{}, err
	}
	item.Data = data
	if err := q.putLocked(ctx, item); err != nil {
		return Item{}, err
	}
	return item, nil
}

// Remove deletes the item. Removing a missing item is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(ctx, id)
}

func (q *Queue) removeLocked(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, Bucket, id); err != nil {
		q.reconcile(ctx, err)
		return err
	}
	delete(q.mirror, id)
	return nil
}

// RemoveAll removes each id independently. Failures do not stop the loop and
// are returned joined.
func (q *Queue) RemoveAll(ctx context.Context, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := q.removeLocked(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// PurgeExpired removes items whose timestamp is older than maxAge and returns
// how many were removed. It is never called by a sync pass.
func (q *Queue) PurgeExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.reloadLocked(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-maxAge)
	removed := 0
	for _, item := range items {
		if !item.Timestamp.Before(cutoff) {
			continue
		}
		if err := q.removeLocked(ctx, item.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		q.logger.WithFields(logrus.Fields{
			"removed": removed,
			"max_age": maxAge,
		}).Info("Purged expired queue items")
	}
	return removed, nil
}

// Size returns the number of queued items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mirror)
}

// FailedCount returns the number of items with retries above the budget.
func (q *Queue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.mirror {
		if item.Failed(q.maxRetries) {
			n++
		}
	}
	return n
}

// PendingCount returns the number of items still eligible for replay.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.mirror {
		if !item.Failed(q.maxRetries) {
			n++
		}
	}
	return n
}
