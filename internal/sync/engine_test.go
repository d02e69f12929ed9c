package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmw1990/offline_sync/internal/netmon"
	"github.com/cmw1990/offline_sync/internal/queue"
	"github.com/cmw1990/offline_sync/internal/status"
)

const api = "https://api.example.com"

func createMutation(entity string) Mutation {
	return Mutation{
		Table:     "moods",
		EntityID:  entity,
		Operation: queue.Create,
		URL:       api + "/moods",
		Data:      map[string]any{"entity": entity},
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Monitor: newFakeMonitor(netmon.Online)})
	assert.ErrorContains(t, err, "requires a store")

	e := newTestEngine(t, Config{})
	_, err = New(Options{Store: e.store})
	assert.ErrorContains(t, err, "requires a network monitor")
	assert.Equal(t, DefaultConfig(), e.config)
}

func TestSyncNowEmptyQueue(t *testing.T) {
	e := newTestEngine(t, Config{})

	assert.True(t, e.SyncNow(context.Background(), nil))
	assert.Empty(t, e.transport.calls())
	assert.Equal(t, Idle, e.State())

	st, err := e.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.LastSyncTime)
}

func TestSyncNowEndToEnd(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		_, err := e.Enqueue(ctx, createMutation(id))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	var progress [][2]int
	ok := e.SyncNow(ctx, func(total, completed int) {
		progress = append(progress, [2]int{total, completed})
	})

	require.True(t, ok)
	assert.Equal(t, [][2]int{{3, 1}, {3, 2}, {3, 3}}, progress)

	calls := e.transport.calls()
	require.Len(t, calls, 3)
	for i, call := range calls {
		assert.Equal(t, "POST", call.Method)
		assert.Equal(t, api+"/moods", call.URL)
		assert.JSONEq(t, fmt.Sprintf(`{"entity":"%d"}`, i+1), string(call.Body))
	}

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Total)
	assert.Equal(t, Idle, st.State)
	assert.True(t, st.Online)

	assert.Contains(t, e.events.all(), status.Event(status.SyncProgress{Total: 3, Completed: 3}))
	assert.Equal(t, status.Event(status.SyncCompleted{Success: true}), e.events.all()[len(e.events.all())-1])
}

func TestSyncNowOfflineIsRejected(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.Enqueue(context.Background(), createMutation("1"))
	require.NoError(t, err)

	e.monitor.setQuietly(netmon.Offline)
	assert.False(t, e.SyncNow(context.Background(), nil))
	assert.Empty(t, e.transport.calls())
	assert.Equal(t, Idle, e.State())
}

func TestSyncNowRejectsConcurrentSession(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	_, err := e.Enqueue(ctx, createMutation("1"))
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	e.transport.setHandler(func(context.Context, Request) (*Response, error) {
		close(started)
		<-release
		return &Response{StatusCode: 201}, nil
	})

	result := make(chan bool)
	go func() { result <- e.SyncNow(ctx, nil) }()

	<-started
	assert.Equal(t, Syncing, e.State())
	assert.False(t, e.SyncNow(ctx, nil))
	assert.Len(t, e.transport.calls(), 1, "second call must not start a network pass")

	close(release)
	assert.True(t, <-result)
	assert.Equal(t, Idle, e.State())
}

func TestOfflineMidSyncCancelsSession(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	var ids []string
	for _, id := range []string{"1", "2", "3"} {
		item, err := e.Enqueue(ctx, createMutation(id))
		require.NoError(t, err)
		ids = append(ids, item.ID)
		time.Sleep(time.Millisecond)
	}

	var mu sync.Mutex
	calls := 0
	e.transport.setHandler(func(ctx context.Context, _ Request) (*Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return &Response{StatusCode: 200}, nil
		}
		go e.monitor.set(netmon.Offline)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var progress [][2]int
	ok := e.SyncNow(ctx, func(total, completed int) {
		progress = append(progress, [2]int{total, completed})
	})

	assert.False(t, ok)
	assert.Equal(t, [][2]int{{3, 1}}, progress)
	assert.Equal(t, Idle, e.State())

	items, err := e.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ids[1], items[0].ID)
	assert.Equal(t, ids[2], items[1].ID)
	for _, item := range items {
		assert.Zero(t, item.Retries, "cancelled items are left untouched")
	}
	assert.False(t, e.Publisher().Online())
}

func TestResultAfterCancelIsDiscarded(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	item, err := e.Enqueue(ctx, createMutation("1"))
	require.NoError(t, err)

	e.transport.setHandler(func(context.Context, Request) (*Response, error) {
		e.CancelSync()
		assert.Equal(t, Aborting, e.State())
		return &Response{StatusCode: 200}, nil
	})

	assert.False(t, e.SyncNow(ctx, nil))

	got, err := e.Queue().Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Retries)
	assert.Equal(t, Idle, e.State())
}

func TestFailedAttemptsIncrementRetries(t *testing.T) {
	e := newTestEngine(t, Config{MaxRetries: 3})
	ctx := context.Background()
	item, err := e.Enqueue(ctx, createMutation("1"))
	require.NoError(t, err)

	attempts := 0
	e.transport.setHandler(func(context.Context, Request) (*Response, error) {
		attempts++
		if attempts%2 == 0 {
			return nil, errors.New("connection reset by peer")
		}
		return &Response{StatusCode: 422, Body: []byte(`{"error":"invalid"}`)}, nil
	})

	for n := 1; n <= 4; n++ {
		assert.False(t, e.SyncNow(ctx, nil))
		got, err := e.Queue().Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, n, got.Retries)
	}

	assert.True(t, e.SyncNow(ctx, nil), "items over the retry budget are not replayed")
	assert.Equal(t, 4, attempts)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 1, st.Total)
}

func TestFailureDoesNotStopBatch(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	for _, id := range []string{"1", "2"} {
		_, err := e.Enqueue(ctx, createMutation(id))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	e.transport.setHandler(func(_ context.Context, req Request) (*Response, error) {
		if string(req.Body) == `{"entity":"1"}` {
			return &Response{StatusCode: 500}, nil
		}
		return &Response{StatusCode: 200}, nil
	})

	var progress [][2]int
	ok := e.SyncNow(ctx, func(total, completed int) { progress = append(progress, [2]int{total, completed}) })
	assert.False(t, ok)
	assert.Equal(t, [][2]int{{2, 1}, {2, 2}}, progress)

	items, err := e.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "1", items[0].EntityID)
	assert.Equal(t, 1, items[0].Retries)
	assert.Equal(t, status.Event(status.SyncCompleted{Success: false}), e.events.all()[len(e.events.all())-1])
}

func TestUpdateConflictIsMergedBeforeSend(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	queuedAt := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return queuedAt }

	item, err := e.Enqueue(ctx, Mutation{
		Table:     "mood_entries",
		EntityID:  "55",
		Operation: queue.Update,
		URL:       api + "/mood_entries/55",
		Data:      map[string]any{"user_entered": true, "score": 5, "notes": "tired"},
	})
	require.NoError(t, err)

	remoteUpdated := queuedAt.Add(time.Hour).Format(time.RFC3339)
	e.transport.setHandler(func(_ context.Context, req Request) (*Response, error) {
		if req.Method == "GET" {
			return &Response{StatusCode: 200, Body: []byte(`{"user_entered":false,"score":8,"updated_at":"` + remoteUpdated + `"}`)}, nil
		}
		return &Response{StatusCode: 200}, nil
	})

	require.True(t, e.SyncNow(ctx, nil))

	calls := e.transport.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "GET", calls[0].Method)
	assert.Equal(t, api+"/mood_entries/55", calls[0].URL)
	assert.Equal(t, "PUT", calls[1].Method)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(calls[1].Body, &sent))
	assert.Equal(t, 5.0, sent["score"])
	assert.Equal(t, "tired", sent["notes"])
	assert.Equal(t, true, sent["user_entered"])
	assert.NotEqual(t, remoteUpdated, sent["updated_at"])

	_, err = e.Queue().Get(ctx, item.ID)
	assert.Error(t, err, "item is removed after a successful send")
}

func enqueueConflictingUpdate(t *testing.T, e *testEngine) queue.Item {
	t.Helper()
	queuedAt := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return queuedAt }
	item, err := e.Enqueue(context.Background(), Mutation{
		Table:     "mood_entries",
		EntityID:  "55",
		Operation: queue.Update,
		URL:       api + "/mood_entries/55",
		Data:      map[string]any{"user_entered": false, "score": 5, "notes": "tired"},
	})
	require.NoError(t, err)
	return item
}

func remoteNewer(put func() (*Response, error)) func(context.Context, Request) (*Response, error) {
	updated := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC).Format(time.RFC3339)
	return func(_ context.Context, req Request) (*Response, error) {
		if req.Method == "GET" {
			return &Response{StatusCode: 200, Body: []byte(`{"score":8,"updated_at":"` + updated + `"}`)}, nil
		}
		return put()
	}
}

func TestCancelAfterMergeLeavesItemUntouched(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	item := enqueueConflictingUpdate(t, e)

	e.transport.setHandler(remoteNewer(func() (*Response, error) {
		e.CancelSync()
		return &Response{StatusCode: 200}, nil
	}))

	assert.False(t, e.SyncNow(ctx, nil))

	got, err := e.Queue().Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Retries)
	assert.EqualValues(t, 5, got.Data["score"])
	assert.Equal(t, "tired", got.Data["notes"])
	assert.NotContains(t, got.Data, "updated_at")
}

func TestFailedSendKeepsMergedPayload(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	item := enqueueConflictingUpdate(t, e)

	e.transport.setHandler(remoteNewer(func() (*Response, error) {
		return &Response{StatusCode: 503}, nil
	}))

	assert.False(t, e.SyncNow(ctx, nil))

	got, err := e.Queue().Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Retries)
	assert.EqualValues(t, 8, got.Data["score"], "remote wins when the local edit is not user entered")
	assert.Contains(t, got.Data, "updated_at")
}

func TestUpdateWithoutConflictSendsLocalPayload(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, Mutation{
		Table:     "journal",
		EntityID:  "9",
		Operation: queue.Update,
		URL:       api + "/journal?user=4",
		Method:    "PATCH",
		Data:      map[string]any{"text": "local"},
	})
	require.NoError(t, err)

	e.transport.setHandler(func(_ context.Context, req Request) (*Response, error) {
		if req.Method == "GET" {
			return &Response{StatusCode: 200, Body: []byte(`{"text":"old","updated_at":"2000-01-01T00:00:00Z"}`)}, nil
		}
		return &Response{StatusCode: 204}, nil
	})

	require.True(t, e.SyncNow(ctx, nil))
	calls := e.transport.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, api+"/journal/9?user=4", calls[0].URL)
	assert.Equal(t, "PATCH", calls[1].Method)
	assert.JSONEq(t, `{"text":"local"}`, string(calls[1].Body))
}

func TestUpdateRemoteMissingProceeds(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	_, err := e.Enqueue(ctx, Mutation{Table: "t", EntityID: "1", Operation: queue.Update, URL: api + "/t/1", Data: map[string]any{"a": 1}})
	require.NoError(t, err)

	e.transport.setHandler(func(_ context.Context, req Request) (*Response, error) {
		if req.Method == "GET" {
			return &Response{StatusCode: 404}, nil
		}
		return &Response{StatusCode: 200}, nil
	})

	assert.True(t, e.SyncNow(ctx, nil))
	assert.Len(t, e.transport.calls(), 2)
}

func TestUpdateFetchFailureCountsAsAttempt(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	item, err := e.Enqueue(ctx, Mutation{Table: "t", EntityID: "1", Operation: queue.Update, URL: api + "/t/1"})
	require.NoError(t, err)

	e.transport.setHandler(respond(503, ""))

	assert.False(t, e.SyncNow(ctx, nil))
	assert.Len(t, e.transport.calls(), 1, "send is skipped when the remote cannot be read")

	got, err := e.Queue().Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Retries)
}

func TestDeleteSendsNoBodyAndSkipsFetch(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	_, err := e.Enqueue(ctx, Mutation{Table: "t", EntityID: "1", Operation: queue.Delete, URL: api + "/t/1", Data: map[string]any{"a": 1}})
	require.NoError(t, err)

	assert.True(t, e.SyncNow(ctx, nil))
	calls := e.transport.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "DELETE", calls[0].Method)
	assert.Nil(t, calls[0].Body)
}

func TestRetryBackoffDefersItems(t *testing.T) {
	e := newTestEngine(t, Config{MaxRetries: 3, RetryBackoff: time.Minute})
	ctx := context.Background()
	now := time.Now()
	e.now = func() time.Time { return now }

	_, err := e.Enqueue(ctx, createMutation("1"))
	require.NoError(t, err)
	e.transport.setHandler(respond(500, ""))

	assert.False(t, e.SyncNow(ctx, nil))
	assert.Len(t, e.transport.calls(), 1)

	assert.True(t, e.SyncNow(ctx, nil), "item waiting out its backoff is skipped")
	assert.Len(t, e.transport.calls(), 1)

	now = now.Add(2 * time.Minute)
	e.transport.setHandler(respond(200, ""))
	assert.True(t, e.SyncNow(ctx, nil))
	assert.Len(t, e.transport.calls(), 2)
}

func TestOnlineTransitionTriggersSync(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	e.monitor.setQuietly(netmon.Offline)

	_, err := e.Enqueue(ctx, createMutation("1"))
	require.NoError(t, err)

	e.monitor.set(netmon.Online)

	assert.Eventually(t, func() bool {
		st, err := e.Status(ctx)
		return err == nil && st.Total == 0 && st.State == Idle
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, e.Publisher().Online())
}

func TestSyncOnEnqueue(t *testing.T) {
	e := newTestEngine(t, Config{SyncOnEnqueue: true})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, createMutation("1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(e.transport.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestManualModeSkipsBackgroundSync(t *testing.T) {
	e := newTestEngine(t, Config{Manual: true, SyncOnEnqueue: true})
	ctx := context.Background()
	e.monitor.setQuietly(netmon.Offline)

	_, err := e.Enqueue(ctx, createMutation("1"))
	require.NoError(t, err)
	e.monitor.set(netmon.Online)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, e.transport.calls())
	assert.Nil(t, e.scheduler)

	assert.True(t, e.SyncNow(ctx, nil))
	assert.Len(t, e.transport.calls(), 1)
}

func TestCancelSyncWithoutSession(t *testing.T) {
	e := newTestEngine(t, Config{})
	assert.False(t, e.CancelSync())
	assert.Equal(t, Idle, e.State())
}

func TestReadFallsBackToCache(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	e.transport.setHandler(respond(200, `{"streak":4}`))
	body, err := e.Read(ctx, "profile", api+"/profile")
	require.NoError(t, err)
	assert.JSONEq(t, `{"streak":4}`, string(body))

	e.monitor.setQuietly(netmon.Offline)
	e.transport.setHandler(respond(200, `{"streak":5}`))
	body, err = e.Read(ctx, "profile", api+"/profile")
	require.NoError(t, err)
	assert.JSONEq(t, `{"streak":4}`, string(body))
	assert.Len(t, e.transport.calls(), 1)

	_, err = e.Read(ctx, "unknown", api+"/unknown")
	assert.Error(t, err)
}

func TestPurgeExpired(t *testing.T) {
	e := newTestEngine(t, Config{PruneAge: time.Hour})
	ctx := context.Background()

	e.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	_, err := e.Enqueue(ctx, createMutation("old"))
	require.NoError(t, err)
	e.now = time.Now
	_, err = e.Enqueue(ctx, createMutation("new"))
	require.NoError(t, err)

	res, err := e.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queue)

	items, err := e.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "new", items[0].EntityID)
}

func TestDisposeStopsBackgroundWork(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.Dispose()

	e.monitor.set(netmon.Online)
	assert.Empty(t, e.transport.calls())
}

func TestFetchURL(t *testing.T) {
	tests := []struct {
		raw, id, want string
	}{
		{api + "/moods/7", "7", api + "/moods/7"},
		{api + "/moods/7/", "7", api + "/moods/7/"},
		{api + "/moods", "7", api + "/moods/7"},
		{api + "/moods/", "7", api + "/moods/7"},
		{api + "/moods?user=1&day=2", "7", api + "/moods/7?user=1&day=2"},
		{api, "7", api + "/7"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := fetchURL(tt.raw, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := fetchURL("http://[::1", "7")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "syncing", Syncing.String())
	assert.Equal(t, "aborting", Aborting.String())

	data, err := json.Marshal(Status{State: Syncing})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"syncing"`)
}

func TestStatusReportsNextScheduledSync(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	assert.Eventually(t, func() bool {
		st, err := e.Status(ctx)
		return err == nil && st.NextSyncTime != nil && st.NextSyncTime.After(time.Now())
	}, 2*time.Second, 10*time.Millisecond)

	manual := newTestEngine(t, Config{Manual: true})
	st, err := manual.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.NextSyncTime)
}

func TestFailureKind(t *testing.T) {
	item := queue.Item{ID: "moods-1", Table: "moods"}
	cause := errors.New("boom")
	tests := []struct {
		err  error
		want string
	}{
		{&SyncError{Code: CodeTransientNetwork, Err: cause}, "transient"},
		{&SyncError{Code: CodePermanentClient, StatusCode: 422, Err: cause}, "permanent"},
		{storageError(item, cause), "storage"},
		{errors.Join(&SyncError{Code: CodePermanentClient, Err: cause}, storageError(item, cause)), "permanent"},
		{cause, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureKind(tt.err), tt.err.Error())
	}
}

func TestQueueReadFailureIsNotASync(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.Enqueue(context.Background(), createMutation("1"))
	require.NoError(t, err)
	require.NoError(t, e.store.Close())

	assert.False(t, e.SyncNow(context.Background(), nil))
	assert.Equal(t, Idle, e.State())
	assert.Empty(t, e.transport.calls())

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.True(t, e.lastSync.IsZero())
}
