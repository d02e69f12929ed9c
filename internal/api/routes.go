// Package api exposes the sync engine over a small HTTP control API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/cmw1990/offline_sync/internal/queue"
	"github.com/cmw1990/offline_sync/internal/store"
	syncengine "github.com/cmw1990/offline_sync/internal/sync"
)

// SyncService is the part of the engine the API drives. *sync.Engine implements it.
type SyncService interface {
	SyncNow(ctx context.Context, progress syncengine.ProgressFunc) bool
	CancelSync() bool
	Status(ctx context.Context) (syncengine.Status, error)
	Items(ctx context.Context) ([]queue.Item, error)
	Enqueue(ctx context.Context, m syncengine.Mutation) (queue.Item, error)
	PurgeExpired(ctx context.Context) (syncengine.PurgeResult, error)
}

type Handler struct {
	service SyncService
}

func NewHandler(service SyncService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sync/status", h.GetSyncStatus)
		r.Post("/sync/trigger", h.TriggerSync)
		r.Post("/sync/cancel", h.CancelSync)
		r.Post("/sync/purge", h.Purge)
		r.Get("/queue", h.ListQueue)
		r.Post("/queue", h.Enqueue)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// TriggerSync runs a session and waits for it. A client disconnect does not
// cancel the session; use /sync/cancel for that.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if st.State != syncengine.Idle {
		writeError(w, http.StatusConflict, errors.New("sync already running"))
		return
	}
	if !st.Online {
		writeError(w, http.StatusServiceUnavailable, errors.New("offline"))
		return
	}

	var total, completed int
	ok := h.service.SyncNow(context.WithoutCancel(r.Context()), func(t, c int) {
		total, completed = t, c
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   ok,
		"total":     total,
		"completed": completed,
	})
}

func (h *Handler) CancelSync(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": h.service.CancelSync()})
}

func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.PurgeExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.Items(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var m syncengine.Mutation
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	item, err := h.service.Enqueue(r.Context(), m)
	if err != nil {
		code := http.StatusBadRequest
		if store.IsStorageError(err) {
			code = http.StatusInternalServerError
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// RequestLogger logs every request through logrus.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logrus.WithFields(logrus.Fields{
				"component":  "api",
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("Handled request")
		}()
		next.ServeHTTP(ww, r)
	})
}
