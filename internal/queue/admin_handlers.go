package queue

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-core/internal/common"
)

// Inspector is the slice of *asynq.Inspector the admin endpoints use.
type Inspector interface {
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	RunTask(queue, id string) error
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// AdminHandler exposes dead-letter inspection and replay for the payment queue.
type AdminHandler struct {
	Inspector Inspector
	Queue     string
	PageSize  int
	Logger    zerolog.Logger
}

// ListDLQ returns archived tasks, optionally filtered by kind.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Inspector == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue inspector unavailable", nil)
		return
	}
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	page, size := parsePage(r, h.pageSize())
	tasks, err := h.Inspector.ListArchivedTasks(h.queue(), asynq.Page(page), asynq.PageSize(size))
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	items := make([]dlqItem, 0, len(tasks))
	for _, t := range tasks {
		if kind != "" && t.Type != kind {
			continue
		}
		items = append(items, dlqItem{
			ID:           t.ID,
			Kind:         t.Type,
			Attempts:     t.Retried,
			MaxAttempts:  t.MaxRetry,
			LastError:    t.LastErr,
			LastFailedAt: t.LastFailedAt,
			Payload:      payloadJSON(t.Payload),
		})
	}
	resp := map[string]any{"data": items, "page": page}
	if kind != "" {
		resp["kind"] = kind
	}
	common.JSON(w, http.StatusOK, resp)
}

// ReplayDLQ moves archived tasks back to pending, by id list or by kind.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Inspector == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue inspector unavailable", nil)
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	ids := uniqueStrings(req.IDs)
	kind := strings.TrimSpace(req.Kind)
	if len(ids) == 0 && kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ids or kind required", nil)
		return
	}
	if len(ids) == 0 {
		limit := req.Limit
		if limit <= 0 {
			limit = h.pageSize()
		}
		tasks, err := h.Inspector.ListArchivedTasks(h.queue(), asynq.PageSize(limit))
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
			return
		}
		for _, t := range tasks {
			if t.Type == kind {
				ids = append(ids, t.ID)
			}
		}
	}

	replayed := make([]string, 0, len(ids))
	failed := make(map[string]string)
	for _, id := range ids {
		if err := h.Inspector.RunTask(h.queue(), id); err != nil {
			failed[id] = err.Error()
			continue
		}
		replayed = append(replayed, id)
	}
	h.Logger.Info().Int("replayed", len(replayed)).Int("failed", len(failed)).Str("kind", kind).Msg("queue_dlq_replay")
	resp := map[string]any{"replayed": replayed}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	common.JSON(w, http.StatusOK, resp)
}

// Stats reports queue sizes per state and refreshes the queue gauges.
func (h *AdminHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	if h == nil || h.Inspector == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue inspector unavailable", nil)
		return
	}
	info, err := h.Inspector.GetQueueInfo(h.queue())
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	QueueDepth.WithLabelValues(info.Queue, "pending").Set(float64(info.Pending))
	QueueDepth.WithLabelValues(info.Queue, "retry").Set(float64(info.Retry))
	QueueDepth.WithLabelValues(info.Queue, "scheduled").Set(float64(info.Scheduled))
	QueueDLQSize.WithLabelValues(info.Queue).Set(float64(info.Archived))
	common.JSON(w, http.StatusOK, map[string]any{
		"queue":           info.Queue,
		"pending":         info.Pending,
		"active":          info.Active,
		"scheduled":       info.Scheduled,
		"retry":           info.Retry,
		"dlq":             info.Archived,
		"completed":       info.Completed,
		"paused":          info.Paused,
		"oldest_lag_ms":   info.Latency.Milliseconds(),
		"processed_today": info.Processed,
		"failed_today":    info.Failed,
	})
}

func (h *AdminHandler) queue() string {
	if h.Queue == "" {
		return DefaultQueue
	}
	return h.Queue
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

func parsePage(r *http.Request, defaultSize int) (page, size int) {
	page, size = 1, defaultSize
	if v := strings.TrimSpace(r.URL.Query().Get("page")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			size = parsed
		}
	}
	return
}

func payloadJSON(raw []byte) json.RawMessage {
	if json.Valid(raw) {
		return raw
	}
	encoded, _ := json.Marshal(string(raw))
	return encoded
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

type dlqItem struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	LastError    string          `json:"lastError,omitempty"`
	LastFailedAt time.Time       `json:"lastFailedAt"`
	Payload      json.RawMessage `json:"payload"`
}

type replayRequest struct {
	IDs   []string `json:"ids"`
	Kind  string   `json:"kind"`
	Limit int      `json:"limit"`
}
