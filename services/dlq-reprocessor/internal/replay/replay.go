// Package replay exposes the operator surface: list archived
// dead-letter records and push one back onto its original topic.
package replay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relaypoint/notifly/libs/eventbus"
	otelx "github.com/relaypoint/notifly/libs/otel"
	"github.com/relaypoint/notifly/services/dlq-reprocessor/internal/archive"
)

type Handler struct {
	repo   *archive.Repository
	pub    eventbus.EventPublisher
	logger *slog.Logger
}

func New(logger *slog.Logger, repo *archive.Repository, pub eventbus.EventPublisher) *Handler {
	return &Handler{repo: repo, pub: pub, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/dlq/records", h.list)
	mux.HandleFunc("POST /v1/dlq/records/{id}/replay", h.replay)
}

type recordView struct {
	ID             int64           `json:"id"`
	OriginalTopic  string          `json:"originalTopic"`
	EventType      string          `json:"eventType"`
	Key            string          `json:"key"`
	ErrorMessage   string          `json:"errorMessage"`
	ErrorType      string          `json:"errorType"`
	RetryCount     int             `json:"retryCount"`
	DeadLetteredAt string          `json:"deadLetteredAt"`
	ReplayedAt     string          `json:"replayedAt,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := h.repo.List(r.Context(), topic, limit)
	if err != nil {
		h.logger.Error("dlq record listing failed", "err", err)
		http.Error(w, "listing failed", http.StatusInternalServerError)
		return
	}

	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, toView(rec))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"records": views})
}

// replay republishes the archived envelope to its original topic with
// fresh retry metadata: the replayed message is a first delivery again.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid record id", http.StatusBadRequest)
		return
	}

	rec, err := h.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	if rec.ReplayedAt != nil {
		http.Error(w, "record already replayed", http.StatusConflict)
		return
	}

	env, err := eventbus.DecodeEnvelope(rec.Payload)
	if err != nil {
		h.logger.Error("archived payload is not an envelope", "id", id, "err", err)
		http.Error(w, "archived payload cannot be replayed", http.StatusUnprocessableEntity)
		return
	}

	// Rejoin the trace the message died in, so the replay shows up next
	// to the original failure.
	ctx := otelx.ContextWithTraceContext(r.Context(),
		rec.Headers["traceparent"], rec.Headers["tracestate"])
	if err := h.pub.Publish(ctx, rec.OriginalTopic, env, nil); err != nil {
		h.logger.Error("replay publish failed", "id", id, "topic", rec.OriginalTopic, "err", err)
		http.Error(w, "replay publish failed", http.StatusServiceUnavailable)
		return
	}
	if err := h.repo.MarkReplayed(r.Context(), id); err != nil {
		// The envelope is already back in flight; surface the bookkeeping
		// failure instead of pretending the replay did not happen.
		h.logger.Error("replay bookkeeping failed", "id", id, "err", err)
	}

	h.logger.Info("dead-letter record replayed", "id", id, "topic", rec.OriginalTopic, "key", rec.Key)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "topic": rec.OriginalTopic})
}

func toView(rec archive.Record) recordView {
	view := recordView{
		ID:             rec.ID,
		OriginalTopic:  rec.OriginalTopic,
		EventType:      rec.EventType,
		Key:            rec.Key,
		ErrorMessage:   rec.ErrorMessage,
		ErrorType:      rec.ErrorType,
		RetryCount:     rec.RetryCount,
		DeadLetteredAt: rec.DeadLetteredAt.Format(time.RFC3339),
		Payload:        json.RawMessage(rec.Payload),
	}
	if rec.ReplayedAt != nil {
		view.ReplayedAt = rec.ReplayedAt.Format(time.RFC3339)
	}
	return view
}
