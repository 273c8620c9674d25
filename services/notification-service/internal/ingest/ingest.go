// Package ingest is the thin HTTP surface that turns an accepted
// request into a notification.created event. Everything after the 202
// is the pipeline's responsibility.
package ingest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/relaypoint/notifly/libs/ctxmeta"
	"github.com/relaypoint/notifly/libs/eventbus"
	"github.com/relaypoint/notifly/libs/httpx"
)

// CreatedTopic is where accepted notifications enter the pipeline.
const CreatedTopic = "notification.created"

type request struct {
	UserID    string            `json:"userId"`
	Channels  []string          `json:"channels"`
	Recipient map[string]string `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
}

type Handler struct {
	pub    eventbus.EventPublisher
	logger *slog.Logger
}

func New(logger *slog.Logger, pub eventbus.EventPublisher) *Handler {
	return &Handler{pub: pub, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/notifications", h.create)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req.Channels) == 0 {
		http.Error(w, "channels is required", http.StatusBadRequest)
		return
	}
	if len(req.Recipient) == 0 {
		http.Error(w, "recipient is required", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	recipient := make(map[string]any, len(req.Recipient))
	for k, v := range req.Recipient {
		recipient[k] = v
	}
	channels := make([]any, 0, len(req.Channels))
	for _, ch := range req.Channels {
		channels = append(channels, ch)
	}
	env := eventbus.NewEnvelope(CreatedTopic, map[string]any{
		"notificationId": id,
		"channels":       channels,
		"recipient":      recipient,
		"subject":        req.Subject,
		"body":           req.Body,
	})

	ctx := ctxmeta.With(r.Context(), ctxmeta.Meta{
		CorrelationID: httpx.RequestIDFromContext(r.Context()),
		RequestID:     httpx.RequestIDFromContext(r.Context()),
		UserID:        req.UserID,
	})
	if err := h.pub.Publish(ctx, CreatedTopic, env, nil); err != nil {
		h.logger.Error("notification publish failed", "err", err)
		http.Error(w, "notification could not be accepted", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"notificationId": id})
}
