package archive

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/relaypoint/notifly/libs/eventbus"
)

// Handler archives every consumed dead-letter message. Failures bubble
// up so the runtime redelivers; the DLQ topic is the source of truth
// and nothing is acknowledged until the archive write lands.
type Handler struct {
	repo   *Repository
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger, repo *Repository) *Handler {
	return &Handler{repo: repo, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, d eventbus.Delivery) error {
	payload, err := json.Marshal(d.Envelope)
	if err != nil {
		return err
	}
	rec := FromDelivery(d, payload)
	if err := h.repo.Insert(ctx, rec); err != nil {
		return err
	}
	h.logger.Info("dead-letter record archived",
		"original_topic", rec.OriginalTopic,
		"error_type", rec.ErrorType,
		"retry_count", rec.RetryCount,
		"key", rec.Key,
	)
	return nil
}
