// Package archive persists dead-letter records so operators can inspect
// and replay them. The DLQ topics themselves stay append-only; this is
// the queryable view next to them.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/relaypoint/notifly/libs/db"
	"github.com/relaypoint/notifly/libs/eventbus"
)

type Record struct {
	ID             int64
	DLQTopic       string
	OriginalTopic  string
	EventType      string
	Key            string
	Payload        []byte
	Headers        map[string]string
	ErrorMessage   string
	ErrorType      string
	RetryCount     int
	DeadLetteredAt time.Time
	ReplayedAt     *time.Time
}

// FromDelivery maps a consumed dead-letter message onto a Record.
func FromDelivery(d eventbus.Delivery, payload []byte) Record {
	rec := Record{
		DLQTopic:      d.Topic,
		OriginalTopic: d.Headers[eventbus.HeaderOriginalTopic],
		EventType:     d.Envelope.Type,
		Key:           string(d.Key),
		Payload:       payload,
		Headers:       map[string]string(d.Headers),
		ErrorMessage:  d.Headers[eventbus.HeaderErrorMessage],
		ErrorType:     d.Headers[eventbus.HeaderErrorType],
	}
	if rec.OriginalTopic == "" {
		rec.OriginalTopic = d.Topic
	}
	if n, err := strconv.Atoi(d.Headers[eventbus.HeaderRetryCount]); err == nil {
		rec.RetryCount = n
	}
	rec.DeadLetteredAt = time.Now().UTC()
	if ms, err := strconv.ParseInt(d.Headers[eventbus.HeaderDLQTimestamp], 10, 64); err == nil {
		rec.DeadLetteredAt = time.UnixMilli(ms).UTC()
	}
	return rec
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, rec Record) error {
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO dlq_records
			(dlq_topic, original_topic, event_type, message_key, payload, headers,
			 error_message, error_type, retry_count, dead_lettered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.DLQTopic, rec.OriginalTopic, rec.EventType, rec.Key, rec.Payload, headers,
		rec.ErrorMessage, rec.ErrorType, rec.RetryCount, rec.DeadLetteredAt)
	return err
}

func (r *Repository) Get(ctx context.Context, id int64) (Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, dlq_topic, original_topic, event_type, message_key, payload, headers,
		       error_message, error_type, retry_count, dead_lettered_at, replayed_at
		FROM dlq_records
		WHERE id = $1
	`, id)
	return scanRecord(row)
}

func (r *Repository) List(ctx context.Context, originalTopic string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, dlq_topic, original_topic, event_type, message_key, payload, headers,
		       error_message, error_type, retry_count, dead_lettered_at, replayed_at
		FROM dlq_records
		WHERE ($1 = '' OR original_topic = $1)
		ORDER BY dead_lettered_at DESC
		LIMIT $2
	`, originalTopic, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkReplayed stamps the record; only unreplayed records transition.
func (r *Repository) MarkReplayed(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dlq_records
		SET replayed_at = now()
		WHERE id = $1 AND replayed_at IS NULL
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dlq record %d not found or already replayed", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var headers []byte
	err := row.Scan(
		&rec.ID, &rec.DLQTopic, &rec.OriginalTopic, &rec.EventType, &rec.Key,
		&rec.Payload, &headers, &rec.ErrorMessage, &rec.ErrorType,
		&rec.RetryCount, &rec.DeadLetteredAt, &rec.ReplayedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &rec.Headers); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}
