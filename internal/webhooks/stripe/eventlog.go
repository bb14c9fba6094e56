package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	pkgdb "github.com/luciadecode/lucia-billing/pkg/db"
	"github.com/luciadecode/lucia-billing/pkg/db/models"
	"github.com/luciadecode/lucia-billing/pkg/enums"
	"github.com/luciadecode/lucia-billing/pkg/redis"
)

const maxErrorLength = 1000

// EventRecord identifies one delivered event in the log.
type EventRecord struct {
	ID        string
	Type      string
	CreatedAt *time.Time
}

// EventLog is the create-if-absent record of delivered events. Begin reports
// duplicate=true when the id was already recorded, whatever its status.
type EventLog interface {
	Begin(ctx context.Context, record EventRecord) (duplicate bool, err error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// DBEventLog keeps event records in the stripe_events table.
type DBEventLog struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDBEventLog(db *gorm.DB) *DBEventLog {
	return &DBEventLog{db: db, now: time.Now}
}

func (l *DBEventLog) Begin(ctx context.Context, record EventRecord) (bool, error) {
	if strings.TrimSpace(record.ID) == "" {
		return false, errors.New("event id is required")
	}
	row := models.StripeEvent{
		ID:             record.ID,
		Type:           record.Type,
		Status:         enums.EventRecordStatusPending,
		EventCreatedAt: record.CreatedAt,
		InsertedAt:     l.now().UTC(),
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		if pkgdb.IsUniqueViolation(res.Error, "") {
			return true, nil
		}
		return false, fmt.Errorf("insert event record: %w", res.Error)
	}
	return res.RowsAffected == 0, nil
}

func (l *DBEventLog) MarkProcessed(ctx context.Context, id string) error {
	return l.finish(ctx, id, map[string]any{
		"status":       enums.EventRecordStatusProcessed,
		"processed_at": l.now().UTC(),
	})
}

func (l *DBEventLog) MarkFailed(ctx context.Context, id string, cause error) error {
	return l.finish(ctx, id, map[string]any{
		"status":    enums.EventRecordStatusFailed,
		"failed_at": l.now().UTC(),
		"error":     errorText(cause),
	})
}

// finish only moves pending records so terminal states never change.
func (l *DBEventLog) finish(ctx context.Context, id string, updates map[string]any) error {
	return l.db.WithContext(ctx).
		Model(&models.StripeEvent{}).
		Where("id = ? AND status = ?", id, enums.EventRecordStatusPending).
		Updates(updates).Error
}

// RedisEventLog keeps event records as expiring Redis keys.
type RedisEventLog struct {
	store redis.EventStore
	ttl   time.Duration
	now   func() time.Time
}

type redisEventValue struct {
	Status    enums.EventRecordStatus `json:"status"`
	Type      string                  `json:"type,omitempty"`
	CreatedAt *time.Time              `json:"created_at,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
	Error     string                  `json:"error,omitempty"`
}

func NewRedisEventLog(store redis.EventStore, ttl time.Duration) (*RedisEventLog, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &RedisEventLog{store: store, ttl: ttl, now: time.Now}, nil
}

func (l *RedisEventLog) Begin(ctx context.Context, record EventRecord) (bool, error) {
	if strings.TrimSpace(record.ID) == "" {
		return false, errors.New("event id is required")
	}
	value, err := l.encode(redisEventValue{
		Status:    enums.EventRecordStatusPending,
		Type:      record.Type,
		CreatedAt: record.CreatedAt,
	})
	if err != nil {
		return false, err
	}
	set, err := l.store.SetNX(ctx, l.store.WebhookEventKey(record.ID), value, l.ttl)
	if err != nil {
		return false, fmt.Errorf("set event record: %w", err)
	}
	return !set, nil
}

func (l *RedisEventLog) MarkProcessed(ctx context.Context, id string) error {
	return l.finish(ctx, id, redisEventValue{Status: enums.EventRecordStatusProcessed})
}

func (l *RedisEventLog) MarkFailed(ctx context.Context, id string, cause error) error {
	return l.finish(ctx, id, redisEventValue{Status: enums.EventRecordStatusFailed, Error: errorText(cause)})
}

func (l *RedisEventLog) finish(ctx context.Context, id string, next redisEventValue) error {
	key := l.store.WebhookEventKey(id)
	current, err := l.store.Get(ctx, key)
	if err != nil {
		if redis.IsNil(err) {
			return nil
		}
		return fmt.Errorf("get event record: %w", err)
	}
	var stored redisEventValue
	if err := json.Unmarshal([]byte(current), &stored); err != nil {
		return fmt.Errorf("decode event record: %w", err)
	}
	status, err := enums.ParseEventRecordStatus(string(stored.Status))
	if err != nil {
		return fmt.Errorf("decode event record: %w", err)
	}
	if status.IsTerminal() {
		return nil
	}
	next.Type = stored.Type
	next.CreatedAt = stored.CreatedAt
	value, err := l.encode(next)
	if err != nil {
		return err
	}
	if _, err := l.store.SetXX(ctx, key, value, l.ttl); err != nil {
		return fmt.Errorf("update event record: %w", err)
	}
	return nil
}

func (l *RedisEventLog) encode(value redisEventValue) (string, error) {
	value.UpdatedAt = l.now().UTC()
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode event record: %w", err)
	}
	return string(raw), nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return msg
}
