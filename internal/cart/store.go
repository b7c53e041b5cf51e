package cart

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
	"github.com/reliablestore/storefront/pkg/metrics"
	"github.com/reliablestore/storefront/pkg/redis"
)

type kvStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type recordKeyer interface {
	CartKey(recordKey, deviceID string) string
}

// Notifier is told about every cart change so displayed counts can refresh.
type Notifier interface {
	Notify(ctx context.Context, deviceID string, count int)
}

// Service is the cart surface used by the HTTP layer and the sign-in merge.
type Service interface {
	Read(ctx context.Context, deviceID string) Record
	Write(ctx context.Context, deviceID string, record Record)
	Clear(ctx context.Context, deviceID string)
	AddItem(ctx context.Context, deviceID string, product Product) Record
	SetQuantity(ctx context.Context, deviceID, id string, qty int) Record
	RemoveItem(ctx context.Context, deviceID, id string) Record
}

// StoreParams wires a Store.
type StoreParams struct {
	KV        kvStore
	Keyer     recordKeyer
	RecordKey string
	TTL       time.Duration
	Notifier  Notifier
	Logger    *logger.Logger
	Metrics   *metrics.StorefrontMetrics
}

// Store keeps one cart record per device. It never returns errors: an
// unavailable or corrupt backing store reads as an empty cart and failed
// writes are logged and dropped.
type Store struct {
	kv        kvStore
	keyer     recordKeyer
	recordKey string
	ttl       time.Duration
	notifier  Notifier
	logg      *logger.Logger
	metrics   *metrics.StorefrontMetrics
}

// NewStore builds a Store. A nil KV yields a degraded, always-empty cart.
func NewStore(params StoreParams) *Store {
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Store{
		kv:        params.KV,
		keyer:     params.Keyer,
		recordKey: params.RecordKey,
		ttl:       params.TTL,
		notifier:  params.Notifier,
		logg:      logg,
		metrics:   params.Metrics,
	}
}

func (s *Store) key(deviceID string) string {
	if s.keyer != nil {
		return s.keyer.CartKey(s.recordKey, deviceID)
	}
	return s.recordKey + ":" + deviceID
}

func (s *Store) Read(ctx context.Context, deviceID string) Record {
	if s.kv == nil || strings.TrimSpace(deviceID) == "" {
		return Record{}
	}
	raw, err := s.kv.Get(ctx, s.key(deviceID))
	if err != nil {
		if !redis.IsNil(err) {
			s.storageFailure(ctx, "read", deviceID, err)
		}
		return Record{}
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		logCtx := s.logg.WithDeviceID(ctx, deviceID)
		s.logg.WarnErr(logCtx, "cart.record.corrupt", err)
		return Record{}
	}
	return record
}

func (s *Store) Write(ctx context.Context, deviceID string, record Record) {
	record = record.Normalize()
	if s.kv == nil || strings.TrimSpace(deviceID) == "" {
		s.storageFailure(ctx, "write", deviceID, pkgerrors.New(pkgerrors.CodeStorage, "cart storage unavailable"))
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		s.storageFailure(ctx, "write", deviceID, err)
		return
	}
	if err := s.kv.Set(ctx, s.key(deviceID), string(payload), s.ttl); err != nil {
		s.storageFailure(ctx, "write", deviceID, err)
		return
	}
	s.notify(ctx, deviceID, TotalCount(record))
}

func (s *Store) Clear(ctx context.Context, deviceID string) {
	if s.kv == nil || strings.TrimSpace(deviceID) == "" {
		s.storageFailure(ctx, "clear", deviceID, pkgerrors.New(pkgerrors.CodeStorage, "cart storage unavailable"))
		return
	}
	if err := s.kv.Del(ctx, s.key(deviceID)); err != nil {
		s.storageFailure(ctx, "clear", deviceID, err)
		return
	}
	s.notify(ctx, deviceID, 0)
}

// AddItem increments the product's quantity by one. Descriptive fields are
// copied only when the line is created.
func (s *Store) AddItem(ctx context.Context, deviceID string, product Product) Record {
	id := strings.TrimSpace(product.ID)
	record := s.Read(ctx, deviceID)
	if id == "" {
		return record
	}
	line, ok := record[id]
	if !ok {
		line = Line{
			ID:    id,
			Title: product.Title,
			Price: product.Price,
			Image: product.Image,
		}
	}
	if line.Qty < maxQuantity {
		line.Qty++
	}
	record[id] = line
	s.Write(ctx, deviceID, record)
	return record.Normalize()
}

// SetQuantity sets the line quantity; qty <= 0 removes the line.
func (s *Store) SetQuantity(ctx context.Context, deviceID, id string, qty int) Record {
	id = strings.TrimSpace(id)
	record := s.Read(ctx, deviceID)
	line, ok := record[id]
	switch {
	case id == "":
		return record
	case qty <= 0:
		if !ok {
			return record
		}
		delete(record, id)
	case !ok:
		// nothing to describe the line with yet; keep the bare id
		record[id] = Line{ID: id, Qty: Quantity(min(qty, maxQuantity))}
	default:
		line.Qty = Quantity(min(qty, maxQuantity))
		record[id] = line
	}
	s.Write(ctx, deviceID, record)
	return record.Normalize()
}

// RemoveItem drops the line entirely.
func (s *Store) RemoveItem(ctx context.Context, deviceID, id string) Record {
	return s.SetQuantity(ctx, deviceID, id, 0)
}

func (s *Store) notify(ctx context.Context, deviceID string, count int) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, deviceID, count)
}

func (s *Store) storageFailure(ctx context.Context, op, deviceID string, err error) {
	s.metrics.IncStorageFailure(op)
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"device_id":  deviceID,
		"op":         op,
		"error_code": string(pkgerrors.CodeStorage),
	})
	s.logg.WarnErr(logCtx, "cart.storage.failed", err)
}
