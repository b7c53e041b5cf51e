package authflow

import (
	"context"
	"strings"
	"time"

	"github.com/reliablestore/storefront/internal/cart"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
	"github.com/reliablestore/storefront/pkg/metrics"
)

const (
	mergeOutcomeMerged      = "merged"
	mergeOutcomeAlready     = "already_merged"
	mergeOutcomeFetchFailed = "fetch_failed"
	mergeOutcomeSaveFailed  = "save_failed"
)

type remoteCarts interface {
	Fetch(ctx context.Context, userID string) (cart.Record, error)
	Save(ctx context.Context, userID string, record cart.Record) error
}

type localCarts interface {
	Read(ctx context.Context, deviceID string) cart.Record
	Write(ctx context.Context, deviceID string, record cart.Record)
}

type markerStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

type markerKeyer interface {
	MergeMarkerKey(userID, deviceID string) string
}

// MergerParams wires a Merger.
type MergerParams struct {
	Remote  remoteCarts
	Local   localCarts
	Markers markerStore
	Keyer   markerKeyer
	// MarkerTTL should match the device cart TTL.
	MarkerTTL time.Duration
	Logger    *logger.Logger
	Metrics   *metrics.StorefrontMetrics
}

// Merger folds the device cart into the signed-in user's server cart. A
// device marker is claimed before the server cart is read, so concurrent or
// later pages on the same device never sum the same lines twice. A failed
// merge releases the claim; Forget clears it on sign-out.
type Merger struct {
	remote    remoteCarts
	local     localCarts
	markers   markerStore
	keyer     markerKeyer
	markerTTL time.Duration
	logg      *logger.Logger
	metrics   *metrics.StorefrontMetrics
}

// NewMerger builds a Merger. Markers may be nil, in which case only the
// per-page guard prevents repeats.
func NewMerger(params MergerParams) *Merger {
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Merger{
		remote:    params.Remote,
		local:     params.Local,
		markers:   params.Markers,
		keyer:     params.Keyer,
		markerTTL: params.MarkerTTL,
		logg:      logg,
		metrics:   params.Metrics,
	}
}

// Merge fetches the server cart, merges the device cart into it, saves the
// result remotely and writes it back to the device.
func (m *Merger) Merge(ctx context.Context, userID, deviceID string) error {
	if strings.TrimSpace(userID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if m.remote == nil || m.local == nil {
		return pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "cart merge not configured")
	}
	logCtx := m.logg.WithFields(ctx, map[string]any{"user_id": userID, "device_id": deviceID})

	claimed, proceed := m.claim(logCtx, userID, deviceID)
	if !proceed {
		m.metrics.ObserveMerge(mergeOutcomeAlready)
		m.logg.Debug(logCtx, "cart.merge.skipped")
		return nil
	}

	server, err := m.remote.Fetch(ctx, userID)
	if err != nil {
		m.release(logCtx, claimed, userID, deviceID)
		m.metrics.ObserveMerge(mergeOutcomeFetchFailed)
		m.logg.WarnErr(logCtx, "cart.merge.fetch_failed", err)
		return err
	}
	local := m.local.Read(ctx, deviceID)
	merged := cart.Merge(server, local)

	if err := m.remote.Save(ctx, userID, merged); err != nil {
		m.release(logCtx, claimed, userID, deviceID)
		m.metrics.ObserveMerge(mergeOutcomeSaveFailed)
		m.logg.WarnErr(logCtx, "cart.merge.save_failed", err)
		return err
	}
	m.local.Write(ctx, deviceID, merged)

	m.metrics.ObserveMerge(mergeOutcomeMerged)
	logCtx = m.logg.WithField(logCtx, "items", cart.TotalCount(merged))
	m.logg.Info(logCtx, "cart.merge.completed")
	return nil
}

// Forget drops the device marker so the next sign-in merges again.
func (m *Merger) Forget(ctx context.Context, userID, deviceID string) {
	if m.markers == nil || m.keyer == nil || userID == "" {
		return
	}
	if err := m.markers.Del(ctx, m.keyer.MergeMarkerKey(userID, deviceID)); err != nil {
		m.logg.WarnErr(m.logg.WithUserID(ctx, userID), "cart.merge.marker_clear_failed", err)
	}
}

// claim takes the device marker. proceed is false when another merge already
// holds it. An unreachable marker store does not block the merge; the page
// guard still prevents repeats within one page.
func (m *Merger) claim(ctx context.Context, userID, deviceID string) (claimed, proceed bool) {
	if m.markers == nil || m.keyer == nil {
		return false, true
	}
	ok, err := m.markers.SetNX(ctx, m.keyer.MergeMarkerKey(userID, deviceID), time.Now().UTC().Format(time.RFC3339), m.markerTTL)
	if err != nil {
		m.logg.WarnErr(ctx, "cart.merge.marker_claim_failed", err)
		return false, true
	}
	return ok, ok
}

func (m *Merger) release(ctx context.Context, claimed bool, userID, deviceID string) {
	if !claimed {
		return
	}
	if err := m.markers.Del(ctx, m.keyer.MergeMarkerKey(userID, deviceID)); err != nil {
		m.logg.WarnErr(ctx, "cart.merge.marker_release_failed", err)
	}
}
