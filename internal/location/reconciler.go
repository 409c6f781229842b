// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package location owns the current position of a single screen or session. The Reconciler
// mediates between automatic positions from the device and positions chosen by the user, and
// reports every failure through one advisory error field instead of failing the caller.
package location

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wneessen/vendorloc/internal/device"
	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/logger"
	"github.com/wneessen/vendorloc/internal/nearby"
	"github.com/wneessen/vendorloc/internal/store"
)

// Options configures a Reconciler.
type Options struct {
	Watch      device.WatchOptions
	FixTimeout time.Duration
	Nearby     nearby.Options
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Error codes each operation clears when it succeeds. Operations that establish a fresh position
// clear every error.
var (
	gateCodes    = []geo.ErrorCode{geo.CodeServicesDisabled, geo.CodePermissionDenied, geo.CodePermissionError}
	trackCodes   = []geo.ErrorCode{geo.CodeTrackingFailed, geo.CodeTrackingError}
	loadCodes    = []geo.ErrorCode{geo.CodeLoadError, geo.CodeNoLocation}
	persistCodes = []geo.ErrorCode{geo.CodeUpdateFailed, geo.CodeUpdateError, geo.CodeNoLocation}
	nearbyCodes  = []geo.ErrorCode{geo.CodeFetchError, geo.CodeNoLocation}
)

// Reconciler is the single source of truth for the current position. Every Reconciler owns its
// own Gate and tracking session. Mutating operations race with last-write-wins semantics, except
// that a manual position is never replaced by an automatic one.
type Reconciler struct {
	provider device.Provider
	backend  store.Backend
	nearby   *nearby.Adapter
	gate     *Gate
	acquirer *Acquirer
	clock    clockwork.Clock
	logger   *logger.Logger
	bus      *stateBus

	mu          sync.Mutex
	state       State
	initialized bool
	checking    bool
	closed      bool
	sub         *Subscription
	// trackGen identifies the current tracking session. Callbacks of older sessions are dropped.
	trackGen uint64
	// manualGen changes whenever a manual position is adopted.
	manualGen uint64
}

// New returns a Reconciler. backend and querier may be nil, in which case the operations that
// need them report an error.
func New(provider device.Provider, backend store.Backend, querier nearby.Querier, opts Options,
	log *logger.Logger,
) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	gate := NewGate(provider, log)
	r := &Reconciler{
		provider: provider,
		backend:  backend,
		gate:     gate,
		acquirer: NewAcquirer(provider, gate, opts.Watch, opts.FixTimeout, log),
		clock:    opts.Clock,
		logger:   log,
		bus:      newStateBus(),
	}
	if querier != nil {
		r.nearby = nearby.NewAdapter(querier, opts.Nearby, log)
	}
	return r
}

// Initialize runs the permission check. Without a saved or manual position the state ends up
// Unavailable, which is not an error.
func (r *Reconciler) Initialize(ctx context.Context) error {
	r.mu.Lock()
	r.checking = true
	r.state.Loading = true
	r.publishLocked()
	r.mu.Unlock()

	result := r.gate.Check(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.checking = false
	r.initialized = true
	r.state.Loading = false
	r.state.HasPermission = result.Granted
	if result.Err != nil {
		return r.failLocked(result.Err)
	}
	r.clearErrLocked(gateCodes...)
	r.publishLocked()
	return nil
}

// Refresh fetches a fresh position and adopts it as automatic position. A failed refresh keeps
// the last known position. A manual position chosen while the fetch was running wins.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	manualGen := r.manualGen
	r.state.Loading = true
	r.publishLocked()
	r.mu.Unlock()

	pos, gerr := r.acquirer.CurrentPosition(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = true
	r.state.Loading = false
	r.state.HasPermission = r.gate.Granted()
	if gerr != nil {
		return r.failLocked(gerr)
	}
	if r.manualGen != manualGen {
		r.logger.Debug("discarding refreshed position, manual position was set meanwhile",
			slog.String("position", pos.String()))
		r.publishLocked()
		return nil
	}
	r.setPositionLocked(*pos, geo.ProvenanceAutomatic, r.clock.Now())
	r.state.Err = nil
	r.publishLocked()
	return nil
}

// SetManual adopts a position chosen by the user. It needs no permission and stops tracking,
// since a manual position must not be overwritten by the device.
func (r *Reconciler) SetManual(pos geo.Position) error {
	if !pos.Valid() {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.failLocked(geo.NewError(geo.CodeNoLocation, "manual position is out of range", nil))
	}

	r.mu.Lock()
	r.manualGen++
	sub := r.detachLocked()
	r.setPositionLocked(pos, geo.ProvenanceManual, r.clock.Now())
	r.state.Err = nil
	r.publishLocked()
	r.mu.Unlock()

	sub.Cancel()
	return nil
}

// ClearManual drops the manual override. The position is kept as last known position but is
// considered automatic again, so tracking can be started.
func (r *Reconciler) ClearManual() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Provenance != geo.ProvenanceManual {
		return
	}
	r.state.Provenance = geo.ProvenanceAutomatic
	r.publishLocked()
}

// StartTracking starts the continuous position watch. It is a no-op while a manual position is
// active or tracking is already running.
func (r *Reconciler) StartTracking(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if r.state.Provenance == geo.ProvenanceManual {
		r.mu.Unlock()
		r.logger.Debug("manual position active, not starting position tracking")
		return nil
	}
	if r.sub != nil {
		r.mu.Unlock()
		return nil
	}
	r.trackGen++
	gen := r.trackGen
	r.mu.Unlock()

	sub, err := r.acquirer.Watch(ctx,
		func(fix device.Fix) { r.onFix(gen, fix) },
		func(gerr *geo.Error) { r.onWatchError(gen, gerr) },
	)

	r.mu.Lock()
	if err != nil {
		defer r.mu.Unlock()
		r.state.HasPermission = r.gate.Granted()
		var gerr *geo.Error
		if !errors.As(err, &gerr) {
			gerr = geo.NewError(geo.CodeTrackingFailed, "failed to start position tracking", err)
		}
		return r.failLocked(gerr)
	}
	if r.closed || r.trackGen != gen || r.state.Provenance == geo.ProvenanceManual {
		r.mu.Unlock()
		sub.Cancel()
		return nil
	}
	r.sub = sub
	r.state.Tracking = true
	r.state.HasPermission = true
	r.clearErrLocked(trackCodes...)
	r.publishLocked()
	r.mu.Unlock()
	return nil
}

// StopTracking cancels the position watch. It is safe to call without running tracking.
func (r *Reconciler) StopTracking() {
	r.mu.Lock()
	sub := r.detachLocked()
	r.publishLocked()
	r.mu.Unlock()

	sub.Cancel()
}

// LoadSaved adopts the saved position of the user in the given role. A record that does not say
// how its position was obtained is treated as manual, since there is no live watch behind it.
func (r *Reconciler) LoadSaved(ctx context.Context, userID string, role store.Role) error {
	if r.backend == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.failLocked(geo.NewError(geo.CodeLoadError, "no persistence backend configured", nil))
	}

	r.mu.Lock()
	r.state.Loading = true
	r.publishLocked()
	r.mu.Unlock()

	record, err := r.backend.ReadLastPosition(ctx, userID, role)

	r.mu.Lock()
	r.state.Loading = false
	if err != nil {
		defer r.mu.Unlock()
		return r.failLocked(geo.NewError(geo.CodeLoadError, "failed to load saved position", err))
	}
	if record == nil {
		r.logger.Debug("no saved position", slog.String("user_id", userID), slog.String("role", string(role)))
		r.publishLocked()
		r.mu.Unlock()
		return nil
	}
	if !record.Position.Valid() {
		defer r.mu.Unlock()
		return r.failLocked(geo.NewError(geo.CodeLoadError, "saved position is out of range", nil))
	}

	provenance := record.Provenance
	if provenance == geo.ProvenanceUnknown {
		provenance = geo.ProvenanceManual
	}
	var sub *Subscription
	if provenance == geo.ProvenanceManual {
		r.manualGen++
		sub = r.detachLocked()
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.clock.Now()
	}
	r.setPositionLocked(record.Position, provenance, updatedAt)
	r.clearErrLocked(loadCodes...)
	r.publishLocked()
	r.mu.Unlock()

	sub.Cancel()
	return nil
}

// Persist writes the current position and its provenance. For sellers a history entry is
// appended as well. A failed write keeps the in-memory state, retrying is up to the caller.
func (r *Reconciler) Persist(ctx context.Context, userID string, role store.Role) error {
	r.mu.Lock()
	pos, ok := r.state.Position.Get()
	provenance := r.state.Provenance
	if !ok {
		defer r.mu.Unlock()
		return r.failLocked(geo.NewError(geo.CodeNoLocation, "no position to persist", nil))
	}
	if r.backend == nil {
		defer r.mu.Unlock()
		return r.failLocked(geo.NewError(geo.CodeUpdateFailed, "no persistence backend configured", nil))
	}
	r.mu.Unlock()

	now := r.clock.Now()
	err := r.backend.WritePosition(ctx, userID, role, store.Record{
		Position:   pos,
		Provenance: provenance,
		UpdatedAt:  now,
	})
	if err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.failLocked(geo.NewError(geo.CodeUpdateFailed, "failed to save position", err))
	}

	if role == store.RoleSeller {
		if err = r.backend.AppendHistory(ctx, store.NewHistoryEntry(userID, pos, now)); err != nil {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.failLocked(geo.NewError(geo.CodeUpdateError, "failed to append position history", err))
		}
	}

	r.logger.Debug("position persisted", slog.String("backend", r.backend.Name()),
		slog.String("user_id", userID), slog.String("role", string(role)),
		slog.String("provenance", provenance.String()))
	r.mu.Lock()
	r.clearErrLocked(persistCodes...)
	r.publishLocked()
	r.mu.Unlock()
	return nil
}

// FindNearby searches for sellers around the current position.
func (r *Reconciler) FindNearby(ctx context.Context, radiusKm float64) ([]nearby.Entity, error) {
	r.mu.Lock()
	center := r.state.CurrentPosition()
	r.mu.Unlock()
	return r.FindNearbyFrom(ctx, center, radiusKm)
}

// FindNearbyFrom searches for sellers around center, e.g. a point tapped on a map. It always
// returns a non-nil slice.
func (r *Reconciler) FindNearbyFrom(ctx context.Context, center *geo.Position, radiusKm float64) ([]nearby.Entity, error) {
	if r.nearby == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return []nearby.Entity{}, r.failLocked(geo.NewError(geo.CodeFetchError,
			"no nearby query service configured", nil))
	}

	entities, err := r.nearby.Find(ctx, center, radiusKm)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		var gerr *geo.Error
		if !errors.As(err, &gerr) {
			gerr = geo.NewError(geo.CodeFetchError, "failed to fetch nearby sellers", err)
		}
		return entities, r.failLocked(gerr)
	}
	r.clearErrLocked(nearbyCodes...)
	r.publishLocked()
	return entities, nil
}

// State returns a snapshot of the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Subscribe returns a channel that receives the current state and every later state change,
// plus a function to unsubscribe. Subscribers that do not keep up miss intermediate states.
func (r *Reconciler) Subscribe(buffer int) (<-chan State, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bus.subscribe(buffer, r.snapshotLocked())
}

// Close stops tracking and closes all subscriber channels. The Reconciler must not be used
// afterwards. Calling Close more than once is safe.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	sub := r.detachLocked()
	r.mu.Unlock()

	sub.Cancel()
	r.bus.close()
}

func (r *Reconciler) onFix(gen uint64, fix device.Fix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || gen != r.trackGen {
		r.logger.Debug("discarding position from stale tracking session", slog.String("position", fix.Position.String()))
		return
	}
	if r.state.Provenance == geo.ProvenanceManual {
		r.logger.Debug("discarding tracked position, manual position active",
			slog.String("position", fix.Position.String()))
		return
	}
	at := fix.At
	if at.IsZero() {
		at = r.clock.Now()
	}
	r.setPositionLocked(fix.Position, geo.ProvenanceAutomatic, at)
	r.state.Err = nil
	r.publishLocked()
}

func (r *Reconciler) onWatchError(gen uint64, gerr *geo.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || gen != r.trackGen {
		return
	}
	if gerr.Code == geo.CodePermissionDenied {
		r.state.HasPermission = false
	}
	_ = r.failLocked(gerr)
}

// detachLocked ends the current tracking session and returns its subscription, which the caller
// must cancel after releasing the lock.
func (r *Reconciler) detachLocked() *Subscription {
	sub := r.sub
	r.sub = nil
	r.trackGen++
	r.state.Tracking = false
	return sub
}

func (r *Reconciler) setPositionLocked(pos geo.Position, provenance geo.Provenance, at time.Time) {
	r.state.Position.Set(pos)
	r.state.Provenance = provenance
	r.state.UpdatedAt = at
}

func (r *Reconciler) failLocked(gerr *geo.Error) error {
	r.state.Err = gerr
	r.logger.Debug("location operation failed", slog.String("code", string(gerr.Code)), logger.Err(gerr))
	r.publishLocked()
	return gerr
}

func (r *Reconciler) clearErrLocked(codes ...geo.ErrorCode) {
	if r.state.Err != nil && slices.Contains(codes, r.state.Err.Code) {
		r.state.Err = nil
	}
}

func (r *Reconciler) snapshotLocked() State {
	s := r.state
	switch {
	case s.Position.IsSet():
		s.Phase = PhaseReady
	case r.checking:
		s.Phase = PhaseChecking
	case r.initialized:
		s.Phase = PhaseUnavailable
	default:
		s.Phase = PhaseUninitialized
	}
	return s
}

func (r *Reconciler) publishLocked() {
	r.bus.broadcast(r.snapshotLocked())
}
