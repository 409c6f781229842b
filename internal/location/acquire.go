// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wneessen/vendorloc/internal/device"
	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/logger"
)

// DefaultFixTimeout bounds a one-shot position fetch.
const DefaultFixTimeout = 15 * time.Second

// Acquirer produces one-shot positions and continuous position subscriptions.
type Acquirer struct {
	provider   device.Provider
	gate       *Gate
	opts       device.WatchOptions
	fixTimeout time.Duration
	logger     *logger.Logger
}

// NewAcquirer returns an Acquirer that ensures permission through gate.
func NewAcquirer(provider device.Provider, gate *Gate, opts device.WatchOptions, fixTimeout time.Duration,
	log *logger.Logger,
) *Acquirer {
	if fixTimeout <= 0 {
		fixTimeout = DefaultFixTimeout
	}
	return &Acquirer{
		provider:   provider,
		gate:       gate,
		opts:       opts,
		fixTimeout: fixTimeout,
		logger:     log,
	}
}

// CurrentPosition returns a single position. A nil position means "no position right now" and
// comes with an error describing why. Callers should offer manual selection instead.
func (a *Acquirer) CurrentPosition(ctx context.Context) (*geo.Position, *geo.Error) {
	if gerr := a.ensurePermission(ctx); gerr != nil {
		return nil, gerr
	}

	ctx, cancel := context.WithTimeout(ctx, a.fixTimeout)
	defer cancel()

	fix, err := a.provider.Position(ctx, a.opts.Accuracy)
	if err == nil {
		err = fix.Err
	}
	switch {
	case err == nil && fix.Position.Valid():
		pos := fix.Position
		a.logger.Debug("received position fix", slog.String("provider", a.provider.Name()),
			slog.String("position", pos.String()), slog.Float64("accuracy", fix.AccuracyMeters))
		return &pos, nil
	case err == nil:
		return nil, geo.NewError(geo.CodeLocationUnavailable, "device returned an invalid position", nil)
	case errors.Is(err, device.ErrPermissionDenied):
		a.gate.Revoke()
		return nil, geo.NewError(geo.CodePermissionDenied, "location permission denied", err)
	case errors.Is(err, device.ErrNoFix), errors.Is(err, context.DeadlineExceeded):
		return nil, geo.NewError(geo.CodeLocationUnavailable, "no position fix available", err)
	default:
		return nil, geo.NewError(geo.CodeLocationError, "failed to get current position", err)
	}
}

// Watch starts a continuous position subscription. onUpdate receives every fix that moved at
// least the configured distance interval, onError receives stream failures. Both run on the
// subscription's goroutine. The subscription lives until it is cancelled, independent of ctx.
func (a *Acquirer) Watch(ctx context.Context, onUpdate func(device.Fix), onError func(*geo.Error)) (*Subscription, error) {
	if gerr := a.ensurePermission(ctx); gerr != nil {
		return nil, gerr
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := a.provider.Watch(watchCtx, a.opts)
	if err != nil {
		cancel()
		if errors.Is(err, device.ErrPermissionDenied) {
			a.gate.Revoke()
			return nil, geo.NewError(geo.CodePermissionDenied, "location permission denied", err)
		}
		return nil, geo.NewError(geo.CodeTrackingFailed, "failed to start position tracking", err)
	}

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		state := device.State{}
		for {
			select {
			case <-watchCtx.Done():
				return
			case fix, ok := <-stream:
				if !ok {
					if watchCtx.Err() == nil {
						onError(geo.NewError(geo.CodeTrackingError, "position stream ended unexpectedly", nil))
					}
					return
				}
				if fix.Err != nil {
					if errors.Is(fix.Err, device.ErrPermissionDenied) {
						a.gate.Revoke()
						onError(geo.NewError(geo.CodePermissionDenied, "location permission denied", fix.Err))
						continue
					}
					onError(geo.NewError(geo.CodeTrackingError, "position tracking failed", fix.Err))
					continue
				}
				if !fix.Position.Valid() || !state.HasMoved(fix.Position, a.opts.DistanceInterval) {
					continue
				}
				state.Update(fix.Position, fix.At)
				onUpdate(fix)
			}
		}
	}()
	a.logger.Debug("position tracking started", slog.String("provider", a.provider.Name()),
		slog.Duration("interval", a.opts.TimeInterval), slog.Float64("distance", a.opts.DistanceInterval))
	return sub, nil
}

func (a *Acquirer) ensurePermission(ctx context.Context) *geo.Error {
	if a.gate.Granted() {
		return nil
	}
	return a.gate.Check(ctx).Err
}

// Subscription is a running position watch.
type Subscription struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the watch and waits until no more callbacks run. It is safe to call on a nil
// Subscription and more than once. It must not be called from within a callback.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Done is closed once the watch stopped, either by Cancel or because the stream ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
