// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package location

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wneessen/vendorloc/internal/device"
	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/logger"
)

const (
	gateKey = "permission"

	// permissionTimeout bounds a shared check, which outlives the caller that started it.
	permissionTimeout = 2 * time.Minute
)

// GateResult is the outcome of a permission check.
type GateResult struct {
	ServicesEnabled bool
	Granted         bool
	Err             *geo.Error
}

// Gate checks device location services and app permission. Overlapping checks collapse into the
// one already in flight, so the user never sees two permission prompts at once.
type Gate struct {
	provider device.Provider
	logger   *logger.Logger

	group    singleflight.Group
	inFlight atomic.Bool
	granted  atomic.Bool
}

// NewGate returns a Gate for provider.
func NewGate(provider device.Provider, log *logger.Logger) *Gate {
	return &Gate{provider: provider, logger: log}
}

// Check runs the permission check. Callers arriving while a check is in flight wait for it and
// receive its result instead of starting a new one. The shared check does not depend on the
// context of the caller that started it, each caller only stops waiting when its own ctx is done.
func (g *Gate) Check(ctx context.Context) GateResult {
	results := g.group.DoChan(gateKey, func() (any, error) {
		g.inFlight.Store(true)
		defer g.inFlight.Store(false)
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), permissionTimeout)
		defer cancel()
		return g.check(checkCtx), nil
	})

	select {
	case <-ctx.Done():
		return GateResult{Err: geo.NewError(geo.CodePermissionError, "permission check aborted", ctx.Err())}
	case result := <-results:
		if result.Shared {
			g.logger.Debug("joined in-flight permission check")
		}
		return result.Val.(GateResult)
	}
}

// InFlight reports whether a check is currently running.
func (g *Gate) InFlight() bool {
	return g.inFlight.Load()
}

// Granted returns the permission state of the last completed check.
func (g *Gate) Granted() bool {
	return g.granted.Load()
}

// Revoke forgets a previously granted permission, e.g. after the provider refused a fix.
func (g *Gate) Revoke() {
	g.granted.Store(false)
}

func (g *Gate) check(ctx context.Context) GateResult {
	enabled, err := g.provider.ServicesEnabled(ctx)
	if err != nil {
		g.granted.Store(false)
		return GateResult{Err: geo.NewError(geo.CodePermissionError, "failed to check location services", err)}
	}
	if !enabled {
		g.granted.Store(false)
		return GateResult{Err: geo.NewError(geo.CodeServicesDisabled, "location services are disabled", nil)}
	}

	granted, err := g.provider.PermissionGranted(ctx)
	if err != nil {
		g.granted.Store(false)
		return GateResult{ServicesEnabled: true,
			Err: geo.NewError(geo.CodePermissionError, "failed to check location permission", err)}
	}
	if !granted {
		g.logger.Debug("requesting location permission", slog.String("provider", g.provider.Name()))
		granted, err = g.provider.RequestPermission(ctx)
		if err != nil && !errors.Is(err, device.ErrPermissionDenied) {
			g.granted.Store(false)
			return GateResult{ServicesEnabled: true,
				Err: geo.NewError(geo.CodePermissionError, "failed to request location permission", err)}
		}
	}

	g.granted.Store(granted)
	if !granted {
		return GateResult{ServicesEnabled: true,
			Err: geo.NewError(geo.CodePermissionDenied, "location permission denied", nil)}
	}
	return GateResult{ServicesEnabled: true, Granted: true}
}
