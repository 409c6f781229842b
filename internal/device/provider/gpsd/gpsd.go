// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package gpsd provides a device location provider backed by a local GPSd daemon.
package gpsd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/stratoberry/go-gpsd"

	"github.com/wneessen/vendorloc/internal/device"
	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/gpspoll"
	"github.com/wneessen/vendorloc/internal/logger"
)

const (
	name            = "gpsd"
	reconnectPeriod = time.Second * 30
	streamBuffer    = 4
)

type poller interface {
	Probe(ctx context.Context) (string, error)
	Poll(ctx context.Context) (gpspoll.Fix, error)
}

// Provider talks to gpsd. GPSd has no notion of per-application permission, so a reachable
// daemon implies granted permission.
type Provider struct {
	name   string
	addr   string
	period time.Duration
	logger *logger.Logger
	poller poller
}

// New returns a gpsd Provider for the given host and port.
func New(host, port string, log *logger.Logger) *Provider {
	return &Provider{
		name:   name,
		addr:   net.JoinHostPort(host, port),
		period: reconnectPeriod,
		logger: log,
		poller: gpspoll.New(host, port),
	}
}

func (p *Provider) Name() string {
	return p.name
}

// ServicesEnabled reports whether gpsd answers on its socket. A refused connection is not an
// error, it simply means the GPS subsystem is off.
func (p *Provider) ServicesEnabled(ctx context.Context) (bool, error) {
	release, err := p.poller.Probe(ctx)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) || errors.Is(err, gpspoll.ErrNotGPSD) {
			p.logger.Debug("gpsd not reachable", slog.String("addr", p.addr), logger.Err(err))
			return false, nil
		}
		return false, err
	}
	p.logger.Debug("gpsd is reachable", slog.String("addr", p.addr), slog.String("release", release))
	return true, nil
}

func (p *Provider) PermissionGranted(ctx context.Context) (bool, error) {
	return p.ServicesEnabled(ctx)
}

func (p *Provider) RequestPermission(ctx context.Context) (bool, error) {
	return p.ServicesEnabled(ctx)
}

// Position polls gpsd for a single 2D fix.
func (p *Provider) Position(ctx context.Context, _ device.Accuracy) (device.Fix, error) {
	fix, err := p.poller.Poll(ctx)
	if err != nil {
		if errors.Is(err, gpspoll.ErrNoFix) {
			return device.Fix{}, fmt.Errorf("%w: %w", device.ErrNoFix, err)
		}
		return device.Fix{}, fmt.Errorf("failed to poll gpsd: %w", err)
	}
	return p.createFix(fix.Lat, fix.Lon, fix.Acc, fix.Time), nil
}

// Watch streams TPV reports from gpsd. Reports without a 2D fix are skipped and reports arriving
// faster than opts.TimeInterval are dropped. Lost connections are re-established after the
// reconnect period.
func (p *Provider) Watch(ctx context.Context, opts device.WatchOptions) (<-chan device.Fix, error) {
	stream := device.NewStream(streamBuffer)

	go func() {
		defer stream.Close()
		state := device.State{}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			session, err := gpsd.Dial(p.addr)
			if err != nil {
				p.logger.Debug("failed to connect to gpsd", slog.String("addr", p.addr), logger.Err(err))
				stream.Send(ctx, device.Fix{Source: p.name, At: time.Now(),
					Err: fmt.Errorf("failed to connect to gpsd at %q: %w", p.addr, err)})
				if !sleepOrDone(ctx, p.period) {
					return
				}
				continue
			}

			// Install TPV filter: this gets called for every TPV report
			session.AddFilter("TPV", func(r interface{}) {
				tpv, ok := r.(*gpsd.TPVReport)
				if !ok || tpv.Mode < gpsd.Mode2D {
					return
				}
				now := time.Now()
				if !state.Due(now, opts.TimeInterval) {
					return
				}
				pos := geo.Position{
					Latitude:  geo.Truncate(tpv.Lat, geo.TruncPrecision),
					Longitude: geo.Truncate(tpv.Lon, geo.TruncPrecision),
				}
				state.Update(pos, now)
				acc := fallbackAccuracy(tpv)
				stream.Send(ctx, p.createFix(pos.Latitude, pos.Longitude, acc, tpv.Time))
			})

			// Watch() returns a channel that fires when the watch ends (e.g. connection lost).
			done := session.Watch()

			select {
			case <-ctx.Done():
				closeSession(session, done, p.logger)
				return
			case <-done:
				_ = session.Close()
			}

			if !sleepOrDone(ctx, p.period) {
				return
			}
		}
	}()

	return stream.C(), nil
}

// createFix composes a device.Fix from raw gpsd values.
func (p *Provider) createFix(lat, lon, acc float64, at time.Time) device.Fix {
	if at.IsZero() {
		at = time.Now()
	}
	return device.Fix{
		Position:       geo.Position{Latitude: lat, Longitude: lon},
		AccuracyMeters: acc,
		At:             at,
		Source:         p.name,
	}
}

func fallbackAccuracy(tpv *gpsd.TPVReport) float64 {
	if tpv.Epx > 0 && tpv.Epy > 0 {
		return (tpv.Epx + tpv.Epy) / 2
	}
	if tpv.Mode >= gpsd.Mode3D {
		return 10
	}
	return 25
}

// closeSession closes the gpsd connection and drains done, so the go-gpsd reader goroutine can
// finish once it sees the closed socket.
func closeSession(session *gpsd.Session, done <-chan bool, log *logger.Logger) {
	if err := session.Close(); err != nil {
		log.Debug("failed to close gpsd session", logger.Err(err))
	}
	go func() { <-done }()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
