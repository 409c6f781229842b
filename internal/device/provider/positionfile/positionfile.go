// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package positionfile provides a device location provider that reads a fixed "lat,lon" position
// from a file. It stands in for a GPS receiver on stationary setups such as a market stall kiosk.
package positionfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wneessen/vendorloc/internal/device"
	"github.com/wneessen/vendorloc/internal/geo"
)

const (
	name = "position_file"
	// Accuracy is the accuracy we assume for a hand-maintained position file.
	Accuracy = 25
)

var ErrNoCoordinates = errors.New("no valid coordinates found in position file")

// Provider reads the position file on demand and re-reads it periodically while watched.
type Provider struct {
	name     string
	path     string
	locateFn func() (geo.Position, error)
}

// New initializes a Provider for the file at path.
func New(path string) *Provider {
	provider := &Provider{
		name: name,
		path: path,
	}
	provider.locateFn = provider.readFile
	return provider
}

// Name returns the name of the Provider instance.
func (p *Provider) Name() string {
	return p.name
}

// ServicesEnabled reports whether the position file exists.
func (p *Provider) ServicesEnabled(context.Context) (bool, error) {
	if _, err := os.Stat(p.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat position file %q: %w", p.path, err)
	}
	return true, nil
}

// PermissionGranted reports whether the position file is readable.
func (p *Provider) PermissionGranted(context.Context) (bool, error) {
	f, err := os.Open(p.path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open position file %q: %w", p.path, err)
	}
	_ = f.Close()
	return true, nil
}

// RequestPermission cannot prompt for anything, it reports the current file permission.
func (p *Provider) RequestPermission(ctx context.Context) (bool, error) {
	return p.PermissionGranted(ctx)
}

// Position returns the position currently stored in the file.
func (p *Provider) Position(context.Context, device.Accuracy) (device.Fix, error) {
	pos, err := p.locateFn()
	if err != nil {
		if errors.Is(err, ErrNoCoordinates) {
			return device.Fix{}, fmt.Errorf("%w: %w", device.ErrNoFix, err)
		}
		return device.Fix{}, err
	}
	return p.createFix(pos), nil
}

// Watch re-reads the file every opts.TimeInterval and emits when the stored position changed.
func (p *Provider) Watch(ctx context.Context, opts device.WatchOptions) (<-chan device.Fix, error) {
	period := opts.TimeInterval
	if period <= 0 {
		period = device.DefaultWatchOptions().TimeInterval
	}

	stream := device.NewStream(0)
	go func() {
		defer stream.Close()
		state := device.State{}
		firstRun := true

		for {
			if !firstRun {
				select {
				case <-ctx.Done():
					return
				case <-time.After(period):
				}
			}
			firstRun = false

			pos, err := p.locateFn()
			if err != nil {
				if !stream.Send(ctx, device.Fix{Source: p.name, At: time.Now(), Err: err}) {
					return
				}
				continue
			}

			// Only emit if values changed or it's the first read
			if !state.HasMoved(pos, 0) {
				continue
			}
			state.Update(pos, time.Now())
			if !stream.Send(ctx, p.createFix(pos)) {
				return
			}
		}
	}()
	return stream.C(), nil
}

// createFix composes and returns a device.Fix for the given position.
func (p *Provider) createFix(pos geo.Position) device.Fix {
	return device.Fix{
		Position:       pos,
		AccuracyMeters: Accuracy,
		At:             time.Now(),
		Source:         p.name,
	}
}

// readFile reads the first valid "lat,lon" line from the file. Lines starting with # are comments.
func (p *Provider) readFile() (geo.Position, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return geo.Position{}, fmt.Errorf("failed to read position file %q: %w", p.path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pos, err := geo.ParsePosition(line)
		if err != nil {
			continue
		}
		return pos, nil
	}
	return geo.Position{}, ErrNoCoordinates
}
