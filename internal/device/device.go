// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package device defines the contract of a device location provider. The location core treats
// every provider as a black box that can report service availability, grant permission, produce
// one-shot fixes and stream continuous fixes.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/vendorloc/internal/geo"
)

var (
	// ErrNoFix is returned when the device could not produce a usable position fix.
	ErrNoFix = errors.New("no position fix available")
	// ErrPermissionDenied is returned by providers when the platform refused location access.
	ErrPermissionDenied = errors.New("location permission denied")
)

// Accuracy is a hint to the provider about the precision the caller needs.
type Accuracy int

const (
	AccuracyLow Accuracy = iota
	AccuracyBalanced
	AccuracyHigh
)

// ParseAccuracy parses the config representation of an Accuracy.
func ParseAccuracy(s string) (Accuracy, error) {
	switch strings.ToLower(s) {
	case "low":
		return AccuracyLow, nil
	case "balanced", "":
		return AccuracyBalanced, nil
	case "high":
		return AccuracyHigh, nil
	default:
		return AccuracyBalanced, fmt.Errorf("unknown accuracy: %s", s)
	}
}

func (a Accuracy) String() string {
	switch a {
	case AccuracyLow:
		return "low"
	case AccuracyHigh:
		return "high"
	default:
		return "balanced"
	}
}

// WatchOptions configures a continuous position stream.
type WatchOptions struct {
	Accuracy Accuracy
	// TimeInterval is the minimum time between two delivered fixes.
	TimeInterval time.Duration
	// DistanceInterval is the minimum movement in meters before a new fix is delivered.
	DistanceInterval float64
}

// DefaultWatchOptions returns thresholds suited to a slow-moving vendor or customer.
func DefaultWatchOptions() WatchOptions {
	return WatchOptions{
		Accuracy:         AccuracyBalanced,
		TimeInterval:     time.Second * 30,
		DistanceInterval: 50,
	}
}

// Fix is a single reading from a provider. A Fix on a watch stream either carries a position or
// an error in Err.
type Fix struct {
	Position       geo.Position
	AccuracyMeters float64
	At             time.Time
	Source         string
	Err            error
}

// Provider is a device location provider.
type Provider interface {
	Name() string
	// ServicesEnabled reports whether the device location subsystem is switched on.
	ServicesEnabled(ctx context.Context) (bool, error)
	// PermissionGranted reports whether the application already holds location permission.
	PermissionGranted(ctx context.Context) (bool, error)
	// RequestPermission asks for location permission. It may prompt the user.
	RequestPermission(ctx context.Context) (bool, error)
	// Position returns a single fix.
	Position(ctx context.Context, accuracy Accuracy) (Fix, error)
	// Watch streams fixes until ctx is cancelled, after which the channel is closed.
	Watch(ctx context.Context, opts WatchOptions) (<-chan Fix, error)
}

// State tracks the last delivered position so streams can suppress insignificant movement.
type State struct {
	last     geo.Position
	lastAt   time.Time
	haveLast bool
}

// HasMoved reports whether pos is at least thresholdMeters away from the last delivered position.
// An empty state always reports true.
func (s *State) HasMoved(pos geo.Position, thresholdMeters float64) bool {
	if !s.haveLast {
		return true
	}
	if thresholdMeters <= 0 {
		return pos != s.last
	}
	return geo.DistanceMeters(s.last, pos) >= thresholdMeters
}

// Due reports whether at least interval has passed since the last delivered position.
func (s *State) Due(now time.Time, interval time.Duration) bool {
	return !s.haveLast || now.Sub(s.lastAt) >= interval
}

// Update records pos as the last delivered position.
func (s *State) Update(pos geo.Position, at time.Time) {
	s.last = pos
	s.lastAt = at
	s.haveLast = true
}

// Stream is the producer side of a Watch channel. Send and Close may be called from different
// goroutines; Send after Close is a no-op instead of a panic.
type Stream struct {
	mu     sync.Mutex
	out    chan Fix
	closed bool
}

// NewStream returns a Stream with the given channel buffer.
func NewStream(buffer int) *Stream {
	return &Stream{out: make(chan Fix, buffer)}
}

// C returns the consumer side of the stream.
func (s *Stream) C() <-chan Fix {
	return s.out
}

// Send delivers fix unless ctx is done or the stream is closed. It reports whether the fix was
// delivered.
func (s *Stream) Send(ctx context.Context, fix Fix) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case s.out <- fix:
		return true
	}
}

// Close closes the consumer channel. It is safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}
