// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package location

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wneessen/vendorloc/internal/device"
	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/nearby"
	"github.com/wneessen/vendorloc/internal/store"
)

// fakeProvider is a scriptable device.Provider.
type fakeProvider struct {
	mu              sync.Mutex
	servicesEnabled bool
	servicesErr     error
	granted         bool
	requestGrant    bool
	requestErr      error
	requestBlock    chan struct{}
	fix             device.Fix
	fixErr          error
	fixBlock        chan struct{}
	fixStarted      chan struct{}
	watchErr        error
	streams         []*device.Stream
	watchCtxs       []context.Context

	requestCalls  atomic.Int32
	positionCalls atomic.Int32
	watchCalls    atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		servicesEnabled: true,
		granted:         true,
		requestGrant:    true,
		fix:             device.Fix{Position: geo.Position{Latitude: 37.78825, Longitude: -122.4324}, AccuracyMeters: 5},
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) ServicesEnabled(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.servicesEnabled, p.servicesErr
}

func (p *fakeProvider) PermissionGranted(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted, nil
}

func (p *fakeProvider) RequestPermission(ctx context.Context) (bool, error) {
	p.requestCalls.Add(1)
	if p.requestBlock != nil {
		select {
		case <-p.requestBlock:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requestErr != nil {
		return false, p.requestErr
	}
	p.granted = p.requestGrant
	return p.requestGrant, nil
}

func (p *fakeProvider) Position(ctx context.Context, _ device.Accuracy) (device.Fix, error) {
	p.positionCalls.Add(1)
	if p.fixStarted != nil {
		close(p.fixStarted)
	}
	if p.fixBlock != nil {
		select {
		case <-p.fixBlock:
		case <-ctx.Done():
			return device.Fix{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fix, p.fixErr
}

func (p *fakeProvider) Watch(ctx context.Context, _ device.WatchOptions) (<-chan device.Fix, error) {
	p.watchCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	stream := device.NewStream(0)
	p.streams = append(p.streams, stream)
	p.watchCtxs = append(p.watchCtxs, ctx)
	go func() {
		<-ctx.Done()
		stream.Close()
	}()
	return stream.C(), nil
}

func (p *fakeProvider) setFix(pos geo.Position, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fix = device.Fix{Position: pos}
	p.fixErr = err
}

// send delivers fix on the latest watch stream.
func (p *fakeProvider) send(t *testing.T, fix device.Fix) {
	t.Helper()
	p.mu.Lock()
	stream := p.streams[len(p.streams)-1]
	p.mu.Unlock()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	if !stream.Send(ctx, fix) {
		t.Fatal("failed to deliver fix to watch stream")
	}
}

// watchCtx returns the context of the n-th watch.
func (p *fakeProvider) watchCtx(n int) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watchCtxs[n]
}

// fakeBackend is an in-memory store.Backend.
type fakeBackend struct {
	mu         sync.Mutex
	records    map[string]store.Record
	history    []store.HistoryEntry
	readErr    error
	writeErr   error
	historyErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string]store.Record)}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) ReadLastPosition(_ context.Context, userID string, role store.Role) (*store.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	record, ok := b.records[userID+"#"+string(role)]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (b *fakeBackend) WritePosition(_ context.Context, userID string, role store.Role, record store.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.records[userID+"#"+string(role)] = record
	return nil
}

func (b *fakeBackend) AppendHistory(_ context.Context, entry store.HistoryEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.historyErr != nil {
		return b.historyErr
	}
	b.history = append(b.history, entry)
	return nil
}

func (b *fakeBackend) record(userID string, role store.Role) (store.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.records[userID+"#"+string(role)]
	return record, ok
}

// fakeQuerier answers nearby queries with fixed rows.
type fakeQuerier struct {
	rows []nearby.Row
	err  error
}

func (q *fakeQuerier) Name() string { return "fake" }

func (q *fakeQuerier) FindNearby(context.Context, float64, float64, float64) ([]nearby.Row, error) {
	return q.rows, q.err
}

var errIntentional = errors.New("intentionally failing")

// waitForState reads states from ch until one matches pred.
func waitForState(t *testing.T, ch <-chan State, pred func(State) bool) State {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatal("state channel closed")
			}
			if pred(s) {
				return s
			}
		case <-timeout:
			t.Fatal("timed out waiting for state")
		}
	}
}

func waitDone(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch to be cancelled")
	}
}
