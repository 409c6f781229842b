// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package location

import "sync"

// stateBus fans State snapshots out to subscribers. Slow subscribers miss snapshots instead of
// blocking the Reconciler.
type stateBus struct {
	mu     sync.Mutex
	subs   map[chan State]struct{}
	closed bool
}

func newStateBus() *stateBus {
	return &stateBus{subs: make(map[chan State]struct{})}
}

// subscribe registers a subscriber and hands it current right away, returning the channel and an
// unsubscribe function.
func (b *stateBus) subscribe(buffer int, current State) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	ch <- current
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, unsub
}

func (b *stateBus) broadcast(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// close closes all subscriber channels. Later subscriptions receive a closed channel.
func (b *stateBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
