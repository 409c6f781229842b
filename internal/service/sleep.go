// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/wneessen/vendorloc/internal/logger"
)

const (
	logindManager   = "org.freedesktop.login1.Manager"
	prepareForSleep = "PrepareForSleep"

	debounceWindow   = 2 * time.Second
	signalBufferSize = 8

	busReconnectDelay  = 5 * time.Second
	reconnectDelay     = 2 * time.Second
	networkWakeupDelay = 10 * time.Second
)

// resumeWatcher delivers the PrepareForSleep signals of logind. The signal channel is closed when
// the bus connection goes away.
type resumeWatcher interface {
	signals() <-chan *dbus.Signal
	close() error
}

type logindWatcher struct {
	conn *dbus.Conn
	ch   chan *dbus.Signal
}

func watchLogind(ctx context.Context) (resumeWatcher, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	if err = conn.AddMatchSignal(dbus.WithMatchInterface(logindManager),
		dbus.WithMatchMember(prepareForSleep)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s.%s: %w", logindManager, prepareForSleep, err)
	}
	watcher := &logindWatcher{conn: conn, ch: make(chan *dbus.Signal, signalBufferSize)}
	conn.Signal(watcher.ch)
	return watcher, nil
}

func (w *logindWatcher) signals() <-chan *dbus.Signal {
	return w.ch
}

func (w *logindWatcher) close() error {
	w.conn.RemoveSignal(w.ch)
	return w.conn.Close()
}

// monitorSleepResume refreshes the position whenever the machine wakes up, since a vendor's
// device may have moved while it was asleep. Lost bus connections are re-established until ctx
// is done.
func (s *Session) monitorSleepResume(ctx context.Context) {
	var lastResume time.Time
	for {
		watcher, err := s.watchResume(ctx)
		if err != nil {
			s.logger.Debug("failed to watch for resume events", logger.Err(err))
			if !waitOrDone(ctx, busReconnectDelay) {
				return
			}
			continue
		}
		s.logger.Debug("watching for resume events", slog.String("interface", logindManager),
			slog.String("member", prepareForSleep))

		s.consumeSleepSignals(ctx, watcher.signals(), &lastResume)
		if err = watcher.close(); err != nil {
			s.logger.Debug("failed to close resume watcher", logger.Err(err))
		}
		if !waitOrDone(ctx, reconnectDelay) {
			return
		}
	}
}

// consumeSleepSignals returns when ctx is done or the signal channel was closed.
func (s *Session) consumeSleepSignals(ctx context.Context, signals <-chan *dbus.Signal, lastResume *time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case sgn, ok := <-signals:
			if !ok {
				return
			}
			if resumed(sgn) {
				s.afterResume(ctx, lastResume)
			}
		}
	}
}

// afterResume gives the device some time to reconnect and refreshes the position. Resume events
// within debounceWindow of the last one are ignored.
func (s *Session) afterResume(ctx context.Context, lastResume *time.Time) {
	now := time.Now()
	if !lastResume.IsZero() && now.Sub(*lastResume) < debounceWindow {
		return
	}
	*lastResume = now

	if !waitOrDone(ctx, networkWakeupDelay) {
		return
	}
	s.logger.Debug("resumed from sleep, refreshing position")
	s.Refresh(ctx)
}

// resumed reports whether sgn is a PrepareForSleep(false), which logind sends after waking up.
func resumed(sgn *dbus.Signal) bool {
	if sgn == nil || len(sgn.Body) != 1 {
		return false
	}
	sleeping, ok := sgn.Body[0].(bool)
	return ok && !sleeping
}

func waitOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
