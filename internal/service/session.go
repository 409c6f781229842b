// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/location"
	"github.com/wneessen/vendorloc/internal/logger"
	"github.com/wneessen/vendorloc/internal/store"
)

const (
	syncJobName     = "position_sync_job"
	stateBufferSize = 16
)

// ErrSessionClosed is returned when opening a session that was already closed.
var ErrSessionClosed = errors.New("session is closed")

// OpenOptions controls how a Session acquires its first position.
type OpenOptions struct {
	// Manual, if set, is adopted as manual position instead of asking the device.
	Manual *geo.Position
	// Track starts continuous tracking unless the position is manual.
	Track bool
}

// Session is the "business is open" flow of a seller, or the browsing session of a buyer. While
// open, position changes are persisted as they happen and the position is re-saved periodically.
type Session struct {
	SignalSrc signalSource

	reconciler    *location.Reconciler
	scheduler     gocron.Scheduler
	logger        *logger.Logger
	userID        string
	role          store.Role
	interval      time.Duration
	resumeRefresh bool
	watchResume   func(ctx context.Context) (resumeWatcher, error)

	persistLock sync.Mutex
	lastAttempt time.Time

	runLock sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	open    bool
	closed  bool
}

func newSession(reconciler *location.Reconciler, userID string, role store.Role, interval time.Duration,
	resumeRefresh bool, log *logger.Logger,
) (*Session, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Session{
		SignalSrc:     stdLibSignalSource{},
		reconciler:    reconciler,
		scheduler:     scheduler,
		logger:        log,
		userID:        userID,
		role:          role,
		interval:      interval,
		resumeRefresh: resumeRefresh,
		watchResume:   watchLogind,
	}, nil
}

// Reconciler returns the Reconciler of the session.
func (s *Session) Reconciler() *location.Reconciler {
	return s.reconciler
}

// Open initializes the location state, adopts the saved or a fresh position, saves it and starts
// tracking and the periodic sync. Location failures do not fail Open, they are reported in the
// Reconciler state and the session keeps running with whatever position it has.
func (s *Session) Open(ctx context.Context, opts OpenOptions) error {
	s.runLock.Lock()
	defer s.runLock.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.open {
		return nil
	}

	if err := s.reconciler.Initialize(ctx); err != nil {
		s.logger.Warn("location check failed", logger.Err(err))
	}
	if err := s.reconciler.LoadSaved(ctx, s.userID, s.role); err != nil {
		s.logger.Warn("failed to load saved position", logger.Err(err))
	}

	switch {
	case opts.Manual != nil:
		if err := s.reconciler.SetManual(*opts.Manual); err != nil {
			s.logger.Warn("failed to set manual position", logger.Err(err))
		}
	case !s.reconciler.State().Manual():
		if err := s.reconciler.Refresh(ctx); err != nil {
			s.logger.Warn("failed to refresh position, keeping last known position", logger.Err(err))
		}
	}
	s.persist(ctx, true)

	if opts.Track {
		if err := s.reconciler.StartTracking(ctx); err != nil {
			s.logger.Warn("failed to start position tracking", logger.Err(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.createScheduledJob(runCtx); err != nil {
		cancel()
		s.reconciler.StopTracking()
		return err
	}
	s.scheduler.Start()

	states, unsub := s.reconciler.Subscribe(stateBufferSize)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		s.processStateUpdates(runCtx, states)
	}()
	if s.resumeRefresh {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.monitorSleepResume(runCtx)
		}()
	}

	s.cancel = cancel
	s.open = true
	state := s.reconciler.State()
	s.logger.Info("session opened", slog.String("user_id", s.userID), slog.String("role", string(s.role)),
		slog.String("phase", state.Phase.String()), slog.String("provenance", state.Provenance.String()),
		slog.Bool("tracking", state.Tracking))
	return nil
}

// Close stops tracking and the periodic sync, saves the position a last time and closes the
// Reconciler. A closed session cannot be opened again. Calling Close more than once is safe.
func (s *Session) Close(ctx context.Context) error {
	s.runLock.Lock()
	defer s.runLock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.open {
		s.cancel()
		s.wg.Wait()
	}
	var err error
	if shutdownErr := s.scheduler.Shutdown(); shutdownErr != nil {
		err = fmt.Errorf("failed to shut down scheduler: %w", shutdownErr)
	}
	if s.open {
		s.reconciler.StopTracking()
		s.persist(ctx, true)
		s.open = false
		s.logger.Info("session closed", slog.String("user_id", s.userID), slog.String("role", string(s.role)))
	}
	s.reconciler.Close()
	return err
}

// Refresh fetches a fresh position unless a manual position is active and saves it.
func (s *Session) Refresh(ctx context.Context) {
	if s.reconciler.State().Manual() {
		s.logger.Debug("manual position active, skipping refresh")
		return
	}
	if err := s.reconciler.Refresh(ctx); err != nil {
		s.logger.Warn("failed to refresh position, keeping last known position", logger.Err(err))
		return
	}
	s.persist(ctx, false)
}

func (s *Session) createScheduledJob(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.syncPosition),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(syncJobName),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", syncJobName, err)
	}
	return nil
}

// syncPosition re-saves the current position, so the backend can tell that the seller is still
// around even if they did not move.
func (s *Session) syncPosition(ctx context.Context) {
	s.persist(ctx, true)
}

// processStateUpdates saves every new position published by the Reconciler.
func (s *Session) processStateUpdates(ctx context.Context, states <-chan location.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if !state.Position.IsSet() {
				continue
			}
			s.persist(ctx, false)
		}
	}
}

// persist saves the current position. Unless force is set, a position that was already tried is
// skipped, so a position reported through several paths is written once and a failing backend
// is only retried by the periodic sync.
func (s *Session) persist(ctx context.Context, force bool) {
	s.persistLock.Lock()
	defer s.persistLock.Unlock()

	state := s.reconciler.State()
	if !state.Position.IsSet() {
		return
	}
	if !force && state.UpdatedAt.Equal(s.lastAttempt) {
		return
	}
	s.lastAttempt = state.UpdatedAt
	if err := s.reconciler.Persist(ctx, s.userID, s.role); err != nil {
		s.logger.Warn("failed to save position", slog.String("user_id", s.userID), logger.Err(err))
	}
}
