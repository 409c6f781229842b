// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package service wires the configured device provider, persistence backend and nearby query
// service into location Reconcilers and runs the seller session on top of them.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/wneessen/vendorloc/internal/config"
	"github.com/wneessen/vendorloc/internal/device"
	"github.com/wneessen/vendorloc/internal/location"
	"github.com/wneessen/vendorloc/internal/logger"
	"github.com/wneessen/vendorloc/internal/nearby"
	"github.com/wneessen/vendorloc/internal/store"
)

// Service holds the dependencies shared by all Reconcilers of a process.
type Service struct {
	config   *config.Config
	logger   *logger.Logger
	clock    clockwork.Clock
	provider device.Provider
	backend  store.Backend
	querier  nearby.Querier
}

// New selects the device provider, persistence backend and nearby query service from conf.
func New(ctx context.Context, conf *config.Config, log *logger.Logger) (*Service, error) {
	serv := &Service{
		config: conf,
		logger: log,
		clock:  clockwork.NewRealClock(),
	}

	provider, err := serv.selectDeviceProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to create device provider: %w", err)
	}
	backend, err := serv.selectBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create persistence backend: %w", err)
	}
	serv.provider = provider
	serv.backend = backend
	serv.querier = serv.selectNearbyQuerier()

	log.Debug("service initialized", slog.String("device_provider", provider.Name()),
		slog.String("backend", backend.Name()), slog.Bool("nearby", serv.querier != nil))
	return serv, nil
}

// NewReconciler returns a new Reconciler. Every screen or session gets its own.
func (s *Service) NewReconciler() *location.Reconciler {
	accuracy, err := device.ParseAccuracy(s.config.Tracking.Accuracy)
	if err != nil {
		s.logger.Warn("invalid tracking accuracy, using default", logger.Err(err))
		accuracy = device.AccuracyBalanced
	}
	return location.New(s.provider, s.backend, s.querier, location.Options{
		Watch: device.WatchOptions{
			Accuracy:         accuracy,
			TimeInterval:     s.config.Tracking.TimeInterval,
			DistanceInterval: s.config.Tracking.DistanceInterval,
		},
		FixTimeout: s.config.Tracking.FixTimeout,
		Nearby: nearby.Options{
			DefaultRadiusKm: s.config.Nearby.DefaultRadiusKm,
			MaxRadiusKm:     s.config.Nearby.MaxRadiusKm,
			CacheHitTTL:     s.config.Nearby.CacheHitTTL,
			CacheMissTTL:    s.config.Nearby.CacheMissTTL,
		},
		Clock: s.clock,
	}, s.logger)
}

// NewSession returns a Session for the given user and role with its own Reconciler.
func (s *Service) NewSession(userID string, role store.Role) (*Session, error) {
	if err := store.ValidateKey(userID, role); err != nil {
		return nil, err
	}
	return newSession(s.NewReconciler(), userID, role, s.config.Session.SyncInterval,
		!s.config.Session.DisableResumeRefresh, s.logger)
}

// Close releases the persistence backend.
func (s *Service) Close() error {
	closer, ok := s.backend.(io.Closer)
	if !ok {
		return nil
	}
	if err := closer.Close(); err != nil {
		return fmt.Errorf("failed to close %s backend: %w", s.backend.Name(), err)
	}
	return nil
}
