// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wneessen/vendorloc/internal/device"
	"github.com/wneessen/vendorloc/internal/device/provider/geoclue"
	"github.com/wneessen/vendorloc/internal/device/provider/gpsd"
	"github.com/wneessen/vendorloc/internal/device/provider/positionfile"
	"github.com/wneessen/vendorloc/internal/http"
	"github.com/wneessen/vendorloc/internal/nearby"
	nearbyrest "github.com/wneessen/vendorloc/internal/nearby/provider/rest"
	"github.com/wneessen/vendorloc/internal/store"
	"github.com/wneessen/vendorloc/internal/store/dynamo"
	storerest "github.com/wneessen/vendorloc/internal/store/rest"
	"github.com/wneessen/vendorloc/internal/store/sqlite"
)

func (s *Service) selectDeviceProvider() (device.Provider, error) {
	switch strings.ToLower(s.config.Device.Provider) {
	case "gpsd":
		return gpsd.New(s.config.Device.GPSDHost, s.config.Device.GPSDPort, s.logger), nil
	case "geoclue":
		return geoclue.New(s.config.Device.DesktopID, s.logger), nil
	case "file":
		return positionfile.New(s.config.Device.PositionFile), nil
	default:
		return nil, fmt.Errorf("unsupported device provider: %s", s.config.Device.Provider)
	}
}

func (s *Service) selectBackend(ctx context.Context) (store.Backend, error) {
	switch strings.ToLower(s.config.Backend.Type) {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(s.config.Backend.SQLitePath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create sqlite database directory: %w", err)
		}
		backend, err := sqlite.New(s.config.Backend.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite backend: %w", err)
		}
		return backend, nil
	case "rest":
		if s.config.Backend.REST.Endpoint == "" {
			return nil, fmt.Errorf("rest backend requires an endpoint")
		}
		return storerest.New(s.config.Backend.REST.Endpoint, s.config.Backend.REST.APIKey, http.New(s.logger),
			s.logger), nil
	case "dynamodb":
		backend, err := dynamo.New(ctx, s.config.Backend.DynamoDB.Region, s.config.Backend.DynamoDB.PositionsTable,
			s.config.Backend.DynamoDB.HistoryTable)
		if err != nil {
			return nil, fmt.Errorf("failed to create dynamodb backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", s.config.Backend.Type)
	}
}

// selectNearbyQuerier returns nil if no query service is configured. Nearby searches then report
// a fetch error instead of failing the service.
func (s *Service) selectNearbyQuerier() nearby.Querier {
	if s.config.Nearby.Endpoint == "" {
		s.logger.Debug("no nearby query service configured")
		return nil
	}
	return nearbyrest.New(s.config.Nearby.Endpoint, s.config.Nearby.APIKey, http.New(s.logger))
}
