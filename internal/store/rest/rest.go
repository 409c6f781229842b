// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package rest implements the persistence backend on top of a hosted PostgREST-style database API.
package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/http"
	"github.com/wneessen/vendorloc/internal/logger"
	"github.com/wneessen/vendorloc/internal/store"
)

const (
	name = "rest"

	positionsTable = "user_locations"
	historyTable   = "location_history"
)

// Backend talks to the REST API of the hosted database.
type Backend struct {
	name     string
	endpoint string
	apiKey   string
	http     *http.Client
	logger   *logger.Logger
}

type locationRow struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	IsManual  *bool     `json:"is_manual"`
	UpdatedAt time.Time `json:"updated_at"`
}

type historyRow struct {
	ID        string    `json:"id"`
	SellerID  string    `json:"seller_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	CreatedAt time.Time `json:"created_at"`
}

// New returns a REST Backend for the API at endpoint.
func New(endpoint, apiKey string, client *http.Client, log *logger.Logger) *Backend {
	return &Backend{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     client,
		logger:   log,
	}
}

func (b *Backend) Name() string {
	return b.name
}

// ReadLastPosition reads the saved position of the user in the given role.
func (b *Backend) ReadLastPosition(ctx context.Context, userID string, role store.Role) (*store.Record, error) {
	if err := store.ValidateKey(userID, role); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("user_id", "eq."+userID)
	query.Set("role", "eq."+string(role))
	query.Set("select", "user_id,role,latitude,longitude,is_manual,updated_at")
	query.Set("limit", "1")

	var rows []locationRow
	if _, err := b.http.Get(ctx, b.table(positionsTable), &rows, query, b.headers("")); err != nil {
		return nil, fmt.Errorf("failed to read saved position: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	if row.Latitude == nil || row.Longitude == nil {
		b.logger.Debug("saved position row without coordinates", slog.String("user_id", userID),
			slog.String("role", string(role)))
		return nil, nil
	}
	record := &store.Record{
		Position:   geo.Position{Latitude: *row.Latitude, Longitude: *row.Longitude},
		Provenance: geo.ProvenanceUnknown,
		UpdatedAt:  row.UpdatedAt,
	}
	if row.IsManual != nil {
		record.Provenance = geo.ProvenanceAutomatic
		if *row.IsManual {
			record.Provenance = geo.ProvenanceManual
		}
	}
	return record, nil
}

// WritePosition upserts the saved position of the user in the given role.
func (b *Backend) WritePosition(ctx context.Context, userID string, role store.Role, record store.Record) error {
	if err := store.ValidateKey(userID, role); err != nil {
		return err
	}

	lat, lon := record.Position.Latitude, record.Position.Longitude
	row := locationRow{
		UserID:    userID,
		Role:      string(role),
		Latitude:  &lat,
		Longitude: &lon,
		UpdatedAt: record.UpdatedAt.UTC(),
	}
	if record.Provenance != geo.ProvenanceUnknown {
		manual := record.Provenance == geo.ProvenanceManual
		row.IsManual = &manual
	}

	endpoint := b.table(positionsTable) + "?on_conflict=user_id,role"
	_, err := b.http.Post(ctx, endpoint, nil, row, b.headers("resolution=merge-duplicates,return=minimal"))
	return b.writeError("failed to write position", err)
}

// AppendHistory inserts a position history entry for a seller.
func (b *Backend) AppendHistory(ctx context.Context, entry store.HistoryEntry) error {
	if strings.TrimSpace(entry.SellerID) == "" {
		return store.ErrEmptyUser
	}
	row := historyRow{
		ID:        entry.ID,
		SellerID:  entry.SellerID,
		Latitude:  entry.Position.Latitude,
		Longitude: entry.Position.Longitude,
		CreatedAt: entry.Timestamp.UTC(),
	}
	_, err := b.http.Post(ctx, b.table(historyTable), nil, row, b.headers("return=minimal"))
	return b.writeError("failed to append position history", err)
}

func (b *Backend) table(table string) string {
	return b.endpoint + "/" + table
}

func (b *Backend) headers(prefer string) map[string]string {
	headers := map[string]string{
		"apikey":        b.apiKey,
		"Authorization": "Bearer " + b.apiKey,
	}
	if prefer != "" {
		headers["Prefer"] = prefer
	}
	return headers
}

// writeError maps client errors to store.ErrRejected. Server errors and transport failures are
// passed on as they are.
func (b *Backend) writeError(msg string, err error) error {
	if err == nil {
		return nil
	}
	var statusErr *http.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= stdhttp.StatusBadRequest &&
		statusErr.StatusCode < stdhttp.StatusInternalServerError {
		return fmt.Errorf("%s: %w: %w", msg, store.ErrRejected, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
