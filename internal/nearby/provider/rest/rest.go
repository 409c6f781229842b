// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package rest calls the geospatial nearby function of a PostgREST-style database API.
package rest

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/vendorloc/internal/http"
	"github.com/wneessen/vendorloc/internal/nearby"
)

const (
	name         = "rest-rpc"
	functionPath = "/rpc/nearby_sellers"
)

// Querier calls the nearby_sellers RPC function.
type Querier struct {
	name     string
	endpoint string
	apiKey   string
	http     *http.Client
}

type rpcRequest struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	RadiusKm float64 `json:"radius_km"`
}

// New returns a Querier for the API at endpoint.
func New(endpoint, apiKey string, client *http.Client) *Querier {
	return &Querier{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     client,
	}
}

func (q *Querier) Name() string {
	return q.name
}

// FindNearby returns the raw rows of the nearby_sellers function.
func (q *Querier) FindNearby(ctx context.Context, lat, lng, radiusKm float64) ([]nearby.Row, error) {
	headers := map[string]string{
		"apikey":        q.apiKey,
		"Authorization": "Bearer " + q.apiKey,
	}
	var rows []nearby.Row
	_, err := q.http.Post(ctx, q.endpoint+functionPath, &rows,
		rpcRequest{Lat: lat, Lng: lng, RadiusKm: radiusKm}, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to call nearby function: %w", err)
	}
	return rows, nil
}
