// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package gpspoll implements a minimal one-shot GPSd client. Continuous streams are handled by
// the gpsd device provider; this package only answers "is gpsd there" and "give me one fix".
package gpspoll

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

const (
	fallbackAccuracy3DFix = 10  // ~10 m typical consumer GPS in open sky
	fallbackAccuracy2DFix = 25  // worse than 3D, but still accurate enough
	fallbackAccuracyNoFix = 1e6 // effectively unusable
	defaultTimeout        = time.Second * 5
)

var (
	// ErrNoFix is returned when gpsd answered but never reported at least a 2D fix.
	ErrNoFix = errors.New("gpspoll: gpsd reported no 2D fix")
	// ErrNotGPSD is returned by Probe when the peer did not greet with a VERSION object.
	ErrNotGPSD = errors.New("gpspoll: peer did not identify as gpsd")
)

// Client is a minimal GPSd client
type Client struct {
	Addr    string
	Timeout time.Duration
}

// Fix represents a single GPS fix from gpsd.
type Fix struct {
	Lat  float64
	Lon  float64
	Alt  float64
	Acc  float64
	Mode int
	Time time.Time
}

// gpsdResponse matches the subset of gpsd's VERSION and TPV objects we care about.
type gpsdResponse struct {
	Class   string    `json:"class"`
	Release string    `json:"release"`
	Time    time.Time `json:"time"`
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
	Alt     float64   `json:"alt"`
	Mode    int       `json:"mode"`
	Epx     float64   `json:"epx"`
	Epy     float64   `json:"epy"`
	Eph     float64   `json:"eph"`
}

// New constructs a new Client for the given host and port.
func New(host, port string) *Client {
	return &Client{
		Addr:    net.JoinHostPort(host, port),
		Timeout: defaultTimeout,
	}
}

// Probe connects to gpsd and waits for its VERSION greeting. A nil error means the GPS
// subsystem is up, not that it has a fix.
func (c *Client) Probe(ctx context.Context) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var resp gpsdResponse
		if err = json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		if resp.Class == "VERSION" {
			return resp.Release, nil
		}
	}
	if err = scanner.Err(); err != nil {
		return "", fmt.Errorf("gpspoll: read VERSION: %w", err)
	}
	return "", ErrNotGPSD
}

// Poll connects to gpsd, enables a WATCH and returns the first TPV report with at least a 2D
// fix. The connection is closed before returning.
func (c *Client) Poll(ctx context.Context) (Fix, error) {
	var zero Fix

	conn, err := c.dial(ctx)
	if err != nil {
		return zero, err
	}
	defer func() {
		_ = conn.Close()
	}()

	if _, err = fmt.Fprint(conn, `?WATCH={"enable":true,"json":true}`+"\n"); err != nil {
		return zero, fmt.Errorf("gpspoll: write WATCH: %w", err)
	}

	sawNoFix := false
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		var resp gpsdResponse
		if err = json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		if resp.Class != "TPV" {
			continue
		}
		fix := Fix{
			Lat:  resp.Lat,
			Lon:  resp.Lon,
			Alt:  resp.Alt,
			Acc:  horizontalAccuracyMeters(resp),
			Mode: resp.Mode,
			Time: resp.Time,
		}
		if !fix.Has2DFix() {
			sawNoFix = true
			continue
		}
		return fix, nil
	}

	if sawNoFix {
		return zero, ErrNoFix
	}
	if err = scanner.Err(); err != nil {
		return zero, fmt.Errorf("failed to scan GPSd response: %w", err)
	}

	return zero, fmt.Errorf("no TPV response received from GPSd")
}

// dial opens the TCP connection and applies the context deadline, or the client timeout if the
// context has none, so a silent gpsd never hangs the caller.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("gpspoll: dial gpsd: %w", err)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	return conn, nil
}

// Has2DFix reports whether the fix has at least a 2D fix.
func (f Fix) Has2DFix() bool {
	return f.Mode >= 2
}

func horizontalAccuracyMeters(tpv gpsdResponse) float64 {
	switch {
	case tpv.Eph > 0:
		return tpv.Eph
	case tpv.Epx > 0 && tpv.Epy > 0:
		// sqrt(epx² + epy²)
		return math.Hypot(tpv.Epx, tpv.Epy)
	default:
		return horizontalAccuracyFallback(tpv.Mode)
	}
}

func horizontalAccuracyFallback(mode int) float64 {
	switch mode {
	case 3:
		return fallbackAccuracy3DFix
	case 2:
		return fallbackAccuracy2DFix
	default:
		return fallbackAccuracyNoFix
	}
}
