// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package testhelper contains shared fixtures for package tests.
package testhelper

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

const (
	GPSDVersion = `{"class":"VERSION","release":"gpsd 3.26","proto_major":3,"proto_minor":14}`
	GPSDDevices = `{"class":"DEVICES","devices":[{"class":"DEVICE","path":"/dev/ttyACM0","driver":"MockGPS","activated":"2025-11-24T10:40:00.000Z","native":0}]}`
	TPV3DFix    = `{"class":"TPV","device":"/dev/ttyACM0","mode":3,"time":"2025-11-24T10:44:41.000Z","lat":51.000000000,"lon":7.000000000,"alt":75.0000,"epx":8.100,"epy":11.400,"eph":17.670}`
	TPVNoFix    = `{"class":"TPV","device":"/dev/ttyACM0","mode":1,"time":"2025-11-24T10:44:41.000Z"}`
)

// MockRoundTripper lets tests answer HTTP requests without a network.
type MockRoundTripper struct {
	Fn func(*http.Request) (*http.Response, error)
}

func (m MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.Fn(req)
}

// StartMockGPSD starts a TCP server that behaves like gpsd: for every connection it waits briefly
// for a command, greets with VERSION and DEVICES and then writes lines. Connections stay open
// until ctx is done. It returns the listen address.
func StartMockGPSD(ctx context.Context, t *testing.T, lines ...string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to listen for mock gpsd: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				handleMockGPSDConnection(ctx, t, conn, lines)
			}()
		}
	}()

	t.Cleanup(func() {
		if closeErr := ln.Close(); closeErr != nil {
			t.Logf("failed to close mock gpsd listener: %s", closeErr)
		}
		wg.Wait()
	})

	return ln.Addr().String()
}

func handleMockGPSDConnection(ctx context.Context, t *testing.T, conn net.Conn, lines []string) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond * 200))
	_, _ = bufio.NewReader(conn).ReadString('\n')
	_ = conn.SetReadDeadline(time.Time{})

	for _, line := range append([]string{GPSDVersion, GPSDDevices}, lines...) {
		if _, err := fmt.Fprintln(conn, line); err != nil {
			t.Logf("failed to write mock gpsd line: %s", err)
			return
		}
	}
	<-ctx.Done()
}
