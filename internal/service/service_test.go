// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/wneessen/vendorloc/internal/config"
	"github.com/wneessen/vendorloc/internal/device/provider/positionfile"
	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/location"
	"github.com/wneessen/vendorloc/internal/logger"
	"github.com/wneessen/vendorloc/internal/store"
	"github.com/wneessen/vendorloc/internal/store/sqlite"
)

const testPositionFile = "../../testdata/position"

var (
	filePosition   = geo.Position{Latitude: 40.7185, Longitude: -74.0025}
	manualPosition = geo.Position{Latitude: 52.52, Longitude: 13.405}
)

func TestNew(t *testing.T) {
	t.Run("new service succeeds", func(t *testing.T) {
		serv := testService(t)
		if serv.provider.Name() != "position_file" {
			t.Errorf("expected position file provider, got %s", serv.provider.Name())
		}
		if serv.backend.Name() != "sqlite" {
			t.Errorf("expected sqlite backend, got %s", serv.backend.Name())
		}
		if serv.querier != nil {
			t.Error("expected no nearby querier without an endpoint")
		}
	})
	t.Run("initializing service with different providers", func(t *testing.T) {
		tests := []struct {
			name        string
			env         []string
			wantDevice  string
			wantBackend string
			wantNearby  bool
		}{
			{
				"gpsd device",
				[]string{"VENDORLOC_DEVICE_PROVIDER=gpsd"},
				"gpsd", "sqlite", false,
			},
			{
				"geoclue device",
				[]string{"VENDORLOC_DEVICE_PROVIDER=geoclue"},
				"geoclue", "sqlite", false,
			},
			{
				"rest backend with nearby service",
				[]string{"VENDORLOC_BACKEND_TYPE=rest", "VENDORLOC_BACKEND_REST_ENDPOINT=https://example.com/rest/v1"},
				"position_file", "rest", true,
			},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				for _, env := range tc.env {
					key, value, _ := strings.Cut(env, "=")
					t.Setenv(key, value)
				}
				serv := testService(t)
				if serv.provider.Name() != tc.wantDevice {
					t.Errorf("expected device provider %s, got %s", tc.wantDevice, serv.provider.Name())
				}
				if serv.backend.Name() != tc.wantBackend {
					t.Errorf("expected backend %s, got %s", tc.wantBackend, serv.backend.Name())
				}
				if (serv.querier != nil) != tc.wantNearby {
					t.Errorf("expected nearby querier to be configured: %t", tc.wantNearby)
				}
			})
		}
	})
	t.Run("unsupported device provider fails", func(t *testing.T) {
		conf := testConfig(t)
		conf.Device.Provider = "invalid"
		_, err := New(t.Context(), conf, logger.Discard())
		if err == nil {
			t.Fatal("expected service to fail")
		}
		wantErr := "failed to create device provider: unsupported device provider: invalid"
		if !strings.Contains(err.Error(), wantErr) {
			t.Errorf("expected error to contain %q, got %q", wantErr, err)
		}
	})
	t.Run("unsupported backend fails", func(t *testing.T) {
		conf := testConfig(t)
		conf.Backend.Type = "invalid"
		_, err := New(t.Context(), conf, logger.Discard())
		if err == nil {
			t.Fatal("expected service to fail")
		}
		wantErr := "failed to create persistence backend: unsupported backend type: invalid"
		if !strings.Contains(err.Error(), wantErr) {
			t.Errorf("expected error to contain %q, got %q", wantErr, err)
		}
	})
	t.Run("rest backend without endpoint fails", func(t *testing.T) {
		conf := testConfig(t)
		conf.Backend.Type = "rest"
		if _, err := New(t.Context(), conf, logger.Discard()); err == nil {
			t.Fatal("expected service to fail")
		}
	})
}

func TestService_NewReconciler(t *testing.T) {
	serv := testService(t)
	r := serv.NewReconciler()
	defer r.Close()
	if err := r.Refresh(t.Context()); err != nil {
		t.Fatalf("failed to refresh position: %s", err)
	}
	if pos := r.State().CurrentPosition(); pos == nil || *pos != filePosition {
		t.Errorf("expected position %s, got %v", filePosition, pos)
	}

	other := serv.NewReconciler()
	defer other.Close()
	if other.State().Position.IsSet() {
		t.Error("expected reconcilers not to share state")
	}
}

func TestService_NewSession(t *testing.T) {
	serv := testService(t)
	if _, err := serv.NewSession("", store.RoleSeller); !errors.Is(err, store.ErrEmptyUser) {
		t.Errorf("expected error to be %s, got %v", store.ErrEmptyUser, err)
	}
	if _, err := serv.NewSession("s1", store.Role("admin")); err == nil {
		t.Error("expected invalid role to fail")
	}
}

func TestSession_Open(t *testing.T) {
	t.Run("seller session saves a fresh position", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		if err := sess.Open(t.Context(), OpenOptions{}); err != nil {
			t.Fatalf("failed to open session: %s", err)
		}

		state := sess.Reconciler().State()
		if state.Phase != location.PhaseReady || state.Provenance != geo.ProvenanceAutomatic {
			t.Errorf("unexpected state: %+v", state)
		}
		record := readRecord(t, serv, "s1", store.RoleSeller)
		if record.Position != filePosition || record.Provenance != geo.ProvenanceAutomatic {
			t.Errorf("unexpected saved record: %+v", record)
		}
		if n := historyLen(t, serv, "s1"); n != 1 {
			t.Errorf("expected 1 history entry, got %d", n)
		}
	})
	t.Run("manual option skips the device", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "b1", store.RoleBuyer)
		if err := sess.Open(t.Context(), OpenOptions{Manual: &manualPosition, Track: true}); err != nil {
			t.Fatalf("failed to open session: %s", err)
		}

		state := sess.Reconciler().State()
		if !state.Manual() || state.Tracking {
			t.Errorf("unexpected state: %+v", state)
		}
		record := readRecord(t, serv, "b1", store.RoleBuyer)
		if record.Position != manualPosition || record.Provenance != geo.ProvenanceManual {
			t.Errorf("unexpected saved record: %+v", record)
		}
	})
	t.Run("saved position without provenance stays manual", func(t *testing.T) {
		serv := testService(t)
		if err := serv.backend.WritePosition(t.Context(), "s1", store.RoleSeller, store.Record{
			Position: manualPosition, UpdatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("failed to write position: %s", err)
		}
		sess := testSession(t, serv, "s1", store.RoleSeller)
		if err := sess.Open(t.Context(), OpenOptions{Track: true}); err != nil {
			t.Fatalf("failed to open session: %s", err)
		}

		state := sess.Reconciler().State()
		if pos := state.CurrentPosition(); pos == nil || *pos != manualPosition {
			t.Errorf("expected saved position %s, got %v", manualPosition, pos)
		}
		if !state.Manual() || state.Tracking {
			t.Errorf("unexpected state: %+v", state)
		}
	})
	t.Run("tracking is started on request", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		if err := sess.Open(t.Context(), OpenOptions{Track: true}); err != nil {
			t.Fatalf("failed to open session: %s", err)
		}
		if !sess.Reconciler().State().Tracking {
			t.Error("expected tracking to be active")
		}
	})
	t.Run("failing to schedule the sync stops tracking", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		sess.interval = 0
		if err := sess.Open(t.Context(), OpenOptions{Track: true}); err == nil {
			t.Fatal("expected open to fail")
		}
		if sess.Reconciler().State().Tracking {
			t.Error("expected tracking to be stopped")
		}
	})
	t.Run("unavailable device does not fail the session", func(t *testing.T) {
		t.Setenv("VENDORLOC_DEVICE_POSITION_FILE", filepath.Join(t.TempDir(), "missing"))
		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		if err := sess.Open(t.Context(), OpenOptions{}); err != nil {
			t.Fatalf("failed to open session: %s", err)
		}
		state := sess.Reconciler().State()
		if state.Phase != location.PhaseUnavailable {
			t.Errorf("expected phase %s, got %s", location.PhaseUnavailable, state.Phase)
		}
		if state.Err == nil || state.Err.Code != geo.CodeServicesDisabled {
			t.Errorf("expected error code %s, got %v", geo.CodeServicesDisabled, state.Err)
		}
	})
	t.Run("opening twice is a no-op", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		_ = sess.Open(t.Context(), OpenOptions{})
		if err := sess.Open(t.Context(), OpenOptions{}); err != nil {
			t.Fatalf("failed to open session again: %s", err)
		}
		if n := historyLen(t, serv, "s1"); n != 1 {
			t.Errorf("expected 1 history entry, got %d", n)
		}
		if n := len(sess.scheduler.Jobs()); n != 1 {
			t.Errorf("expected 1 scheduled job, got %d", n)
		}
	})
	t.Run("closed session cannot be opened", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		if err := sess.Close(t.Context()); err != nil {
			t.Fatalf("failed to close session: %s", err)
		}
		if err := sess.Open(t.Context(), OpenOptions{}); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("expected error to be %s, got %v", ErrSessionClosed, err)
		}
	})
}

func TestSession_Sync(t *testing.T) {
	t.Run("sync job is scheduled", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		_ = sess.Open(t.Context(), OpenOptions{})
		jobs := sess.scheduler.Jobs()
		if len(jobs) != 1 {
			t.Fatalf("expected 1 scheduled job, got %d", len(jobs))
		}
		if jobs[0].Name() != syncJobName {
			t.Errorf("expected job name %s, got %s", syncJobName, jobs[0].Name())
		}
	})
	t.Run("periodic sync saves the unchanged position", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		_ = sess.Open(t.Context(), OpenOptions{})
		sess.syncPosition(t.Context())
		sess.syncPosition(t.Context())
		if n := historyLen(t, serv, "s1"); n != 3 {
			t.Errorf("expected 3 history entries, got %d", n)
		}
	})
	t.Run("position changes are saved", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		_ = sess.Open(t.Context(), OpenOptions{})
		if err := sess.Reconciler().SetManual(manualPosition); err != nil {
			t.Fatalf("failed to set manual position: %s", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for {
			record := readRecord(t, serv, "s1", store.RoleSeller)
			if record.Position == manualPosition && record.Provenance == geo.ProvenanceManual {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for manual position to be saved, got %+v", record)
			}
			time.Sleep(time.Millisecond * 10)
		}
	})
	t.Run("close saves a last time", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		_ = sess.Open(t.Context(), OpenOptions{})
		if err := sess.Close(t.Context()); err != nil {
			t.Fatalf("failed to close session: %s", err)
		}
		if err := sess.Close(t.Context()); err != nil {
			t.Fatalf("failed to close session twice: %s", err)
		}
		if n := historyLen(t, serv, "s1"); n != 2 {
			t.Errorf("expected 2 history entries, got %d", n)
		}
		if sess.Reconciler().State().Tracking {
			t.Error("expected tracking to be stopped")
		}
	})
}

func TestSession_Refresh(t *testing.T) {
	t.Run("refresh is skipped while manual", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		_ = sess.Open(t.Context(), OpenOptions{Manual: &manualPosition})
		sess.Refresh(t.Context())
		if pos := sess.Reconciler().State().CurrentPosition(); pos == nil || *pos != manualPosition {
			t.Errorf("expected manual position %s to be kept, got %v", manualPosition, pos)
		}
	})
	t.Run("refresh saves the new position", func(t *testing.T) {
		serv := testService(t)
		sess := testSession(t, serv, "b1", store.RoleBuyer)
		sess.Refresh(t.Context())
		record := readRecord(t, serv, "b1", store.RoleBuyer)
		if record.Position != filePosition {
			t.Errorf("expected position %s to be saved, got %s", filePosition, record.Position)
		}
	})
}

func TestSession_HandleSignals(t *testing.T) {
	t.Run("USR1 signal refreshes the position", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		sigChan := make(chan os.Signal, 1)
		sess.SignalSrc.Notify(sigChan, syscall.SIGUSR1, syscall.SIGUSR2)
		go func() {
			defer sess.SignalSrc.Stop(sigChan)
			sess.HandleSignals(ctx, sigChan)
		}()

		sigChan <- syscall.SIGUSR1
		deadline := time.Now().Add(2 * time.Second)
		for !sess.Reconciler().State().Position.IsSet() {
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for the position to be refreshed")
			}
			time.Sleep(time.Millisecond * 10)
		}
		cancel()
	})
	t.Run("USR2 signal logs the state", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		serv := testService(t)
		sess := testSession(t, serv, "s1", store.RoleSeller)
		buf := &syncBuffer{buf: bytes.NewBuffer(nil)}
		sess.logger = logger.NewLogger(slog.LevelInfo, buf)
		_ = sess.Reconciler().SetManual(manualPosition)
		sigChan := make(chan os.Signal, 1)
		go sess.HandleSignals(ctx, sigChan)

		sigChan <- syscall.SIGUSR2
		time.Sleep(time.Millisecond * 100)
		wantLog := `msg="current location state" phase=ready position=52.52,13.405 provenance=manual tracking=false`
		if !strings.Contains(buf.String(), wantLog) {
			t.Errorf("expected log to contain %q, got %q", wantLog, buf.String())
		}
		cancel()
	})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	if os.Getenv("VENDORLOC_DEVICE_PROVIDER") == "" {
		t.Setenv("VENDORLOC_DEVICE_PROVIDER", "file")
	}
	if os.Getenv("VENDORLOC_DEVICE_POSITION_FILE") == "" {
		t.Setenv("VENDORLOC_DEVICE_POSITION_FILE", testPositionFile)
	}
	t.Setenv("VENDORLOC_BACKEND_SQLITE_PATH", filepath.Join(t.TempDir(), "db", "vendorloc.db"))
	conf, err := config.New()
	if err != nil {
		t.Fatalf("failed to load config: %s", err)
	}
	conf.Session.DisableResumeRefresh = true
	return conf
}

func testService(t *testing.T) *Service {
	t.Helper()
	serv, err := New(t.Context(), testConfig(t), logger.Discard())
	if err != nil {
		t.Fatalf("failed to create service: %s", err)
	}
	t.Cleanup(func() {
		if err := serv.Close(); err != nil {
			t.Errorf("failed to close service: %s", err)
		}
	})
	return serv
}

func testSession(t *testing.T, serv *Service, userID string, role store.Role) *Session {
	t.Helper()
	sess, err := serv.NewSession(userID, role)
	if err != nil {
		t.Fatalf("failed to create session: %s", err)
	}
	t.Cleanup(func() {
		if err := sess.Close(context.Background()); err != nil {
			t.Errorf("failed to close session: %s", err)
		}
	})
	return sess
}

// bareSession returns a Session without backend and scheduler, for code paths that only refresh.
func bareSession(t *testing.T) *Session {
	t.Helper()
	r := location.New(positionfile.New(testPositionFile), nil, nil, location.Options{}, logger.Discard())
	t.Cleanup(r.Close)
	return &Session{
		reconciler: r,
		logger:     logger.Discard(),
		userID:     "s1",
		role:       store.RoleSeller,
	}
}

func readRecord(t *testing.T, serv *Service, userID string, role store.Role) store.Record {
	t.Helper()
	record, err := serv.backend.ReadLastPosition(t.Context(), userID, role)
	if err != nil {
		t.Fatalf("failed to read saved position: %s", err)
	}
	if record == nil {
		t.Fatal("expected a saved position")
	}
	return *record
}

func historyLen(t *testing.T, serv *Service, sellerID string) int {
	t.Helper()
	backend, ok := serv.backend.(*sqlite.Backend)
	if !ok {
		t.Fatalf("expected sqlite backend, got %T", serv.backend)
	}
	entries, err := backend.History(t.Context(), sellerID, 0)
	if err != nil {
		t.Fatalf("failed to read history: %s", err)
	}
	return len(entries)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
