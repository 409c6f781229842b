// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

//go:build linux

// Package main implements the vendorloc command, which resolves and saves the position of a
// marketplace user and lists the sellers around it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wneessen/vendorloc/internal/config"
	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/location"
	"github.com/wneessen/vendorloc/internal/logger"
	"github.com/wneessen/vendorloc/internal/nearby"
	"github.com/wneessen/vendorloc/internal/service"
	"github.com/wneessen/vendorloc/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type output struct {
	State  location.State  `json:"state"`
	Nearby []nearby.Entity `json:"nearby,omitempty"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGABRT, os.Interrupt)
	defer cancel()

	// Initialize Logger
	log := logger.New(slog.LevelError)

	confPath := flag.String("config", "", "path to the config file")
	userID := flag.String("user", "", "user ID to load and save the position for")
	roleName := flag.String("role", string(store.RoleBuyer), "marketplace role of the user (buyer or seller)")
	manual := flag.String("manual", "", "manually chosen position as lat,lon")
	radius := flag.Float64("radius", 0, "search radius for nearby sellers in km (0 uses the configured default)")
	findNearby := flag.Bool("nearby", false, "list the sellers around the position")
	track := flag.Bool("track", false, "keep tracking the position until interrupted")
	flag.Parse()

	conf, err := loadConfig(*confPath)
	if err != nil {
		log.Error("failed to load config", logger.Err(err))
		os.Exit(1)
	}
	log = logger.New(conf.LogLevel)

	var manualPos *geo.Position
	if *manual != "" {
		pos, err := geo.ParsePosition(*manual)
		if err != nil {
			log.Error("invalid manual position", logger.Err(err))
			os.Exit(1)
		}
		manualPos = &pos
	}
	role, err := store.ParseRole(*roleName)
	if err != nil {
		log.Error("invalid role", logger.Err(err))
		os.Exit(1)
	}

	serv, err := service.New(ctx, conf, log)
	if err != nil {
		log.Error("failed to initialize vendorloc service", logger.Err(err))
		os.Exit(1)
	}
	defer func() {
		if err := serv.Close(); err != nil {
			log.Error("failed to close vendorloc service", logger.Err(err))
		}
	}()

	log.Info("starting vendorloc", slog.String("version", version), slog.String("commit", commit),
		slog.String("date", date))

	var reconciler *location.Reconciler
	if *userID == "" {
		reconciler = serv.NewReconciler()
		defer reconciler.Close()
		resolveAnonymous(ctx, reconciler, manualPos, log)
	} else {
		sess, err := serv.NewSession(*userID, role)
		if err != nil {
			log.Error("failed to create session", logger.Err(err))
			os.Exit(1)
		}
		defer func() {
			if err := sess.Close(context.WithoutCancel(ctx)); err != nil {
				log.Error("failed to close session", logger.Err(err))
			}
		}()
		if err = sess.Open(ctx, service.OpenOptions{Manual: manualPos, Track: *track}); err != nil {
			log.Error("failed to open session", logger.Err(err))
			return
		}
		reconciler = sess.Reconciler()
		if *track {
			runTracking(ctx, sess, reconciler, os.Stdout, log)
		}
	}

	out := output{State: reconciler.State()}
	if *findNearby {
		out.Nearby, _ = reconciler.FindNearby(context.WithoutCancel(ctx), *radius)
		out.State = reconciler.State()
	}
	if err = json.NewEncoder(os.Stdout).Encode(out); err != nil {
		log.Error("failed to encode output", logger.Err(err))
	}
}

// resolveAnonymous resolves a position without loading or saving anything.
func resolveAnonymous(ctx context.Context, reconciler *location.Reconciler, manual *geo.Position, log *logger.Logger) {
	if manual != nil {
		if err := reconciler.SetManual(*manual); err != nil {
			log.Error("failed to set manual position", logger.Err(err))
		}
		return
	}
	if err := reconciler.Initialize(ctx); err != nil {
		log.Warn("location check failed", logger.Err(err))
	}
	if err := reconciler.Refresh(ctx); err != nil {
		log.Warn("failed to get current position", logger.Err(err))
	}
}

// runTracking prints every state change as a JSON line until ctx is cancelled.
func runTracking(ctx context.Context, sess *service.Session, reconciler *location.Reconciler, w io.Writer,
	log *logger.Logger,
) {
	sigChan := make(chan os.Signal, 1)
	sess.SignalSrc.Notify(sigChan, syscall.SIGUSR1, syscall.SIGUSR2)
	defer sess.SignalSrc.Stop(sigChan)
	go sess.HandleSignals(ctx, sigChan)

	states, unsub := reconciler.Subscribe(16)
	defer unsub()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if err := enc.Encode(output{State: state}); err != nil {
				log.Error("failed to encode state", logger.Err(err))
			}
		}
	}
}

func loadConfig(confPath string) (*config.Config, error) {
	if confPath != "" {
		return config.NewFromFile(filepath.Dir(confPath), filepath.Base(confPath))
	}
	if path, file := findConfigFile(); path != "" && file != "" {
		return config.NewFromFile(path, file)
	}
	conf, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}
	return conf, nil
}

func findConfigFile() (string, string) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", ""
	}
	exts := []string{"toml", "yaml", "yml", "json"}
	for _, ext := range exts {
		path := filepath.Join(homedir, ".config", "vendorloc", "config."+ext)
		if _, err = os.Stat(path); err == nil {
			return filepath.Dir(path), filepath.Base(path)
		}
	}
	return "", ""
}
