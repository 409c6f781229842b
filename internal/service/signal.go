// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

type signalSource interface {
	Notify(c chan<- os.Signal, sig ...os.Signal)
	Stop(c chan<- os.Signal)
}

// stdLibSignalSource is the production implementation.
type stdLibSignalSource struct{}

func (stdLibSignalSource) Notify(c chan<- os.Signal, sig ...os.Signal) {
	signal.Notify(c, sig...)
}

func (stdLibSignalSource) Stop(c chan<- os.Signal) {
	signal.Stop(c)
}

// HandleSignals refreshes the position on SIGUSR1 and logs the current location state on SIGUSR2.
func (s *Session) HandleSignals(ctx context.Context, sigChan chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigChan:
			if !ok {
				return
			}
			switch sig {
			case syscall.SIGUSR1:
				s.Refresh(ctx)
			case syscall.SIGUSR2:
				state := s.reconciler.State()
				attrs := []any{
					slog.String("phase", state.Phase.String()),
					slog.String("position", state.Position.String()),
					slog.String("provenance", state.Provenance.String()),
					slog.Bool("tracking", state.Tracking),
				}
				if state.Err != nil {
					attrs = append(attrs, slog.String("code", string(state.Err.Code)))
				}
				s.logger.Info("current location state", attrs...)
			}
		}
	}
}
