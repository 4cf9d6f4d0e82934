// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Server entrypoint for container deployments. The recall CLI under
// cmd/recall wraps the same service with config-file and admin support.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianRecall/pkg/logging"
	"github.com/AleutianAI/AleutianRecall/services/memory"
)

func main() {
	logger, err := logging.New(logging.DefaultConfig("recall"))
	if err != nil {
		slog.Error("failed to initialize logging", "error", err)
		os.Exit(1)
	}
	defer logger.Close()
	logger.SetDefault()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := memory.NewService(ctx, memory.DefaultServiceConfig())
	if err != nil {
		logger.Error("failed to assemble recall service", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run()
	}()

	select {
	case err := <-errCh:
		logger.Error("server exited", "error", err)
		os.Exit(1)
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Close(shutdownCtx)
	}
}
