// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRecall/pkg/logging"
	"github.com/AleutianAI/AleutianRecall/services/memory"
)

var serveConfigPath string

// serveCmd runs the recall service in the foreground.
//
// # Description
//
// Configuration comes from the environment (RECALL_PORT, STORE_BACKEND,
// VECTOR_BACKEND, BADGER_PATH, WEAVIATE_HOST, LLM_BACKEND and friends),
// optionally overridden by a YAML file passed with --config.
//
// # Examples
//
//	recall serve
//	recall serve --config /etc/recall/recall.yaml
//	STORE_BACKEND=badger BADGER_PATH=/var/lib/recall recall serve
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recall memory service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "",
		"Path to a YAML config file overriding environment settings")
}

// fileConfig is the YAML shape accepted by --config. Empty fields keep
// the environment-derived value.
type fileConfig struct {
	Port          string `yaml:"port"`
	StoreBackend  string `yaml:"store_backend"`
	VectorBackend string `yaml:"vector_backend"`
	BadgerPath    string `yaml:"badger_path"`
	Weaviate      struct {
		Scheme string `yaml:"scheme"`
		Host   string `yaml:"host"`
	} `yaml:"weaviate"`
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(logging.DefaultConfig("recall"))
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()
	logger.SetDefault()

	cfg := memory.DefaultServiceConfig()
	if serveConfigPath != "" {
		if err := applyFileConfig(serveConfigPath, &cfg); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := memory.NewService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to assemble recall service: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Close(shutdownCtx)
		return nil
	}
}

func applyFileConfig(path string, cfg *memory.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if fc.StoreBackend != "" {
		cfg.StoreBackend = fc.StoreBackend
	}
	if fc.VectorBackend != "" {
		cfg.VectorBackend = fc.VectorBackend
	}
	if fc.BadgerPath != "" {
		cfg.BadgerPath = fc.BadgerPath
	}
	if fc.Weaviate.Scheme != "" {
		cfg.WeaviateScheme = fc.Weaviate.Scheme
	}
	if fc.Weaviate.Host != "" {
		cfg.WeaviateHost = fc.Weaviate.Host
	}
	return nil
}
