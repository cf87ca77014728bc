// Package main provides the entry point for the Steersman proxy. The server
// sits between a coding agent and the upstream messages API, injecting team
// memory and behavioral corrections while tracking goal alignment per
// session.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/steersman-proxy/steersman/internal/api"
	"github.com/steersman-proxy/steersman/internal/config"
	"github.com/steersman-proxy/steersman/internal/correction"
	"github.com/steersman-proxy/steersman/internal/drift"
	"github.com/steersman-proxy/steersman/internal/logging"
	"github.com/steersman-proxy/steersman/internal/memoryapi"
	"github.com/steersman-proxy/steersman/internal/preprocess"
	"github.com/steersman-proxy/steersman/internal/session"
	"github.com/steersman-proxy/steersman/internal/taskstore"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const logRingCapacity = 500

func main() {
	fmt.Printf("Steersman Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)

	var configPath string
	var envFile string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	flag.StringVar(&envFile, "env", "", "optional .env file loaded before the configuration")
	flag.Parse()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envFile, err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.SetupBaseLogger(cfg.LoggingLevel, cfg.LogFile)
	logRing := logging.NewRingBuffer(logRingCapacity)
	log.AddHook(logRing)

	srv, cleanup, err := buildServer(cfg, logRing)
	if err != nil {
		log.WithError(err).Fatal("failed to assemble server")
	}
	defer cleanup()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if err := config.Watch(watchCtx, configPath, func(updated *config.Config) {
		srv.UpdateConfig(updated)
	}); err != nil {
		log.WithError(err).Warn("config hot reload disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server terminated")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}
}

// buildServer assembles the dependency graph: session manager, drift checker,
// correction builder, collaborator clients and the preprocessing pipeline.
func buildServer(cfg *config.Config, logRing *logging.RingBuffer) (*api.Server, func(), error) {
	sessions := session.NewManager(cfg.Drift.GetMaxEscalations(), 50)

	var scorer drift.Scorer
	if model := cfg.Drift.ScorerModel; model != "" {
		scorer = drift.NewMessagesScorer(
			cfg.UpstreamBaseURL,
			os.Getenv("STEERSMAN_SCORER_API_KEY"),
			model,
			&http.Client{Timeout: cfg.Drift.GetScorerTimeout()},
		)
	} else {
		log.Info("no scorer model configured, drift checks run in non-penalizing fallback mode")
	}

	checker := drift.NewChecker(scorer, cfg.Drift.GetScorerTimeout(), cfg.Drift.GetStepWindow())
	corrections := correction.NewBuilder(scorer, cfg.Drift.GetScorerTimeout())

	var memories memoryapi.Fetcher
	if client := memoryapi.New(cfg.Memory.BaseURL, cfg.Memory.APIKey, cfg.Memory.GetTimeout()); client != nil {
		memories = client
	}

	tasks, err := taskstore.Open(cfg.TaskStore.Path)
	if err != nil {
		log.WithError(err).Warn("task store unavailable, fact injection disabled")
		tasks = nil
	}
	cleanup := func() {
		if tasks != nil {
			_ = tasks.Close()
		}
	}

	pre := preprocess.New(sessions, checker, corrections, memories, tasks, cfg)
	return api.NewServer(cfg, pre, sessions, logRing), cleanup, nil
}
