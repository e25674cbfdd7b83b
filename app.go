// app.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"safemod/internal/checkpoint"
	"safemod/internal/config"
	"safemod/internal/database"
	"safemod/internal/eventhub"
	"safemod/internal/git"
	"safemod/internal/logging"
	"safemod/internal/preview"
	"safemod/internal/risk"
	"safemod/internal/rollback"
	"safemod/internal/safety"
)

// App struct contains the core application state and managers
type App struct {
	ctx     context.Context
	mu      sync.RWMutex
	config  *config.Config
	workDir string

	logger *logging.Logger

	// Core managers
	dbManager   *database.Database
	eventHub    *eventhub.EventHub
	bridge      git.Bridge
	checkpoints *checkpoint.Manager
	riskEngine  *risk.Engine
	previewer   *preview.Engine
	planner     *rollback.Planner
	safety      *safety.Orchestrator
}

// NewApp creates a new App for the project rooted at workDir
func NewApp(cfg *config.Config, workDir string) *App {
	return &App{config: cfg, workDir: workDir}
}

// Startup wires every manager together. On error, whatever was already
// opened is closed again.
func (a *App) Startup(ctx context.Context) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ctx = ctx
	cfg := a.config
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create safemod directories: %w", err)
	}

	a.logger, err = logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logger := a.logger.Logger
	defer func() {
		if err != nil {
			a.shutdownLocked()
		}
	}()

	// Initialize database
	a.dbManager, err = database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// Initialize EventHub (before managers that need it)
	a.eventHub = eventhub.New(
		database.NewJournal(a.dbManager, logger),
		eventhub.LogBroadcaster(logger),
	)

	a.bridge = git.NewBridge(a.workDir, logger)

	a.checkpoints, err = checkpoint.NewManager(ctx, checkpoint.Options{
		BaseDir:          cfg.BackupDir,
		MaxCheckpoints:   cfg.MaxCheckpoints,
		Compress:         cfg.CompressBackups,
		CompressionLevel: cfg.CompressionLevel,
		Bridge:           a.bridge,
		Index:            a.dbManager,
		Hub:              a.eventHub,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("init checkpoints: %w", err)
	}

	a.riskEngine = risk.NewEngine(risk.Options{
		LargeFileThreshold: cfg.LargeFileThreshold,
		Logger:             logger,
	})
	a.previewer = preview.NewEngine(preview.Options{Logger: logger})
	a.planner = rollback.NewPlanner(logger)

	a.safety, err = safety.New(safety.Deps{
		Checkpoints: a.checkpoints,
		Risk:        a.riskEngine,
		Preview:     a.previewer,
		Planner:     a.planner,
		Hub:         a.eventHub,
		Logger:      logger,
	}, safety.Options{
		MaxOperations: cfg.MaxOperations,
		ForceRollback: cfg.RollbackForceOverwrite,
		WatchDrift:    cfg.WatchDrift,
		DriftDebounce: cfg.DriftDebounce,
	})
	if err != nil {
		return fmt.Errorf("init safety: %w", err)
	}

	logger.Debug("safemod started",
		"work_dir", a.workDir,
		"backup_dir", cfg.BackupDir,
		"checkpoints", len(a.checkpoints.GetCheckpoints()))
	return nil
}

// Shutdown releases every manager
func (a *App) Shutdown(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdownLocked()
}

func (a *App) shutdownLocked() {
	if a.safety != nil {
		a.safety.Close()
		a.safety = nil
	}
	if a.checkpoints != nil {
		a.checkpoints.Close()
		a.checkpoints = nil
	}
	if a.dbManager != nil {
		if err := a.dbManager.Close(); err != nil {
			a.log().Warn("failed to close database", "error", err)
		}
		a.dbManager = nil
	}
	if a.logger != nil {
		a.logger.Close()
		a.logger = nil
	}
}

func (a *App) log() *slog.Logger {
	if a.logger == nil {
		return logging.Nop()
	}
	return a.logger.Logger
}
