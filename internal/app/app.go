// Package app provides top-level application lifecycle management. It wires
// together the stores, cache, notifiers and admission components, restores
// in-memory state from the database, and runs the pipeline until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradeloop/intrabot/internal/config"
	"github.com/tradeloop/intrabot/internal/pipeline"
	"github.com/tradeloop/intrabot/internal/portfolio"
	"github.com/tradeloop/intrabot/internal/registry"
	"github.com/tradeloop/intrabot/internal/risk"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()

	// Pipeline is exposed so embedding callers can submit candidates.
	Pipeline *pipeline.Pipeline
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, restores persisted state, starts the admission
// pipeline, and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("timezone", a.cfg.Timezone),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	loc, err := time.LoadLocation(a.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("app: load timezone %q: %w", a.cfg.Timezone, err)
	}

	gate := risk.NewGate(
		risk.Config{
			MaxDailyLoss:         a.cfg.Risk.MaxDailyLoss,
			MaxDailyRisk:         a.cfg.Risk.MaxDailyRisk,
			MaxTradesPerDay:      a.cfg.Risk.MaxTradesPerDay,
			MaxConsecutiveLosses: a.cfg.Risk.MaxConsecutiveLosses,
			MaxOpenPositions:     a.cfg.Risk.MaxOpenPositions,
			MinTradeValue:        a.cfg.Risk.MinTradeValue,
			MaxTradeValue:        a.cfg.Risk.MaxTradeValue,
			MaxVolatilityATR:     a.cfg.Risk.MaxVolatilityATR,
			AllowPyramiding:      a.cfg.Risk.AllowPyramiding,
			MinRiskReward:        a.cfg.Risk.MinRiskReward,
			MinLiquidity:         a.cfg.Risk.MinLiquidity,
			MinVolumeRatio:       a.cfg.Risk.MinVolumeRatio,
			MinATR:               a.cfg.Risk.MinATR,
			MaxATR:               a.cfg.Risk.MaxATR,
			MaxSpreadRatio:       a.cfg.Risk.MaxSpreadRatio,
			DuplicateWindow:      a.cfg.Risk.DuplicateWindow.Duration,
			CorrelationWindow:    a.cfg.Risk.CorrelationWindow.Duration,
		},
		risk.Collaborators{
			RiskReward: risk.LevelRiskReward{},
			StopDistance: risk.ATRStopValidator{
				MinMult: a.cfg.Risk.StopATRMinMult,
				MaxMult: a.cfg.Risk.StopATRMaxMult,
			},
		},
		deps.Audit,
		loc,
		a.logger,
	)

	capital := portfolio.NewCapitalAccount(a.cfg.Portfolio.Capital)

	ledger := portfolio.NewLedger(
		portfolio.Config{
			ExposureCap:      a.cfg.Portfolio.ExposureCap,
			ReservePct:       a.cfg.Portfolio.ReservePct,
			MaxMarginPct:     a.cfg.Portfolio.MaxMarginPct,
			InstrumentCap:    a.cfg.Portfolio.InstrumentCap,
			SectorCap:        a.cfg.Portfolio.SectorCap,
			SectorCaps:       a.cfg.Portfolio.SectorCaps,
			MinTradeValue:    a.cfg.Portfolio.MinTradeValue,
			MaxTradeValue:    a.cfg.Portfolio.MaxTradeValue,
			MaxTradeValuePct: a.cfg.Portfolio.MaxTradeValuePct,
			ReEntryWindow:    a.cfg.Portfolio.ReEntryWindow.Duration,
			MarkToMarket:     a.cfg.Portfolio.MarkToMarket,
		},
		deps.PositionStore,
		capital,
		deps.Notifier,
		deps.Bus,
		gate.RecordTradeResult,
		a.logger,
	)

	reg := registry.New(
		registry.Config{
			DefaultExpiry:  a.cfg.Registry.DefaultExpiry.Duration,
			SweepInterval:  a.cfg.Registry.SweepInterval.Duration,
			PersistTimeout: a.cfg.Registry.PersistTimeout.Duration,
		},
		deps.SignalStore,
		deps.Audit,
		deps.Notifier,
		deps.Bus,
		a.logger,
	)

	if err := ledger.Restore(ctx); err != nil {
		return fmt.Errorf("app: restore positions: %w", err)
	}
	if err := reg.Restore(ctx); err != nil {
		return fmt.Errorf("app: restore signals: %w", err)
	}

	a.Pipeline = pipeline.New(
		pipeline.Config{
			Workers:            a.cfg.Pipeline.Workers,
			QueueSize:          a.cfg.Pipeline.QueueSize,
			Capital:            a.cfg.Portfolio.Capital,
			BrokerSyncInterval: a.cfg.Pipeline.BrokerSyncInterval.Duration,
			CleanupInterval:    a.cfg.Pipeline.CleanupInterval.Duration,
		},
		gate,
		ledger,
		reg,
		capital,
		deps.Feed,
		deps.Audit,
		deps.Notifier,
		a.logger,
	)

	var archiver pipeline.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}

	a.logger.InfoContext(ctx, "admission pipeline running",
		slog.Int("workers", a.cfg.Pipeline.Workers),
		slog.Bool("broker_feed", deps.Feed != nil),
		slog.Bool("archiver", archiver != nil),
	)

	return a.Pipeline.Run(ctx, archiver)
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
