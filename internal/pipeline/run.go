package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Archiver is the optional cold-storage task run alongside the pipeline.
type Archiver interface {
	Run(ctx context.Context) error
}

// Run starts the admission workers and all background loops under one
// errgroup and blocks until ctx is cancelled. Context cancellation is a clean
// shutdown; any other failure cancels the group and is returned.
func (p *Pipeline) Run(ctx context.Context, archiver Archiver) error {
	p.logger.Info("pipeline starting",
		slog.Int("workers", p.cfg.Workers),
		slog.Duration("broker_sync_interval", p.cfg.BrokerSyncInterval),
	)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			err := p.worker(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("admission worker: %w", err)
		})
	}

	g.Go(func() error {
		err := p.registry.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("registry sweep: %w", err)
	})

	if p.feed != nil {
		g.Go(func() error {
			err := p.brokerSyncLoop(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker sync: %w", err)
		})
	}

	g.Go(func() error {
		err := p.cleanupLoop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("suppression cleanup: %w", err)
	})

	if archiver != nil {
		g.Go(func() error {
			err := archiver.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		p.logger.Error("pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	p.logger.Info("pipeline stopped cleanly")
	return nil
}

// brokerSyncLoop refreshes the ledger from the broker position feed on a
// fixed interval. Feed errors are logged and the previous ledger state is
// kept until the next successful pull.
func (p *Pipeline) brokerSyncLoop(ctx context.Context) error {
	// Run immediately on start so the ledger reconciles before trading.
	p.syncPositions(ctx)

	ticker := time.NewTicker(p.cfg.BrokerSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.syncPositions(ctx)
		}
	}
}

func (p *Pipeline) syncPositions(ctx context.Context) {
	feed, err := p.feed.GetPositions(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "broker position pull failed", slog.String("error", err.Error()))
		return
	}
	p.ledger.TrackOpenPositions(ctx, feed)
}

// cleanupLoop evicts expired suppression entries on a fixed interval.
func (p *Pipeline) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			p.gate.Cleanup(now.UTC())
		}
	}
}
