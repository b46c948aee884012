package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"operaflow/internal/engine"
)

// SweepConfig sets how often background maintenance runs. A zero interval
// disables that sweep.
type SweepConfig struct {
	ExpiryInterval time.Duration
	DetectInterval time.Duration
}

// StartSweepers expires overdue provisional assignments and re-runs conflict
// detection on their intervals until ctx is done.
func StartSweepers(ctx context.Context, e engine.Engine, cfg SweepConfig, log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.ExpiryInterval > 0 {
		go sweep(ctx, cfg.ExpiryInterval, log.WithField("sweep", "expiry"), func(ctx context.Context) error {
			_, err := e.ExpireOverdue(ctx, time.Now())
			return err
		})
	}
	if cfg.DetectInterval > 0 {
		go sweep(ctx, cfg.DetectInterval, log.WithField("sweep", "conflicts"), func(ctx context.Context) error {
			_, err := e.DetectConflicts(ctx, time.Now())
			return err
		})
	}
}

func sweep(ctx context.Context, every time.Duration, log logrus.FieldLogger, run func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
