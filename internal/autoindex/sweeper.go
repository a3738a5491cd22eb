package autoindex

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper runs a periodic full reindex so dropped or exhausted events
// are eventually repaired from the authoritative record store.
type Sweeper struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// NewSweeper schedules ReindexAll on a cron expression (e.g. "@hourly").
func NewSweeper(indexer *Indexer, schedule string, batchSize int, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		report, err := indexer.ReindexAll(context.Background(), nil, batchSize, false)
		if err != nil {
			logger.Error("reindex sweep failed", zap.Error(err))
			return
		}
		logger.Info("reindex sweep complete",
			zap.Int("processed", report.Processed),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped))
	})
	if err != nil {
		return nil, fmt.Errorf("schedule reindex sweep: %w", err)
	}
	return &Sweeper{cron: c, logger: logger}, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("reindex sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
