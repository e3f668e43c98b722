package keeper

import (
	"context"
	"errors"
	"time"

	"github.com/google/logger"

	"dlottery/internal/services"
)

// Upkeep is the part of the lottery the keeper drives.
type Upkeep interface {
	CheckEligible() bool
	TriggerDraw(ctx context.Context) (uint64, error)
}

// Keeper polls the automation gate and triggers a draw when it opens.
type Keeper struct {
	upkeep   Upkeep
	interval time.Duration
}

// New creates a keeper that polls upkeep every interval.
func New(upkeep Upkeep, interval time.Duration) *Keeper {
	return &Keeper{upkeep: upkeep, interval: interval}
}

// Run polls until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	logger.Infof("keeper: polling every %s", k.interval)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("keeper: stopped")
			return nil
		case <-ticker.C:
			k.Poll(ctx)
		}
	}
}

// Poll performs one check-and-trigger cycle. It reports whether a draw was
// requested.
func (k *Keeper) Poll(ctx context.Context) bool {
	if !k.upkeep.CheckEligible() {
		return false
	}
	id, err := k.upkeep.TriggerDraw(ctx)
	switch {
	case err == nil:
		logger.Infof("keeper: performed upkeep, request %d", id)
		return true
	case errors.Is(err, services.ErrUpkeepNotNeeded):
		// someone else triggered the draw or the round changed since the check
		logger.Infof("keeper: upkeep no longer needed")
	default:
		logger.Errorf("keeper: perform upkeep: %v", err)
	}
	return false
}
