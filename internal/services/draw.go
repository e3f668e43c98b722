package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/logger"

	"dlottery/internal/models"
)

// eligible is the automation gate: an open round with at least one funded
// entry whose interval has elapsed.
func eligible(l *models.Lottery, now time.Time) bool {
	return l.State == models.StateOpen &&
		len(l.Participants) > 0 &&
		l.Pool.Sign() > 0 &&
		now.Sub(l.LastDrawTimestamp) >= l.GateInterval
}

// CheckEligible reports whether a draw may be triggered now. It is advisory;
// TriggerDraw evaluates the gate again.
func (s *LotteryService) CheckEligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return eligible(s.lottery, s.now())
}

// TriggerDraw locks the round and opens a randomness request. Only one
// request can be outstanding: while DRAWING the gate is closed.
func (s *LotteryService) TriggerDraw(ctx context.Context) (uint64, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	if !eligible(s.lottery, s.now()) {
		s.mu.Unlock()
		return 0, ErrUpkeepNotNeeded
	}

	requestID, err := s.broker.RequestRandomness(ctx, s.randomness)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("request randomness: %w", err)
	}

	next := s.lottery.Copy()
	next.State = models.StateDrawing
	next.PendingRequestID = &requestID
	if err := s.store.Save(ctx, next); err != nil {
		s.mu.Unlock()
		// the broker request is orphaned and will be rejected on delivery
		return 0, fmt.Errorf("save lottery state: %w", err)
	}
	s.lottery = next
	participants := len(next.Participants)
	s.mu.Unlock()

	logger.Infof("lottery: draw requested (request %d, %d participants)", requestID, participants)
	s.drawFeed.Send(models.DrawRequested{RequestID: requestID})
	return requestID, nil
}
