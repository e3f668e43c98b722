package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/logger"

	"dlottery/internal/models"
	"dlottery/internal/units"
)

// FulfillRandomWords is the broker callback. It picks the winner from the
// first word, commits the reset, and only then pays out the pool.
func (s *LotteryService) FulfillRandomWords(ctx context.Context, requestID uint64, words []*big.Int) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	cur := s.lottery
	if cur.State != models.StateDrawing || cur.PendingRequestID == nil || *cur.PendingRequestID != requestID {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownRequestID, requestID)
	}
	if len(words) == 0 || words[0] == nil {
		s.mu.Unlock()
		return ErrNoRandomWords
	}
	if len(cur.Participants) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("drawing round %d has no participants", requestID)
	}

	index := new(big.Int).Mod(words[0], big.NewInt(int64(len(cur.Participants)))).Int64()
	winner := cur.Participants[index]
	prize := new(big.Int).Set(cur.Pool)

	next := cur.Copy()
	next.RecentWinner = &winner
	next.Participants = []common.Address{}
	next.Pool = new(big.Int)
	next.LastDrawTimestamp = s.now()
	next.State = models.StateOpen
	next.PendingRequestID = nil
	if err := s.store.Save(ctx, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("save lottery state: %w", err)
	}
	s.lottery = next
	payCtx := s.beginPayout(ctx)
	s.mu.Unlock()

	payErr := s.treasury.Pay(payCtx, winner, prize)

	s.mu.Lock()
	var strandErr error
	if payErr != nil {
		strandErr = s.strand(ctx, models.StrandedPayout{
			Winner:    winner,
			Amount:    prize,
			RequestID: requestID,
			At:        next.LastDrawTimestamp,
		})
	}
	s.endPayout()
	s.mu.Unlock()

	s.winnerFeed.Send(models.WinnerPicked{
		Winner:    winner,
		Amount:    new(big.Int).Set(prize),
		RequestID: requestID,
		Paid:      payErr == nil,
	})
	if payErr != nil {
		logger.Errorf("lottery: payout of %s ETH to %s failed: %v", units.FormatEther(prize), winner.Hex(), payErr)
		err := fmt.Errorf("%w: %v", ErrPayoutTransferFailed, payErr)
		if strandErr != nil {
			logger.Errorf("lottery: %v", strandErr)
			return errors.Join(err, strandErr)
		}
		return err
	}
	logger.Infof("lottery: %s won %s ETH (request %d)", winner.Hex(), units.FormatEther(prize), requestID)
	return nil
}

// strand appends ps to the stranded ledger. The funds are in custody
// whatever happens to the save, so the entries are kept in memory even when
// it fails. Callers hold mu.
func (s *LotteryService) strand(ctx context.Context, ps ...models.StrandedPayout) error {
	next := s.lottery.Copy()
	next.Stranded = append(next.Stranded, ps...)
	s.lottery = next
	if err := s.store.Save(ctx, next); err != nil {
		return fmt.Errorf("%w: %v", ErrStrandedNotPersisted, err)
	}
	return nil
}

// StrandedPayouts lists prizes whose transfer was rejected.
func (s *LotteryService) StrandedPayouts() []models.StrandedPayout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lottery.Copy().Stranded
}

// ReleaseStranded retries every stranded payout owed to winner as a single
// transfer. The entries are removed before the transfer and restored if it
// fails again.
func (s *LotteryService) ReleaseStranded(ctx context.Context, winner common.Address) (*big.Int, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	next := s.lottery.Copy()
	var (
		kept     []models.StrandedPayout
		released []models.StrandedPayout
		total    = new(big.Int)
	)
	for _, p := range next.Stranded {
		if p.Winner == winner {
			released = append(released, p)
			total.Add(total, p.Amount)
			continue
		}
		kept = append(kept, p)
	}
	if len(released) == 0 {
		s.mu.Unlock()
		return nil, ErrNoStrandedPayout
	}
	next.Stranded = kept
	if err := s.store.Save(ctx, next); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("save lottery state: %w", err)
	}
	s.lottery = next
	payCtx := s.beginPayout(ctx)
	s.mu.Unlock()

	payErr := s.treasury.Pay(payCtx, winner, total)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.endPayout()
	if payErr != nil {
		err := fmt.Errorf("%w: %v", ErrPayoutTransferFailed, payErr)
		if strandErr := s.strand(ctx, released...); strandErr != nil {
			logger.Errorf("lottery: %v", strandErr)
			return nil, errors.Join(err, strandErr)
		}
		return nil, err
	}
	logger.Infof("lottery: released %s ETH of stranded payouts to %s", units.FormatEther(total), winner.Hex())
	return total, nil
}
