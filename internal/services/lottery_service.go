package services

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/logger"

	"dlottery/internal/models"
	"dlottery/internal/units"
)

// Broker opens randomness requests. Delivery happens later through
// LotteryService.FulfillRandomWords; RequestRandomness must not call back
// synchronously.
type Broker interface {
	RequestRandomness(ctx context.Context, params models.RandomnessRequest) (uint64, error)
	// Has reports whether requestID is still awaiting delivery.
	Has(requestID uint64) bool
}

// Treasury holds the pool on behalf of the lottery.
type Treasury interface {
	Collect(ctx context.Context, from common.Address, amount *big.Int) error
	Refund(ctx context.Context, to common.Address, amount *big.Int) error
	Pay(ctx context.Context, to common.Address, amount *big.Int) error
	Custody() common.Address
	BalanceOf(addr common.Address) *big.Int
}

// StateStore persists the lottery document. Load returns nil, nil when
// nothing has been stored yet.
type StateStore interface {
	Load(ctx context.Context) (*models.Lottery, error)
	Save(ctx context.Context, l *models.Lottery) error
}

// Options are the construction-time parameters of the lottery. They cannot
// change afterwards.
type Options struct {
	EntranceFee  *big.Int
	GateInterval time.Duration
	Randomness   models.RandomnessRequest
	// Now defaults to time.Now.
	Now func() time.Time
}

// LotteryService is the lottery state machine. All mutation goes through its
// methods, which are serialized by mu.
type LotteryService struct {
	mu      sync.Mutex
	lottery *models.Lottery
	// payout is non-nil while a transfer runs outside the lock and is closed
	// when it finishes.
	payout chan struct{}

	randomness models.RandomnessRequest
	now        func() time.Time

	broker   Broker
	treasury Treasury
	store    StateStore

	entryFeed  event.Feed
	drawFeed   event.Feed
	winnerFeed event.Feed
}

// NewLotteryService restores the lottery from store or starts a fresh round.
func NewLotteryService(ctx context.Context, opts Options, broker Broker, treasury Treasury, store StateStore) (*LotteryService, error) {
	if opts.EntranceFee == nil || opts.EntranceFee.Sign() <= 0 {
		return nil, fmt.Errorf("%w: entrance fee must be positive", ErrInvalidParameters)
	}
	if opts.GateInterval <= 0 {
		return nil, fmt.Errorf("%w: gate interval must be positive", ErrInvalidParameters)
	}
	if opts.Randomness.NumWords == 0 {
		opts.Randomness.NumWords = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &LotteryService{
		randomness: opts.Randomness,
		now:        now,
		broker:     broker,
		treasury:   treasury,
		store:      store,
	}

	stored, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load lottery state: %w", err)
	}
	if stored != nil {
		if stored.EntranceFee == nil || stored.EntranceFee.Cmp(opts.EntranceFee) != 0 || stored.GateInterval != opts.GateInterval {
			return nil, ErrParameterMismatch
		}
		if stored.Pool == nil {
			stored.Pool = new(big.Int)
		}
		if err := s.verifyRestored(stored); err != nil {
			return nil, err
		}
		s.lottery = stored
		logger.Infof("lottery: restored %s round with %d participants", stored.State, len(stored.Participants))
		return s, nil
	}

	fresh := &models.Lottery{
		State:             models.StateOpen,
		EntranceFee:       new(big.Int).Set(opts.EntranceFee),
		GateInterval:      opts.GateInterval,
		Participants:      []common.Address{},
		Pool:              new(big.Int),
		LastDrawTimestamp: now(),
	}
	if err := store.Save(ctx, fresh); err != nil {
		return nil, fmt.Errorf("save lottery state: %w", err)
	}
	s.lottery = fresh
	logger.Infof("lottery: opened with entrance fee %s ETH, interval %s", units.FormatEther(opts.EntranceFee), opts.GateInterval)
	return s, nil
}

// verifyRestored checks that the collaborators still back a stored round:
// custody must cover the pool and the stranded payouts, and a DRAWING round
// must have its request pending at the broker.
func (s *LotteryService) verifyRestored(l *models.Lottery) error {
	owed := obligations(l)
	held := s.treasury.BalanceOf(s.treasury.Custody())
	if held.Cmp(owed) < 0 {
		return fmt.Errorf("%w: custody holds %s wei, lottery owes %s wei", ErrCustodyShortfall, held.String(), owed.String())
	}
	if l.State == models.StateDrawing {
		if l.PendingRequestID == nil || !s.broker.Has(*l.PendingRequestID) {
			return fmt.Errorf("%w: drawing round has no pending broker request", ErrOrphanedRequest)
		}
	}
	return nil
}

// obligations is what custody must hold for l: the pool plus every stranded
// payout.
func obligations(l *models.Lottery) *big.Int {
	owed := new(big.Int).Set(l.Pool)
	for _, p := range l.Stranded {
		owed.Add(owed, p.Amount)
	}
	return owed
}

type payoutKey struct{}

// lock acquires mu for a mutating call. A call made from inside one of this
// service's payout transfers fails with ErrReentrantCall; any other caller
// waits until the transfer has finished.
func (s *LotteryService) lock(ctx context.Context) error {
	if ctx.Value(payoutKey{}) == s {
		return ErrReentrantCall
	}
	for {
		s.mu.Lock()
		done := s.payout
		if done == nil {
			return nil
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// beginPayout marks a transfer in flight and returns the context it must run
// under. Callers hold mu.
func (s *LotteryService) beginPayout(ctx context.Context) context.Context {
	s.payout = make(chan struct{})
	return context.WithValue(ctx, payoutKey{}, s)
}

// endPayout releases callers waiting in lock. Callers hold mu.
func (s *LotteryService) endPayout() {
	close(s.payout)
	s.payout = nil
}

// Enter admits a deposit of amount from sender into the current round.
// Amounts above the entrance fee are kept in the pool.
func (s *LotteryService) Enter(ctx context.Context, sender common.Address, amount *big.Int) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	if amount == nil || amount.Cmp(s.lottery.EntranceFee) < 0 {
		s.mu.Unlock()
		return ErrInsufficientEntranceFee
	}
	if s.lottery.State != models.StateOpen {
		s.mu.Unlock()
		return ErrLotteryNotOpen
	}

	next := s.lottery.Copy()
	next.Participants = append(next.Participants, sender)
	next.Pool.Add(next.Pool, amount)

	if err := s.treasury.Collect(ctx, sender, amount); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.store.Save(ctx, next); err != nil {
		if rerr := s.treasury.Refund(ctx, sender, amount); rerr != nil {
			logger.Errorf("lottery: refund to %s after failed save: %v", sender.Hex(), rerr)
		}
		s.mu.Unlock()
		return fmt.Errorf("save lottery state: %w", err)
	}
	s.lottery = next
	s.mu.Unlock()

	logger.Infof("lottery: %s entered with %s ETH", sender.Hex(), units.FormatEther(amount))
	s.entryFeed.Send(models.EntryRecorded{Participant: sender, Amount: new(big.Int).Set(amount)})
	return nil
}

// EntranceFee returns the minimum deposit in wei.
func (s *LotteryService) EntranceFee() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.lottery.EntranceFee)
}

// GateInterval returns the minimum round duration.
func (s *LotteryService) GateInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lottery.GateInterval
}

// ParticipantCount returns the number of entries in the current round.
func (s *LotteryService) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lottery.Participants)
}

// Participant returns the participant occupying slot index of the current
// round.
func (s *LotteryService) Participant(index int) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.lottery.Participants) {
		return common.Address{}, ErrIndexOutOfRange
	}
	return s.lottery.Participants[index], nil
}

// RecentWinner returns the winner of the last completed round, if any.
func (s *LotteryService) RecentWinner() (common.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lottery.RecentWinner == nil {
		return common.Address{}, false
	}
	return *s.lottery.RecentWinner, true
}

// State returns the phase of the current round.
func (s *LotteryService) State() models.LotteryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lottery.State
}

// LastDrawTimestamp returns when the current round opened.
func (s *LotteryService) LastDrawTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lottery.LastDrawTimestamp
}

// Pool returns the wei collected in the current round.
func (s *LotteryService) Pool() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.lottery.Pool)
}

// PendingRequestID returns the outstanding randomness request, if any.
func (s *LotteryService) PendingRequestID() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lottery.PendingRequestID == nil {
		return 0, false
	}
	return *s.lottery.PendingRequestID, true
}

// Snapshot returns a copy of the full lottery document.
func (s *LotteryService) Snapshot() *models.Lottery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lottery.Copy()
}

// AwaitsRequest reports whether requestID is the outstanding draw request.
func (s *LotteryService) AwaitsRequest(requestID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lottery
	return l.State == models.StateDrawing && l.PendingRequestID != nil && *l.PendingRequestID == requestID
}

// Obligations returns the wei custody must hold: the pool plus every stranded
// payout.
func (s *LotteryService) Obligations() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return obligations(s.lottery)
}

// SubscribeEntryRecorded delivers an event for every admitted entry.
func (s *LotteryService) SubscribeEntryRecorded(ch chan<- models.EntryRecorded) event.Subscription {
	return s.entryFeed.Subscribe(ch)
}

// SubscribeDrawRequested delivers an event whenever a draw is requested.
func (s *LotteryService) SubscribeDrawRequested(ch chan<- models.DrawRequested) event.Subscription {
	return s.drawFeed.Subscribe(ch)
}

// SubscribeWinnerPicked delivers an event for every completed round, paid or
// stranded.
func (s *LotteryService) SubscribeWinnerPicked(ch chan<- models.WinnerPicked) event.Subscription {
	return s.winnerFeed.Subscribe(ch)
}
