package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/logger"

	"dlottery/internal/models"
)

var (
	ErrNonexistentRequest = errors.New("nonexistent request")
	ErrInvalidNumWords    = errors.New("numWords must be positive")
	ErrNoConsumer         = errors.New("no consumer registered")
)

// Consumer receives random words for a request it opened.
type Consumer interface {
	FulfillRandomWords(ctx context.Context, requestID uint64, words []*big.Int) error
	// AwaitsRequest reports whether requestID is still the request the
	// consumer is waiting on. A request the consumer rejected is kept for
	// redelivery while this holds.
	AwaitsRequest(requestID uint64) bool
}

// RequestStore persists the pending requests. LoadBroker returns nil, nil
// when nothing has been stored yet.
type RequestStore interface {
	LoadBroker(ctx context.Context) (*models.BrokerState, error)
	SaveBroker(ctx context.Context, st *models.BrokerState) error
}

type pendingRequest struct {
	params   models.RandomnessRequest
	openedAt time.Time
}

// Coordinator is an in-process randomness broker for development networks.
// It hands out request ids and later delivers words derived from them.
type Coordinator struct {
	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]pendingRequest
	consumer Consumer
	delay    time.Duration
	store    RequestStore
}

// NewCoordinator creates a coordinator whose Run loop delivers requests once
// they are at least delay old.
func NewCoordinator(delay time.Duration) *Coordinator {
	return &Coordinator{
		nextID:  1,
		pending: make(map[uint64]pendingRequest),
		delay:   delay,
	}
}

// OpenCoordinator creates a coordinator backed by store and restores the
// requests that were pending when it last stopped.
func OpenCoordinator(ctx context.Context, delay time.Duration, store RequestStore) (*Coordinator, error) {
	c := NewCoordinator(delay)
	c.store = store
	st, err := store.LoadBroker(ctx)
	if err != nil {
		return nil, fmt.Errorf("load broker state: %w", err)
	}
	if st != nil {
		if st.NextID > c.nextID {
			c.nextID = st.NextID
		}
		for _, r := range st.Pending {
			c.pending[r.ID] = pendingRequest{params: r.Params, openedAt: r.OpenedAt}
			if r.ID >= c.nextID {
				c.nextID = r.ID + 1
			}
		}
		logger.Infof("broker: restored %d pending requests, next id %d", len(c.pending), c.nextID)
	}
	return c, nil
}

// SetConsumer registers the callback target for fulfilled requests.
func (c *Coordinator) SetConsumer(consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumer = consumer
}

// RequestRandomness opens a request and returns its id.
func (c *Coordinator) RequestRandomness(ctx context.Context, params models.RandomnessRequest) (uint64, error) {
	if params.NumWords == 0 {
		return 0, ErrInvalidNumWords
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.pending[id] = pendingRequest{params: params, openedAt: time.Now()}
	if err := c.persist(ctx); err != nil {
		delete(c.pending, id)
		c.nextID--
		return 0, err
	}
	logger.Infof("broker: randomness request %d opened (keyHash=%s, words=%d)", id, params.KeyHash.Hex(), params.NumWords)
	return id, nil
}

// Pending returns the ids of requests awaiting delivery, oldest first.
func (c *Coordinator) Pending() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Has reports whether requestID is awaiting delivery.
func (c *Coordinator) Has(requestID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[requestID]
	return ok
}

// FulfillRandomWords delivers words derived from the request id.
func (c *Coordinator) FulfillRandomWords(ctx context.Context, requestID uint64) error {
	return c.FulfillRandomWordsWithOverride(ctx, requestID, nil)
}

// FulfillRandomWordsWithOverride delivers the given words, or derived words
// when words is empty. The request stays pending if the consumer fails and
// still awaits it, so a later delivery can complete the round.
func (c *Coordinator) FulfillRandomWordsWithOverride(ctx context.Context, requestID uint64, words []*big.Int) error {
	c.mu.Lock()
	req, ok := c.pending[requestID]
	consumer := c.consumer
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("request %d: %w", requestID, ErrNonexistentRequest)
	}
	if consumer == nil {
		return ErrNoConsumer
	}

	if len(words) == 0 {
		words = deriveWords(requestID, req.params.NumWords)
	}
	err := consumer.FulfillRandomWords(ctx, requestID, words)
	if err != nil && consumer.AwaitsRequest(requestID) {
		logger.Warningf("broker: delivery of request %d failed, keeping it pending: %v", requestID, err)
		return err
	}
	c.remove(ctx, requestID)
	if err != nil {
		logger.Warningf("broker: consumer rejected request %d: %v", requestID, err)
		return err
	}
	logger.Infof("broker: request %d fulfilled", requestID)
	return nil
}

func (c *Coordinator) remove(ctx context.Context, requestID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
	if err := c.persist(ctx); err != nil {
		// a stale entry is rejected by the consumer and dropped on the next delivery
		logger.Errorf("broker: persist removal of request %d: %v", requestID, err)
	}
}

// persist saves the pending set. Callers hold mu.
func (c *Coordinator) persist(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	st := &models.BrokerState{NextID: c.nextID, Pending: make([]models.BrokerRequest, 0, len(c.pending))}
	for id, req := range c.pending {
		st.Pending = append(st.Pending, models.BrokerRequest{ID: id, Params: req.params, OpenedAt: req.openedAt})
	}
	sort.Slice(st.Pending, func(i, j int) bool { return st.Pending[i].ID < st.Pending[j].ID })
	if err := c.store.SaveBroker(ctx, st); err != nil {
		return fmt.Errorf("save broker state: %w", err)
	}
	return nil
}

// Run delivers pending requests that have aged past the configured delay
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, id := range c.due(time.Now()) {
				if err := c.FulfillRandomWords(ctx, id); err != nil {
					logger.Errorf("broker: deliver %d: %v", id, err)
				}
			}
		}
	}
}

func (c *Coordinator) due(now time.Time) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []uint64
	for id, req := range c.pending {
		if now.Sub(req.openedAt) >= c.delay {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// deriveWords returns keccak256(id || i) for each word index.
func deriveWords(requestID uint64, n uint32) []*big.Int {
	words := make([]*big.Int, n)
	var buf [64]byte
	for i := uint32(0); i < n; i++ {
		binary.BigEndian.PutUint64(buf[24:32], requestID)
		binary.BigEndian.PutUint32(buf[60:64], i)
		words[i] = new(big.Int).SetBytes(crypto.Keccak256(buf[:]))
	}
	return words
}
