package broker

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlottery/internal/models"
)

type recordingConsumer struct {
	ids    []uint64
	words  [][]*big.Int
	err    error
	awaits bool
}

func (r *recordingConsumer) FulfillRandomWords(_ context.Context, id uint64, words []*big.Int) error {
	r.ids = append(r.ids, id)
	r.words = append(r.words, words)
	return r.err
}

func (r *recordingConsumer) AwaitsRequest(uint64) bool { return r.awaits }

func TestCoordinator_RequestAndFulfill(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(0)
	consumer := &recordingConsumer{}
	c.SetConsumer(consumer)

	id1, err := c.RequestRandomness(ctx, models.RandomnessRequest{NumWords: 2})
	require.NoError(t, err)
	id2, err := c.RequestRandomness(ctx, models.RandomnessRequest{NumWords: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)
	assert.Equal(t, []uint64{1, 2}, c.Pending())

	require.NoError(t, c.FulfillRandomWords(ctx, id1))
	require.Len(t, consumer.words, 1)
	assert.Len(t, consumer.words[0], 2)
	assert.NotEqual(t, 0, consumer.words[0][0].Cmp(consumer.words[0][1]))
	assert.Equal(t, []uint64{2}, c.Pending())

	// words are a deterministic function of the id
	assert.Equal(t, 0, deriveWords(1, 2)[0].Cmp(consumer.words[0][0]))
}

func TestCoordinator_NonexistentRequest(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(0)
	c.SetConsumer(&recordingConsumer{})

	assert.ErrorIs(t, c.FulfillRandomWords(ctx, 0), ErrNonexistentRequest)
	assert.ErrorIs(t, c.FulfillRandomWords(ctx, 1), ErrNonexistentRequest)
}

func TestCoordinator_Override(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(0)
	consumer := &recordingConsumer{}
	c.SetConsumer(consumer)

	id, err := c.RequestRandomness(ctx, models.RandomnessRequest{NumWords: 1})
	require.NoError(t, err)
	require.NoError(t, c.FulfillRandomWordsWithOverride(ctx, id, []*big.Int{big.NewInt(42)}))
	assert.Equal(t, int64(42), consumer.words[0][0].Int64())
}

func TestCoordinator_StaleRequestIsDropped(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(0)
	consumer := &recordingConsumer{err: errors.New("unknown request id")}
	c.SetConsumer(consumer)

	id, err := c.RequestRandomness(ctx, models.RandomnessRequest{NumWords: 1})
	require.NoError(t, err)
	assert.Error(t, c.FulfillRandomWords(ctx, id))
	assert.Empty(t, c.Pending())
	assert.False(t, c.Has(id))
}

func TestCoordinator_FailedDeliveryIsRetried(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(0)
	consumer := &recordingConsumer{err: errors.New("disk full"), awaits: true}
	c.SetConsumer(consumer)

	id, err := c.RequestRandomness(ctx, models.RandomnessRequest{NumWords: 1})
	require.NoError(t, err)
	assert.Error(t, c.FulfillRandomWords(ctx, id))
	assert.Equal(t, []uint64{id}, c.Pending())

	consumer.err = nil
	require.NoError(t, c.FulfillRandomWords(ctx, id))
	assert.Empty(t, c.Pending())
	assert.Equal(t, []uint64{id, id}, consumer.ids)
	// both deliveries carry the same words
	assert.Equal(t, 0, consumer.words[0][0].Cmp(consumer.words[1][0]))
}

type brokerStore struct {
	saved *models.BrokerState
	fail  bool
}

func (s *brokerStore) LoadBroker(context.Context) (*models.BrokerState, error) {
	return s.saved, nil
}

func (s *brokerStore) SaveBroker(_ context.Context, st *models.BrokerState) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.saved = st
	return nil
}

func TestOpenCoordinator_RestoresPending(t *testing.T) {
	ctx := context.Background()
	st := &brokerStore{}
	c, err := OpenCoordinator(ctx, 0, st)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = c.RequestRandomness(ctx, models.RandomnessRequest{NumWords: 1})
		require.NoError(t, err)
	}
	c.SetConsumer(&recordingConsumer{})
	require.NoError(t, c.FulfillRandomWords(ctx, 2))

	restarted, err := OpenCoordinator(ctx, 0, st)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, restarted.Pending())

	// ids are not reused after a restart
	id, err := restarted.RequestRandomness(ctx, models.RandomnessRequest{NumWords: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id)
}

func TestCoordinator_FailedSaveRejectsRequest(t *testing.T) {
	ctx := context.Background()
	st := &brokerStore{}
	c, err := OpenCoordinator(ctx, 0, st)
	require.NoError(t, err)

	st.fail = true
	_, err = c.RequestRandomness(ctx, models.RandomnessRequest{NumWords: 1})
	assert.Error(t, err)
	assert.Empty(t, c.Pending())

	st.fail = false
	id, err := c.RequestRandomness(ctx, models.RandomnessRequest{NumWords: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestCoordinator_RejectsZeroWords(t *testing.T) {
	_, err := NewCoordinator(0).RequestRandomness(context.Background(), models.RandomnessRequest{})
	assert.ErrorIs(t, err, ErrInvalidNumWords)
}

func TestCoordinator_RunDeliversDueRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewCoordinator(0)
	consumer := &lockedConsumer{done: make(chan uint64, 1)}
	c.SetConsumer(consumer)

	_, err := c.RequestRandomness(ctx, models.RandomnessRequest{NumWords: 1})
	require.NoError(t, err)

	go c.Run(ctx, 5*time.Millisecond)

	select {
	case id := <-consumer.done:
		assert.Equal(t, uint64(1), id)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not delivered")
	}
}

type lockedConsumer struct {
	done chan uint64
}

func (l *lockedConsumer) FulfillRandomWords(_ context.Context, id uint64, _ []*big.Int) error {
	l.done <- id
	return nil
}

func (l *lockedConsumer) AwaitsRequest(uint64) bool { return false }
