package keeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dlottery/internal/services"
)

type stubUpkeep struct {
	eligible bool
	err      error
	triggers atomic.Int32
}

func (s *stubUpkeep) CheckEligible() bool { return s.eligible }

func (s *stubUpkeep) TriggerDraw(context.Context) (uint64, error) {
	s.triggers.Add(1)
	if s.err != nil {
		return 0, s.err
	}
	return 7, nil
}

func TestKeeper_Poll(t *testing.T) {
	ctx := context.Background()

	idle := &stubUpkeep{}
	assert.False(t, New(idle, time.Second).Poll(ctx))
	assert.Equal(t, int32(0), idle.triggers.Load())

	ready := &stubUpkeep{eligible: true}
	assert.True(t, New(ready, time.Second).Poll(ctx))
	assert.Equal(t, int32(1), ready.triggers.Load())

	raced := &stubUpkeep{eligible: true, err: services.ErrUpkeepNotNeeded}
	assert.False(t, New(raced, time.Second).Poll(ctx))

	broken := &stubUpkeep{eligible: true, err: errors.New("broker down")}
	assert.False(t, New(broken, time.Second).Poll(ctx))
}

func TestKeeper_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	up := &stubUpkeep{eligible: true}
	done := make(chan error)
	go func() { done <- New(up, time.Millisecond).Run(ctx) }()

	assert.Eventually(t, func() bool { return up.triggers.Load() > 0 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("keeper did not stop")
	}
}
