package notify

import (
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/logger"
	"github.com/redis/go-redis/v9"

	"dlottery/internal/models"
	"dlottery/internal/units"
)

// DefaultStream is the Redis stream notifications are appended to.
const DefaultStream = "lottery:events"

// Source is the notification side of the lottery.
type Source interface {
	SubscribeEntryRecorded(ch chan<- models.EntryRecorded) event.Subscription
	SubscribeDrawRequested(ch chan<- models.DrawRequested) event.Subscription
	SubscribeWinnerPicked(ch chan<- models.WinnerPicked) event.Subscription
}

// Relay forwards lottery notifications to the log and, when a Redis client
// is configured, to a Redis stream.
type Relay struct {
	rdb    redis.Cmdable
	stream string
}

// NewRelay creates a relay. rdb may be nil to only log.
func NewRelay(rdb redis.Cmdable, stream string) *Relay {
	if stream == "" {
		stream = DefaultStream
	}
	return &Relay{rdb: rdb, stream: stream}
}

// Run subscribes to src and relays notifications until ctx is cancelled or a
// subscription fails.
func (r *Relay) Run(ctx context.Context, src Source) error {
	entries := make(chan models.EntryRecorded, 64)
	draws := make(chan models.DrawRequested, 16)
	winners := make(chan models.WinnerPicked, 16)

	var scope event.SubscriptionScope
	defer scope.Close()
	entrySub := scope.Track(src.SubscribeEntryRecorded(entries))
	drawSub := scope.Track(src.SubscribeDrawRequested(draws))
	winnerSub := scope.Track(src.SubscribeWinnerPicked(winners))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-entrySub.Err():
			return err
		case err := <-drawSub.Err():
			return err
		case err := <-winnerSub.Err():
			return err
		case ev := <-entries:
			logger.Infof("event: EntryRecorded participant=%s", ev.Participant.Hex())
			r.publish(ctx, map[string]interface{}{
				"type":        "EntryRecorded",
				"participant": ev.Participant.Hex(),
				"amount":      ev.Amount.String(),
			})
		case ev := <-draws:
			logger.Infof("event: DrawRequested requestId=%d", ev.RequestID)
			r.publish(ctx, map[string]interface{}{
				"type":      "DrawRequested",
				"requestId": strconv.FormatUint(ev.RequestID, 10),
			})
		case ev := <-winners:
			logger.Infof("event: WinnerPicked winner=%s amount=%s ETH paid=%t", ev.Winner.Hex(), units.FormatEther(ev.Amount), ev.Paid)
			r.publish(ctx, map[string]interface{}{
				"type":      "WinnerPicked",
				"winner":    ev.Winner.Hex(),
				"amount":    ev.Amount.String(),
				"requestId": strconv.FormatUint(ev.RequestID, 10),
				"paid":      strconv.FormatBool(ev.Paid),
			})
		}
	}
}

func (r *Relay) publish(ctx context.Context, values map[string]interface{}) {
	if r.rdb == nil {
		return
	}
	err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: r.stream, Values: values}).Err()
	if err != nil {
		logger.Errorf("notify: append to %s: %v", r.stream, err)
	}
}
