package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"dlottery/internal/models"
)

// Backend names accepted by the configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

// Document names. The lottery, the bank and the broker each persist one
// JSON document in the same backend.
const (
	lotteryDoc = "state"
	ledgerDoc  = "ledger"
	brokerDoc  = "broker"
)

// documents is the raw surface a backend provides. get returns nil, nil for
// a document that was never written.
type documents interface {
	get(ctx context.Context, name string) ([]byte, error)
	put(ctx context.Context, name string, data []byte) error
}

func load[T any](ctx context.Context, d documents, name string) (*T, error) {
	data, err := d.get(ctx, name)
	if err != nil || data == nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return v, nil
}

func save(ctx context.Context, d documents, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return d.put(ctx, name, data)
}

// docStore gives a backend the typed Load/Save pairs used by the lottery
// service, the bank and the broker.
type docStore struct {
	d documents
}

// Load returns the lottery document, or nil when none has been saved.
func (s docStore) Load(ctx context.Context) (*models.Lottery, error) {
	return load[models.Lottery](ctx, s.d, lotteryDoc)
}

// Save replaces the lottery document.
func (s docStore) Save(ctx context.Context, l *models.Lottery) error {
	return save(ctx, s.d, lotteryDoc, l)
}

// LoadLedger returns the bank ledger, or nil when none has been saved.
func (s docStore) LoadLedger(ctx context.Context) (*models.Ledger, error) {
	return load[models.Ledger](ctx, s.d, ledgerDoc)
}

// SaveLedger replaces the bank ledger.
func (s docStore) SaveLedger(ctx context.Context, l *models.Ledger) error {
	return save(ctx, s.d, ledgerDoc, l)
}

// LoadBroker returns the broker's pending requests, or nil when none have
// been saved.
func (s docStore) LoadBroker(ctx context.Context) (*models.BrokerState, error) {
	return load[models.BrokerState](ctx, s.d, brokerDoc)
}

// SaveBroker replaces the broker's pending requests.
func (s docStore) SaveBroker(ctx context.Context, st *models.BrokerState) error {
	return save(ctx, s.d, brokerDoc, st)
}
