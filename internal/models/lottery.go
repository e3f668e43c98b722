package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LotteryState is the phase of the current round.
type LotteryState uint8

const (
	StateOpen LotteryState = iota
	StateDrawing
)

// String returns the name used in the API and logs.
func (s LotteryState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateDrawing:
		return "DRAWING"
	default:
		return "UNKNOWN"
	}
}

// Lottery is the durable state of the lottery. It is persisted as a whole
// after every committed transition.
type Lottery struct {
	State             LotteryState     `json:"state"`
	EntranceFee       *big.Int         `json:"entranceFee"`
	GateInterval      time.Duration    `json:"gateInterval"`
	Participants      []common.Address `json:"participants"`
	Pool              *big.Int         `json:"pool"`
	LastDrawTimestamp time.Time        `json:"lastDrawTimestamp"`
	PendingRequestID  *uint64          `json:"pendingRequestId,omitempty"`
	RecentWinner      *common.Address  `json:"recentWinner,omitempty"`
	Stranded          []StrandedPayout `json:"stranded,omitempty"`
}

// Copy returns a deep copy so a transition can be prepared without touching
// the committed state.
func (l *Lottery) Copy() *Lottery {
	cp := *l
	cp.EntranceFee = new(big.Int).Set(l.EntranceFee)
	cp.Pool = new(big.Int).Set(l.Pool)
	cp.Participants = append([]common.Address(nil), l.Participants...)
	if l.PendingRequestID != nil {
		id := *l.PendingRequestID
		cp.PendingRequestID = &id
	}
	if l.RecentWinner != nil {
		w := *l.RecentWinner
		cp.RecentWinner = &w
	}
	cp.Stranded = make([]StrandedPayout, len(l.Stranded))
	for i, s := range l.Stranded {
		cp.Stranded[i] = StrandedPayout{
			Winner:    s.Winner,
			Amount:    new(big.Int).Set(s.Amount),
			RequestID: s.RequestID,
			At:        s.At,
		}
	}
	return &cp
}

// StrandedPayout records a prize whose transfer was rejected by the winner.
// The funds stay in custody until released explicitly.
type StrandedPayout struct {
	Winner    common.Address `json:"winner"`
	Amount    *big.Int       `json:"amount"`
	RequestID uint64         `json:"requestId"`
	At        time.Time      `json:"at"`
}

// RandomnessRequest carries the broker parameters fixed at deployment.
type RandomnessRequest struct {
	KeyHash              common.Hash `json:"keyHash"`
	SubscriptionID       uint64      `json:"subscriptionId"`
	RequestConfirmations uint16      `json:"requestConfirmations"`
	CallbackGasLimit     uint32      `json:"callbackGasLimit"`
	NumWords             uint32      `json:"numWords"`
}

// EntryRecorded is emitted when a deposit is admitted.
type EntryRecorded struct {
	Participant common.Address `json:"participant"`
	Amount      *big.Int       `json:"amount"`
}

// DrawRequested is emitted when a randomness request has been opened.
type DrawRequested struct {
	RequestID uint64 `json:"requestId"`
}

// WinnerPicked is emitted after a round completes.
type WinnerPicked struct {
	Winner    common.Address `json:"winner"`
	Amount    *big.Int       `json:"amount"`
	RequestID uint64         `json:"requestId"`
	Paid      bool           `json:"paid"`
}

// Ledger is the durable form of the bank: account balances in wei and the
// next entry nonce of each account.
type Ledger struct {
	Balances map[common.Address]*big.Int `json:"balances"`
	Nonces   map[common.Address]uint64   `json:"nonces,omitempty"`
}

// BrokerState is the durable form of the in-process randomness broker.
type BrokerState struct {
	NextID  uint64          `json:"nextId"`
	Pending []BrokerRequest `json:"pending"`
}

// BrokerRequest is a randomness request awaiting delivery.
type BrokerRequest struct {
	ID       uint64            `json:"id"`
	Params   RandomnessRequest `json:"params"`
	OpenedAt time.Time         `json:"openedAt"`
}
