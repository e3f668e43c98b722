package services

import "errors"

var (
	ErrInsufficientEntranceFee = errors.New("insufficient entrance fee")
	ErrLotteryNotOpen          = errors.New("lottery not open")
	ErrUpkeepNotNeeded         = errors.New("upkeep not needed")
	ErrUnknownRequestID        = errors.New("unknown request id")
	ErrPayoutTransferFailed    = errors.New("payout transfer failed")
	ErrIndexOutOfRange         = errors.New("participant index out of range")

	// ErrReentrantCall is returned to mutating calls made while a payout
	// transfer is in flight.
	ErrReentrantCall = errors.New("reentrant call rejected")

	ErrNoRandomWords     = errors.New("no random words delivered")
	ErrNoStrandedPayout  = errors.New("no stranded payout for winner")
	ErrParameterMismatch = errors.New("stored lottery parameters differ from configuration")
	ErrInvalidParameters = errors.New("invalid lottery parameters")
	ErrCustodyShortfall  = errors.New("custody does not cover the stored lottery")
	ErrOrphanedRequest   = errors.New("stored draw request unknown to broker")

	// ErrStrandedNotPersisted accompanies ErrPayoutTransferFailed when the
	// stranded entry could not be saved. It is kept in memory and written
	// with the next committed transition.
	ErrStrandedNotPersisted = errors.New("stranded payout not persisted")
)
