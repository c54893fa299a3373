// Package settlement talks to the custodial payment processor that moves
// stablecoin between wallets and settles asynchronously on-chain.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"rentflow/crypto"
)

var (
	// ErrInsufficientFunds is permanent: the source wallet cannot cover the amount.
	ErrInsufficientFunds = errors.New("settlement: insufficient funds")
	// ErrDestinationInvalid is permanent: the processor rejected the destination address.
	ErrDestinationInvalid = errors.New("settlement: destination invalid")
	// ErrRejected covers every other processor refusal (bad credentials, an
	// unknown error code). It is neither retried nor allowed to fail the
	// obligation, and needs an operator.
	ErrRejected = errors.New("settlement: transfer rejected")
	// ErrProcessorUnavailable is transient: network failure or 5xx from the processor.
	ErrProcessorUnavailable = errors.New("settlement: processor unavailable")
	// ErrTimeout is transient: no terminal status within the poll budget. The
	// transfer may still complete.
	ErrTimeout = errors.New("settlement: poll budget exhausted")
)

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProcessorUnavailable) || errors.Is(err, ErrTimeout)
}

// IsPermanent reports whether err is a terminal failure of the transfer itself.
// Only these may move an obligation to Failed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrDestinationInvalid)
}

// TransferRequest moves Amount from a custodial wallet to Destination.
type TransferRequest struct {
	SourceWalletID string
	Destination    crypto.Address
	Amount         decimal.Decimal
	IdempotencyKey string
	Reference      string
}

// TransferHandle identifies a submitted transfer.
type TransferHandle struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// TerminalStatus is the final state of a transfer. Exactly one of TxHash
// (Completed) or Err (Failed) is set.
type TerminalStatus struct {
	Completed bool
	TxHash    string
	Reason    string
	Err       error
}

// Client is the processor surface the payment flow depends on.
type Client interface {
	SubmitTransfer(ctx context.Context, req TransferRequest) (TransferHandle, error)
	// PollStatus blocks for at most budget and returns ErrTimeout when no
	// terminal status was observed.
	PollStatus(ctx context.Context, handle TransferHandle, budget time.Duration) (TerminalStatus, error)
}
