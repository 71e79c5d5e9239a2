/**
 * @description
 * This file defines the Driver capability contract: the chain-agnostic port
 * every settlement backend must implement. The orchestration core talks ONLY
 * to this interface, never to a specific chain client. Concrete drivers
 * (an EVM ERC-20 driver, a layer-2 driver, the in-process test driver) live
 * outside this core and are plugged in through the Registry at startup.
 *
 * @notes
 * - All three calls must be safe to retry without duplicating on-chain
 *   effects. In particular Submit MUST be idempotent per TransferSpec
 *   TransferID: re-submitting a spec whose TransferID the driver has already
 *   accepted returns the prior driver transaction id and moves no new funds.
 *   The core cannot guarantee exactly-once on a ledger by itself; it depends
 *   on drivers honoring this contract, and exercises it with the fault
 *   injecting test driver.
 */

package driver

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridmarket/settlement-service/internal/domain"
)

// TransferSpec carries everything a driver needs to construct and broadcast
// one transfer. TransferID is assigned by the orchestrator (it is the
// Transaction id) and is the driver-side idempotency key.
type TransferSpec struct {
	TransferID uuid.UUID
	Sender     string
	Recipient  string
	Amount     decimal.Decimal
	Platform   domain.Platform
}

// Transfer status as observed on the ledger.
type TxStatus int

const (
	// StatusUnknown means the driver has no record of the transaction.
	StatusUnknown TxStatus = iota
	// StatusPending means the transaction is broadcast but not yet final.
	StatusPending
	// StatusConfirmed means the transaction reached finality.
	StatusConfirmed
	// StatusRejected means the ledger definitively rejected or reversed it.
	StatusRejected
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// StatusResult is the driver's answer to a status poll. Reason is set only
// for StatusRejected.
type StatusResult struct {
	Status TxStatus
	Reason string
}

// Driver is the capability object registered for one platform.
//
// Submit constructs and broadcasts the transfer, returning the driver's
// transaction identifier. Status reports ledger finality for a previously
// returned identifier. Balance reports the current on-chain balance of an
// account, used by reconciliation.
//
// Calls may be slow; implementations must respect ctx cancellation. The core
// never holds a ledger lock across a driver call.
type Driver interface {
	Submit(ctx context.Context, spec TransferSpec) (string, error)
	Status(ctx context.Context, driverTxID string) (StatusResult, error)
	Balance(ctx context.Context, account string) (decimal.Decimal, error)
}
