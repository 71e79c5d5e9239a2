/**
 * @description
 * An in-memory settlement driver for the local test ledger. It honors the
 * full Driver contract, including idempotent Submit keyed by TransferID,
 * and supports fault injection so the orchestration core's retry, refund and
 * crash-recovery paths can be exercised without a real chain.
 *
 * Faults are scripted per call site: FailSubmits makes the next N Submit
 * calls return a transient error, RejectSubmits makes Submit report the
 * transfer as definitionally invalid, and ScriptStatus queues the results the
 * next Status polls will observe. With no script in place, Submit accepts
 * immediately and Status confirms on the first poll.
 */

package testdriver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/gridmarket/settlement-service/internal/driver"
)

type submittedTransfer struct {
	driverTxID string
	spec       driver.TransferSpec
	status     driver.StatusResult
}

// TestDriver is a scriptable in-memory Driver. Safe for concurrent use.
type TestDriver struct {
	mu sync.Mutex

	// transfers keyed by caller-assigned TransferID; the idempotency ledger.
	transfers  map[string]*submittedTransfer
	byDriverID map[string]*submittedTransfer

	balances map[string]decimal.Decimal

	failSubmits   int
	rejectSubmits int
	rejectReason  string
	failStatus    int
	statusScript  []driver.StatusResult

	submitCalls int
	statusCalls int
}

// New returns a TestDriver with no faults scripted.
func New() *TestDriver {
	return &TestDriver{
		transfers:  make(map[string]*submittedTransfer),
		byDriverID: make(map[string]*submittedTransfer),
		balances:   make(map[string]decimal.Decimal),
	}
}

// FailSubmits makes the next n Submit calls fail with a transient error.
func (d *TestDriver) FailSubmits(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSubmits = n
}

// RejectSubmits makes the next n Submit calls fail permanently with reason.
func (d *TestDriver) RejectSubmits(n int, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectSubmits = n
	d.rejectReason = reason
}

// FailStatus makes the next n Status calls fail with a transient error.
func (d *TestDriver) FailStatus(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failStatus = n
}

// ScriptStatus queues the results returned by subsequent Status polls, in
// order. When the script is exhausted, polls report Confirmed.
func (d *TestDriver) ScriptStatus(results ...driver.StatusResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusScript = append(d.statusScript, results...)
}

// SetBalance seeds the on-chain balance reported for account.
func (d *TestDriver) SetBalance(account string, amount decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.balances[account] = amount
}

// SubmitCalls reports how many times Submit was invoked, including calls
// resolved by the idempotency ledger.
func (d *TestDriver) SubmitCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitCalls
}

// AcceptedTransfers reports how many distinct transfers the ledger accepted.
func (d *TestDriver) AcceptedTransfers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transfers)
}

// StatusCalls reports how many times Status was invoked.
func (d *TestDriver) StatusCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusCalls
}

// Submit implements driver.Driver. Re-submitting a TransferID already on the
// ledger returns the original driver tx id without a duplicate transfer.
func (d *TestDriver) Submit(ctx context.Context, spec driver.TransferSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", driver.Transient(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitCalls++

	key := spec.TransferID.String()
	if existing, ok := d.transfers[key]; ok {
		return existing.driverTxID, nil
	}

	if d.failSubmits > 0 {
		d.failSubmits--
		return "", driver.Transient(errors.New("testdriver: node unreachable"))
	}
	if d.rejectSubmits > 0 {
		d.rejectSubmits--
		reason := d.rejectReason
		if reason == "" {
			reason = "transfer rejected"
		}
		return "", driver.Permanent(reason)
	}

	t := &submittedTransfer{
		driverTxID: fmt.Sprintf("0xtest-%s", key),
		spec:       spec,
		status:     driver.StatusResult{Status: driver.StatusPending},
	}
	d.transfers[key] = t
	d.byDriverID[t.driverTxID] = t

	// Outbound transfers reduce the sender's test-ledger balance on accept.
	if bal, ok := d.balances[spec.Sender]; ok {
		d.balances[spec.Sender] = bal.Sub(spec.Amount)
	}
	return t.driverTxID, nil
}

// Status implements driver.Driver.
func (d *TestDriver) Status(ctx context.Context, driverTxID string) (driver.StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return driver.StatusResult{}, driver.Transient(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusCalls++

	if d.failStatus > 0 {
		d.failStatus--
		return driver.StatusResult{}, driver.Transient(errors.New("testdriver: status unavailable"))
	}

	t, ok := d.byDriverID[driverTxID]
	if !ok {
		return driver.StatusResult{Status: driver.StatusUnknown}, nil
	}

	if len(d.statusScript) > 0 {
		t.status = d.statusScript[0]
		d.statusScript = d.statusScript[1:]
	} else {
		t.status = driver.StatusResult{Status: driver.StatusConfirmed}
	}
	return t.status, nil
}

// Balance implements driver.Driver.
func (d *TestDriver) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, driver.Transient(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.balances[account], nil
}
