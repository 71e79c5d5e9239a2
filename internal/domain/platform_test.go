package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("erc20:holesky:tglm")
	if err != nil {
		t.Fatalf("ParsePlatform returned error: %v", err)
	}
	if p.Ledger != "erc20" || p.Network != "holesky" || p.Token != "tglm" {
		t.Errorf("unexpected platform components: %+v", p)
	}
	if p.String() != "erc20:holesky:tglm" {
		t.Errorf("expected canonical round-trip, got %q", p.String())
	}
}

func TestParsePlatformNormalizesCase(t *testing.T) {
	p, err := ParsePlatform("  ERC20:Holesky:TGLM ")
	if err != nil {
		t.Fatalf("ParsePlatform returned error: %v", err)
	}
	if p.String() != "erc20:holesky:tglm" {
		t.Errorf("expected lowercased platform, got %q", p.String())
	}
}

func TestParsePlatformRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", "erc20", "erc20:holesky", "erc20:holesky:tglm:extra", "erc20::tglm", ":holesky:tglm"} {
		if _, err := ParsePlatform(input); err == nil {
			t.Errorf("expected error for %q, got none", input)
		}
	}
}

func TestPlatformIsZero(t *testing.T) {
	if !(Platform{}).IsZero() {
		t.Error("expected zero platform to report IsZero")
	}
	p, _ := ParsePlatform("test:local:tst")
	if p.IsZero() {
		t.Error("expected populated platform to not report IsZero")
	}
}

func TestAllocationRemaining(t *testing.T) {
	alloc := Allocation{
		Amount: decimal.RequireFromString("100"),
		Spent:  decimal.RequireFromString("37.5"),
	}
	if got := alloc.Remaining(); got.String() != "62.5" {
		t.Errorf("expected remaining 62.5, got %s", got)
	}
}

func TestAllocationExpired(t *testing.T) {
	now := time.Now().UTC()

	alloc := Allocation{}
	if alloc.Expired(now) {
		t.Error("allocation without expiry must never expire")
	}

	past := now.Add(-time.Minute)
	alloc.ExpiresAt = &past
	if !alloc.Expired(now) {
		t.Error("allocation with past expiry must report expired")
	}

	future := now.Add(time.Minute)
	alloc.ExpiresAt = &future
	if alloc.Expired(now) {
		t.Error("allocation with future expiry must not report expired")
	}
}

func TestTerminalState(t *testing.T) {
	cases := map[string]bool{
		TxStatePending:   false,
		TxStateSubmitted: false,
		TxStateConfirmed: true,
		TxStateFailed:    true,
	}
	for state, want := range cases {
		if got := TerminalState(state); got != want {
			t.Errorf("TerminalState(%q) = %t, want %t", state, got, want)
		}
	}
}
