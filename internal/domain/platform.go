/**
 * @description
 * This file defines the Platform value type. A Platform identifies one
 * settlement backend as a (ledger, network, token) triple and is the routing
 * key used to pick a driver for a payment. Platforms are immutable values and
 * are safe to use as map keys.
 *
 * @notes
 * - The canonical string form is "ledger:network:token", e.g.
 *   "erc20:holesky:tglm" or "test:local:tst". It appears in API payloads,
 *   database rows and event payloads.
 */

package domain

import (
	"fmt"
	"strings"
)

// Platform identifies a settlement backend: a ledger kind, a network
// environment on that ledger, and the asset (token) being moved.
type Platform struct {
	Ledger  string `json:"ledger"`
	Network string `json:"network"`
	Token   string `json:"token"`
}

// ParsePlatform parses the canonical "ledger:network:token" form.
func ParsePlatform(s string) (Platform, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Platform{}, fmt.Errorf("invalid platform %q: want ledger:network:token", s)
	}
	p := Platform{
		Ledger:  strings.ToLower(strings.TrimSpace(parts[0])),
		Network: strings.ToLower(strings.TrimSpace(parts[1])),
		Token:   strings.ToLower(strings.TrimSpace(parts[2])),
	}
	if p.Ledger == "" || p.Network == "" || p.Token == "" {
		return Platform{}, fmt.Errorf("invalid platform %q: empty component", s)
	}
	return p, nil
}

// String returns the canonical "ledger:network:token" form.
func (p Platform) String() string {
	return p.Ledger + ":" + p.Network + ":" + p.Token
}

// IsZero reports whether the platform has no components set.
func (p Platform) IsZero() bool {
	return p.Ledger == "" && p.Network == "" && p.Token == ""
}
