/**
 * @description
 * The Registry maps platforms to registered driver handles. Registration
 * happens once during bootstrap, before any payment traffic; Freeze then
 * produces an immutable Registry that is shared across goroutines without
 * locking. Immutability is enforced by construction: the only way to obtain
 * a Registry is through the builder, and the builder's map is copied.
 */

package driver

import (
	"fmt"
	"sort"

	"github.com/gridmarket/settlement-service/internal/domain"
)

// RegistryBuilder accumulates driver registrations during startup.
// Not safe for concurrent use; bootstrap is single-threaded.
type RegistryBuilder struct {
	drivers map[domain.Platform]Driver
}

// NewRegistryBuilder returns an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{drivers: make(map[domain.Platform]Driver)}
}

// Register binds a driver to a platform. Registering the same platform twice
// fails with ErrDuplicatePlatform.
func (b *RegistryBuilder) Register(platform domain.Platform, d Driver) error {
	if d == nil {
		return fmt.Errorf("register %s: nil driver", platform)
	}
	if _, exists := b.drivers[platform]; exists {
		return fmt.Errorf("register %s: %w", platform, ErrDuplicatePlatform)
	}
	b.drivers[platform] = d
	return nil
}

// Freeze copies the accumulated registrations into an immutable Registry.
// The builder can be discarded afterwards.
func (b *RegistryBuilder) Freeze() *Registry {
	drivers := make(map[domain.Platform]Driver, len(b.drivers))
	for p, d := range b.drivers {
		drivers[p] = d
	}
	return &Registry{drivers: drivers}
}

// Registry resolves platforms to driver handles. Read-only after Freeze;
// safe for unsynchronized concurrent reads.
type Registry struct {
	drivers map[domain.Platform]Driver
}

// Lookup returns the driver registered for platform, or ErrUnknownPlatform.
func (r *Registry) Lookup(platform domain.Platform) (Driver, error) {
	d, ok := r.drivers[platform]
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", platform, ErrUnknownPlatform)
	}
	return d, nil
}

// Platforms lists every registered platform in stable order. Used by the
// reconciliation engine to iterate backends.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.drivers))
	for p := range r.drivers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
