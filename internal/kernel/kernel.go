// Package kernel wires modules to policies and enforces call discipline:
// role checks, non-reentrant entry and all-or-nothing state changes.
package kernel

import (
	"errors"
	"fmt"
	"sync"

	"bophades/internal/domain"
)

// Keycode is the five-letter identifier of an installed module (e.g. "RANGE").
type Keycode string

func (k Keycode) Validate() error {
	if len(k) != 5 {
		return fmt.Errorf("keycode %q must be 5 characters", string(k))
	}
	for _, c := range k {
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("keycode %q must be upper-case letters", string(k))
		}
	}
	return nil
}

type Version struct {
	Major uint8
	Minor uint8
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Module is a state-holding component addressable by keycode.
type Module interface {
	Keycode() Keycode
	Version() Version
}

// Dependency is a module requirement declared by a policy.
type Dependency struct {
	Keycode Keycode
	Major   uint8
}

var ErrModuleMissing = errors.New("module not installed")

// Registry maps keycodes to installed modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[Keycode]Module
	order   []Keycode
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[Keycode]Module)}
}

// Install adds a new module. Installing over an existing keycode fails; use Upgrade.
func (r *Registry) Install(m Module) error {
	if err := m.Keycode().Validate(); err != nil {
		return domain.NewValidationError("install", err, "keycode")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m.Keycode()]; ok {
		return domain.NewStateError("install", fmt.Errorf("%s: %w", m.Keycode(), domain.ErrAlreadyInitialized))
	}
	r.modules[m.Keycode()] = m
	r.order = append(r.order, m.Keycode())
	return nil
}

// Upgrade replaces an installed module with a newer version of the same keycode.
func (r *Registry) Upgrade(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.modules[m.Keycode()]
	if !ok {
		return domain.NewStateError("upgrade", fmt.Errorf("%s: %w", m.Keycode(), ErrModuleMissing))
	}
	if m.Version().Major < old.Version().Major ||
		(m.Version().Major == old.Version().Major && m.Version().Minor <= old.Version().Minor) {
		return domain.NewValidationError("upgrade", fmt.Errorf("%s %s is not newer than %s", m.Keycode(), m.Version(), old.Version()), "version")
	}
	r.modules[m.Keycode()] = m
	return nil
}

func (r *Registry) Get(k Keycode) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[k]
	return m, ok
}

// Keycodes lists installed modules in install order.
func (r *Registry) Keycodes() []Keycode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Keycode(nil), r.order...)
}

// Resolve looks up a dependency and asserts its concrete type.
func Resolve[T any](r *Registry, dep Dependency) (T, error) {
	var zero T
	m, ok := r.Get(dep.Keycode)
	if !ok {
		return zero, domain.NewStateError("resolve", fmt.Errorf("%s: %w", dep.Keycode, ErrModuleMissing))
	}
	if m.Version().Major != dep.Major {
		return zero, domain.NewStateError("resolve",
			fmt.Errorf("%s: want major %d, installed %s", dep.Keycode, dep.Major, m.Version()))
	}
	t, ok := m.(T)
	if !ok {
		return zero, domain.NewStateError("resolve", fmt.Errorf("%s: unexpected module type %T", dep.Keycode, m))
	}
	return t, nil
}
