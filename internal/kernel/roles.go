package kernel

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"bophades/internal/domain"
)

// Role names a permission granted to caller addresses.
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleEmergency       Role = "emergency"
	RoleOperatorOperate Role = "operator_operate"
	RoleOperatorReport  Role = "operator_reporter"
	RoleOperatorPolicy  Role = "operator_policy"
	RoleHeartAdmin      Role = "heart_admin"
	RoleDepositOperator Role = "deposit_operator"
	RoleManager         Role = "manager"
	RoleGovernance      Role = "gov_delegation"
)

// Gate authorizes restricted operations.
type Gate interface {
	Require(role Role, caller common.Address) error
}

// Roles is a Gate backed by an in-memory grant table.
type Roles struct {
	mu     sync.RWMutex
	grants map[Role]map[common.Address]struct{}
}

func NewRoles() *Roles {
	return &Roles{grants: make(map[Role]map[common.Address]struct{})}
}

func (r *Roles) Grant(role Role, who common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.grants[role] == nil {
		r.grants[role] = make(map[common.Address]struct{})
	}
	r.grants[role][who] = struct{}{}
}

func (r *Roles) Revoke(role Role, who common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants[role], who)
}

func (r *Roles) Has(role Role, who common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.grants[role][who]
	return ok
}

func (r *Roles) Require(role Role, caller common.Address) error {
	if r.Has(role, caller) {
		return nil
	}
	return domain.NewValidationError(string(role), fmt.Errorf("%s: %w", caller.Hex(), domain.ErrUnauthorized), "caller")
}

// AllowAll grants every role. Used by tools that drive policies directly.
type AllowAll struct{}

func (AllowAll) Require(Role, common.Address) error { return nil }
