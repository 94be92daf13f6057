package domain

import "time"

// AccountStatus represents lifecycle states for a console operator.
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
)

// AdminRole scopes what an operator may do once signed in.
type AdminRole string

const (
	RoleAdmin    AdminRole = "ADMIN"
	RoleOperator AdminRole = "OPERATOR"
	RoleSupport  AdminRole = "SUPPORT"
)

// Account is an operator allowed into the admin console.
type Account struct {
	ID               string
	Email            string
	DisplayName      string
	PasswordHash     string
	Role             AdminRole
	Status           AccountStatus
	EmailConfirmedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EmailConfirmed reports whether the operator finished email verification.
func (a *Account) EmailConfirmed() bool {
	return a.EmailConfirmedAt != nil
}

// Active reports whether the account may sign in.
func (a *Account) Active() bool {
	return a.Status == AccountStatusActive
}
