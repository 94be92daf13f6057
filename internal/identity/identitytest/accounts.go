// Package identitytest provides in-memory collaborators for tests that need a
// working identity service without Postgres.
package identitytest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/isp-console/internal/domain"
)

// Accounts is an in-memory repository.AccountRepository.
type Accounts struct {
	mu   sync.Mutex
	byID map[string]*domain.Account
	// FailWith, when set, is returned by every lookup.
	FailWith error
}

// NewAccounts returns an empty repository.
func NewAccounts() *Accounts {
	return &Accounts{byID: make(map[string]*domain.Account)}
}

// Add stores an active operator with a cheaply hashed password.
func (m *Accounts) Add(id, email, password string, confirmed bool) *domain.Account {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	a := &domain.Account{
		ID:           id,
		Email:        strings.ToLower(email),
		DisplayName:  "Operator " + id,
		PasswordHash: string(hash),
		Role:         domain.RoleOperator,
		Status:       domain.AccountStatusActive,
	}
	if confirmed {
		now := time.Now()
		a.EmailConfirmedAt = &now
	}
	m.mu.Lock()
	m.byID[id] = a
	m.mu.Unlock()
	return a
}

// SetStatus changes the stored account status.
func (m *Accounts) SetStatus(id string, status domain.AccountStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byID[id]; ok {
		a.Status = status
	}
}

func (m *Accounts) Create(_ context.Context, a *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt, a.UpdatedAt = time.Now(), time.Now()
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *Accounts) UpdatePassword(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return pgx.ErrNoRows
	}
	a.PasswordHash = hash
	return nil
}

func (m *Accounts) GetByID(_ context.Context, id string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	a, ok := m.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (m *Accounts) GetByEmail(_ context.Context, email string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	email = strings.ToLower(strings.TrimSpace(email))
	for _, a := range m.byID {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

// Mailer captures recovery codes by email.
type Mailer struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *Mailer) SendRecovery(_ context.Context, email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codes == nil {
		m.codes = make(map[string]string)
	}
	m.codes[email] = code
	return nil
}

// Code returns the last code sent to email.
func (m *Mailer) Code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}
