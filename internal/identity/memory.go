package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-node dev
// runs. It mirrors the conditional-update semantics of the SQL layer,
// which is what the rotation race handling depends on.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]*User
	accounts    map[string]*Account
	memberships []*AccountMembership
	refresh     map[string]*RefreshToken
	resets      map[string]*PasswordResetToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    map[string]*User{},
		accounts: map[string]*Account{},
		refresh:  map[string]*RefreshToken{},
		resets:   map[string]*PasswordResetToken{},
	}
}

func (s *MemoryStore) Users() UserStore                 { return (*memoryUsers)(s) }
func (s *MemoryStore) Accounts() AccountStore           { return (*memoryAccounts)(s) }
func (s *MemoryStore) Memberships() MembershipStore     { return (*memoryMemberships)(s) }
func (s *MemoryStore) RefreshTokens() RefreshTokenStore { return (*memoryRefresh)(s) }
func (s *MemoryStore) ResetTokens() ResetTokenStore     { return (*memoryResets)(s) }

type memoryUsers MemoryStore

func (s *memoryUsers) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memoryUsers) Find(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memoryUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryUsers) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (s *memoryUsers) SetStatus(_ context.Context, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	return nil
}

func (s *memoryUsers) TouchLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.LastLoginAt = &at
	return nil
}

type memoryAccounts MemoryStore

func (s *memoryAccounts) Create(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *memoryAccounts) Find(_ context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

type memoryMemberships MemoryStore

func (s *memoryMemberships) Create(_ context.Context, m *AccountMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.memberships = append(s.memberships, &cp)
	return nil
}

func (s *memoryMemberships) Find(_ context.Context, userID, accountID string) (*AccountMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID && m.AccountID == accountID && m.RemovedAt == nil {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryMemberships) Primary(_ context.Context, userID string) (*AccountMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID && m.IsPrimary && m.RemovedAt == nil {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryMemberships) ListForUser(_ context.Context, userID string) ([]AccountMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []AccountMembership
	for _, m := range s.memberships {
		if m.UserID == userID && m.RemovedAt == nil {
			res = append(res, *m)
		}
	}
	return res, nil
}

func (s *memoryMemberships) SetRole(_ context.Context, userID, accountID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID && m.AccountID == accountID && m.RemovedAt == nil {
			m.Role = role
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryMemberships) SetPrimary(_ context.Context, userID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, m := range s.memberships {
		if m.UserID != userID {
			continue
		}
		m.IsPrimary = m.AccountID == accountID && m.RemovedAt == nil
		found = found || m.IsPrimary
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *memoryMemberships) Remove(_ context.Context, userID, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID && m.AccountID == accountID && m.RemovedAt == nil {
			m.RemovedAt = &at
			m.IsPrimary = false
			return nil
		}
	}
	return ErrNotFound
}

type memoryRefresh MemoryStore

func (s *memoryRefresh) Create(_ context.Context, t *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.refresh[t.ID] = &cp
	return nil
}

func (s *memoryRefresh) Find(_ context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refresh[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memoryRefresh) FindByHash(_ context.Context, tokenHash string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.refresh {
		if t.TokenHash == tokenHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryRefresh) Deactivate(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refresh[id]
	if !ok {
		return false, ErrNotFound
	}
	if !t.Active {
		return false, nil
	}
	t.Active = false
	t.RevokedAt = &at
	return true, nil
}

func (s *memoryRefresh) ListActiveByUser(_ context.Context, userID string) ([]RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []RefreshToken
	for _, t := range s.refresh {
		if t.UserID == userID && t.Active {
			res = append(res, *t)
		}
	}
	return res, nil
}

func (s *memoryRefresh) ListActiveByFamily(_ context.Context, familyID string) ([]RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []RefreshToken
	for _, t := range s.refresh {
		if t.FamilyID == familyID && t.Active {
			res = append(res, *t)
		}
	}
	return res, nil
}

func (s *memoryRefresh) TouchUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refresh[id]
	if !ok {
		return ErrNotFound
	}
	t.LastUsedAt = &at
	return nil
}

func (s *memoryRefresh) DeleteInactiveBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.refresh {
		if !t.Active && t.RevokedAt != nil && t.RevokedAt.Before(cutoff) {
			delete(s.refresh, id)
			n++
		}
	}
	return n, nil
}

type memoryResets MemoryStore

func (s *memoryResets) Create(_ context.Context, t *PasswordResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.resets[t.ID] = &cp
	return nil
}

func (s *memoryResets) FindByHash(_ context.Context, tokenHash string) (*PasswordResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.resets {
		if t.TokenHash == tokenHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryResets) MarkUsed(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.resets[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.UsedAt != nil {
		return false, nil
	}
	t.UsedAt = &at
	return true, nil
}

func (s *memoryResets) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.resets {
		if t.ExpiresAt.Before(cutoff) || t.UsedAt != nil {
			delete(s.resets, id)
			n++
		}
	}
	return n, nil
}
