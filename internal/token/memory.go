package token

import (
	"context"
	"fmt"
	"sync"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"

	"github.com/google/uuid"
)

// MemoryService is an in-process token ledger backed by a BalanceTracker.
// It is used in dev mode and tests.
type MemoryService struct {
	mu      sync.Mutex
	tracker *ledger.BalanceTracker
	self    ledger.AccountID
}

func NewMemoryService(self ledger.AccountID) *MemoryService {
	return &MemoryService{
		tracker: ledger.NewBalanceTracker(),
		self:    self,
	}
}

func (m *MemoryService) Mint(to ledger.AccountID, amount fpmath.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.Mint(to, amount)
}

// Approve lets the pool spend up to amount of owner's balance.
func (m *MemoryService) Approve(owner ledger.AccountID, amount fpmath.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracker.Approve(owner, m.self, amount)
}

func (m *MemoryService) Transfer(_ context.Context, to ledger.AccountID, amount fpmath.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tracker.GetBalance(m.self).LT(amount) {
		return fmt.Errorf("transfer %s to %s: %w", amount, to, ErrInsufficientBalance)
	}
	return m.move(m.self, to, amount)
}

func (m *MemoryService) TransferFrom(_ context.Context, from, to ledger.AccountID, amount fpmath.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tracker.Allowance(from, m.self).LT(amount) {
		return fmt.Errorf("transfer_from %s: %w", from, ErrInsufficientAllowance)
	}
	if m.tracker.GetBalance(from).LT(amount) {
		return fmt.Errorf("transfer_from %s: %w", from, ErrInsufficientBalance)
	}
	if err := m.tracker.SpendAllowance(from, m.self, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientAllowance, err)
	}
	return m.move(from, to, amount)
}

func (m *MemoryService) BalanceOf(_ context.Context, account ledger.AccountID) (fpmath.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.GetBalance(account), nil
}

// Replay applies a transfer recorded earlier without allowance checks.
func (m *MemoryService) Replay(from, to ledger.AccountID, amount fpmath.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(from, to, amount)
}

// Tracker exposes the backing tracker for invariant checks.
func (m *MemoryService) Tracker() *ledger.BalanceTracker {
	return m.tracker
}

func (m *MemoryService) move(from, to ledger.AccountID, amount fpmath.Amount) error {
	err := m.tracker.ApplyJournal(ledger.Journal{
		JournalID: uuid.New(),
		From:      from,
		To:        to,
		Amount:    amount,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	return nil
}
