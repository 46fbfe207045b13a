package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sewago/wallet-service/internal/domain"
	"github.com/sewago/wallet-service/internal/store"
)

// memStore is an in-memory store.Repository with the same concurrency
// semantics as the Postgres implementation: reference ids are unique, balance
// writes compare-and-swap on the wallet version, and the atomic apply either
// commits both the entry and the balance or neither.
type memStore struct {
	mu      sync.Mutex
	wallets map[uuid.UUID]*domain.Wallet
	byUser  map[uuid.UUID]uuid.UUID
	entries []*domain.LedgerEntry
	byRef   map[string]*domain.LedgerEntry
	byEntry map[uuid.UUID]*domain.LedgerEntry
	payouts map[uuid.UUID]*domain.PayoutRequest
	now     time.Time

	// conflictNext forces the next N atomic applies to lose the version race,
	// bumping the wallet version so a re-read sees fresh state.
	conflictNext int
}

func newMemStore() *memStore {
	return &memStore{
		wallets: make(map[uuid.UUID]*domain.Wallet),
		byUser:  make(map[uuid.UUID]uuid.UUID),
		byRef:   make(map[string]*domain.LedgerEntry),
		byEntry: make(map[uuid.UUID]*domain.LedgerEntry),
		payouts: make(map[uuid.UUID]*domain.PayoutRequest),
		now:     time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) tick() time.Time {
	m.now = m.now.Add(time.Second)
	return m.now
}

func copyWallet(w *domain.Wallet) *domain.Wallet {
	cp := *w
	return &cp
}

func copyEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	cp := *e
	return &cp
}

func (m *memStore) GetOrCreate(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if walletID, ok := m.byUser[userID]; ok {
		return copyWallet(m.wallets[walletID]), nil
	}
	wallet := &domain.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Version:   1,
		CreatedAt: m.tick(),
	}
	m.wallets[wallet.ID] = wallet
	m.byUser[userID] = wallet.ID
	return copyWallet(wallet), nil
}

func (m *memStore) FindByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet, ok := m.wallets[walletID]
	if !ok {
		return nil, store.ErrWalletNotFound
	}
	return copyWallet(wallet), nil
}

func (m *memStore) FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	walletID, ok := m.byUser[userID]
	if !ok {
		return nil, store.ErrWalletNotFound
	}
	return copyWallet(m.wallets[walletID]), nil
}

func (m *memStore) CompareAndUpdateBalance(ctx context.Context, walletID uuid.UUID, expectedVersion int64, newBalance, newUsedCredit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet, ok := m.wallets[walletID]
	if !ok {
		return store.ErrWalletNotFound
	}
	if wallet.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	wallet.Balance = newBalance
	wallet.UsedCredit = newUsedCredit
	wallet.Version++
	wallet.UpdatedAt = m.tick()
	return nil
}

func (m *memStore) SetBNPLConfig(ctx context.Context, walletID uuid.UUID, expectedVersion int64, enabled bool, creditLimit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet, ok := m.wallets[walletID]
	if !ok {
		return store.ErrWalletNotFound
	}
	if wallet.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	wallet.BNPLEnabled = enabled
	wallet.CreditLimit = creditLimit
	wallet.Version++
	return nil
}

func (m *memStore) SetAutoRecharge(ctx context.Context, walletID uuid.UUID, expectedVersion int64, cfg domain.AutoRechargeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet, ok := m.wallets[walletID]
	if !ok {
		return store.ErrWalletNotFound
	}
	if wallet.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	wallet.AutoRecharge = cfg
	wallet.Version++
	return nil
}

func (m *memStore) ListBelowAutoRechargeThreshold(ctx context.Context, limit int) ([]domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Wallet
	for _, wallet := range m.wallets {
		if wallet.AutoRecharge.Enabled && wallet.Balance < wallet.AutoRecharge.Threshold {
			out = append(out, *wallet)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListWalletIDs(ctx context.Context, afterCreated time.Time, limit int) ([]uuid.UUID, []time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallets := make([]*domain.Wallet, 0, len(m.wallets))
	for _, wallet := range m.wallets {
		if wallet.CreatedAt.After(afterCreated) {
			wallets = append(wallets, wallet)
		}
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].CreatedAt.Before(wallets[j].CreatedAt) })
	if limit > 0 && len(wallets) > limit {
		wallets = wallets[:limit]
	}
	ids := make([]uuid.UUID, len(wallets))
	createds := make([]time.Time, len(wallets))
	for i, wallet := range wallets {
		ids[i] = wallet.ID
		createds[i] = wallet.CreatedAt
	}
	return ids, createds, nil
}

func (m *memStore) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entry)
}

func (m *memStore) appendLocked(entry *domain.LedgerEntry) error {
	if _, exists := m.byRef[entry.ReferenceID]; exists {
		return store.ErrDuplicateReference
	}
	cp := copyEntry(entry)
	cp.CreatedAt = m.tick()
	m.entries = append(m.entries, cp)
	m.byRef[cp.ReferenceID] = cp
	m.byEntry[cp.EntryID] = cp
	return nil
}

func (m *memStore) FindByReference(ctx context.Context, referenceID string) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byRef[referenceID]
	if !ok {
		return nil, store.ErrLedgerEntryNotFound
	}
	return copyEntry(entry), nil
}

func (m *memStore) FindByEntryID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byEntry[entryID]
	if !ok {
		return nil, store.ErrLedgerEntryNotFound
	}
	return copyEntry(entry), nil
}

func matchesFilter(e *domain.LedgerEntry, filter domain.LedgerFilter) bool {
	if filter.TransactionType != "" && e.TransactionType != filter.TransactionType {
		return false
	}
	if filter.Status != "" && e.Status != filter.Status {
		return false
	}
	if filter.From != nil && e.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && e.CreatedAt.After(*filter.To) {
		return false
	}
	return true
}

func (m *memStore) QueryByWallet(ctx context.Context, walletID uuid.UUID, filter domain.LedgerFilter, page domain.Page) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}

	var out []domain.LedgerEntry
	skipped := 0
	for i := len(m.entries) - 1; i >= 0; i-- {
		entry := m.entries[i]
		if entry.WalletID != walletID || !matchesFilter(entry, filter) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CountByWallet(ctx context.Context, walletID uuid.UUID, filter domain.LedgerFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, entry := range m.entries {
		if entry.WalletID == walletID && matchesFilter(entry, filter) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) SumCompletedAmount(ctx context.Context, walletID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, entry := range m.entries {
		if entry.WalletID == walletID && entry.Status == domain.EntryStatusCompleted {
			sum += entry.Amount
		}
	}
	return sum, nil
}

func (m *memStore) SumPendingHolds(ctx context.Context, walletID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, entry := range m.entries {
		if entry.WalletID == walletID && entry.TransactionType == domain.TxTypePayoutHold && entry.Status == domain.EntryStatusPending {
			sum += entry.HoldAmount
		}
	}
	return sum, nil
}

func (m *memStore) ResolveHold(ctx context.Context, entryID uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byEntry[entryID]
	if !ok {
		return store.ErrLedgerEntryNotFound
	}
	if entry.Status != domain.EntryStatusPending {
		return store.ErrEntryNotPending
	}
	entry.Status = status
	return nil
}

func (m *memStore) WalletStatistics(ctx context.Context, walletID uuid.UUID) (*domain.WalletStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &domain.WalletStatistics{}
	for _, entry := range m.entries {
		if entry.WalletID != walletID || entry.Status != domain.EntryStatusCompleted {
			continue
		}
		stats.EntryCount++
		if entry.Amount > 0 {
			stats.TotalIn += entry.Amount
		} else {
			stats.TotalOut -= entry.Amount
		}
	}
	return stats, nil
}

func (m *memStore) ApplyTransaction(ctx context.Context, entry *domain.LedgerEntry, expectedVersion int64, newBalance, newUsedCredit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet, ok := m.wallets[entry.WalletID]
	if !ok {
		return store.ErrWalletNotFound
	}
	if m.conflictNext > 0 {
		m.conflictNext--
		wallet.Version++
		return store.ErrVersionConflict
	}
	if _, exists := m.byRef[entry.ReferenceID]; exists {
		return store.ErrDuplicateReference
	}
	if wallet.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	if err := m.appendLocked(entry); err != nil {
		return err
	}
	wallet.Balance = newBalance
	wallet.UsedCredit = newUsedCredit
	wallet.Version++
	wallet.UpdatedAt = m.now
	return nil
}

func (m *memStore) CreatePayoutRequest(ctx context.Context, req *domain.PayoutRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	cp.CreatedAt = m.tick()
	cp.UpdatedAt = cp.CreatedAt
	m.payouts[cp.RequestID] = &cp
	return nil
}

func (m *memStore) FindPayoutRequest(ctx context.Context, requestID uuid.UUID) (*domain.PayoutRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.payouts[requestID]
	if !ok {
		return nil, store.ErrPayoutNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *memStore) TransitionPayoutStatus(ctx context.Context, requestID uuid.UUID, fromStatus, toStatus string, reason *string) (*domain.PayoutRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.payouts[requestID]
	if !ok {
		return nil, store.ErrPayoutNotFound
	}
	if req.Status != fromStatus {
		return nil, store.ErrPayoutStatusStale
	}
	req.Status = toStatus
	if reason != nil {
		req.StatusReason = reason
	}
	req.UpdatedAt = m.tick()
	cp := *req
	return &cp, nil
}

func (m *memStore) SetPayoutGatewayTransaction(ctx context.Context, requestID uuid.UUID, gatewayTransactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.payouts[requestID]
	if !ok {
		return store.ErrPayoutNotFound
	}
	req.GatewayTransactionID = &gatewayTransactionID
	return nil
}

func (m *memStore) ListPayoutRequests(ctx context.Context, providerID uuid.UUID, status string, page domain.Page) ([]domain.PayoutRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PayoutRequest
	for _, req := range m.payouts {
		if req.ProviderID != providerID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) SumActivePayoutAmount(ctx context.Context, providerID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, req := range m.payouts {
		if req.ProviderID != providerID {
			continue
		}
		switch req.Status {
		case domain.PayoutStatusRequested, domain.PayoutStatusApproved, domain.PayoutStatusProcessing:
			sum += req.Amount
		}
	}
	return sum, nil
}

var _ store.Repository = (*memStore)(nil)
