package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"settlement-service/internal/models"
)

type memoryState struct {
	seq          uint
	transactions map[uint]models.Transaction
	legs         map[uint]models.SplitLeg
	referrals    map[uint]models.Referral
	payouts      map[uint]models.Payout
	parties      map[uint]models.Party
	callbacks    []models.CallbackLog
	unmatched    map[string]models.UnmatchedCollection
}

func (st *memoryState) clone() *memoryState {
	c := &memoryState{
		seq:          st.seq,
		transactions: make(map[uint]models.Transaction, len(st.transactions)),
		legs:         make(map[uint]models.SplitLeg, len(st.legs)),
		referrals:    make(map[uint]models.Referral, len(st.referrals)),
		payouts:      make(map[uint]models.Payout, len(st.payouts)),
		parties:      st.parties,
		callbacks:    append([]models.CallbackLog(nil), st.callbacks...),
		unmatched:    make(map[string]models.UnmatchedCollection, len(st.unmatched)),
	}
	for k, v := range st.unmatched {
		c.unmatched[k] = v
	}
	for k, v := range st.transactions {
		c.transactions[k] = v
	}
	for k, v := range st.legs {
		c.legs[k] = v
	}
	for k, v := range st.referrals {
		c.referrals[k] = v
	}
	for k, v := range st.payouts {
		c.payouts[k] = v
	}
	return c
}

func (st *memoryState) nextID() uint {
	st.seq++
	return st.seq
}

// MemoryStore keeps the ledger in process memory. It backs DB_DRIVER=memory
// and the service tests. WithinTx serializes callers and applies the
// transaction's changes only if fn succeeds.
type MemoryStore struct {
	mu    *sync.Mutex
	inTx  bool
	state *memoryState
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		state: &memoryState{
			transactions: map[uint]models.Transaction{},
			legs:         map[uint]models.SplitLeg{},
			referrals:    map[uint]models.Referral{},
			payouts:      map[uint]models.Payout{},
			parties:      map[uint]models.Party{},
			unmatched:    map[string]models.UnmatchedCollection{},
		},
		now: time.Now,
	}
}

func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// AddParty seeds the party directory.
func (m *MemoryStore) AddParty(p models.Party) *models.Party {
	defer m.lock()()
	if p.ID == 0 {
		p.ID = m.state.nextID()
	}
	m.state.parties[p.ID] = p
	return &p
}

// SetClock replaces the store's time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.now = now
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, txn *models.Transaction, legs []*models.SplitLeg, referral *models.Referral) error {
	defer m.lock()()
	st := m.state
	for _, existing := range st.transactions {
		if existing.Reference == txn.Reference {
			return fmt.Errorf("create transaction: duplicate reference %q", txn.Reference)
		}
	}
	now := m.now()
	txn.ID = st.nextID()
	txn.CreatedAt, txn.UpdatedAt = now, now
	if txn.Status == "" {
		txn.Status = models.TransactionPending
	}
	st.transactions[txn.ID] = *txn
	for _, leg := range legs {
		leg.ID = st.nextID()
		leg.TransactionID = txn.ID
		leg.CreatedAt, leg.UpdatedAt = now, now
		if leg.Status == "" {
			leg.Status = models.LegPending
		}
		st.legs[leg.ID] = *leg
	}
	if referral != nil {
		referral.ID = st.nextID()
		referral.TransactionID = txn.ID
		referral.CreatedAt, referral.UpdatedAt = now, now
		st.referrals[referral.ID] = *referral
	}
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id uint) (*models.Transaction, error) {
	defer m.lock()()
	txn, ok := m.state.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	return &txn, nil
}

func (m *MemoryStore) GetTransactionByCollectionReference(ctx context.Context, ref string) (*models.Transaction, error) {
	defer m.lock()()
	for _, txn := range m.state.transactions {
		if txn.Reference == ref || (txn.CollectionReference != nil && *txn.CollectionReference == ref) {
			return &txn, nil
		}
	}
	return nil, fmt.Errorf("transaction with collection reference %q: %w", ref, ErrNotFound)
}

func (m *MemoryStore) AttachCollectionReference(ctx context.Context, id uint, ref, authorizationURL string) error {
	defer m.lock()()
	txn, ok := m.state.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	txn.CollectionReference = &ref
	txn.AuthorizationURL = authorizationURL
	txn.UpdatedAt = m.now()
	m.state.transactions[id] = txn
	return nil
}

func (m *MemoryStore) TransitionTransaction(ctx context.Context, id uint, from, to models.TransactionStatus, upd TransactionUpdate) error {
	if err := checkTransaction(from, to); err != nil {
		return err
	}
	defer m.lock()()
	txn, ok := m.state.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	if txn.Status != from {
		return fmt.Errorf("transaction %d: %w", id, ErrConflict)
	}
	upd.apply(&txn)
	txn.Status = to
	txn.UpdatedAt = m.now()
	m.state.transactions[id] = txn
	return nil
}

func (m *MemoryStore) ListStaleTransactions(ctx context.Context, status models.TransactionStatus, before time.Time, limit int) ([]models.Transaction, error) {
	defer m.lock()()
	var txns []models.Transaction
	for _, txn := range m.state.transactions {
		if txn.Status == status && txn.UpdatedAt.Before(before) {
			txns = append(txns, txn)
		}
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].UpdatedAt.Before(txns[j].UpdatedAt) })
	if limit > 0 && len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, nil
}

func (m *MemoryStore) SaveUnmatchedCollection(ctx context.Context, result *models.UnmatchedCollection) error {
	defer m.lock()()
	if _, ok := m.state.unmatched[result.CollectionReference]; ok {
		return nil
	}
	result.ID = m.state.nextID()
	result.CreatedAt = m.now()
	m.state.unmatched[result.CollectionReference] = *result
	return nil
}

func (m *MemoryStore) TakeUnmatchedCollection(ctx context.Context, ref string) (*models.UnmatchedCollection, error) {
	defer m.lock()()
	result, ok := m.state.unmatched[ref]
	if !ok {
		return nil, fmt.Errorf("unmatched collection %q: %w", ref, ErrNotFound)
	}
	delete(m.state.unmatched, ref)
	return &result, nil
}

func (m *MemoryStore) ListLegs(ctx context.Context, transactionID uint) ([]models.SplitLeg, error) {
	defer m.lock()()
	var legs []models.SplitLeg
	for _, leg := range m.state.legs {
		if leg.TransactionID == transactionID {
			legs = append(legs, leg)
		}
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].ID < legs[j].ID })
	return legs, nil
}

func (m *MemoryStore) GetLeg(ctx context.Context, id uint) (*models.SplitLeg, error) {
	defer m.lock()()
	leg, ok := m.state.legs[id]
	if !ok {
		return nil, fmt.Errorf("split leg %d: %w", id, ErrNotFound)
	}
	return &leg, nil
}

func (m *MemoryStore) GetLegByConversationID(ctx context.Context, conversationID string) (*models.SplitLeg, error) {
	defer m.lock()()
	for _, leg := range m.state.legs {
		if (leg.Reference != nil && *leg.Reference == conversationID) ||
			(leg.ProviderConversationID != nil && *leg.ProviderConversationID == conversationID) {
			return &leg, nil
		}
	}
	return nil, fmt.Errorf("split leg with conversation %q: %w", conversationID, ErrNotFound)
}

func (m *MemoryStore) AttachLegConversation(ctx context.Context, legID uint, conversationID string) error {
	defer m.lock()()
	leg, ok := m.state.legs[legID]
	if !ok {
		return fmt.Errorf("split leg %d: %w", legID, ErrNotFound)
	}
	leg.ProviderConversationID = &conversationID
	leg.UpdatedAt = m.now()
	m.state.legs[legID] = leg
	return nil
}

func (m *MemoryStore) TransitionLeg(ctx context.Context, id uint, from, to models.LegStatus, upd LegUpdate) error {
	if err := checkLeg(from, to); err != nil {
		return err
	}
	defer m.lock()()
	leg, ok := m.state.legs[id]
	if !ok {
		return fmt.Errorf("split leg %d: %w", id, ErrNotFound)
	}
	if leg.Status != from {
		return fmt.Errorf("split leg %d: %w", id, ErrConflict)
	}
	if isRetry(from, to) {
		if leg.RetryCount >= leg.MaxRetries {
			return fmt.Errorf("split leg %d: retries exhausted: %w", id, ErrConflict)
		}
		leg.RetryCount++
	}
	upd.apply(&leg)
	leg.Status = to
	leg.UpdatedAt = m.now()
	m.state.legs[id] = leg
	return nil
}

func (m *MemoryStore) ListStaleLegs(ctx context.Context, status models.LegStatus, before time.Time, limit int) ([]models.SplitLeg, error) {
	defer m.lock()()
	var legs []models.SplitLeg
	for _, leg := range m.state.legs {
		if leg.Status != status || !leg.UpdatedAt.Before(before) {
			continue
		}
		if status == models.LegFailed && leg.RetryCount >= leg.MaxRetries {
			continue
		}
		if m.state.transactions[leg.TransactionID].Status != models.TransactionProcessing {
			continue
		}
		legs = append(legs, leg)
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].UpdatedAt.Before(legs[j].UpdatedAt) })
	if limit > 0 && len(legs) > limit {
		legs = legs[:limit]
	}
	return legs, nil
}

func (m *MemoryStore) GetReferralByTransaction(ctx context.Context, transactionID uint) (*models.Referral, error) {
	defer m.lock()()
	for _, ref := range m.state.referrals {
		if ref.TransactionID == transactionID {
			return &ref, nil
		}
	}
	return nil, fmt.Errorf("referral for transaction %d: %w", transactionID, ErrNotFound)
}

func (m *MemoryStore) MarkReferralPaid(ctx context.Context, transactionID uint, paidAt time.Time) error {
	defer m.lock()()
	for id, ref := range m.state.referrals {
		if ref.TransactionID != transactionID {
			continue
		}
		if !ref.IsPaid {
			ref.IsPaid = true
			ref.PaidAt = &paidAt
			ref.UpdatedAt = m.now()
			m.state.referrals[id] = ref
		}
		return nil
	}
	return fmt.Errorf("referral for transaction %d: %w", transactionID, ErrNotFound)
}

func (m *MemoryStore) SetReferralApproval(ctx context.Context, id uint, approved bool) (*models.Referral, error) {
	defer m.lock()()
	ref, ok := m.state.referrals[id]
	if !ok {
		return nil, fmt.Errorf("referral %d: %w", id, ErrNotFound)
	}
	ref.IsApproved = approved
	ref.UpdatedAt = m.now()
	m.state.referrals[id] = ref
	return &ref, nil
}

func (m *MemoryStore) ListReferrals(ctx context.Context, affiliateID uint, page, limit int) ([]models.Referral, int64, error) {
	defer m.lock()()
	var all []models.Referral
	for _, ref := range m.state.referrals {
		if ref.AffiliateID == affiliateID {
			all = append(all, ref)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return []models.Referral{}, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (m *MemoryStore) CommissionSummary(ctx context.Context, affiliateID uint) (*CommissionSummary, error) {
	defer m.lock()()
	sum := &CommissionSummary{
		AffiliateID:     affiliateID,
		TotalCommission: decimal.Zero,
		PaidCommission:  decimal.Zero,
	}
	for _, ref := range m.state.referrals {
		if ref.AffiliateID != affiliateID || !ref.IsApproved {
			continue
		}
		sum.TotalCommission = sum.TotalCommission.Add(ref.CommissionAmount)
		if ref.IsPaid {
			sum.PaidCommission = sum.PaidCommission.Add(ref.CommissionAmount)
			sum.PaidReferrals++
		}
	}
	for _, txn := range m.state.transactions {
		if txn.AffiliateID == nil || *txn.AffiliateID != affiliateID {
			continue
		}
		sum.Referrals++
		for _, s := range purchasedStatuses {
			if txn.Status == s {
				sum.Purchases++
			}
		}
	}
	sum.PendingCommission = sum.TotalCommission.Sub(sum.PaidCommission)
	sum.ConversionRate = conversionRate(sum.Purchases, sum.Referrals)
	return sum, nil
}

func (m *MemoryStore) RecordPayout(ctx context.Context, payout *models.Payout) error {
	defer m.lock()()
	for _, p := range m.state.payouts {
		if p.LegID == payout.LegID {
			return fmt.Errorf("record payout: leg %d already paid out", payout.LegID)
		}
	}
	payout.ID = m.state.nextID()
	payout.CreatedAt = m.now()
	m.state.payouts[payout.ID] = *payout
	return nil
}

// Payouts returns every recorded payout ordered by id.
func (m *MemoryStore) Payouts() []models.Payout {
	defer m.lock()()
	out := make([]models.Payout, 0, len(m.state.payouts))
	for _, p := range m.state.payouts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Callbacks returns every logged callback in arrival order.
func (m *MemoryStore) Callbacks() []models.CallbackLog {
	defer m.lock()()
	return append([]models.CallbackLog(nil), m.state.callbacks...)
}

func (m *MemoryStore) CountLegs(ctx context.Context) ([]LegCount, error) {
	defer m.lock()()
	type key struct {
		role   models.Role
		status models.LegStatus
	}
	counts := map[key]*LegCount{}
	for _, leg := range m.state.legs {
		k := key{leg.Role, leg.Status}
		c, ok := counts[k]
		if !ok {
			c = &LegCount{Role: leg.Role, Status: leg.Status, Amount: decimal.Zero}
			counts[k] = c
		}
		c.Count++
		c.Amount = c.Amount.Add(leg.Amount)
	}
	rows := make([]LegCount, 0, len(counts))
	for _, c := range counts {
		rows = append(rows, *c)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Role != rows[j].Role {
			return rows[i].Role < rows[j].Role
		}
		return rows[i].Status < rows[j].Status
	})
	return rows, nil
}

func (m *MemoryStore) LogCallback(ctx context.Context, entry *models.CallbackLog) error {
	defer m.lock()()
	entry.ID = m.state.nextID()
	entry.CreatedAt = m.now()
	m.state.callbacks = append(m.state.callbacks, *entry)
	return nil
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &MemoryStore{mu: m.mu, inTx: true, state: m.state.clone(), now: m.now}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *MemoryStore) GetParty(ctx context.Context, id uint) (*models.Party, error) {
	defer m.lock()()
	p, ok := m.state.parties[id]
	if !ok {
		return nil, fmt.Errorf("party %d: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (m *MemoryStore) GetPartyByAffiliateCode(ctx context.Context, code string) (*models.Party, error) {
	defer m.lock()()
	for _, p := range m.state.parties {
		if p.AffiliateCode != nil && *p.AffiliateCode == code {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("party with affiliate code %q: %w", code, ErrNotFound)
}

func (u TransactionUpdate) apply(t *models.Transaction) {
	if u.PayerContact != nil {
		t.PayerContact = *u.PayerContact
	}
	if u.FailureReason != nil {
		t.FailureReason = *u.FailureReason
	}
	if u.CompletedAt != nil {
		at := *u.CompletedAt
		t.CompletedAt = &at
	}
}

func (u LegUpdate) apply(l *models.SplitLeg) {
	if u.Reference != nil {
		ref := *u.Reference
		l.Reference = &ref
	}
	if u.ProviderTransactionID != nil {
		l.ProviderTransactionID = *u.ProviderTransactionID
	}
	if u.ResultCode != nil {
		l.ResultCode = *u.ResultCode
	}
	if u.ResultDesc != nil {
		l.ResultDesc = *u.ResultDesc
	}
	if u.ProcessedAt != nil {
		at := *u.ProcessedAt
		l.ProcessedAt = &at
	}
	if u.CompletedAt != nil {
		at := *u.CompletedAt
		l.CompletedAt = &at
	}
	if u.ExhaustRetries {
		l.RetryCount = l.MaxRetries
	}
}
