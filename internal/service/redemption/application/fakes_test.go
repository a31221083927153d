package application

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"vouchercore/internal/service/redemption/domain"
	"vouchercore/internal/service/redemption/token"
)

const testIssuer = "voucher-platform"

// memLedger 是内存台账，Insert 与真实仓储一样保证每人上限。
type memLedger struct {
	mu        sync.Mutex
	rows      []domain.Redemption
	insertErr error
	// onStats 在聚合完成、返回之前调用，用来模拟聚合期间有新的兑换
	onStats func()
}

func (l *memLedger) Insert(_ context.Context, r *domain.Redemption, perUserLimit int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insertErr != nil {
		return l.insertErr
	}
	n := 0
	for _, row := range l.rows {
		if row.VoucherID == r.VoucherID && row.CustomerID == r.CustomerID {
			n++
		}
	}
	if n >= perUserLimit {
		return domain.ErrAlreadyRedeemed
	}
	l.rows = append(l.rows, *r)
	return nil
}

func (l *memLedger) CountByVoucher(_ context.Context, voucherID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, row := range l.rows {
		if row.VoucherID == voucherID {
			n++
		}
	}
	return n, nil
}

func (l *memLedger) CountByVoucherAndCustomer(_ context.Context, voucherID, customerID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, row := range l.rows {
		if row.VoucherID == voucherID && row.CustomerID == customerID {
			n++
		}
	}
	return n, nil
}

func (l *memLedger) FindByCode(_ context.Context, code, customerID string, redeemedAt time.Time) (*domain.Redemption, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range l.rows {
		if row.Code != code {
			continue
		}
		if customerID != "" && row.CustomerID != customerID {
			continue
		}
		if !redeemedAt.IsZero() && !row.RedeemedAt.Equal(redeemedAt) {
			continue
		}
		r := row
		return &r, nil
	}
	return nil, domain.ErrNotFound
}

func (l *memLedger) Stats(_ context.Context, voucherID string) (*domain.RedemptionStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := &domain.RedemptionStats{VoucherID: voucherID}
	customers := map[string]bool{}
	for _, row := range l.rows {
		if row.VoucherID != voucherID {
			continue
		}
		stats.Total++
		customers[row.CustomerID] = true
		if row.Offline {
			stats.OfflineCount++
		}
		at := row.RedeemedAt
		if stats.LastRedeemedAt == nil || at.After(*stats.LastRedeemedAt) {
			stats.LastRedeemedAt = &at
		}
	}
	stats.UniqueCustomers = int64(len(customers))
	if l.onStats != nil {
		hook := l.onStats
		l.mu.Unlock()
		hook()
		l.mu.Lock()
	}
	return stats, nil
}

func (l *memLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

type memCases struct {
	mu        sync.Mutex
	byID      map[string]domain.FraudCase
	history   []domain.FraudCaseHistory
	createErr error
}

func newMemCases() *memCases {
	return &memCases{byID: map[string]domain.FraudCase{}}
}

func (m *memCases) Create(_ context.Context, c *domain.FraudCase) (*domain.FraudCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	for _, existing := range m.byID {
		if existing.RedemptionID == c.RedemptionID {
			out := existing
			return &out, nil
		}
	}
	stored := *c
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()
	m.byID[stored.ID] = stored
	out := stored
	return &out, nil
}

func (m *memCases) FindByID(_ context.Context, id string) (*domain.FraudCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (m *memCases) FindByRedemptionID(_ context.Context, redemptionID string) (*domain.FraudCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byID {
		if c.RedemptionID == redemptionID {
			out := c
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memCases) SaveReview(_ context.Context, c *domain.FraudCase, h domain.FraudCaseHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Status != domain.FraudStatusPending {
		return domain.ErrNotPending
	}
	m.byID[c.ID] = *c
	m.history = append(m.history, h)
	return nil
}

func (m *memCases) History(_ context.Context, caseID string) ([]domain.FraudCaseHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FraudCaseHistory
	for _, h := range m.history {
		if h.CaseID == caseID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memCases) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type fakeShortCodes struct {
	mu       sync.Mutex
	entries  map[string]domain.ShortCodeEntry
	claims   map[string]string
	released int
}

func (f *fakeShortCodes) Lookup(_ context.Context, code string) (*domain.ShortCodeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &e, nil
}

func (f *fakeShortCodes) Invalidate(_ context.Context, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[code]
	if !ok || !e.IsDynamic() {
		return false, nil
	}
	delete(f.entries, code)
	delete(f.claims, code)
	return true, nil
}

func (f *fakeShortCodes) Claim(_ context.Context, code, claimID string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[code]
	if !ok || !e.IsDynamic() {
		return false, nil
	}
	if owner := f.claims[code]; owner != "" && owner != claimID {
		return false, nil
	}
	f.claims[code] = claimID
	return true, nil
}

func (f *fakeShortCodes) Release(_ context.Context, code, claimID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[code] == claimID {
		delete(f.claims, code)
		f.released++
	}
	return nil
}

func (f *fakeShortCodes) put(e domain.ShortCodeEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.Code] = e
}

func (f *fakeShortCodes) has(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[code]
	return ok
}

type fakeVouchers struct {
	mu        sync.Mutex
	vouchers  map[string]domain.Voucher
	updates   []domain.VoucherStateUpdate
	updateErr error
}

func (f *fakeVouchers) GetVoucherByID(_ context.Context, id string) (*domain.Voucher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vouchers[id]
	if !ok {
		return nil, domain.ErrVoucherNotFound
	}
	return &v, nil
}

func (f *fakeVouchers) UpdateVoucherState(_ context.Context, _ string, update domain.VoucherStateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, update)
	return nil
}

type fakeProviders struct {
	byUser map[string]domain.Provider
}

func (f *fakeProviders) GetProviderByUserID(_ context.Context, userID string) (*domain.Provider, error) {
	p, ok := f.byUser[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (f *fakeProviders) GetProvider(_ context.Context, id string) (*domain.Provider, error) {
	for _, p := range f.byUser {
		if p.ID == id {
			out := p
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

type fakeLimiter struct {
	denied     bool
	retryAfter time.Duration
	err        error
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	if f.err != nil {
		return false, 0, f.err
	}
	if f.denied {
		return false, f.retryAfter, nil
	}
	return true, 0, nil
}

type fakeStats struct {
	mu          sync.Mutex
	cache       map[string]domain.RedemptionStats
	gens        map[string]int64
	invalidated []string
}

func (f *fakeStats) GetStats(_ context.Context, voucherID string) (*domain.RedemptionStats, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.cache[voucherID]
	if !ok {
		return nil, f.gens[voucherID], nil
	}
	return &s, f.gens[voucherID], nil
}

func (f *fakeStats) SetStats(_ context.Context, stats *domain.RedemptionStats, generation int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gens[stats.VoucherID] != generation {
		return false, nil
	}
	f.cache[stats.VoucherID] = *stats
	return true, nil
}

func (f *fakeStats) Invalidate(_ context.Context, voucherID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, voucherID)
	f.gens[voucherID]++
	f.invalidated = append(f.invalidated, voucherID)
	return nil
}

func (f *fakeStats) cached(voucherID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.cache[voucherID]
	return ok
}

type fakeFraud struct {
	assessment domain.FraudAssessment
	err        error
	delay      time.Duration
}

func (f *fakeFraud) Check(ctx context.Context, _ domain.FraudCheckInput) (domain.FraudAssessment, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.FraudAssessment{}, ctx.Err()
		}
	}
	return f.assessment, f.err
}

type fakeCaseNumbers struct {
	mu sync.Mutex
	n  int
}

func (f *fakeCaseNumbers) NextCaseNumber(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("FC-%06d", f.n), nil
}

type retryItem struct {
	op      string
	payload interface{}
}

type fakeRetry struct {
	mu    sync.Mutex
	items map[string]retryItem
}

func (f *fakeRetry) Enqueue(_ context.Context, key, op string, payload interface{}, _ int, _ error, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = retryItem{op: op, payload: payload}
	return nil
}

func (f *fakeRetry) get(key string) (retryItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[key]
	return it, ok
}

type fakeBlocker struct {
	blocked []string
}

func (f *fakeBlocker) BlockDevice(_ context.Context, deviceID string) error {
	f.blocked = append(f.blocked, deviceID)
	return nil
}

type harness struct {
	svc        *RedemptionService
	key        *ecdsa.PrivateKey
	issuer     *token.Issuer
	ledger     *memLedger
	cases      *memCases
	shortCodes *fakeShortCodes
	vouchers   *fakeVouchers
	providers  *fakeProviders
	limiter    *fakeLimiter
	stats      *fakeStats
	fraud      *fakeFraud
	retry      *fakeRetry
}

// newHarness 准备一张 20% 折扣的已发布券 v-1，归属门店 p-1（用户 u-1）。
func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	verifier := token.NewVerifier(&key.PublicKey, testIssuer)

	h := &harness{
		key:        key,
		issuer:     token.NewIssuer(key, testIssuer),
		ledger:     &memLedger{},
		cases:      newMemCases(),
		shortCodes: &fakeShortCodes{entries: map[string]domain.ShortCodeEntry{}, claims: map[string]string{}},
		vouchers: &fakeVouchers{vouchers: map[string]domain.Voucher{
			"v-1": {
				ID:            "v-1",
				ProviderID:    "p-1",
				State:         domain.VoucherStatePublished,
				ExpiresAt:     time.Now().Add(24 * time.Hour),
				DiscountType:  domain.DiscountTypePercentage,
				DiscountValue: decimal.NewFromInt(20),
				Title:         domain.LocalizedText{"en": "20% off coffee", "fr": "20% sur le café"},
				Instructions:  domain.LocalizedText{"en": "Show this screen at the counter"},
			},
		}},
		providers: &fakeProviders{byUser: map[string]domain.Provider{
			"u-1": {ID: "p-1", UserID: "u-1", Active: true, BusinessName: "Café Lumière"},
			"u-2": {ID: "p-2", UserID: "u-2", Active: true, BusinessName: "Other Shop"},
			"u-3": {ID: "p-3", UserID: "u-3", Active: false},
		}},
		limiter: &fakeLimiter{},
		stats:   &fakeStats{cache: map[string]domain.RedemptionStats{}, gens: map[string]int64{}},
		fraud:   &fakeFraud{},
		retry:   &fakeRetry{items: map[string]retryItem{}},
	}
	h.svc = NewRedemptionService(Dependencies{
		Ledger:      h.ledger,
		Cases:       h.cases,
		Verifier:    verifier,
		ShortCodes:  h.shortCodes,
		Vouchers:    h.vouchers,
		Providers:   h.providers,
		RateLimiter: h.limiter,
		Stats:       h.stats,
		Fraud:       h.fraud,
		CaseNumbers: &fakeCaseNumbers{},
		Retry:       h.retry,
		Offline:     token.NewOfflineValidator(verifier),
	}, Options{DefaultLanguage: "en", FraudTimeout: 50 * time.Millisecond}, noop.NewTracerProvider().Tracer("test"))
	return h
}

func (h *harness) issue(t *testing.T, voucherID, customerID string, ttl time.Duration) string {
	t.Helper()
	tok, err := h.issuer.Issue(voucherID, customerID, ttl)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}
