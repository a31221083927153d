package application

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"vouchercore/internal/service/redemption/domain"
)

func TestRedeemTokenSuccess(t *testing.T) {
	h := newHarness(t)
	tok := h.issue(t, "v-1", "c-1", time.Hour)

	res, err := h.svc.Redeem(context.Background(), RedeemRequest{
		Code:         tok,
		ActingUserID: "u-1",
		Language:     "fr",
		Location:     &domain.Location{Lat: 48.85, Lng: 2.35},
	})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !res.Success || res.VoucherID != "v-1" || res.CustomerID != "c-1" || res.RedemptionID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Display.Discount != "20%" {
		t.Errorf("discount = %q, want 20%%", res.Display.Discount)
	}
	if res.Display.Title != "20% sur le café" {
		t.Errorf("title = %q, want french title", res.Display.Title)
	}
	if res.Display.Instructions != "Show this screen at the counter" {
		t.Errorf("instructions should fall back to default language, got %q", res.Display.Instructions)
	}
	if res.Display.ProviderName != "Café Lumière" {
		t.Errorf("provider name = %q", res.Display.ProviderName)
	}

	if h.ledger.len() != 1 {
		t.Fatalf("ledger rows = %d, want 1", h.ledger.len())
	}
	if len(h.vouchers.updates) != 1 {
		t.Fatalf("state updates = %d, want 1", len(h.vouchers.updates))
	}
	up := h.vouchers.updates[0]
	if up.State != domain.VoucherStateRedeemed || up.RedeemedBy != "c-1" || up.Location == nil {
		t.Errorf("unexpected state update: %+v", up)
	}
	if len(h.stats.invalidated) != 1 || h.stats.invalidated[0] != "v-1" {
		t.Errorf("stats cache not invalidated: %v", h.stats.invalidated)
	}
	if h.cases.count() != 0 {
		t.Errorf("clean redemption opened %d fraud cases", h.cases.count())
	}
}

func TestRedeemTwiceIsAlreadyRedeemed(t *testing.T) {
	h := newHarness(t)
	tok := h.issue(t, "v-1", "c-1", time.Hour)
	req := RedeemRequest{Code: tok, ActingUserID: "u-1"}

	if _, err := h.svc.Redeem(context.Background(), req); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	_, err := h.svc.Redeem(context.Background(), req)
	if !errors.Is(err, domain.ErrAlreadyRedeemed) {
		t.Fatalf("second Redeem err = %v, want ALREADY_REDEEMED", err)
	}
	if h.ledger.len() != 1 {
		t.Fatalf("ledger rows = %d, want 1", h.ledger.len())
	}
}

func TestRedeemPerUserLimitAllowsRepeats(t *testing.T) {
	h := newHarness(t)
	v := h.vouchers.vouchers["v-1"]
	v.MaxRedemptionsPerUser = 2
	h.vouchers.vouchers["v-1"] = v
	tok := h.issue(t, "v-1", "c-1", time.Hour)
	req := RedeemRequest{Code: tok, ActingUserID: "u-1"}

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Redeem(context.Background(), req); err != nil {
			t.Fatalf("Redeem #%d: %v", i+1, err)
		}
	}
	if _, err := h.svc.Redeem(context.Background(), req); !errors.Is(err, domain.ErrAlreadyRedeemed) {
		t.Fatalf("third Redeem err = %v, want ALREADY_REDEEMED", err)
	}
}

func TestRedeemConcurrentPerUserLimit(t *testing.T) {
	h := newHarness(t)
	v := h.vouchers.vouchers["v-1"]
	v.MaxRedemptionsPerUser = 3
	h.vouchers.vouchers["v-1"] = v
	req := RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: "u-1"}

	const attempts = 12
	var (
		wg   sync.WaitGroup
		errs = make([]error, attempts)
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.svc.Redeem(context.Background(), req)
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, domain.ErrAlreadyRedeemed):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 3 || h.ledger.len() != 3 {
		t.Fatalf("succeeded=%d rows=%d, want 3", succeeded, h.ledger.len())
	}
}

func TestRedeemAggregateLimit(t *testing.T) {
	h := newHarness(t)
	v := h.vouchers.vouchers["v-1"]
	v.MaxRedemptions = 1
	h.vouchers.vouchers["v-1"] = v

	if _, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: "u-1"}); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	_, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-1", "c-2", time.Hour), ActingUserID: "u-1"})
	if !errors.Is(err, domain.ErrAlreadyRedeemed) {
		t.Fatalf("err = %v, want ALREADY_REDEEMED", err)
	}
}

func TestRedeemExpiryCheckedBeforeState(t *testing.T) {
	h := newHarness(t)
	h.vouchers.vouchers["v-2"] = domain.Voucher{
		ID:         "v-2",
		ProviderID: "p-1",
		State:      domain.VoucherStatePaused,
		ExpiresAt:  time.Now().Add(-time.Hour),
	}
	_, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-2", "c-1", time.Hour), ActingUserID: "u-1"})
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("err = %v, want EXPIRED", err)
	}
}

func TestRedeemUnpublishedVoucher(t *testing.T) {
	h := newHarness(t)
	v := h.vouchers.vouchers["v-1"]
	v.State = domain.VoucherStateDraft
	h.vouchers.vouchers["v-1"] = v

	_, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: "u-1"})
	if !errors.Is(err, domain.ErrInvalidCode) {
		t.Fatalf("err = %v, want INVALID_CODE", err)
	}
}

func TestRedeemExpiredTokenReportsExpired(t *testing.T) {
	h := newHarness(t)
	tok := h.issue(t, "v-1", "c-1", -time.Minute)

	_, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: tok, ActingUserID: "u-1"})
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("err = %v, want EXPIRED", err)
	}
	if strings.Contains(err.Error(), tok) {
		t.Fatal("error message leaks the raw token")
	}
}

func TestRedeemTokenForAnotherCustomer(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Redeem(context.Background(), RedeemRequest{
		Code:         h.issue(t, "v-1", "c-1", time.Hour),
		CustomerID:   "c-9",
		ActingUserID: "u-1",
	})
	if !errors.Is(err, domain.ErrInvalidCode) {
		t.Fatalf("err = %v, want INVALID_CODE", err)
	}
}

func TestRedeemStaticShortCodeNeedsCustomer(t *testing.T) {
	h := newHarness(t)
	h.shortCodes.entries["SPRING24"] = domain.ShortCodeEntry{Code: "SPRING24", VoucherID: "v-1", Type: domain.ShortCodeStatic}

	_, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: "spring24", ActingUserID: "u-1"})
	if !errors.Is(err, domain.ErrMissingCustomer) {
		t.Fatalf("err = %v, want MISSING_CUSTOMER", err)
	}

	res, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: " spring24 ", CustomerID: "c-1", ActingUserID: "u-1"})
	if err != nil {
		t.Fatalf("Redeem with customer: %v", err)
	}
	if res.CustomerID != "c-1" {
		t.Fatalf("customer = %q", res.CustomerID)
	}
	if _, ok := h.shortCodes.entries["SPRING24"]; !ok {
		t.Fatal("static short code must survive a redemption")
	}
}

func TestRedeemDynamicShortCodeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	h.shortCodes.entries["AB12CD"] = domain.ShortCodeEntry{Code: "AB12CD", VoucherID: "v-1", Type: domain.ShortCodeDynamic, CustomerID: "c-2"}

	res, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: "ab12cd", ActingUserID: "u-1"})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.CustomerID != "c-2" {
		t.Fatalf("customer = %q, want bound customer c-2", res.CustomerID)
	}
	if _, ok := h.shortCodes.entries["AB12CD"]; ok {
		t.Fatal("dynamic short code should be invalidated")
	}

	_, err = h.svc.Redeem(context.Background(), RedeemRequest{Code: "AB12CD", ActingUserID: "u-1"})
	if !errors.Is(err, domain.ErrInvalidCode) {
		t.Fatalf("second Redeem err = %v, want INVALID_CODE", err)
	}
}

func TestRedeemConcurrentDynamicShortCode(t *testing.T) {
	h := newHarness(t)
	v := h.vouchers.vouchers["v-1"]
	v.MaxRedemptionsPerUser = 5
	h.vouchers.vouchers["v-1"] = v
	h.fraud.delay = 30 * time.Millisecond
	h.shortCodes.put(domain.ShortCodeEntry{Code: "DYN001", VoucherID: "v-1", Type: domain.ShortCodeDynamic, CustomerID: "c-9"})

	const attempts = 8
	var (
		wg   sync.WaitGroup
		errs = make([]error, attempts)
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Redeem(context.Background(), RedeemRequest{Code: "DYN001", ActingUserID: "u-1"})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, domain.ErrInvalidCode):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || h.ledger.len() != 1 {
		t.Fatalf("succeeded=%d rows=%d, want exactly one redemption", succeeded, h.ledger.len())
	}
	if h.shortCodes.has("DYN001") {
		t.Fatal("dynamic short code should be invalidated")
	}
}

func TestRedeemReleasesClaimWhenNotRecorded(t *testing.T) {
	h := newHarness(t)
	h.shortCodes.put(domain.ShortCodeEntry{Code: "DYN002", VoucherID: "v-1", Type: domain.ShortCodeDynamic, CustomerID: "c-9"})
	h.ledger.insertErr = errors.New("db down")

	if _, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: "DYN002", ActingUserID: "u-1"}); err == nil {
		t.Fatal("expected insert failure")
	}
	if h.shortCodes.released != 1 || !h.shortCodes.has("DYN002") {
		t.Fatalf("claim not released: released=%d", h.shortCodes.released)
	}

	h.ledger.insertErr = nil
	if _, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: "DYN002", ActingUserID: "u-1"}); err != nil {
		t.Fatalf("retry after release: %v", err)
	}
}

func TestRedeemUnknownShortCode(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: "NOPE42", CustomerID: "c-1", ActingUserID: "u-1"})
	if !errors.Is(err, domain.ErrInvalidCode) {
		t.Fatalf("err = %v, want INVALID_CODE", err)
	}
}

func TestRedeemProviderChecks(t *testing.T) {
	cases := []struct {
		name string
		user string
	}{
		{"voucher owned by another provider", "u-2"},
		{"inactive provider", "u-3"},
		{"user without provider", "u-404"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: tc.user})
			if !errors.Is(err, domain.ErrInvalidProvider) {
				t.Fatalf("err = %v, want INVALID_PROVIDER", err)
			}
			if h.ledger.len() != 0 {
				t.Fatal("rejected redemption was recorded")
			}
		})
	}
}

func TestRedeemRateLimited(t *testing.T) {
	h := newHarness(t)
	h.limiter.denied = true
	h.limiter.retryAfter = 30 * time.Second

	_, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: "u-1"})
	var de *domain.Error
	if !errors.As(err, &de) || de.Code != domain.CodeRateLimited {
		t.Fatalf("err = %v, want RATE_LIMITED", err)
	}
	if de.RetryAfter != 30*time.Second {
		t.Fatalf("retryAfter = %v", de.RetryAfter)
	}
}

func TestRedeemRateLimiterOutageAdmits(t *testing.T) {
	h := newHarness(t)
	h.limiter.err = errors.New("redis: connection refused")

	if _, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: "u-1"}); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
}

func TestRedeemFlaggedOpensFraudCase(t *testing.T) {
	h := newHarness(t)
	h.fraud.assessment = domain.FraudAssessment{
		RiskScore:      55,
		RequiresReview: true,
		Flags:          []domain.FraudFlag{{Name: domain.FlagVelocity, Severity: domain.SeverityMedium, Weight: 30}},
	}

	res, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: "u-1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	c, err := h.cases.FindByRedemptionID(context.Background(), res.RedemptionID)
	if err != nil {
		t.Fatalf("FindByRedemptionID: %v", err)
	}
	if c.Status != domain.FraudStatusPending || c.RiskScore != 55 || c.CaseNumber != "FC-000001" {
		t.Fatalf("unexpected case: %+v", c)
	}
	if c.DetectionMetadata["deviceId"] != "dev-1" {
		t.Errorf("metadata = %v", c.DetectionMetadata)
	}
}

func TestRedeemFraudCaseFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.fraud.assessment = domain.FraudAssessment{
		RiskScore: 30,
		Flags:     []domain.FraudFlag{{Name: domain.FlagVelocity, Severity: domain.SeverityMedium, Weight: 30}},
	}
	h.cases.createErr = errors.New("db down")

	res, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: "u-1"})
	if err != nil {
		t.Fatalf("Redeem must succeed once recorded: %v", err)
	}
	item, ok := h.retry.get("fraud:retry:" + res.RedemptionID)
	if !ok {
		t.Fatal("no retry item for fraud case")
	}
	if item.op != OpCreateFraudCase {
		t.Fatalf("op = %q", item.op)
	}
	if p, ok := item.payload.(FraudCasePayload); !ok || p.RedemptionID != res.RedemptionID || p.RiskScore != 30 {
		t.Fatalf("payload = %#v", item.payload)
	}
}

func TestRedeemStatePropagationFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.vouchers.updateErr = errors.New("voucher service unavailable")

	res, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: "u-1"})
	if err != nil {
		t.Fatalf("Redeem must succeed once recorded: %v", err)
	}
	item, ok := h.retry.get("voucher:state:retry:" + res.RedemptionID)
	if !ok || item.op != OpUpdateVoucherState {
		t.Fatalf("retry item = %+v, ok=%v", item, ok)
	}
}

func TestRedeemFraudTimeoutCountsAsClean(t *testing.T) {
	h := newHarness(t)
	h.fraud.delay = time.Second
	h.fraud.assessment = domain.FraudAssessment{
		RiskScore: 90,
		Flags:     []domain.FraudFlag{{Name: domain.FlagKnownBadDevice, Severity: domain.SeverityHigh, Weight: 50}},
	}

	start := time.Now()
	if _, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: "u-1"}); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("fraud scoring was not bounded by its timeout")
	}
	if h.cases.count() != 0 {
		t.Fatal("timed out scoring must not open a case")
	}
}

func TestRedeemInsertFailureIsInternal(t *testing.T) {
	h := newHarness(t)
	h.ledger.insertErr = errors.New("deadlock")
	tok := h.issue(t, "v-1", "c-1", time.Hour)

	_, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: tok, ActingUserID: "u-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	var de *domain.Error
	if errors.As(err, &de) {
		t.Fatalf("storage failure surfaced as business error %v", de.Code)
	}
	if strings.Contains(err.Error(), tok) {
		t.Fatal("internal error leaks the raw token")
	}
	if len(h.vouchers.updates) != 0 {
		t.Fatal("state propagated for an unrecorded redemption")
	}
}

func TestValidationStepsOrder(t *testing.T) {
	h := newHarness(t)
	want := []string{
		"rate_limit", "provider", "code", "voucher", "expiry",
		"published", "ownership", "customer_limit", "aggregate_limit", "claim",
	}
	if got := h.svc.ValidationSteps(); !reflect.DeepEqual(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
}

func TestValidateOffline(t *testing.T) {
	h := newHarness(t)

	res := h.svc.ValidateOffline(context.Background(), h.issue(t, "v-1", "c-1", time.Hour))
	if !res.Valid || res.VoucherID != "v-1" || res.CustomerID != "c-1" || res.Expiry == nil {
		t.Fatalf("unexpected result: %+v", res)
	}

	res = h.svc.ValidateOffline(context.Background(), "a.b.c")
	if res.Valid || res.Error == "" {
		t.Fatalf("garbage token validated: %+v", res)
	}
}

func TestStatsOwnershipAndCache(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Redeem(context.Background(), RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: "u-1"}); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	stats, err := h.svc.Stats(context.Background(), StatsRequest{VoucherID: "v-1", ActingUserID: "u-1"})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 || stats.UniqueCustomers != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if !h.stats.cached("v-1") {
		t.Fatal("stats were not cached")
	}

	if _, err := h.svc.Stats(context.Background(), StatsRequest{VoucherID: "v-1", ActingUserID: "u-2"}); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("other provider err = %v, want ACCESS_DENIED", err)
	}
	if _, err := h.svc.Stats(context.Background(), StatsRequest{VoucherID: "v-1", ActingUserID: "admin", IsAdmin: true}); err != nil {
		t.Fatalf("admin Stats: %v", err)
	}
}

func TestStatsSkipsRefillAfterConcurrentRedemption(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Redeem(ctx, RedeemRequest{Code: h.issue(t, "v-1", "c-1", time.Hour), ActingUserID: "u-1"}); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	// 聚合期间另一次兑换落库并失效缓存
	h.ledger.onStats = func() {
		h.ledger.onStats = nil
		if _, err := h.svc.Redeem(ctx, RedeemRequest{Code: h.issue(t, "v-1", "c-2", time.Hour), ActingUserID: "u-1"}); err != nil {
			t.Errorf("concurrent Redeem: %v", err)
		}
	}
	stats, err := h.svc.Stats(ctx, StatsRequest{VoucherID: "v-1", ActingUserID: "u-1"})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("first aggregate total = %d, want 1", stats.Total)
	}
	if h.stats.cached("v-1") {
		t.Fatal("aggregate computed before the invalidation was cached")
	}

	stats, err = h.svc.Stats(ctx, StatsRequest{VoucherID: "v-1", ActingUserID: "u-1"})
	if err != nil || stats.Total != 2 {
		t.Fatalf("fresh Stats = %+v, %v", stats, err)
	}
	if !h.stats.cached("v-1") {
		t.Fatal("fresh aggregate should be cached")
	}
}

func TestFormatDiscount(t *testing.T) {
	cases := []struct {
		kind     domain.DiscountType
		value    decimal.Decimal
		currency string
		want     string
	}{
		{domain.DiscountTypePercentage, decimal.NewFromInt(20), "", "20%"},
		{domain.DiscountTypePercentage, decimal.RequireFromString("12.5"), "", "12.5%"},
		{domain.DiscountTypeFixed, decimal.NewFromInt(5), "EUR", "EUR 5.00"},
		{domain.DiscountTypeFixed, decimal.RequireFromString("3.5"), "", "3.50"},
	}
	for _, tc := range cases {
		if got := FormatDiscount(tc.kind, tc.value, tc.currency); got != tc.want {
			t.Errorf("FormatDiscount(%s, %s, %q) = %q, want %q", tc.kind, tc.value, tc.currency, got, tc.want)
		}
	}
}

func TestBuildDisplayLanguageFallback(t *testing.T) {
	v := &domain.Voucher{
		DiscountType:  domain.DiscountTypeFixed,
		DiscountValue: decimal.NewFromInt(10),
		Currency:      "USD",
		Title:         domain.LocalizedText{"es": "Descuento", "de": "Rabatt"},
		Description:   domain.LocalizedText{"en": "Ten off"},
	}
	d := BuildDisplay(v, "Shop", "it", "en")
	if d.Title != "Rabatt" {
		t.Errorf("title = %q, want first available language by code", d.Title)
	}
	if d.Description != "Ten off" {
		t.Errorf("description = %q, want default language", d.Description)
	}
	if d.Instructions != "" {
		t.Errorf("instructions = %q, want empty", d.Instructions)
	}
	if d.Discount != "USD 10.00" {
		t.Errorf("discount = %q", d.Discount)
	}
}
