package infrastructure

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"vouchercore/internal/service/redemption/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// newConcurrentTestDB 使用文件库 + WAL 和多个连接，让并发写入真正竞争唯一索引。
// 共享缓存的内存库在多连接下会直接报表锁，所以这里不用它。
func newConcurrentTestDB(t *testing.T, conns int) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	dsn := "file:" + path + "?_journal_mode=WAL&_busy_timeout=10000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(conns)
	sqlDB.SetMaxIdleConns(conns)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newRedemption(voucherID, customerID, code string, at time.Time) *domain.Redemption {
	return &domain.Redemption{
		VoucherID:  voucherID,
		CustomerID: customerID,
		ProviderID: "provider-1",
		Code:       code,
		RedeemedAt: at,
	}
}

func TestInsertEnforcesPerUserLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewGormRedemptionRepository(newTestDB(t), 3)
	now := time.Now()

	for i := 0; i < 2; i++ {
		if err := repo.Insert(ctx, newRedemption("v1", "c1", "CODE", now), 2); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	err := repo.Insert(ctx, newRedemption("v1", "c1", "CODE", now), 2)
	if !errors.Is(err, domain.ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}
	// 其他客户不受影响
	if err := repo.Insert(ctx, newRedemption("v1", "c2", "CODE", now), 2); err != nil {
		t.Fatalf("other customer: %v", err)
	}
	if n, _ := repo.CountByVoucher(ctx, "v1"); n != 3 {
		t.Fatalf("CountByVoucher = %d", n)
	}
}

func TestConcurrentInsertAllowsExactlyLimit(t *testing.T) {
	ctx := context.Background()
	const limit = 3
	const workers = 20
	db := newConcurrentTestDB(t, 8)
	repo := NewGormRedemptionRepository(db, 3)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
		other     []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := repo.Insert(ctx, newRedemption("v-race", "c-race", fmt.Sprintf("tok-%d", i), time.Now()), limit)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrAlreadyRedeemed):
				rejected++
			default:
				other = append(other, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if succeeded != limit || rejected != workers-limit {
		t.Fatalf("succeeded=%d rejected=%d, want %d/%d", succeeded, rejected, limit, workers-limit)
	}
	if n, _ := repo.CountByVoucherAndCustomer(ctx, "v-race", "c-race"); n != limit {
		t.Fatalf("rows = %d", n)
	}
	var seqs []int
	if err := db.Model(&RedemptionModel{}).Where("voucher_id = ?", "v-race").
		Order("sequence ASC").Pluck("sequence", &seqs).Error; err != nil {
		t.Fatalf("pluck sequences: %v", err)
	}
	if fmt.Sprint(seqs) != "[1 2 3]" {
		t.Fatalf("sequences = %v", seqs)
	}
}

func TestUniqueIndexRejectsDuplicateSequence(t *testing.T) {
	db := newTestDB(t)
	r := newRedemption("v1", "c1", "X", time.Now())
	r.ID = "r-1"
	if err := db.Create(FromDomainRedemption(r, 1)).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	r.ID = "r-2"
	err := db.Create(FromDomainRedemption(r, 1)).Error
	if !isDuplicateKey(err) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestFindByCode(t *testing.T) {
	ctx := context.Background()
	repo := NewGormRedemptionRepository(newTestDB(t), 3)
	at := time.Date(2026, 3, 1, 12, 30, 15, 123456789, time.UTC)

	r := newRedemption("v1", "c1", "STATIC1", at)
	r.Offline = true
	r.Location = &domain.Location{Lat: 1.5, Lng: 2.5}
	r.Device = domain.DeviceInfo{DeviceID: "dev-1"}
	if err := repo.Insert(ctx, r, 5); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := repo.FindByCode(ctx, "STATIC1", "c1", at)
	if err != nil {
		t.Fatalf("FindByCode: %v", err)
	}
	if got.ID != r.ID || !got.Offline || got.Location == nil || got.Location.Lat != 1.5 || got.Device.DeviceID != "dev-1" {
		t.Fatalf("round trip = %+v", got)
	}
	if _, err := repo.FindByCode(ctx, "STATIC1", "c2", at); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("other customer: %v", err)
	}
	if _, err := repo.FindByCode(ctx, "STATIC1", "c1", at.Add(time.Minute)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("other timestamp: %v", err)
	}
	if _, err := repo.FindByCode(ctx, "STATIC1", "", time.Time{}); err != nil {
		t.Fatalf("unfiltered lookup: %v", err)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	repo := NewGormRedemptionRepository(newTestDB(t), 3)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	empty, err := repo.Stats(ctx, "v1")
	if err != nil || empty.Total != 0 || empty.LastRedeemedAt != nil {
		t.Fatalf("empty stats = %+v, %v", empty, err)
	}

	_ = repo.Insert(ctx, newRedemption("v1", "c1", "A", base), 5)
	_ = repo.Insert(ctx, newRedemption("v1", "c1", "A", base.Add(time.Hour)), 5)
	off := newRedemption("v1", "c2", "B", base.Add(2*time.Hour))
	off.Offline = true
	_ = repo.Insert(ctx, off, 5)
	_ = repo.Insert(ctx, newRedemption("v2", "c1", "C", base.Add(3*time.Hour)), 5)

	s, err := repo.Stats(ctx, "v1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Total != 3 || s.UniqueCustomers != 2 || s.OfflineCount != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if s.LastRedeemedAt == nil || !s.LastRedeemedAt.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("last redeemed = %v", s.LastRedeemedAt)
	}
}

func TestSignalQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewGormRedemptionRepository(newTestDB(t), 3)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := newRedemption("v1", "c1", "A", now.Add(-3*time.Hour))
	old.Location = &domain.Location{Lat: 10, Lng: 10}
	old.Device.DeviceID = "dev"
	recent := newRedemption("v2", "c1", "B", now.Add(-10*time.Minute))
	recent.Device.DeviceID = "dev"
	other := newRedemption("v3", "c2", "C", now.Add(-5*time.Minute))
	other.Device.DeviceID = "dev"
	current := newRedemption("v4", "c1", "D", now)
	current.Location = &domain.Location{Lat: 20, Lng: 20}
	for _, r := range []*domain.Redemption{old, recent, other, current} {
		if err := repo.Insert(ctx, r, 1); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := repo.CustomerRedemptionsSince(ctx, "c1", now.Add(-time.Hour), current.ID)
	if err != nil || n != 1 {
		t.Fatalf("customer recent = %d, %v", n, err)
	}
	prev, err := repo.LastLocatedRedemption(ctx, "c1", now, current.ID)
	if err != nil || prev == nil || prev.ID != old.ID {
		t.Fatalf("previous located = %+v, %v", prev, err)
	}
	none, err := repo.LastLocatedRedemption(ctx, "c2", now, "")
	if err != nil || none != nil {
		t.Fatalf("expected no located redemption, got %+v, %v", none, err)
	}
	d, err := repo.DistinctCustomersForDevice(ctx, "dev", now.Add(-24*time.Hour))
	if err != nil || d != 2 {
		t.Fatalf("device customers = %d, %v", d, err)
	}
	p, err := repo.ProviderRedemptionsSince(ctx, "provider-1", now.Add(-30*time.Minute))
	if err != nil || p != 3 {
		t.Fatalf("provider recent = %d, %v", p, err)
	}
}

func newCase(redemptionID string) *domain.FraudCase {
	return &domain.FraudCase{
		CaseNumber:   "FC-" + redemptionID,
		RedemptionID: redemptionID,
		VoucherID:    "v1",
		CustomerID:   "c1",
		ProviderID:   "p1",
		RiskScore:    80,
		Flags: []domain.FraudFlag{
			{Name: domain.FlagImpossibleTravel, Severity: domain.SeverityHigh, Weight: 50},
		},
		DetectionMetadata: map[string]interface{}{"deviceId": "dev-9"},
	}
}

func TestFraudCaseCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewGormFraudCaseRepository(newTestDB(t))

	first, err := repo.Create(ctx, newCase("r1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.Status != domain.FraudStatusPending || first.ID == "" {
		t.Fatalf("created = %+v", first)
	}
	again, err := repo.Create(ctx, newCase("r1"))
	if err != nil || again.ID != first.ID {
		t.Fatalf("second create = %+v, %v", again, err)
	}

	loaded, err := repo.FindByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if len(loaded.Flags) != 1 || loaded.Flags[0].Name != domain.FlagImpossibleTravel {
		t.Fatalf("flags = %+v", loaded.Flags)
	}
	if loaded.DetectionMetadata["deviceId"] != "dev-9" {
		t.Fatalf("metadata = %+v", loaded.DetectionMetadata)
	}
	if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing case: %v", err)
	}
	h, _ := repo.History(ctx, first.ID)
	if len(h) != 1 || h[0].Action != "created" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSaveReviewOnlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewGormFraudCaseRepository(newTestDB(t))
	created, err := repo.Create(ctx, newCase("r2"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	reviewA := *created
	if err := reviewA.Review("admin-1", domain.FraudStatusApproved, "ok", []string{"none"}, at); err != nil {
		t.Fatalf("Review: %v", err)
	}
	// 第二个审核人基于同一份 PENDING 快照提交
	reviewB := *created
	_ = reviewB.Review("admin-2", domain.FraudStatusRejected, "", nil, at)

	hist := domain.FraudCaseHistory{CaseID: created.ID, Actor: "admin-1", Action: "reviewed",
		FromStatus: domain.FraudStatusPending, ToStatus: domain.FraudStatusApproved}
	if err := repo.SaveReview(ctx, &reviewA, hist); err != nil {
		t.Fatalf("SaveReview: %v", err)
	}
	hist.Actor = "admin-2"
	if err := repo.SaveReview(ctx, &reviewB, hist); !errors.Is(err, domain.ErrNotPending) {
		t.Fatalf("second review: expected ErrNotPending, got %v", err)
	}

	loaded, _ := repo.FindByID(ctx, created.ID)
	if loaded.Status != domain.FraudStatusApproved || loaded.ReviewedBy != "admin-1" || loaded.ReviewedAt == nil {
		t.Fatalf("loaded = %+v", loaded)
	}
	if len(loaded.ActionsTaken) != 1 || loaded.ActionsTaken[0].Actor != "admin-1" {
		t.Fatalf("actions = %+v", loaded.ActionsTaken)
	}
	h, _ := repo.History(ctx, created.ID)
	if len(h) != 2 {
		t.Fatalf("history length = %d", len(h))
	}
}
