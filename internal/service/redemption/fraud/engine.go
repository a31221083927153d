// internal/service/redemption/fraud/engine.go
package fraud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/pkg/metrics"
	"vouchercore/internal/service/redemption/domain"
)

var tracer = otel.Tracer("fraud-engine")

// 内置信号的权重，总分封顶 100。
const (
	weightVelocity         = 30
	weightImpossibleTravel = 50
	weightKnownBadDevice   = 60
	weightDeviceReuse      = 25
	weightProviderBurst    = 20

	// 小于该距离的位移视为定位漂移，不参与速度判断
	minTravelDistanceKm = 50.0
)

// SignalSource 提供打分所需的历史数据，由台账的只读查询实现。
type SignalSource interface {
	CustomerRedemptionsSince(ctx context.Context, customerID string, since time.Time, excludeID string) (int64, error)
	LastLocatedRedemption(ctx context.Context, customerID string, before time.Time, excludeID string) (*domain.Redemption, error)
	DistinctCustomersForDevice(ctx context.Context, deviceID string, since time.Time) (int64, error)
	ProviderRedemptionsSince(ctx context.Context, providerID string, since time.Time) (int64, error)
}

// DeviceBlocklist 判断设备是否在黑名单中。
type DeviceBlocklist interface {
	IsBlocked(ctx context.Context, deviceID string) (bool, error)
}

type Config struct {
	ReviewThreshold     int
	VelocityWindow      time.Duration
	VelocityLimit       int
	MaxTravelSpeedKmh   float64
	DeviceWindow        time.Duration
	DeviceCustomerLimit int
	ProviderBurstWindow time.Duration
	ProviderBurstLimit  int
	KnownBadDevices     []string
	Rules               []Rule
}

// Engine 是纯打分函数：读取信号、计算分数，不做任何持久化。
type Engine struct {
	cfg       Config
	source    SignalSource
	blocklist DeviceBlocklist
	rules     *CELRuleEngine
	knownBad  map[string]struct{}
}

func NewEngine(cfg Config, source SignalSource, blocklist DeviceBlocklist) (*Engine, error) {
	rules, err := NewCELRuleEngine(cfg.Rules)
	if err != nil {
		return nil, err
	}
	knownBad := make(map[string]struct{}, len(cfg.KnownBadDevices))
	for _, d := range cfg.KnownBadDevices {
		knownBad[strings.TrimSpace(d)] = struct{}{}
	}
	return &Engine{cfg: cfg, source: source, blocklist: blocklist, rules: rules, knownBad: knownBad}, nil
}

type signals struct {
	customerRecent int64
	previous       *domain.Redemption
	deviceCustomer int64
	deviceBlocked  bool
	providerRecent int64
}

// Check 并发收集信号后打分。任何信号读取失败都会返回错误，由调用方按“无标记”处理。
func (e *Engine) Check(ctx context.Context, in domain.FraudCheckInput) (domain.FraudAssessment, error) {
	ctx, span := tracer.Start(ctx, "FraudEngine.Check")
	defer span.End()
	span.SetAttributes(attribute.String("redemption.id", in.RedemptionID))

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var s signals
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := e.source.CustomerRedemptionsSince(gctx, in.CustomerID, ts.Add(-e.cfg.VelocityWindow), in.RedemptionID)
		s.customerRecent = n
		return errors.Wrap(err, "customer velocity")
	})
	if in.Location != nil {
		g.Go(func() error {
			prev, err := e.source.LastLocatedRedemption(gctx, in.CustomerID, ts, in.RedemptionID)
			s.previous = prev
			return errors.Wrap(err, "previous location")
		})
	}
	if in.DeviceID != "" {
		g.Go(func() error {
			n, err := e.source.DistinctCustomersForDevice(gctx, in.DeviceID, ts.Add(-e.cfg.DeviceWindow))
			s.deviceCustomer = n
			return errors.Wrap(err, "device reuse")
		})
		if e.blocklist != nil {
			g.Go(func() error {
				blocked, err := e.blocklist.IsBlocked(gctx, in.DeviceID)
				s.deviceBlocked = blocked
				return errors.Wrap(err, "device blocklist")
			})
		}
	}
	if in.ProviderID != "" {
		g.Go(func() error {
			n, err := e.source.ProviderRedemptionsSince(gctx, in.ProviderID, ts.Add(-e.cfg.ProviderBurstWindow))
			s.providerRecent = n
			return errors.Wrap(err, "provider burst")
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return domain.FraudAssessment{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.FraudAssessment{}, err
	}

	flags := e.builtinFlags(in, ts, s)

	facts := RuleFacts{
		CustomerRecentCount: s.customerRecent,
		DeviceCustomerCount: s.deviceCustomer,
		ProviderRecentCount: s.providerRecent,
		Offline:             in.Offline,
		Hour:                int64(ts.UTC().Hour()),
	}
	if s.previous != nil && s.previous.Location != nil && in.Location != nil {
		facts.DistanceKm, facts.SpeedKmh = travel(*s.previous.Location, s.previous.RedeemedAt, *in.Location, ts)
	}
	ruleFlags, err := e.rules.Evaluate(ctx, facts)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("fraud rule evaluation failed, rule skipped")
	}
	flags = append(flags, ruleFlags...)

	assessment := e.score(flags)
	for _, f := range flags {
		metrics.IncFraudFlag(f.Name)
	}
	span.SetAttributes(
		attribute.Int("fraud.risk_score", assessment.RiskScore),
		attribute.StringSlice("fraud.flags", assessment.FlagNames()),
	)
	return assessment, nil
}

func (e *Engine) builtinFlags(in domain.FraudCheckInput, ts time.Time, s signals) []domain.FraudFlag {
	var flags []domain.FraudFlag

	// 计数不含本次兑换，因此 +1 后与阈值比较
	if e.cfg.VelocityLimit > 0 && s.customerRecent+1 > int64(e.cfg.VelocityLimit) {
		flags = append(flags, domain.FraudFlag{
			Name:     domain.FlagVelocity,
			Severity: domain.SeverityMedium,
			Weight:   weightVelocity,
			Detail:   fmt.Sprintf("%d redemptions within %s", s.customerRecent+1, e.cfg.VelocityWindow),
		})
	}

	if s.previous != nil && s.previous.Location != nil && in.Location != nil {
		dist, speed := travel(*s.previous.Location, s.previous.RedeemedAt, *in.Location, ts)
		if dist >= minTravelDistanceKm && speed > e.cfg.MaxTravelSpeedKmh {
			flags = append(flags, domain.FraudFlag{
				Name:     domain.FlagImpossibleTravel,
				Severity: domain.SeverityHigh,
				Weight:   weightImpossibleTravel,
				Detail:   fmt.Sprintf("%.0f km since previous redemption at %.0f km/h", dist, speed),
			})
		}
	}

	if in.DeviceID != "" {
		_, listed := e.knownBad[in.DeviceID]
		if listed || s.deviceBlocked {
			flags = append(flags, domain.FraudFlag{
				Name:     domain.FlagKnownBadDevice,
				Severity: domain.SeverityHigh,
				Weight:   weightKnownBadDevice,
				Detail:   "device is on the blocklist",
			})
		}
		if e.cfg.DeviceCustomerLimit > 0 && s.deviceCustomer > int64(e.cfg.DeviceCustomerLimit) {
			flags = append(flags, domain.FraudFlag{
				Name:     domain.FlagDeviceReuse,
				Severity: domain.SeverityMedium,
				Weight:   weightDeviceReuse,
				Detail:   fmt.Sprintf("device used by %d customers within %s", s.deviceCustomer, e.cfg.DeviceWindow),
			})
		}
	}

	if e.cfg.ProviderBurstLimit > 0 && s.providerRecent > int64(e.cfg.ProviderBurstLimit) {
		flags = append(flags, domain.FraudFlag{
			Name:     domain.FlagProviderBurst,
			Severity: domain.SeverityLow,
			Weight:   weightProviderBurst,
			Detail:   fmt.Sprintf("%d provider redemptions within %s", s.providerRecent, e.cfg.ProviderBurstWindow),
		})
	}
	return flags
}

func (e *Engine) score(flags []domain.FraudFlag) domain.FraudAssessment {
	total := 0
	high := false
	for _, f := range flags {
		total += f.Weight
		if f.Severity == domain.SeverityHigh {
			high = true
		}
	}
	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}
	return domain.FraudAssessment{
		RiskScore:      total,
		Flags:          flags,
		RequiresReview: high || (len(flags) > 0 && total >= e.cfg.ReviewThreshold),
	}
}

// travel 返回两次兑换间的距离与折算速度。时间差不为正时按一秒折算。
func travel(from domain.Location, fromAt time.Time, to domain.Location, toAt time.Time) (float64, float64) {
	dist := DistanceKm(from, to)
	hours := toAt.Sub(fromAt).Hours()
	if hours <= 0 {
		if dist == 0 {
			return 0, 0
		}
		return dist, dist * 3600
	}
	return dist, dist / hours
}
