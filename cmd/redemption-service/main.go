// cmd/redemption-service/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"vouchercore/internal/pkg/bootstrap"
	"vouchercore/internal/pkg/httpclient"
	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/pkg/mq"
	"vouchercore/internal/pkg/redis"
	"vouchercore/internal/pkg/retryqueue"
	"vouchercore/internal/service/redemption/application"
	"vouchercore/internal/service/redemption/fraud"
	"vouchercore/internal/service/redemption/infrastructure"
	"vouchercore/internal/service/redemption/infrastructure/adapter"
	"vouchercore/internal/service/redemption/interfaces"
	"vouchercore/internal/service/redemption/token"
	"vouchercore/internal/zookeeper"
)

const (
	serviceName      = "redemption-service"
	retryQueueSource = "redemption-retry"
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	issue := flag.String("issue", "", "print a redemption token for voucherId:customerId and exit")
	ttl := flag.Duration("ttl", 15*time.Minute, "lifetime of the token printed by -issue")
	flag.Parse()

	cfg := bootstrap.Init()
	logger.Init(serviceName, cfg.App.LogLevel)

	if *issue != "" {
		if err := issueToken(cfg, *issue, *ttl); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) []func(ctx context.Context) {
			return wire(appCtx)
		},
	})
}

// wire 组装全部依赖并注册路由，返回关停时需要执行的清理函数。
func wire(appCtx bootstrap.AppCtx) []func(ctx context.Context) {
	ctx := context.Background()
	cfg := appCtx.Config
	log := logger.Ctx(ctx)
	var cleanups []func(ctx context.Context)

	// 1. 存储
	db, err := infrastructure.NewMySQL(ctx, cfg.Infra.MySQL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mysql")
	}
	if err := infrastructure.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}
	ledger := infrastructure.NewGormRedemptionRepository(db, cfg.Redemption.InsertAttempts)
	cases := infrastructure.NewGormFraudCaseRepository(db)

	rdb, err := redis.NewClient(ctx, cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	cleanups = append(cleanups, func(context.Context) { _ = rdb.Close() })

	limiter, err := adapter.NewRateLimitRedisAdapter(rdb, cfg.Redemption.RateLimit.Limit, cfg.Redemption.RateLimit.Window)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init rate limiter")
	}
	shortCodes, err := adapter.NewShortCodeRedisAdapter(rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init short code store")
	}
	statsCache, err := adapter.NewStatsCacheRedisAdapter(rdb, cfg.Redemption.StatsCacheTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init stats cache")
	}
	fraudStore := adapter.NewFraudRedisAdapter(rdb)

	// 2. 协作服务：有 Nacos 时走服务发现，否则使用配置中的固定地址
	var resolver httpclient.Resolver = httpclient.StaticResolver{
		cfg.Services.Voucher.Name:  cfg.Services.Voucher.BaseURL,
		cfg.Services.Provider.Name: cfg.Services.Provider.BaseURL,
	}
	if appCtx.Nacos != nil {
		resolver = appCtx.Nacos
	}
	client := httpclient.NewClient(otel.Tracer("redemption-http-client"), resolver)
	vouchers := adapter.NewVoucherHTTPAdapter(client, cfg.Services.Voucher.Name, cfg.Services.Voucher.Timeout)
	providers := adapter.NewProviderHTTPAdapter(client, cfg.Services.Provider.Name, cfg.Services.Provider.Timeout)

	// 3. token
	verifier, err := token.LoadVerifier(cfg.Token.PublicKeyPath, cfg.Token.Issuer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load token public key")
	}

	// 4. 欺诈引擎
	engine, err := fraud.NewEngine(fraudConfig(cfg.Fraud), ledger, fraudStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to compile fraud rules")
	}

	// 5. 重试队列：死信发布到 Kafka（未配置时只保留在 Redis）
	var sink retryqueue.DeadLetterSink
	if cfg.Infra.Kafka.Brokers != "" {
		writer := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Retry.DeadLetterTopic)
		sink = retryqueue.NewKafkaSink(writer, retryQueueSource)
		cleanups = append(cleanups, func(context.Context) { _ = writer.Close() })
	}
	queue, err := retryqueue.New(rdb, retryqueue.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff,
		MaxBackoff:  cfg.Retry.MaxBackoff,
		Lease:       cfg.Retry.Lease,
		BatchSize:   cfg.Retry.BatchSize,
	}, sink)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init retry queue")
	}

	// 6. 应用服务
	tracer := otel.Tracer(serviceName)
	svc := application.NewRedemptionService(application.Dependencies{
		Ledger:      ledger,
		Cases:       cases,
		Verifier:    verifier,
		ShortCodes:  shortCodes,
		Vouchers:    vouchers,
		Providers:   providers,
		RateLimiter: limiter,
		Stats:       statsCache,
		Fraud:       engine,
		CaseNumbers: fraudStore,
		Retry:       queue,
		Offline:     token.NewOfflineValidator(verifier),
	}, application.Options{
		DefaultLanguage: cfg.App.DefaultLanguage,
		FraudTimeout:    cfg.Redemption.FraudTimeout,
		RetryTTL:        cfg.Redemption.RetryTTL,
		MaxClockSkew:    cfg.Redemption.MaxClockSkew,
		ClaimLease:      cfg.Redemption.ShortCodeClaimLease,
	}, tracer)
	svc.RegisterRetryHandlers(queue)
	reviews := application.NewFraudReviewService(cases, providers, fraudStore, tracer)

	// 7. 后台任务
	var lock interfaces.Locker
	if cfg.Infra.Zookeeper.Servers != "" {
		conn, err := zookeeper.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.Timeout)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to zookeeper")
		}
		distLock, err := zookeeper.NewDistributedLock(conn, cfg.Retry.LockPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create retry drain lock")
		}
		lock = distLock
		cleanups = append(cleanups, func(context.Context) { conn.Close() })
	}
	worker := interfaces.NewRetryWorker(queue, lock, cfg.Retry.DrainSchedule, cfg.Retry.Lease)
	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start retry worker")
	}
	cleanups = append(cleanups, worker.Stop)

	// 8. 路由
	interfaces.NewRedemptionHandler(svc, reviews, cfg.App.ProcessingTimeout).RegisterRoutes(appCtx.Mux)
	log.Info().Strs("validation_steps", svc.ValidationSteps()).Msg("✅ Redemption service wired")
	return cleanups
}

func fraudConfig(c bootstrap.FraudConfig) fraud.Config {
	rules := make([]fraud.Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		rules = append(rules, fraud.Rule{
			Name:         r.Name,
			Expression:   r.Expression,
			Weight:       r.Weight,
			HighSeverity: r.HighSeverity,
		})
	}
	return fraud.Config{
		ReviewThreshold:     c.ReviewThreshold,
		VelocityWindow:      c.VelocityWindow,
		VelocityLimit:       c.VelocityLimit,
		MaxTravelSpeedKmh:   c.MaxTravelSpeedKmh,
		DeviceWindow:        c.DeviceWindow,
		DeviceCustomerLimit: c.DeviceCustomerLimit,
		ProviderBurstWindow: c.ProviderBurstWindow,
		ProviderBurstLimit:  c.ProviderBurstLimit,
		KnownBadDevices:     c.KnownBadDevices,
		Rules:               rules,
	}
}

// issueToken 用私钥签发一个测试用 token，仅用于联调。
func issueToken(cfg *bootstrap.Config, pair string, ttl time.Duration) error {
	voucherID, customerID, ok := strings.Cut(pair, ":")
	if !ok || voucherID == "" || customerID == "" {
		return fmt.Errorf("-issue expects voucherId:customerId, got %q", pair)
	}
	issuer, err := token.LoadIssuer(cfg.Token.PrivateKeyPath, cfg.Token.Issuer)
	if err != nil {
		return err
	}
	tok, err := issuer.Issue(voucherID, customerID, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
