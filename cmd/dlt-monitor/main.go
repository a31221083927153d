// cmd/dlt-monitor/main.go
package main

import (
	"context"

	"vouchercore/internal/pkg/bootstrap"
	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/pkg/mq"
	"vouchercore/internal/service/redemption/interfaces"
)

const (
	serviceName = "dlt-monitor"
	servicePort = 8091
)

// dlt-monitor 消费重试队列的死信主题并输出告警日志。
func main() {
	cfg := bootstrap.Init()
	logger.Init(serviceName, cfg.App.LogLevel)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) []func(ctx context.Context) {
			log := logger.Ctx(context.Background())
			if appCtx.Config.Infra.Kafka.Brokers == "" {
				log.Fatal().Msg("KAFKA_BROKERS is required for dlt-monitor")
			}
			topic := appCtx.Config.Retry.DeadLetterTopic
			reader := mq.NewKafkaReader(appCtx.Config.Infra.Kafka.Brokers, topic, serviceName+"-group")
			consumer := interfaces.NewDltConsumerAdapter(reader, topic)
			if err := consumer.Start(context.Background()); err != nil {
				log.Fatal().Err(err).Msg("failed to start DLT consumer")
			}
			return []func(ctx context.Context){consumer.Stop}
		},
	})
}
