package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/pkg/mq"
	"vouchercore/internal/pkg/retryqueue"
)

// MessageReader 是 kafka.Reader 的子集，便于测试替换。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DltConsumerAdapter 监听重试队列的死信主题并记录告警日志
type DltConsumerAdapter struct {
	reader MessageReader
	topic  string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDltConsumerAdapter(reader MessageReader, topic string) *DltConsumerAdapter {
	return &DltConsumerAdapter{reader: reader, topic: topic}
}

func (a *DltConsumerAdapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT Consumer Adapter started.")
		for {
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("🛑 DLT Consumer Adapter shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("ERROR: could not read dead letter, retrying")
				time.Sleep(time.Second)
				continue
			}

			logDeadLetter(mq.ExtractTraceContext(ctx, msg.Headers), msg)

			// 死信只做记录，记录完即提交
			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("ERROR: failed to commit dead letter")
			}
		}
	}()
	return nil
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if err := a.reader.Close(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("failed to close dead letter reader")
	}
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT Consumer Adapter stopped.")
}

// logDeadLetter 只记录元数据，payload 只记录长度。
func logDeadLetter(ctx context.Context, msg kafka.Message) {
	headers := mq.HeaderMap(msg.Headers)

	var item retryqueue.Item
	if err := json.Unmarshal(msg.Value, &item); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("key", string(msg.Key)).
			Int("size", len(msg.Value)).
			Msg("🚨 CRITICAL: undecodable dead letter received")
		return
	}

	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("source", headers[mq.HeaderOriginalTopic]).
		Str("retry_key", item.Key).
		Str("op", item.Op).
		Int("attempts", item.Attempts).
		Str("last_error", item.LastError).
		Time("enqueued_at", item.EnqueuedAt).
		Int("payload_size", len(item.Payload)).
		Msg("🚨 CRITICAL: Dead letter message received")
}
