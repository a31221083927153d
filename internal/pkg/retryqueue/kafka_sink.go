package retryqueue

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"vouchercore/internal/pkg/mq"
)

// KafkaSink 把死信发布到 Kafka 死信主题，由 dlt-monitor 消费告警。
type KafkaSink struct {
	writer mq.MessageWriter
	source string
}

// NewKafkaSink source 写入 HeaderOriginalTopic，标记死信来自哪个队列。
func NewKafkaSink(writer mq.MessageWriter, source string) *KafkaSink {
	return &KafkaSink{writer: writer, source: source}
}

func (s *KafkaSink) PublishDeadLetter(ctx context.Context, item Item) error {
	body, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "marshal dead letter")
	}
	return mq.ProduceMessage(ctx, s.writer, []byte(item.Key), body,
		kafka.Header{Key: mq.HeaderOriginalTopic, Value: []byte(s.source)},
		kafka.Header{Key: mq.HeaderExceptionFqcn, Value: []byte(item.Op)},
		kafka.Header{Key: mq.HeaderExceptionMessage, Value: []byte(item.LastError)},
		kafka.Header{Key: mq.HeaderAttempts, Value: []byte(strconv.Itoa(item.Attempts))},
	)
}
