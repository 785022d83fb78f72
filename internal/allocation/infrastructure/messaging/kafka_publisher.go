// Package messaging 领域事件发布与外部业绩源适配
package messaging

import (
	"context"

	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
	"github.com/wyfcoding/coresatellite/pkg/mq"
)

// kafkaPublisher 把领域事件桥接到 Kafka 生产者
type kafkaPublisher struct {
	producer *mq.KafkaProducer
}

// NewKafkaPublisher 创建并返回一个新的 kafkaPublisher 实例。
func NewKafkaPublisher(producer *mq.KafkaProducer) domain.EventPublisher {
	return &kafkaPublisher{producer: producer}
}

func (p *kafkaPublisher) Publish(ctx context.Context, topic, key string, payload any) error {
	return p.producer.SendMessage(ctx, topic, key, payload)
}
