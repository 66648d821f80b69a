package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"distributor/internal/config"
	"distributor/internal/retry"
	"distributor/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// Kafka主题键
const (
	TopicDistributions = "distributions"
	TopicTransfers     = "transfers"
	TopicClaims        = "claims"
)

// resolveTopic 查找主题，未配置时使用默认主题
func resolveTopic(topics map[string]string, key string) string {
	if topic, ok := topics[key]; ok && topic != "" {
		return topic
	}
	return config.DefaultKafkaTopics[key]
}

// newProducerConfig 同步生产者配置
func newProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Timeout = 5 * time.Second
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Version = sarama.V2_8_0_0
	return cfg
}

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 事件类型到topic的映射
	producer sarama.SyncProducer
	retrier  *retry.Retrier
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewKafkaOutputWithProducer 使用已有生产者创建Kafka输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
		retrier:  retry.NewRetrier(retry.SinkRetryConfig, logger),
	}
}

// sendToKafka 发送数据到Kafka，key 为分发合约地址以保证同一合约的事件有序
func (k *KafkaOutput) sendToKafka(ctx context.Context, topic, key string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(jsonData),
	}

	return k.retrier.Execute(ctx, "kafka_send_"+topic, func() error {
		partition, offset, err := k.producer.SendMessage(msg)
		if err != nil {
			return fmt.Errorf("发送消息到Kafka失败: %w", err)
		}

		k.logger.Debugf("成功发送数据到Kafka topic '%s' (partition: %d, offset: %d)", topic, partition, offset)
		return nil
	})
}

// WriteDistributionCreated 写入创建事件
func (k *KafkaOutput) WriteDistributionCreated(ctx context.Context, event *models.DistributionCreated) error {
	if event == nil {
		return nil
	}
	return k.sendToKafka(ctx, resolveTopic(k.topics, TopicDistributions), event.NewContractAddress.Hex(), event.ToKafkaMessage())
}

// WriteTransferRegistered 写入转账登记
func (k *KafkaOutput) WriteTransferRegistered(ctx context.Context, record *models.TransferRecord) error {
	if record == nil {
		return nil
	}
	return k.sendToKafka(ctx, resolveTopic(k.topics, TopicTransfers), record.From.Hex(), record.ToKafkaMessage())
}

// WriteClaim 写入领取事件
func (k *KafkaOutput) WriteClaim(ctx context.Context, event *models.ClaimEvent) error {
	if event == nil {
		return nil
	}
	return k.sendToKafka(ctx, resolveTopic(k.topics, TopicClaims), event.Distributor.Hex(), event.ToKafkaMessage())
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	return k.producer.Close()
}
