package output

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"distributor/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// AsyncKafkaOutput 异步Kafka输出器
type AsyncKafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.AsyncProducer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// 统计信息
	mu         sync.RWMutex
	queued     int64
	sentCount  int64
	errorCount int64
}

// NewAsyncKafkaOutput 创建异步Kafka输出器
func NewAsyncKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*AsyncKafkaOutput, error) {
	logger.Infof("初始化异步Kafka输出器，brokers: %v", brokers)

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 3 * time.Second
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Flush.Frequency = 100 * time.Millisecond
	cfg.Producer.Flush.Messages = 100
	cfg.ChannelBufferSize = 1000
	cfg.Version = sarama.V2_8_0_0

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("创建异步Kafka生产者失败: %w", err)
	}

	logger.Info("异步Kafka生产者已创建并启动")
	return NewAsyncKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewAsyncKafkaOutputWithProducer 使用已有异步生产者创建输出器
func NewAsyncKafkaOutputWithProducer(producer sarama.AsyncProducer, topics map[string]string, logger *logrus.Logger) *AsyncKafkaOutput {
	ctx, cancel := context.WithCancel(context.Background())

	k := &AsyncKafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
		ctx:      ctx,
		cancel:   cancel,
	}

	k.wg.Add(2)
	go k.handleSuccesses()
	go k.handleErrors()

	return k
}

// handleSuccesses 处理成功发送的消息
func (k *AsyncKafkaOutput) handleSuccesses() {
	defer k.wg.Done()
	for msg := range k.producer.Successes() {
		k.mu.Lock()
		k.sentCount++
		k.mu.Unlock()

		k.logger.Debugf("消息成功发送到 topic %s, partition %d, offset %d", msg.Topic, msg.Partition, msg.Offset)
	}
}

// handleErrors 处理发送失败的消息
func (k *AsyncKafkaOutput) handleErrors() {
	defer k.wg.Done()
	for perr := range k.producer.Errors() {
		k.mu.Lock()
		k.errorCount++
		k.mu.Unlock()

		k.logger.Errorf("Kafka发送失败: topic=%s, error=%v", perr.Msg.Topic, perr.Err)
	}
}

// sendToKafkaAsync 异步发送数据到Kafka
func (k *AsyncKafkaOutput) sendToKafkaAsync(ctx context.Context, topic, key string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(jsonData),
	}

	select {
	case k.producer.Input() <- msg:
		k.mu.Lock()
		k.queued++
		k.mu.Unlock()
		return nil
	case <-k.ctx.Done():
		return fmt.Errorf("Kafka生产者已关闭")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteDistributionCreated 异步写入创建事件
func (k *AsyncKafkaOutput) WriteDistributionCreated(ctx context.Context, event *models.DistributionCreated) error {
	if event == nil {
		return nil
	}
	return k.sendToKafkaAsync(ctx, resolveTopic(k.topics, TopicDistributions), event.NewContractAddress.Hex(), event.ToKafkaMessage())
}

// WriteTransferRegistered 异步写入转账登记
func (k *AsyncKafkaOutput) WriteTransferRegistered(ctx context.Context, record *models.TransferRecord) error {
	if record == nil {
		return nil
	}
	return k.sendToKafkaAsync(ctx, resolveTopic(k.topics, TopicTransfers), record.From.Hex(), record.ToKafkaMessage())
}

// WriteClaim 异步写入领取事件
func (k *AsyncKafkaOutput) WriteClaim(ctx context.Context, event *models.ClaimEvent) error {
	if event == nil {
		return nil
	}
	return k.sendToKafkaAsync(ctx, resolveTopic(k.topics, TopicClaims), event.Distributor.Hex(), event.ToKafkaMessage())
}

// Flush 等待已入队消息得到确认
func (k *AsyncKafkaOutput) Flush() error {
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if k.pending() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-timeout:
			k.logger.Warnf("刷新超时，%d 条消息可能未发送完成", k.pending())
			return fmt.Errorf("刷新超时")
		}
	}
}

func (k *AsyncKafkaOutput) pending() int64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.queued - k.sentCount - k.errorCount
}

// GetStats 获取统计信息
func (k *AsyncKafkaOutput) GetStats() (int64, int64) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sentCount, k.errorCount
}

// Close 关闭异步Kafka连接
func (k *AsyncKafkaOutput) Close() error {
	if err := k.Flush(); err != nil {
		k.logger.Warnf("刷新缓冲区时出现错误: %v", err)
	}

	k.cancel()

	// AsyncClose 会在刷新完成后关闭 Successes 和 Errors 通道
	k.producer.AsyncClose()
	k.wg.Wait()

	sent, errors := k.GetStats()
	k.logger.Infof("异步Kafka生产者已关闭，总计发送: %d，错误: %d", sent, errors)
	return nil
}
