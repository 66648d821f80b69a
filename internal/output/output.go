package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"distributor/internal/config"
	"distributor/pkg/models"

	"github.com/sirupsen/logrus"
)

// Output 事件输出接口
type Output interface {
	WriteDistributionCreated(ctx context.Context, event *models.DistributionCreated) error
	WriteTransferRegistered(ctx context.Context, record *models.TransferRecord) error
	WriteClaim(ctx context.Context, event *models.ClaimEvent) error
	Close() error
}

// NewOutput 根据配置创建输出器，多个格式时返回组合输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	var outputs []Output

	for _, format := range cfg.Formats() {
		var (
			out Output
			err error
		)

		switch format {
		case "json":
			out, err = NewFileOutput(cfg.Directory)
		case "kafka", "kafka_async":
			brokers, topics := kafkaSettings(cfg.Kafka)
			if format == "kafka_async" {
				out, err = NewAsyncKafkaOutput(brokers, topics, logger)
			} else {
				out, err = NewKafkaOutput(brokers, topics, logger)
			}
		case "postgres":
			if cfg.Postgres == nil {
				err = fmt.Errorf("缺少 postgres 配置")
				break
			}
			out, err = NewPostgresOutput(cfg.Postgres.DSN, logger)
		case "none":
			continue
		default:
			err = fmt.Errorf("不支持的输出格式: %s", format)
		}

		if err != nil {
			for _, o := range outputs {
				o.Close()
			}
			return nil, err
		}
		outputs = append(outputs, out)
	}

	switch len(outputs) {
	case 0:
		return NopOutput{}, nil
	case 1:
		return outputs[0], nil
	default:
		return NewMultiOutput(logger, outputs...), nil
	}
}

func kafkaSettings(cfg *config.KafkaConfig) ([]string, map[string]string) {
	brokers := []string{"localhost:9092"}
	topics := config.DefaultKafkaTopics
	if cfg != nil {
		if len(cfg.Brokers) > 0 {
			brokers = cfg.Brokers
		}
		if len(cfg.Topics) > 0 {
			topics = cfg.Topics
		}
	}
	return brokers, topics
}

// FileOutput JSON Lines 文件输出
type FileOutput struct {
	outputDir        string
	mu               sync.Mutex
	distributionFile *os.File
	transferFile     *os.File
	claimFile        *os.File
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputPath string) (*FileOutput, error) {
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	output := &FileOutput{outputDir: outputPath}
	timestamp := time.Now().Format("20060102_150405")

	files := []struct {
		target **os.File
		name   string
		desc   string
	}{
		{&output.distributionFile, "distributions", "创建记录"},
		{&output.transferFile, "transfers", "转账登记"},
		{&output.claimFile, "claims", "领取事件"},
	}
	for _, f := range files {
		file, err := os.Create(filepath.Join(outputPath, fmt.Sprintf("%s_%s.json", f.name, timestamp)))
		if err != nil {
			output.Close()
			return nil, fmt.Errorf("创建%s文件失败: %w", f.desc, err)
		}
		*f.target = file
	}

	return output, nil
}

// writeLine 写入一行JSON并刷盘，格式与Kafka消息一致（EIP-55地址，十进制字符串数量）
func (o *FileOutput) writeLine(file *os.File, desc string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化%s失败: %w", desc, err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("写入%s文件失败: %w", desc, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("刷新%s文件失败: %w", desc, err)
	}
	return nil
}

// WriteDistributionCreated 写入创建事件
func (o *FileOutput) WriteDistributionCreated(_ context.Context, event *models.DistributionCreated) error {
	if event == nil {
		return nil
	}
	return o.writeLine(o.distributionFile, "创建记录", event.ToKafkaMessage())
}

// WriteTransferRegistered 写入转账登记
func (o *FileOutput) WriteTransferRegistered(_ context.Context, record *models.TransferRecord) error {
	if record == nil {
		return nil
	}
	return o.writeLine(o.transferFile, "转账登记", record.ToKafkaMessage())
}

// WriteClaim 写入领取事件
func (o *FileOutput) WriteClaim(_ context.Context, event *models.ClaimEvent) error {
	if event == nil {
		return nil
	}
	return o.writeLine(o.claimFile, "领取事件", event.ToKafkaMessage())
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errors []error
	for _, f := range []*os.File{o.distributionFile, o.transferFile, o.claimFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			errors = append(errors, fmt.Errorf("关闭文件 %s 失败: %w", f.Name(), err))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errors)
	}
	return nil
}

// NopOutput 丢弃所有事件
type NopOutput struct{}

func (NopOutput) WriteDistributionCreated(context.Context, *models.DistributionCreated) error {
	return nil
}
func (NopOutput) WriteTransferRegistered(context.Context, *models.TransferRecord) error { return nil }
func (NopOutput) WriteClaim(context.Context, *models.ClaimEvent) error                  { return nil }
func (NopOutput) Close() error                                                         { return nil }
