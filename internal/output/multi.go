package output

import (
	"context"
	"fmt"

	"distributor/pkg/models"

	"github.com/sirupsen/logrus"
)

// MultiOutput 同时写入多个输出器，单个输出器失败不影响其他输出器
type MultiOutput struct {
	outputs []Output
	logger  *logrus.Logger
}

// NewMultiOutput 创建组合输出器
func NewMultiOutput(logger *logrus.Logger, outputs ...Output) *MultiOutput {
	return &MultiOutput{outputs: outputs, logger: logger}
}

func (m *MultiOutput) each(name string, fn func(Output) error) error {
	var errs []error
	for i, out := range m.outputs {
		if err := fn(out); err != nil {
			m.logger.Warnf("输出器 %d (%T) %s 失败: %v", i, out, name, err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d/%d 个输出器%s失败: %v", len(errs), len(m.outputs), name, errs)
	}
	return nil
}

// WriteDistributionCreated 写入创建事件
func (m *MultiOutput) WriteDistributionCreated(ctx context.Context, event *models.DistributionCreated) error {
	return m.each("写入创建事件", func(o Output) error { return o.WriteDistributionCreated(ctx, event) })
}

// WriteTransferRegistered 写入转账登记
func (m *MultiOutput) WriteTransferRegistered(ctx context.Context, record *models.TransferRecord) error {
	return m.each("写入转账登记", func(o Output) error { return o.WriteTransferRegistered(ctx, record) })
}

// WriteClaim 写入领取事件
func (m *MultiOutput) WriteClaim(ctx context.Context, event *models.ClaimEvent) error {
	return m.each("写入领取事件", func(o Output) error { return o.WriteClaim(ctx, event) })
}

// Close 关闭全部输出器
func (m *MultiOutput) Close() error {
	return m.each("关闭", func(o Output) error { return o.Close() })
}

// Flush 刷新支持刷新的输出器
func (m *MultiOutput) Flush() error {
	return m.each("刷新", func(o Output) error {
		if f, ok := o.(interface{ Flush() error }); ok {
			return f.Flush()
		}
		return nil
	})
}
