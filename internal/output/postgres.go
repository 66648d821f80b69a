package output

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"distributor/internal/retry"
	"distributor/pkg/models"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// schemaStatements 事件表结构
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS vesting_distributions (
		sequence            BIGINT PRIMARY KEY,
		distributor_address CHAR(42) NOT NULL UNIQUE,
		creator             CHAR(42) NOT NULL,
		beneficiary         CHAR(42) NOT NULL,
		total_amount        NUMERIC(78, 0) NOT NULL,
		schedule_start      BIGINT NOT NULL,
		phase_interval      BIGINT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vesting_distributions_beneficiary ON vesting_distributions (beneficiary)`,
	`CREATE TABLE IF NOT EXISTS vesting_transfers (
		sequence      BIGINT PRIMARY KEY,
		from_address  CHAR(42) NOT NULL,
		to_address    CHAR(42) NOT NULL,
		amount        NUMERIC(78, 0) NOT NULL,
		phase_number  SMALLINT NOT NULL,
		registered_by CHAR(42) NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS vesting_claims (
		id                  BIGSERIAL PRIMARY KEY,
		distributor_address CHAR(42) NOT NULL,
		beneficiary         CHAR(42) NOT NULL,
		target              CHAR(42) NOT NULL,
		amount              NUMERIC(78, 0) NOT NULL,
		from_phase          SMALLINT NOT NULL,
		to_phase            SMALLINT NOT NULL,
		claimed_cumulative  NUMERIC(78, 0) NOT NULL,
		claimed_at          TIMESTAMPTZ NOT NULL,
		UNIQUE (distributor_address, to_phase)
	)`,
}

const (
	insertDistributionSQL = `INSERT INTO vesting_distributions
		(sequence, distributor_address, creator, beneficiary, total_amount, schedule_start, phase_interval, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO NOTHING`

	insertTransferSQL = `INSERT INTO vesting_transfers
		(sequence, from_address, to_address, amount, phase_number, registered_by, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence) DO NOTHING`

	insertClaimSQL = `INSERT INTO vesting_claims
		(distributor_address, beneficiary, target, amount, from_phase, to_phase, claimed_cumulative, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (distributor_address, to_phase) DO NOTHING`
)

// PostgresOutput PostgreSQL事件输出
type PostgresOutput struct {
	db      *sql.DB
	logger  *logrus.Logger
	retrier *retry.Retrier
}

// NewPostgresOutput 连接数据库并创建事件表
func NewPostgresOutput(dsn string, logger *logrus.Logger) (*PostgresOutput, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析数据库DSN失败: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	out := NewPostgresOutputWithDB(db, logger)
	if err := out.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("PostgreSQL输出器已初始化")
	return out, nil
}

// NewPostgresOutputWithDB 使用已有连接创建输出器
func NewPostgresOutputWithDB(db *sql.DB, logger *logrus.Logger) *PostgresOutput {
	return &PostgresOutput{
		db:      db,
		logger:  logger,
		retrier: retry.NewRetrier(retry.SinkRetryConfig, logger),
	}
}

func (p *PostgresOutput) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("创建事件表失败: %w", err)
		}
	}
	return nil
}

func (p *PostgresOutput) exec(ctx context.Context, operation, query string, args ...interface{}) error {
	return p.retrier.Execute(ctx, operation, func() error {
		if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("%s失败: %w", operation, err)
		}
		return nil
	})
}

// WriteDistributionCreated 写入创建记录
func (p *PostgresOutput) WriteDistributionCreated(ctx context.Context, event *models.DistributionCreated) error {
	if event == nil || event.Record == nil {
		return nil
	}
	r := event.Record
	return p.exec(ctx, "写入创建记录", insertDistributionSQL,
		r.Sequence, event.NewContractAddress.Hex(), r.Creator.Hex(), r.Beneficiary.Hex(),
		r.TotalAmount.String(), r.ScheduleStart, r.PhaseInterval, r.CreatedAt)
}

// WriteTransferRegistered 写入转账登记
func (p *PostgresOutput) WriteTransferRegistered(ctx context.Context, r *models.TransferRecord) error {
	if r == nil {
		return nil
	}
	return p.exec(ctx, "写入转账登记", insertTransferSQL,
		r.Sequence, r.From.Hex(), r.To.Hex(), r.Amount.String(), int(r.PhaseNumber), r.RegisteredBy.Hex(), r.RegisteredAt)
}

// WriteClaim 写入领取事件
func (p *PostgresOutput) WriteClaim(ctx context.Context, c *models.ClaimEvent) error {
	if c == nil {
		return nil
	}
	return p.exec(ctx, "写入领取事件", insertClaimSQL,
		c.Distributor.Hex(), c.Beneficiary.Hex(), c.Target.Hex(), c.Amount.String(),
		int(c.FromPhase), int(c.ToPhase), c.ClaimedCumulative.String(), c.Timestamp)
}

// Close 关闭数据库连接
func (p *PostgresOutput) Close() error {
	return p.db.Close()
}
