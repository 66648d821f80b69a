// Package factory 实现分发合约工厂：创建分发合约、维护创建日志和管理员转账登记
package factory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"distributor/internal/errors"
	"distributor/internal/logging"
	"distributor/internal/output"
	"distributor/internal/schedule"
	"distributor/internal/token"
	"distributor/internal/vesting"
	"distributor/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Config 工厂部署参数
type Config struct {
	Administrator common.Address // 部署者，即 owner
	Address       common.Address // 工厂地址，为空时由部署者推导
	TokenAddress  common.Address // 代币合约地址
}

// StateStore 工厂状态持久化
type StateStore interface {
	SaveRecord(record *models.DistributionRecord) error
	SaveTransfer(record *models.TransferRecord) error
	SaveState(state vesting.State) error
	LoadRecords() ([]*models.DistributionRecord, error)
	LoadTransfers() ([]*models.TransferRecord, error)
	LoadState(address common.Address) (*vesting.State, bool, error)
}

// Factory 分发合约工厂
type Factory struct {
	administrator common.Address
	address       common.Address
	tokenAddress  common.Address

	ledger  token.Ledger
	clock   schedule.Clock
	logger  *logrus.Logger
	entry   *logrus.Entry
	store   StateStore
	outputs output.Output

	mu              sync.RWMutex
	nonce           uint64
	distributionLog []*models.DistributionRecord
	transferLog     []*models.TransferRecord
	distributors    map[common.Address]*vesting.Distributor
}

// New 创建工厂
func New(cfg Config, ledger token.Ledger, clock schedule.Clock, logger *logrus.Logger) (*Factory, error) {
	if cfg.Administrator == (common.Address{}) {
		return nil, errors.ErrValidationFailed.WithContext("field", "administrator")
	}
	if ledger == nil {
		return nil, errors.ErrValidationFailed.WithContext("field", "ledger")
	}
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	address := cfg.Address
	if address == (common.Address{}) {
		address = crypto.CreateAddress(cfg.Administrator, 0)
	}

	f := &Factory{
		administrator: cfg.Administrator,
		address:       address,
		tokenAddress:  cfg.TokenAddress,
		ledger:        ledger,
		clock:         clock,
		logger:        logger,
		entry:         logging.NewComponentLogger(logger, "factory").WithField("factory", address.Hex()),
		nonce:         1,
		distributors:  make(map[common.Address]*vesting.Distributor),
	}

	f.entry.Infof("工厂已部署，管理员 %s，代币 %s", cfg.Administrator.Hex(), cfg.TokenAddress.Hex())
	return f, nil
}

// SetStore 设置状态存储
func (f *Factory) SetStore(store StateStore) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store = store
}

// SetOutput 设置事件输出
func (f *Factory) SetOutput(out output.Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = out
}

// Owner 返回管理员
func (f *Factory) Owner() common.Address {
	return f.administrator
}

// TokenAddress 返回代币合约地址
func (f *Factory) TokenAddress() common.Address {
	return f.tokenAddress
}

// Address 返回工厂地址
func (f *Factory) Address() common.Address {
	return f.address
}

// Ledger 返回工厂绑定的代币账本
func (f *Factory) Ledger() token.Ledger {
	return f.ledger
}

// Create 为受益人创建新的分发合约，任何调用方都可以创建
func (f *Factory) Create(ctx context.Context, caller, beneficiary common.Address, totalAmount *big.Int, start, interval uint64) (*models.DistributionRecord, *vesting.Distributor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nonce := f.nonce
	address := crypto.CreateAddress(f.address, nonce)

	d, err := f.newDistributor(address, vesting.VestingSchedule{
		Beneficiary: beneficiary,
		TotalAmount: totalAmount,
		Schedule:    schedule.Schedule{Start: start, Interval: interval},
	})
	if err != nil {
		return nil, nil, err
	}

	record := &models.DistributionRecord{
		Sequence:           nonce,
		Creator:            caller,
		Beneficiary:        beneficiary,
		DistributorAddress: address,
		TotalAmount:        new(big.Int).Set(totalAmount),
		ScheduleStart:      start,
		PhaseInterval:      interval,
		CreatedAt:          f.clock.Now().UTC(),
	}

	if f.store != nil {
		if err := f.store.SaveRecord(record); err != nil {
			return nil, nil, errors.ErrStoreFailed.WithComponent("factory").Wrap(err)
		}
	}

	f.nonce++
	f.distributionLog = append(f.distributionLog, record)
	f.distributors[address] = d

	f.entry.WithFields(logrus.Fields{
		"creator":     caller.Hex(),
		"beneficiary": beneficiary.Hex(),
		"distributor": address.Hex(),
		"total":       totalAmount.String(),
	}).Info("已创建分发合约")

	if f.outputs != nil {
		event := &models.DistributionCreated{NewContractAddress: address, Record: record}
		if err := f.outputs.WriteDistributionCreated(ctx, event); err != nil {
			f.entry.WithError(err).Warnf("输出创建事件失败: %s", address.Hex())
		}
	}

	return copyRecord(record), d, nil
}

// newDistributor 构造绑定到工厂账本的分发合约，调用方持有锁
func (f *Factory) newDistributor(address common.Address, vs vesting.VestingSchedule) (*vesting.Distributor, error) {
	d, err := vesting.New(address, vs, f.ledger, f.clock, logging.NewDistributorLogger(f.logger, address))
	if err != nil {
		return nil, err
	}
	d.SetRecorder(f)
	return d, nil
}

// RegisterTransfer 登记一次转账用于审计，仅管理员可调用
func (f *Factory) RegisterTransfer(ctx context.Context, caller, from, to common.Address, amount *big.Int, phaseNumber uint8) (*models.TransferRecord, error) {
	if caller != f.administrator {
		return nil, errors.ErrUnauthorized.
			WithComponent("factory").
			WithContext("caller", caller.Hex())
	}
	if !schedule.ValidPhase(phaseNumber) {
		return nil, errors.ErrInvalidPhase.
			WithComponent("factory").
			WithContext("phase", phaseNumber)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	record := &models.TransferRecord{
		Sequence:     uint64(len(f.transferLog)) + 1,
		From:         from,
		To:           to,
		Amount:       new(big.Int).Set(amount),
		PhaseNumber:  phaseNumber,
		RegisteredBy: caller,
		RegisteredAt: f.clock.Now().UTC(),
	}

	if f.store != nil {
		if err := f.store.SaveTransfer(record); err != nil {
			return nil, errors.ErrStoreFailed.WithComponent("factory").Wrap(err)
		}
	}
	f.transferLog = append(f.transferLog, record)

	f.entry.WithFields(logrus.Fields{
		"from":   from.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
		"phase":  phaseNumber,
	}).Info("已登记转账")

	if f.outputs != nil {
		if err := f.outputs.WriteTransferRegistered(ctx, record); err != nil {
			f.entry.WithError(err).Warn("输出转账登记事件失败")
		}
	}

	return copyTransfer(record), nil
}

// PrepareClaim 在代币转出前保存领取后的状态，保存失败时领取中止
func (f *Factory) PrepareClaim(ctx context.Context, staged vesting.State) error {
	f.mu.RLock()
	store := f.store
	f.mu.RUnlock()

	if store == nil {
		return nil
	}
	if err := store.SaveState(staged); err != nil {
		return errors.ErrStoreFailed.
			WithComponent("factory").
			WithContext("distributor", staged.Address.Hex()).
			Wrap(err)
	}
	return nil
}

// AbortClaim 代币转账失败后写回领取前的状态
func (f *Factory) AbortClaim(ctx context.Context, previous vesting.State) {
	f.mu.RLock()
	store := f.store
	f.mu.RUnlock()

	if store == nil {
		return
	}
	if err := store.SaveState(previous); err != nil {
		f.entry.WithError(err).Errorf("回滚分发合约 %s 状态失败，存储中的领取标记领先于实际转账", previous.Address.Hex())
	}
}

// RecordClaim 输出领取事件，状态已在转账前保存
func (f *Factory) RecordClaim(ctx context.Context, state vesting.State, event *models.ClaimEvent) {
	f.mu.RLock()
	outputs := f.outputs
	f.mu.RUnlock()

	if outputs != nil {
		if err := outputs.WriteClaim(ctx, event); err != nil {
			f.entry.WithError(err).Warnf("输出领取事件失败: %s", state.Address.Hex())
		}
	}
}

// Distributor 按地址查找分发合约
func (f *Factory) Distributor(address common.Address) (*vesting.Distributor, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	d, ok := f.distributors[address]
	if !ok {
		return nil, errors.ErrDistributorNotFound.WithContext("address", address.Hex())
	}
	return d, nil
}

// Records 返回创建日志副本
func (f *Factory) Records() []*models.DistributionRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()

	records := make([]*models.DistributionRecord, 0, len(f.distributionLog))
	for _, r := range f.distributionLog {
		records = append(records, copyRecord(r))
	}
	return records
}

// RecordsByBeneficiary 返回某受益人的创建记录
func (f *Factory) RecordsByBeneficiary(beneficiary common.Address) []*models.DistributionRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var records []*models.DistributionRecord
	for _, r := range f.distributionLog {
		if r.Beneficiary == beneficiary {
			records = append(records, copyRecord(r))
		}
	}
	return records
}

// Transfers 返回转账登记副本
func (f *Factory) Transfers() []*models.TransferRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()

	transfers := make([]*models.TransferRecord, 0, len(f.transferLog))
	for _, r := range f.transferLog {
		transfers = append(transfers, copyTransfer(r))
	}
	return transfers
}

// Stats 返回工厂统计
func (f *Factory) Stats() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return map[string]interface{}{
		"owner":         f.administrator.Hex(),
		"token_address": f.tokenAddress.Hex(),
		"address":       f.address.Hex(),
		"distributors":  len(f.distributionLog),
		"transfers":     len(f.transferLog),
		"next_nonce":    f.nonce,
	}
}

// Restore 从存储重建创建日志、转账登记和各分发合约的领取状态
func (f *Factory) Restore(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.store == nil {
		return nil
	}

	records, err := f.store.LoadRecords()
	if err != nil {
		return errors.ErrStoreFailed.WithComponent("factory").Wrap(err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })

	distributors := make(map[common.Address]*vesting.Distributor, len(records))
	nonce := uint64(1)
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		expected := crypto.CreateAddress(f.address, r.Sequence)
		if expected != r.DistributorAddress {
			return errors.ErrStoreFailed.
				WithComponent("factory").
				WithContext("sequence", r.Sequence).
				WithContext("address", r.DistributorAddress.Hex())
		}

		d, err := f.newDistributor(r.DistributorAddress, vesting.VestingSchedule{
			Beneficiary: r.Beneficiary,
			TotalAmount: r.TotalAmount,
			Schedule:    schedule.Schedule{Start: r.ScheduleStart, Interval: r.PhaseInterval},
		})
		if err != nil {
			return err
		}

		state, ok, err := f.store.LoadState(r.DistributorAddress)
		if err != nil {
			return errors.ErrStoreFailed.WithComponent("factory").Wrap(err)
		}
		if ok {
			if err := d.Restore(*state); err != nil {
				return errors.ErrStoreFailed.WithComponent("factory").Wrap(err)
			}
		}

		distributors[r.DistributorAddress] = d
		if r.Sequence >= nonce {
			nonce = r.Sequence + 1
		}
	}

	transfers, err := f.store.LoadTransfers()
	if err != nil {
		return errors.ErrStoreFailed.WithComponent("factory").Wrap(err)
	}
	sort.Slice(transfers, func(i, j int) bool { return transfers[i].Sequence < transfers[j].Sequence })

	f.distributionLog = records
	f.transferLog = transfers
	f.distributors = distributors
	f.nonce = nonce

	f.entry.Infof("已恢复 %d 个分发合约，%d 条转账登记", len(records), len(transfers))
	return nil
}

func copyRecord(r *models.DistributionRecord) *models.DistributionRecord {
	c := *r
	c.TotalAmount = new(big.Int).Set(r.TotalAmount)
	return &c
}

func copyTransfer(r *models.TransferRecord) *models.TransferRecord {
	c := *r
	c.Amount = new(big.Int).Set(r.Amount)
	return &c
}
