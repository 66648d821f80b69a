// Package vesting 实现单个受益人的八阶段代币分发合约
package vesting

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"

	"distributor/internal/errors"
	"distributor/internal/schedule"
	"distributor/internal/token"
	"distributor/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// VestingSchedule 创建时确定、之后不可变的归属参数
type VestingSchedule struct {
	Beneficiary common.Address `json:"beneficiary"`
	TotalAmount *big.Int       `json:"total_amount"`
	schedule.Schedule
}

// Phase 阶段视图
type Phase struct {
	Number            uint8  `json:"number"`
	ActivationTime    uint64 `json:"activation_time"`
	Percent           uint64 `json:"percent"`            // 本阶段新增解锁百分比
	CumulativePercent uint64 `json:"cumulative_percent"` // 截至本阶段累计解锁百分比
	Claimed           bool   `json:"claimed"`
}

// State 可持久化的领取状态
type State struct {
	Address           common.Address           `json:"address"`
	Claimed           [schedule.PhasesNum]bool `json:"claimed"`
	ClaimedCumulative *big.Int                 `json:"claimed_cumulative"`
}

// ClaimRecorder 持久化领取状态并接收领取事件。
// 调用时分发合约仍持有锁，实现方不能回调同一个分发合约。
//
// PrepareClaim 在代币转账前保存领取后的状态，返回错误时不转账；
// 转账失败后 AbortClaim 写回领取前的状态；转账成功后 RecordClaim 接收事件。
type ClaimRecorder interface {
	PrepareClaim(ctx context.Context, staged State) error
	AbortClaim(ctx context.Context, previous State)
	RecordClaim(ctx context.Context, state State, event *models.ClaimEvent)
}

// Distributor 代币分发合约
type Distributor struct {
	address  common.Address
	vs       VestingSchedule
	ledger   token.Ledger
	clock    schedule.Clock
	logger   *logrus.Entry
	recorder ClaimRecorder

	mu                sync.Mutex
	claimed           [schedule.PhasesNum]bool
	claimedCumulative *big.Int
}

// New 创建分发合约
func New(address common.Address, vs VestingSchedule, ledger token.Ledger, clock schedule.Clock, logger *logrus.Entry) (*Distributor, error) {
	if err := validateSchedule(vs); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, errors.ErrInvalidSchedule.WithContext("reason", "代币账本未设置")
	}
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	vs.TotalAmount = new(big.Int).Set(vs.TotalAmount)

	return &Distributor{
		address:           address,
		vs:                vs,
		ledger:            ledger,
		clock:             clock,
		logger:            logger,
		claimedCumulative: big.NewInt(0),
	}, nil
}

func validateSchedule(vs VestingSchedule) error {
	switch {
	case vs.Beneficiary == (common.Address{}):
		return errors.ErrInvalidSchedule.WithContext("reason", "受益人地址为空")
	case vs.TotalAmount == nil || vs.TotalAmount.Sign() <= 0:
		return errors.ErrInvalidSchedule.WithContext("reason", "归属总量必须大于0")
	case vs.Interval == 0:
		return errors.ErrInvalidSchedule.WithContext("reason", "阶段间隔必须大于0")
	case vs.Interval > (math.MaxUint64-vs.Start)/uint64(schedule.PhasesNum-1):
		return errors.ErrInvalidSchedule.WithContext("reason", fmt.Sprintf("第%d阶段激活时间溢出", schedule.PhasesNum))
	}
	return nil
}

// SetRecorder 设置领取记录器
func (d *Distributor) SetRecorder(recorder ClaimRecorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recorder = recorder
}

// Address 返回分发合约地址
func (d *Distributor) Address() common.Address {
	return d.address
}

// Owner 返回受益人
func (d *Distributor) Owner() common.Address {
	return d.vs.Beneficiary
}

// Schedule 返回归属参数副本
func (d *Distributor) Schedule() VestingSchedule {
	vs := d.vs
	vs.TotalAmount = new(big.Int).Set(d.vs.TotalAmount)
	return vs
}

// ClaimedCumulative 返回累计已释放数量
func (d *Distributor) ClaimedCumulative() *big.Int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return new(big.Int).Set(d.claimedCumulative)
}

// GetPhaseByNumber 查询阶段信息
func (d *Distributor) GetPhaseByNumber(number uint8) (Phase, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase(number)
}

func (d *Distributor) phase(number uint8) (Phase, error) {
	activation, err := schedule.ActivationTime(d.vs.Schedule, number)
	if err != nil {
		return Phase{}, err
	}
	percent, err := schedule.PercentForPhase(number)
	if err != nil {
		return Phase{}, err
	}
	cumulative, err := schedule.CumulativePercentForPhase(number)
	if err != nil {
		return Phase{}, err
	}

	return Phase{
		Number:            number,
		ActivationTime:    activation,
		Percent:           percent,
		CumulativePercent: cumulative,
		Claimed:           d.claimed[number-1],
	}, nil
}

// Phases 返回全部八个阶段
func (d *Distributor) Phases() []Phase {
	d.mu.Lock()
	defer d.mu.Unlock()

	phases := make([]Phase, 0, schedule.PhasesNum)
	for n := uint8(1); n <= schedule.PhasesNum; n++ {
		p, _ := d.phase(n)
		phases = append(phases, p)
	}
	return phases
}

// GetCurrentPhaseNumber 返回当前阶段编号
func (d *Distributor) GetCurrentPhaseNumber() (uint8, error) {
	return schedule.CurrentPhaseNumber(d.vs.Schedule, schedule.UnixNow(d.clock))
}

// TokensAvailableForCurrentPhase 返回截至当前阶段尚未释放的数量
func (d *Distributor) TokensAvailableForCurrentPhase() (*big.Int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, pending, err := d.pending()
	return pending, err
}

// pending 计算当前阶段及待释放数量，调用方持有锁
func (d *Distributor) pending() (uint8, *big.Int, error) {
	current, err := d.GetCurrentPhaseNumber()
	if err != nil {
		return 0, nil, err
	}

	unlocked, err := schedule.TokensAvailableForPhase(d.vs.TotalAmount, current)
	if err != nil {
		return 0, nil, err
	}
	return current, unlocked.Sub(unlocked, d.claimedCumulative), nil
}

// Transfer 将截至当前阶段未领取的代币转给 target。
// 代币转账失败时已领取标记和累计数量保持不变。
func (d *Distributor) Transfer(ctx context.Context, caller, target common.Address) (*models.ClaimEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if caller != d.vs.Beneficiary {
		return nil, errors.ErrUnauthorized.
			WithComponent("distributor").
			WithContext("caller", caller.Hex()).
			WithContext("distributor", d.address.Hex())
	}

	current, amount, err := d.pending()
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, errors.ErrNothingToClaim.
			WithComponent("distributor").
			WithContext("distributor", d.address.Hex()).
			WithContext("phase", current)
	}

	staged := d.claimed
	var fromPhase uint8
	for p := uint8(1); p <= current; p++ {
		if !staged[p-1] {
			staged[p-1] = true
			if fromPhase == 0 {
				fromPhase = p
			}
		}
	}
	if fromPhase == 0 {
		fromPhase = current
	}
	stagedCumulative := new(big.Int).Add(d.claimedCumulative, amount)

	// 转账前保存领取后的状态
	if d.recorder != nil {
		if err := d.recorder.PrepareClaim(ctx, State{
			Address:           d.address,
			Claimed:           staged,
			ClaimedCumulative: new(big.Int).Set(stagedCumulative),
		}); err != nil {
			d.logger.WithError(err).Warnf("阶段 %d 领取状态保存失败，未转账", current)
			return nil, err
		}
	}

	if err := d.ledger.Transfer(ctx, d.address, target, amount); err != nil {
		d.logger.WithError(err).Warnf("阶段 %d 代币转账失败，状态未修改", current)
		if d.recorder != nil {
			d.recorder.AbortClaim(ctx, d.snapshot())
		}
		return nil, errors.ErrTokenTransferFailed.
			WithComponent("distributor").
			WithContext("distributor", d.address.Hex()).
			WithContext("amount", amount.String()).
			Wrap(err)
	}

	// 转账成功后提交
	d.claimed = staged
	d.claimedCumulative = stagedCumulative

	event := &models.ClaimEvent{
		Distributor:       d.address,
		Beneficiary:       d.vs.Beneficiary,
		Target:            target,
		Amount:            amount,
		FromPhase:         fromPhase,
		ToPhase:           current,
		ClaimedCumulative: new(big.Int).Set(d.claimedCumulative),
		Timestamp:         d.clock.Now(),
	}

	d.logger.WithFields(logrus.Fields{
		"target":     target.Hex(),
		"amount":     amount.String(),
		"from_phase": fromPhase,
		"to_phase":   current,
	}).Info("代币已释放")

	if d.recorder != nil {
		d.recorder.RecordClaim(ctx, d.snapshot(), event)
	}

	return event, nil
}

// Snapshot 返回当前领取状态
func (d *Distributor) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot()
}

func (d *Distributor) snapshot() State {
	return State{
		Address:           d.address,
		Claimed:           d.claimed,
		ClaimedCumulative: new(big.Int).Set(d.claimedCumulative),
	}
}

// Restore 从持久化状态恢复
func (d *Distributor) Restore(state State) error {
	if state.Address != d.address {
		return fmt.Errorf("状态地址 %s 与分发合约 %s 不一致", state.Address.Hex(), d.address.Hex())
	}
	if state.ClaimedCumulative == nil || state.ClaimedCumulative.Sign() < 0 {
		return fmt.Errorf("无效的累计释放数量")
	}
	if state.ClaimedCumulative.Cmp(d.vs.TotalAmount) > 0 {
		return fmt.Errorf("累计释放数量 %s 超过归属总量 %s", state.ClaimedCumulative, d.vs.TotalAmount)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if state.ClaimedCumulative.Cmp(d.claimedCumulative) < 0 {
		return fmt.Errorf("累计释放数量不能回退")
	}
	for i, claimed := range d.claimed {
		if claimed && !state.Claimed[i] {
			return fmt.Errorf("阶段 %d 的领取标记不能回退", i+1)
		}
	}

	d.claimed = state.Claimed
	d.claimedCumulative = new(big.Int).Set(state.ClaimedCumulative)
	return nil
}
