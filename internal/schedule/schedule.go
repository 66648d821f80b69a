// Package schedule 实现八阶段归属计划的纯计算逻辑
package schedule

import (
	"math/big"

	"distributor/internal/errors"
)

// PhasesNum 阶段数量
const PhasesNum = 8

// cumulativePercents 各阶段累计解锁百分比，按阶段编号减一索引。
// 第1-6阶段每阶段增加10%，第7阶段增加20%（累计80%），第8阶段补齐到100%。
var cumulativePercents = [PhasesNum]uint64{10, 20, 30, 40, 50, 60, 80, 100}

// Schedule 归属时间参数
type Schedule struct {
	Start    uint64 `json:"schedule_start"` // 第1阶段激活时间（Unix秒）
	Interval uint64 `json:"phase_interval"` // 相邻阶段间隔（秒）
}

// ValidPhase 判断阶段编号是否存在
func ValidPhase(number uint8) bool {
	return number >= 1 && number <= PhasesNum
}

// CurrentPhaseNumber 计算当前阶段编号，超过第8阶段后保持为8
func CurrentPhaseNumber(s Schedule, now uint64) (uint8, error) {
	if now < s.Start {
		return 0, errors.ErrNotYetStarted.
			WithContext("schedule_start", s.Start).
			WithContext("now", now)
	}
	if s.Interval == 0 {
		return 0, errors.ErrInvalidSchedule.WithContext("reason", "阶段间隔为0")
	}

	index := (now - s.Start) / s.Interval
	if index >= PhasesNum {
		return PhasesNum, nil
	}
	return uint8(index) + 1, nil
}

// CumulativePercentForPhase 返回阶段的累计解锁百分比
func CumulativePercentForPhase(number uint8) (uint64, error) {
	if !ValidPhase(number) {
		return 0, errors.ErrInvalidPhase.WithContext("phase", number)
	}
	return cumulativePercents[number-1], nil
}

// PercentForPhase 返回该阶段新增的解锁百分比
func PercentForPhase(number uint8) (uint64, error) {
	cumulative, err := CumulativePercentForPhase(number)
	if err != nil {
		return 0, err
	}
	if number == 1 {
		return cumulative, nil
	}
	return cumulative - cumulativePercents[number-2], nil
}

// ActivationTime 返回阶段的激活时间
func ActivationTime(s Schedule, number uint8) (uint64, error) {
	if !ValidPhase(number) {
		return 0, errors.ErrInvalidPhase.WithContext("phase", number)
	}
	return s.Start + uint64(number-1)*s.Interval, nil
}

// TokensAvailableForPhase 计算截至该阶段累计可释放的代币数量，向下取整
func TokensAvailableForPhase(totalAmount *big.Int, number uint8) (*big.Int, error) {
	percent, err := CumulativePercentForPhase(number)
	if err != nil {
		return nil, err
	}

	result := new(big.Int).Mul(totalAmount, new(big.Int).SetUint64(percent))
	return result.Div(result, big.NewInt(100)), nil
}
