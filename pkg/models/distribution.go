package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// 事件类型
const (
	EventDistributionCreated = "DistributionCreated"
	EventTransferRegistered  = "TransferRegistered"
	EventClaim               = "Claim"
)

// DistributionRecord 工厂创建分发合约的记录（只追加）
type DistributionRecord struct {
	Sequence           uint64         `json:"sequence"`            // 创建序号，同时是地址推导用的nonce
	Creator            common.Address `json:"creator"`             // 调用 create 的账户
	Beneficiary        common.Address `json:"beneficiary"`         // 受益人
	DistributorAddress common.Address `json:"distributor_address"` // 新分发合约地址
	TotalAmount        *big.Int       `json:"total_amount"`        // 归属总量
	ScheduleStart      uint64         `json:"schedule_start"`      // 第1阶段激活时间
	PhaseInterval      uint64         `json:"phase_interval"`      // 阶段间隔（秒）
	CreatedAt          time.Time      `json:"created_at"`          // 创建时间
}

// DistributionCreated 创建事件，调用方通过 NewContractAddress 定位新实例
type DistributionCreated struct {
	NewContractAddress common.Address      `json:"newContractAddress"`
	Record             *DistributionRecord `json:"record"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *DistributionCreated) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"type":               EventDistributionCreated,
		"newContractAddress": e.NewContractAddress.Hex(),
	}
	if r := e.Record; r != nil {
		msg["sequence"] = r.Sequence
		msg["creator"] = r.Creator.Hex()
		msg["beneficiary"] = r.Beneficiary.Hex()
		msg["total_amount"] = r.TotalAmount.String()
		msg["schedule_start"] = r.ScheduleStart
		msg["phase_interval"] = r.PhaseInterval
		msg["created_at"] = r.CreatedAt.Unix()
	}
	return msg
}

// TransferRecord 管理员登记的转账审计记录（只追加）
type TransferRecord struct {
	Sequence     uint64         `json:"sequence"`
	From         common.Address `json:"from"`
	To           common.Address `json:"to"`
	Amount       *big.Int       `json:"amount"`
	PhaseNumber  uint8          `json:"phase_number"`
	RegisteredBy common.Address `json:"registered_by"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (r *TransferRecord) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"type":          EventTransferRegistered,
		"sequence":      r.Sequence,
		"from":          r.From.Hex(),
		"to":            r.To.Hex(),
		"amount":        r.Amount.String(),
		"phase_number":  r.PhaseNumber,
		"registered_by": r.RegisteredBy.Hex(),
		"registered_at": r.RegisteredAt.Unix(),
	}
}

// ClaimEvent 受益人成功领取一次的事件
type ClaimEvent struct {
	Distributor       common.Address `json:"distributor"`
	Beneficiary       common.Address `json:"beneficiary"`
	Target            common.Address `json:"target"`
	Amount            *big.Int       `json:"amount"`             // 本次释放数量
	FromPhase         uint8          `json:"from_phase"`         // 本次标记为已领取的第一个阶段
	ToPhase           uint8          `json:"to_phase"`           // 本次标记为已领取的最后一个阶段
	ClaimedCumulative *big.Int       `json:"claimed_cumulative"` // 领取后的累计释放量
	Timestamp         time.Time      `json:"timestamp"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (c *ClaimEvent) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"type":               EventClaim,
		"distributor":        c.Distributor.Hex(),
		"beneficiary":        c.Beneficiary.Hex(),
		"target":             c.Target.Hex(),
		"amount":             c.Amount.String(),
		"from_phase":         c.FromPhase,
		"to_phase":           c.ToPhase,
		"claimed_cumulative": c.ClaimedCumulative.String(),
		"timestamp":          c.Timestamp.Unix(),
	}
}
