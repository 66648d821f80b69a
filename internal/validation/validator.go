package validation

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"distributor/internal/errors"
	"distributor/internal/schedule"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// MaxAmountBits 数量上限为 uint256
const MaxAmountBits = 256

// Validator 请求验证器
type Validator struct {
	logger     *logrus.Logger
	strictMode bool // 严格模式下零地址和过去的开始时间视为错误
	now        func() time.Time
	rules      map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Errors   []*errors.DistributorError `json:"errors,omitempty"`
	Warnings []string                   `json:"warnings,omitempty"`
	DataType string                     `json:"data_type"`
}

// Err 返回第一个错误
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

func (r *ValidationResult) addError(field string, err error) {
	r.Valid = false
	r.Errors = append(r.Errors, errors.ErrValidationFailed.
		WithComponent("validation").
		WithContext("field", field).
		Wrap(err))
}

// CreateRequest 创建分发合约请求
type CreateRequest struct {
	Beneficiary   string `json:"beneficiary"`
	TotalAmount   string `json:"total_amount"`
	ScheduleStart uint64 `json:"schedule_start"`
	PhaseInterval uint64 `json:"phase_interval"`
}

// ParsedCreate 解析后的创建参数
type ParsedCreate struct {
	Beneficiary   common.Address
	TotalAmount   *big.Int
	ScheduleStart uint64
	PhaseInterval uint64
}

// RegisterTransferRequest 转账登记请求
type RegisterTransferRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	PhaseNumber uint8  `json:"phase_number"`
}

// ParsedRegisterTransfer 解析后的转账登记参数
type ParsedRegisterTransfer struct {
	From        common.Address
	To          common.Address
	Amount      *big.Int
	PhaseNumber uint8
}

// ClaimRequest 领取请求
type ClaimRequest struct {
	Target string `json:"target"`
}

// MintRequest 增发请求
type MintRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// NewValidator 创建请求验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
		now:        time.Now,
		rules:      make(map[string]ValidationRule),
	}

	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewAmountValidationRule())
	v.AddRule(NewPhaseValidationRule())

	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// SetClock 设置时间源
func (v *Validator) SetClock(clock schedule.Clock) {
	v.now = clock.Now
}

// ValidateCreate 验证创建请求
func (v *Validator) ValidateCreate(req *CreateRequest) (*ParsedCreate, *ValidationResult) {
	result := newResult("create")
	if req == nil {
		result.addError("request", fmt.Errorf("请求为空"))
		return nil, result
	}

	parsed := &ParsedCreate{ScheduleStart: req.ScheduleStart, PhaseInterval: req.PhaseInterval}
	var err error

	if parsed.Beneficiary, err = ParseAddress(req.Beneficiary); err != nil {
		result.addError("beneficiary", err)
	} else if parsed.Beneficiary == (common.Address{}) {
		result.addError("beneficiary", fmt.Errorf("受益人不能是零地址"))
	}

	if parsed.TotalAmount, err = ParseAmount(req.TotalAmount); err != nil {
		result.addError("total_amount", err)
	}

	if req.PhaseInterval == 0 {
		result.addError("phase_interval", fmt.Errorf("阶段间隔必须大于0"))
	} else if req.PhaseInterval > (^uint64(0)-req.ScheduleStart)/uint64(schedule.PhasesNum-1) {
		result.addError("phase_interval", fmt.Errorf("第%d阶段激活时间溢出", schedule.PhasesNum))
	}

	if now := uint64(v.now().Unix()); req.ScheduleStart < now {
		msg := fmt.Sprintf("开始时间 %d 早于当前时间 %d", req.ScheduleStart, now)
		if v.strictMode {
			result.addError("schedule_start", fmt.Errorf("%s", msg))
		} else {
			result.Warnings = append(result.Warnings, msg)
		}
	}

	if !result.Valid {
		return nil, result
	}
	return parsed, result
}

// ValidateRegisterTransfer 验证转账登记请求
func (v *Validator) ValidateRegisterTransfer(req *RegisterTransferRequest) (*ParsedRegisterTransfer, *ValidationResult) {
	result := newResult("register_transfer")
	if req == nil {
		result.addError("request", fmt.Errorf("请求为空"))
		return nil, result
	}

	parsed := &ParsedRegisterTransfer{PhaseNumber: req.PhaseNumber}
	var err error

	if parsed.From, err = ParseAddress(req.From); err != nil {
		result.addError("from", err)
	}
	if parsed.To, err = ParseAddress(req.To); err != nil {
		result.addError("to", err)
	}
	if parsed.Amount, err = ParseAmount(req.Amount); err != nil {
		result.addError("amount", err)
	}
	if err := v.rules["phase"].Validate(req.PhaseNumber); err != nil {
		result.addError("phase_number", err)
	}

	if !result.Valid {
		return nil, result
	}
	return parsed, result
}

// ValidateClaim 验证领取请求，返回目标地址
func (v *Validator) ValidateClaim(req *ClaimRequest) (common.Address, *ValidationResult) {
	result := newResult("claim")
	if req == nil {
		result.addError("request", fmt.Errorf("请求为空"))
		return common.Address{}, result
	}

	target, err := ParseAddress(req.Target)
	if err != nil {
		result.addError("target", err)
		return common.Address{}, result
	}
	if target == (common.Address{}) {
		if v.strictMode {
			result.addError("target", fmt.Errorf("目标地址不能是零地址"))
		} else {
			result.Warnings = append(result.Warnings, "目标地址为零地址，转账将被代币账本拒绝")
		}
	}
	return target, result
}

// ValidateMint 验证增发请求
func (v *Validator) ValidateMint(req *MintRequest) (common.Address, *big.Int, *ValidationResult) {
	result := newResult("mint")
	if req == nil {
		result.addError("request", fmt.Errorf("请求为空"))
		return common.Address{}, nil, result
	}

	to, err := ParseAddress(req.To)
	if err != nil {
		result.addError("to", err)
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		result.addError("amount", err)
	}
	return to, amount, result
}

// ValidateAddress 验证单个地址参数
func (v *Validator) ValidateAddress(field, value string) (common.Address, error) {
	addr, err := ParseAddress(value)
	if err != nil {
		result := newResult("address")
		result.addError(field, err)
		return common.Address{}, result.Err()
	}
	return addr, nil
}

func newResult(dataType string) *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		DataType: dataType,
		Errors:   make([]*errors.DistributorError, 0),
		Warnings: make([]string, 0),
	}
}

// ParseAddress 解析十六进制地址，大小写混合时校验 EIP-55 校验和
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("地址必须以0x开头: %q", s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("地址格式无效: %q", s)
	}

	addr := common.HexToAddress(s)
	body := s[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex() != "0x"+body {
		return common.Address{}, fmt.Errorf("地址校验和错误: %q", s)
	}
	return addr, nil
}

// ParseAmount 解析十进制或0x十六进制数量，必须为正且不超过 uint256
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("数量不能为空")
	}

	var (
		amount *big.Int
		err    error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		amount, err = hexutil.DecodeBig(strings.ToLower(s))
		if err != nil {
			return nil, fmt.Errorf("数量格式无效: %w", err)
		}
	} else {
		var ok bool
		amount, ok = new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("数量格式无效: %q", s)
		}
	}

	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("数量必须大于0")
	}
	if amount.BitLen() > MaxAmountBits {
		return nil, fmt.Errorf("数量超过uint256上限")
	}
	return amount, nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	_, err := ParseAddress(addr)
	return err
}

// AmountValidationRule 数量验证规则
type AmountValidationRule struct{}

func NewAmountValidationRule() *AmountValidationRule {
	return &AmountValidationRule{}
}

func (r *AmountValidationRule) Name() string {
	return "amount"
}

func (r *AmountValidationRule) Description() string {
	return "代币数量验证规则"
}

func (r *AmountValidationRule) Validate(data interface{}) error {
	s, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	_, err := ParseAmount(s)
	return err
}

// PhaseValidationRule 阶段编号验证规则
type PhaseValidationRule struct{}

func NewPhaseValidationRule() *PhaseValidationRule {
	return &PhaseValidationRule{}
}

func (r *PhaseValidationRule) Name() string {
	return "phase"
}

func (r *PhaseValidationRule) Description() string {
	return "阶段编号验证规则"
}

func (r *PhaseValidationRule) Validate(data interface{}) error {
	n, ok := data.(uint8)
	if !ok {
		return fmt.Errorf("数据类型不是阶段编号")
	}
	if !schedule.ValidPhase(n) {
		return errors.ErrInvalidPhase.WithContext("phase", n)
	}
	return nil
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
