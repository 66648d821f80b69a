package validation

import (
	stderrors "errors"
	"math"
	"strings"
	"testing"

	"distributor/internal/errors"
	"distributor/internal/schedule"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const now = 1535101200

func newTestValidator(strict bool) *Validator {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	v := NewValidator(logger, strict)
	v.SetClock(schedule.NewFixedClockUnix(now))
	return v
}

func TestNewValidator(t *testing.T) {
	v := newTestValidator(true)

	assert.NotNil(t, v)
	assert.True(t, v.strictMode)
	assert.Equal(t, 3, len(v.rules)) // 默认注册的规则数量
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    common.Address
		wantErr bool
	}{
		{"小写", "0x5fbdb2315678afecb367f032d93f642f64180aa3", common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3"), false},
		{"校验和", "0x5FbDB2315678afecb367f032d93F642f64180aa3", common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3"), false},
		{"大写", "0x5FBDB2315678AFECB367F032D93F642F64180AA3", common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3"), false},
		{"前后空格", "  0x1111111111111111111111111111111111111111 ", common.HexToAddress("0x1111111111111111111111111111111111111111"), false},
		{"零地址", "0x0000000000000000000000000000000000000000", common.Address{}, false},
		{"校验和错误", "0x5fbDB2315678afecb367f032d93F642f64180aa3", common.Address{}, true},
		{"缺少前缀", "5fbdb2315678afecb367f032d93f642f64180aa3", common.Address{}, true},
		{"长度不足", "0x1234", common.Address{}, true},
		{"非十六进制", "0xzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", common.Address{}, true},
		{"空字符串", "", common.Address{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"十进制", "1000", "1000", false},
		{"大数", "1000000000000000000000000", "1000000000000000000000000", false},
		{"十六进制", "0x3e8", "1000", false},
		{"大写十六进制", "0X3E8", "1000", false},
		{"uint256上限", "0x" + strings.Repeat("f", 64), "115792089237316195423570985008687907853269984665640564039457584007913129639935", false},
		{"超过uint256", "0x1" + strings.Repeat("0", 64), "", true},
		{"零", "0", "", true},
		{"负数", "-5", "", true},
		{"小数", "1.5", "", true},
		{"空字符串", "", "", true},
		{"前导零十六进制", "0x01", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestValidateCreate_Valid(t *testing.T) {
	v := newTestValidator(true)

	parsed, result := v.ValidateCreate(&CreateRequest{
		Beneficiary:   "0x1111111111111111111111111111111111111111",
		TotalAmount:   "1000",
		ScheduleStart: now + 60,
		PhaseInterval: 86400,
	})

	require.True(t, result.Valid)
	assert.NoError(t, result.Err())
	assert.Equal(t, "create", result.DataType)
	require.NotNil(t, parsed)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), parsed.Beneficiary)
	assert.Equal(t, int64(1000), parsed.TotalAmount.Int64())
	assert.Equal(t, uint64(86400), parsed.PhaseInterval)
}

func TestValidateCreate_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		req   *CreateRequest
		field string
	}{
		{"空请求", nil, "request"},
		{"零地址受益人", &CreateRequest{Beneficiary: "0x0000000000000000000000000000000000000000", TotalAmount: "1", ScheduleStart: now, PhaseInterval: 1}, "beneficiary"},
		{"无效受益人", &CreateRequest{Beneficiary: "alice", TotalAmount: "1", ScheduleStart: now, PhaseInterval: 1}, "beneficiary"},
		{"零数量", &CreateRequest{Beneficiary: "0x1111111111111111111111111111111111111111", TotalAmount: "0", ScheduleStart: now, PhaseInterval: 1}, "total_amount"},
		{"零间隔", &CreateRequest{Beneficiary: "0x1111111111111111111111111111111111111111", TotalAmount: "1", ScheduleStart: now, PhaseInterval: 0}, "phase_interval"},
		{"激活时间溢出", &CreateRequest{Beneficiary: "0x1111111111111111111111111111111111111111", TotalAmount: "1", ScheduleStart: math.MaxUint64 - 10, PhaseInterval: 2}, "phase_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, result := newTestValidator(false).ValidateCreate(tt.req)

			assert.Nil(t, parsed)
			assert.False(t, result.Valid)
			require.NotEmpty(t, result.Errors)
			assert.Equal(t, tt.field, result.Errors[0].Context["field"])
			assert.True(t, stderrors.Is(result.Err(), errors.ErrValidationFailed))
		})
	}
}

func TestValidateCreate_PastStart(t *testing.T) {
	req := &CreateRequest{
		Beneficiary:   "0x1111111111111111111111111111111111111111",
		TotalAmount:   "1000",
		ScheduleStart: now - 3600,
		PhaseInterval: 60,
	}

	parsed, result := newTestValidator(false).ValidateCreate(req)
	assert.True(t, result.Valid)
	assert.NotNil(t, parsed)
	assert.Len(t, result.Warnings, 1)

	parsed, result = newTestValidator(true).ValidateCreate(req)
	assert.False(t, result.Valid)
	assert.Nil(t, parsed)
	assert.Equal(t, "schedule_start", result.Errors[0].Context["field"])
}

func TestValidateRegisterTransfer(t *testing.T) {
	v := newTestValidator(false)

	parsed, result := v.ValidateRegisterTransfer(&RegisterTransferRequest{
		From:        "0x5fbdb2315678afecb367f032d93f642f64180aa3",
		To:          "0x1111111111111111111111111111111111111111",
		Amount:      "100",
		PhaseNumber: 8,
	})
	require.True(t, result.Valid)
	assert.Equal(t, uint8(8), parsed.PhaseNumber)
	assert.Equal(t, int64(100), parsed.Amount.Int64())

	for _, phase := range []uint8{0, 9} {
		_, result = v.ValidateRegisterTransfer(&RegisterTransferRequest{
			From:        "0x5fbdb2315678afecb367f032d93f642f64180aa3",
			To:          "0x1111111111111111111111111111111111111111",
			Amount:      "100",
			PhaseNumber: phase,
		})
		require.False(t, result.Valid)
		assert.True(t, stderrors.Is(result.Err(), errors.ErrInvalidPhase))
	}

	_, result = v.ValidateRegisterTransfer(&RegisterTransferRequest{From: "bad", To: "bad", Amount: "x", PhaseNumber: 1})
	assert.Len(t, result.Errors, 3)
}

func TestValidateClaim(t *testing.T) {
	target, result := newTestValidator(false).ValidateClaim(&ClaimRequest{Target: "0x1111111111111111111111111111111111111111"})
	assert.True(t, result.Valid)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), target)

	zero := &ClaimRequest{Target: "0x0000000000000000000000000000000000000000"}
	_, result = newTestValidator(false).ValidateClaim(zero)
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings)

	_, result = newTestValidator(true).ValidateClaim(zero)
	assert.False(t, result.Valid)

	_, result = newTestValidator(false).ValidateClaim(&ClaimRequest{Target: "nope"})
	assert.False(t, result.Valid)
}

func TestValidateMint(t *testing.T) {
	v := newTestValidator(false)

	to, amount, result := v.ValidateMint(&MintRequest{To: "0x5fbdb2315678afecb367f032d93f642f64180aa3", Amount: "0x64"})
	require.True(t, result.Valid)
	assert.Equal(t, common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3"), to)
	assert.Equal(t, int64(100), amount.Int64())

	_, _, result = v.ValidateMint(&MintRequest{To: "0x5fbdb2315678afecb367f032d93f642f64180aa3", Amount: "-1"})
	assert.False(t, result.Valid)
}

func TestValidateAddress(t *testing.T) {
	v := newTestValidator(false)

	_, err := v.ValidateAddress("address", "0x1111111111111111111111111111111111111111")
	assert.NoError(t, err)

	_, err = v.ValidateAddress("address", "0x11")
	require.Error(t, err)
	assert.Equal(t, 400, errors.HTTPStatus(err))
}

func TestValidationRules(t *testing.T) {
	assert.NoError(t, NewAddressValidationRule().Validate("0x1111111111111111111111111111111111111111"))
	assert.Error(t, NewAddressValidationRule().Validate(42))
	assert.NoError(t, NewAmountValidationRule().Validate("7"))
	assert.Error(t, NewAmountValidationRule().Validate("0"))
	assert.NoError(t, NewPhaseValidationRule().Validate(uint8(1)))
	assert.Error(t, NewPhaseValidationRule().Validate(uint8(0)))
	assert.Error(t, NewPhaseValidationRule().Validate(1))
}

func TestGetValidationStats(t *testing.T) {
	v := newTestValidator(false)
	v.SetStrictMode(true)

	stats := v.GetValidationStats()
	assert.Equal(t, true, stats["strict_mode"])
	assert.Equal(t, 3, stats["registered_rules"])
}

func BenchmarkParseAddress(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = ParseAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	}
}
