package api

import (
	"net/http"
	"strconv"

	"distributor/internal/errors"
	"distributor/internal/schedule"
	"distributor/internal/token"
	"distributor/internal/validation"
	"distributor/internal/vesting"

	"github.com/gin-gonic/gin"
)

// bindJSON 解析请求体，失败时写入400响应
func (s *Server) bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.respondError(c, errors.ErrValidationFailed.WithComponent("api").Wrap(err))
		return false
	}
	return true
}

// loadDistributor 解析路径中的地址并查找分发合约
func (s *Server) loadDistributor(c *gin.Context) (*vesting.Distributor, bool) {
	addr, err := s.validator.ValidateAddress("address", c.Param("address"))
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	d, err := s.factory.Distributor(addr)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	return d, true
}

// getFactory 获取工厂信息
func (s *Server) getFactory(c *gin.Context) {
	c.JSON(http.StatusOK, s.factory.Stats())
}

// createDistributor 创建分发合约
func (s *Server) createDistributor(c *gin.Context) {
	var req validation.CreateRequest
	if !s.bindJSON(c, &req) {
		return
	}

	parsed, result := s.validator.ValidateCreate(&req)
	if err := result.Err(); err != nil {
		s.respondError(c, err)
		return
	}

	record, _, err := s.factory.Create(c.Request.Context(), caller(c),
		parsed.Beneficiary, parsed.TotalAmount, parsed.ScheduleStart, parsed.PhaseInterval)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"newContractAddress": record.DistributorAddress.Hex(),
		"record":             record,
		"warnings":           result.Warnings,
	})
}

// listDistributors 列出创建记录，可按受益人过滤
func (s *Server) listDistributors(c *gin.Context) {
	if raw := c.Query("beneficiary"); raw != "" {
		beneficiary, err := s.validator.ValidateAddress("beneficiary", raw)
		if err != nil {
			s.respondError(c, err)
			return
		}
		records := s.factory.RecordsByBeneficiary(beneficiary)
		c.JSON(http.StatusOK, gin.H{"records": records, "total": len(records)})
		return
	}

	records := s.factory.Records()
	c.JSON(http.StatusOK, gin.H{"records": records, "total": len(records)})
}

// getDistributor 获取分发合约概要
func (s *Server) getDistributor(c *gin.Context) {
	d, ok := s.loadDistributor(c)
	if !ok {
		return
	}

	vs := d.Schedule()
	summary := gin.H{
		"address":            d.Address().Hex(),
		"owner":              d.Owner().Hex(),
		"total_amount":       vs.TotalAmount.String(),
		"schedule_start":     vs.Start,
		"phase_interval":     vs.Interval,
		"claimed_cumulative": d.ClaimedCumulative().String(),
		"started":            false,
	}

	if current, err := d.GetCurrentPhaseNumber(); err == nil {
		summary["started"] = true
		summary["current_phase"] = current
		if available, err := d.TokensAvailableForCurrentPhase(); err == nil {
			summary["available"] = available.String()
		}
	}

	c.JSON(http.StatusOK, summary)
}

// getPhases 获取全部阶段
func (s *Server) getPhases(c *gin.Context) {
	d, ok := s.loadDistributor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"phases": d.Phases()})
}

// getPhase 按编号获取阶段
func (s *Server) getPhase(c *gin.Context) {
	d, ok := s.loadDistributor(c)
	if !ok {
		return
	}

	n, err := strconv.ParseUint(c.Param("number"), 10, 8)
	if err != nil {
		s.respondError(c, errors.ErrInvalidPhase.WithContext("phase", c.Param("number")))
		return
	}
	phase, err := d.GetPhaseByNumber(uint8(n))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, phase)
}

// getCurrentPhase 获取当前阶段编号
func (s *Server) getCurrentPhase(c *gin.Context) {
	d, ok := s.loadDistributor(c)
	if !ok {
		return
	}

	current, err := d.GetCurrentPhaseNumber()
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"current_phase": current, "phases_num": schedule.PhasesNum})
}

// getAvailable 获取当前可领取数量
func (s *Server) getAvailable(c *gin.Context) {
	d, ok := s.loadDistributor(c)
	if !ok {
		return
	}

	available, err := d.TokensAvailableForCurrentPhase()
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": available.String()})
}

// claim 受益人领取已解锁的代币
func (s *Server) claim(c *gin.Context) {
	d, ok := s.loadDistributor(c)
	if !ok {
		return
	}

	var req validation.ClaimRequest
	if !s.bindJSON(c, &req) {
		return
	}
	target, result := s.validator.ValidateClaim(&req)
	if err := result.Err(); err != nil {
		s.respondError(c, err)
		return
	}

	event, err := d.Transfer(c.Request.Context(), caller(c), target)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"claim":    event,
		"warnings": result.Warnings,
	})
}

// registerTransfer 管理员登记转账
func (s *Server) registerTransfer(c *gin.Context) {
	var req validation.RegisterTransferRequest
	if !s.bindJSON(c, &req) {
		return
	}

	parsed, result := s.validator.ValidateRegisterTransfer(&req)
	if err := result.Err(); err != nil {
		s.respondError(c, err)
		return
	}

	record, err := s.factory.RegisterTransfer(c.Request.Context(), caller(c),
		parsed.From, parsed.To, parsed.Amount, parsed.PhaseNumber)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transfer": record})
}

// listTransfers 列出转账登记
func (s *Server) listTransfers(c *gin.Context) {
	transfers := s.factory.Transfers()
	c.JSON(http.StatusOK, gin.H{"transfers": transfers, "total": len(transfers)})
}

// mint 管理员向内存账本增发代币
func (s *Server) mint(c *gin.Context) {
	if caller(c) != s.factory.Owner() {
		s.respondError(c, errors.ErrUnauthorized.
			WithContext("caller", caller(c).Hex()).
			WithContext("required", s.factory.Owner().Hex()))
		return
	}

	ledger, ok := s.factory.Ledger().(*token.MemoryLedger)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "当前代币账本不支持增发"})
		return
	}

	var req validation.MintRequest
	if !s.bindJSON(c, &req) {
		return
	}
	to, amount, result := s.validator.ValidateMint(&req)
	if err := result.Err(); err != nil {
		s.respondError(c, err)
		return
	}

	if err := ledger.Mint(to, amount); err != nil {
		s.respondError(c, errors.ErrValidationFailed.WithComponent("token").Wrap(err))
		return
	}

	balance, err := ledger.BalanceOf(c.Request.Context(), to)
	if err != nil {
		s.respondError(c, errors.ErrTokenTransferFailed.WithComponent("token").Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"to":           to.Hex(),
		"amount":       amount.String(),
		"balance":      balance.String(),
		"total_supply": ledger.TotalSupply().String(),
	})
}

// getBalance 查询代币余额
func (s *Server) getBalance(c *gin.Context) {
	holder, err := s.validator.ValidateAddress("address", c.Param("address"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	balance, err := s.factory.Ledger().BalanceOf(c.Request.Context(), holder)
	if err != nil {
		s.respondError(c, errors.ErrTokenTransferFailed.WithComponent("token").Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": holder.Hex(), "balance": balance.String()})
}
