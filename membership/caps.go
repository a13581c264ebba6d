package membership

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/core"
)

// CapViolation names the tier cap a case would break. Empty means none.
type CapViolation string

const (
	CapOK                   CapViolation = ""
	CapDailyCases           CapViolation = "daily_case_limit"
	CapMonthlyAmount        CapViolation = "monthly_amount_limit"
	CapEnterpriseIneligible CapViolation = "enterprise_ineligible"
)

// Check reports whether accepting one more case of amount at at would break
// one of the tier's caps for provider p.
func (l Limits) Check(p core.ProviderProfile, amount decimal.Decimal, enterprise bool, at time.Time) CapViolation {
	if enterprise && !l.EnterpriseEligible {
		return CapEnterpriseIneligible
	}
	if l.DailyCaseLimit > 0 && p.CasesOn(core.DayKey(at))+1 > l.DailyCaseLimit {
		return CapDailyCases
	}
	if l.MonthlyAmountLimit.IsPositive() && p.AmountIn(core.MonthKey(at)).Add(amount).GreaterThan(l.MonthlyAmountLimit) {
		return CapMonthlyAmount
	}
	return CapOK
}
