package decimalkernel

import (
	"time"

	"github.com/cryptofunk/locatefees/internal/apierr"
)

// TransactionFeeType selects how the transaction fee component is
// computed.
type TransactionFeeType string

const (
	TransactionFeeFlat       TransactionFeeType = "FLAT"
	TransactionFeePercentage TransactionFeeType = "PERCENTAGE"
)

// Constants holds the process-wide formula parameters loaded once at
// startup from configuration. Kernel constants are not live-reloadable
// for the lifetime of the process (spec: broker configs are live,
// kernel constants are not).
type Constants struct {
	DaysInYear            Decimal
	VolFactor             Decimal
	EventFactor           Decimal
	Scale                 int32
	VolatilityGraceWindow time.Duration
	DefaultVolatilityIndex Decimal
	GlobalMinimumRate      Decimal
}

// DefaultConstants returns the defaults named in the spec: 365-day
// year, vol factor 0.01, event factor 0.005, scale 4.
func DefaultConstants() Constants {
	return Constants{
		DaysInYear:             NewFromInt(365),
		VolFactor:              NewFromFloat(0.01),
		EventFactor:            NewFromFloat(0.005),
		Scale:                  4,
		VolatilityGraceWindow:  15 * time.Minute,
		DefaultVolatilityIndex: NewFromInt(0),
		GlobalMinimumRate:      NewFromInt(0),
	}
}

// FeeBreakdown is both the CalculateFee response and the payload
// persisted into the audit record.
type FeeBreakdown struct {
	BorrowRateUsed Decimal           `json:"borrow_rate_used"`
	TimeFactor     Decimal           `json:"time_factor"`
	BorrowCost     Decimal           `json:"borrow_cost"`
	MarkupAmount   Decimal           `json:"markup_amount"`
	TransactionFee Decimal           `json:"transaction_fee"`
	TotalFee       Decimal           `json:"total_fee"`
	Currency       string            `json:"currency"`
	DataSources    map[string]string `json:"data_sources"`
	CalculatedAt   time.Time         `json:"calculated_at"`
}

// EffectiveMinimumRate resolves the strictest (highest) of the global
// floor, a broker's min_rate_override, and a ticker's own min_rate.
// Decision recorded in SPEC_FULL.md §11.1: each floor
// exists to guard a distinct risk, so the effective floor is the max
// of whichever are present, not a precedence override.
func EffectiveMinimumRate(globalMinimum Decimal, brokerOverride, tickerMinRate *Decimal) Decimal {
	floor := globalMinimum
	if brokerOverride != nil && brokerOverride.GreaterThan(floor) {
		floor = *brokerOverride
	}
	if tickerMinRate != nil && tickerMinRate.GreaterThan(floor) {
		floor = *tickerMinRate
	}
	return floor
}

// AdjustBorrowRate applies the volatility and event-risk adjustment to
// the base rate and floors the result at effectiveMinRate.
//
// adjusted = base_rate * (1 + volatility_index*VOL_FACTOR + event_risk_factor*EVENT_FACTOR)
func AdjustBorrowRate(c Constants, baseRate, volatilityIndex, eventRiskFactor, effectiveMinRate Decimal) (Decimal, error) {
	if baseRate.IsNegative() {
		return Decimal{}, apierr.DomainError("base rate must be non-negative, got %s", baseRate)
	}
	if volatilityIndex.IsNegative() {
		return Decimal{}, apierr.DomainError("volatility index must be non-negative, got %s", volatilityIndex)
	}
	if eventRiskFactor.IsNegative() || eventRiskFactor.GreaterThan(NewFromInt(10)) {
		return Decimal{}, apierr.DomainError("event risk factor must be in [0,10], got %s", eventRiskFactor)
	}

	one := NewFromInt(1)
	adjustmentFactor := one.
		Add(volatilityIndex.Mul(c.VolFactor)).
		Add(eventRiskFactor.Mul(c.EventFactor))
	adjusted := baseRate.Mul(adjustmentFactor)

	if adjusted.LessThan(effectiveMinRate) {
		adjusted = effectiveMinRate
	}
	return adjusted, nil
}

// ComputeBorrowCost computes position_value * adjusted_rate * loan_days
// / DAYS_IN_YEAR, rounded once to the configured scale.
func ComputeBorrowCost(c Constants, positionValue, adjustedRate Decimal, loanDays int) (Decimal, Decimal, error) {
	if positionValue.IsNegative() || positionValue.IsZero() {
		return Decimal{}, Decimal{}, apierr.DomainError("position value must be positive, got %s", positionValue)
	}
	if loanDays <= 0 {
		return Decimal{}, Decimal{}, apierr.DomainError("loan days must be positive, got %d", loanDays)
	}
	if adjustedRate.IsNegative() {
		return Decimal{}, Decimal{}, apierr.DomainError("adjusted rate must be non-negative, got %s", adjustedRate)
	}

	timeFactor := NewFromInt(int64(loanDays)).Div(c.DaysInYear)
	cost := positionValue.Mul(adjustedRate).Mul(timeFactor).RoundBank(c.Scale)
	return cost, timeFactor, nil
}

// ComputeMarkup computes borrow_cost * markup_percent, rounded.
func ComputeMarkup(c Constants, borrowCost, markupPercent Decimal) (Decimal, error) {
	if markupPercent.IsNegative() {
		return Decimal{}, apierr.DomainError("markup percent must be non-negative, got %s", markupPercent)
	}
	return borrowCost.Mul(markupPercent).RoundBank(c.Scale), nil
}

// ComputeTransactionFee computes the transaction fee component: a
// fixed value for FLAT, or position_value * value for PERCENTAGE.
func ComputeTransactionFee(c Constants, positionValue Decimal, feeType TransactionFeeType, feeValue Decimal) (Decimal, error) {
	if feeValue.IsNegative() {
		return Decimal{}, apierr.DomainError("transaction fee value must be non-negative, got %s", feeValue)
	}
	switch feeType {
	case TransactionFeeFlat:
		return feeValue.RoundBank(c.Scale), nil
	case TransactionFeePercentage:
		return positionValue.Mul(feeValue).RoundBank(c.Scale), nil
	default:
		return Decimal{}, apierr.DomainError("unknown transaction fee type %q", feeType)
	}
}

// AssembleBreakdown sums the three rounded components into total_fee
// with no further rounding, preserving the additivity invariant
// total_fee == borrow_cost + markup_amount + transaction_fee exactly.
func AssembleBreakdown(borrowRateUsed, timeFactor, borrowCost, markupAmount, transactionFee Decimal, currency string, dataSources map[string]string, calculatedAt time.Time) FeeBreakdown {
	total := borrowCost.Add(markupAmount).Add(transactionFee)
	return FeeBreakdown{
		BorrowRateUsed: borrowRateUsed,
		TimeFactor:     timeFactor,
		BorrowCost:     borrowCost,
		MarkupAmount:   markupAmount,
		TransactionFee: transactionFee,
		TotalFee:       total,
		Currency:       currency,
		DataSources:    dataSources,
		CalculatedAt:   calculatedAt,
	}
}
