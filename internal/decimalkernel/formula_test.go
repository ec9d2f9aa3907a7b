package decimalkernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDec(t *testing.T, s string) Decimal {
	t.Helper()
	d, err := NewFromString(s)
	require.NoError(t, err)
	return d
}

// scenario seeds from §8 of the spec, at scale=4, DAYS_IN_YEAR=365,
// VOL_FACTOR=0.01, EVENT_FACTOR=0.005.
func TestScenarioSeeds(t *testing.T) {
	c := DefaultConstants()

	t.Run("easy_to_borrow_flat_fee", func(t *testing.T) {
		minRate := mustDec(t, "0.0025")
		adjusted, err := AdjustBorrowRate(c, mustDec(t, "0.05"), mustDec(t, "20"), mustDec(t, "0"), minRate)
		require.NoError(t, err)
		assert.Equal(t, "0.06", adjusted.String())

		cost, timeFactor, err := ComputeBorrowCost(c, mustDec(t, "100000"), adjusted, 30)
		require.NoError(t, err)
		assert.Equal(t, "493.1507", cost.String())

		markup, err := ComputeMarkup(c, cost, mustDec(t, "0.05"))
		require.NoError(t, err)
		assert.Equal(t, "24.6575", markup.String())

		tx, err := ComputeTransactionFee(c, mustDec(t, "100000"), TransactionFeeFlat, mustDec(t, "10.00"))
		require.NoError(t, err)
		assert.Equal(t, "10", tx.String())

		breakdown := AssembleBreakdown(adjusted, timeFactor, cost, markup, tx, "USD", nil, time.Unix(0, 0))
		assert.Equal(t, "527.8082", breakdown.TotalFee.String())
	})

	t.Run("hard_to_borrow_percentage_fee", func(t *testing.T) {
		minRate := mustDec(t, "0.01")
		adjusted, err := AdjustBorrowRate(c, mustDec(t, "0.25"), mustDec(t, "35"), mustDec(t, "5"), minRate)
		require.NoError(t, err)
		assert.Equal(t, "0.34375", adjusted.String())

		cost, _, err := ComputeBorrowCost(c, mustDec(t, "50000"), adjusted, 60)
		require.NoError(t, err)
		assert.Equal(t, "2825.3425", cost.String())

		markup, err := ComputeMarkup(c, cost, mustDec(t, "0.07"))
		require.NoError(t, err)
		assert.Equal(t, "197.774", markup.String())

		tx, err := ComputeTransactionFee(c, mustDec(t, "50000"), TransactionFeePercentage, mustDec(t, "0.005"))
		require.NoError(t, err)
		assert.Equal(t, "250", tx.String())

		total := cost.Add(markup).Add(tx)
		assert.Equal(t, "3273.1165", total.String())
	})

	t.Run("min_rate_floor_triggered", func(t *testing.T) {
		minRate := mustDec(t, "0.0025")
		adjusted, err := AdjustBorrowRate(c, mustDec(t, "0.001"), mustDec(t, "0"), mustDec(t, "0"), minRate)
		require.NoError(t, err)
		assert.True(t, adjusted.Equal(minRate))
	})
}

func TestAdditivityProperty(t *testing.T) {
	c := DefaultConstants()
	scenarios := []struct {
		base, vol, event, min, position, markup, txValue string
		days                                              int
		txType                                            TransactionFeeType
	}{
		{"0.10", "10", "2", "0.01", "25000", "0.03", "5.00", 15, TransactionFeeFlat},
		{"0.50", "90", "10", "0.05", "1000000", "0.10", "0.01", 365, TransactionFeePercentage},
		{"0.001", "0", "0", "0.002", "1", "0.5", "0", 1, TransactionFeeFlat},
	}
	for _, s := range scenarios {
		adjusted, err := AdjustBorrowRate(c, mustDec(t, s.base), mustDec(t, s.vol), mustDec(t, s.event), mustDec(t, s.min))
		require.NoError(t, err)
		cost, _, err := ComputeBorrowCost(c, mustDec(t, s.position), adjusted, s.days)
		require.NoError(t, err)
		markup, err := ComputeMarkup(c, cost, mustDec(t, s.markup))
		require.NoError(t, err)
		tx, err := ComputeTransactionFee(c, mustDec(t, s.position), s.txType, mustDec(t, s.txValue))
		require.NoError(t, err)

		breakdown := AssembleBreakdown(adjusted, Decimal{}, cost, markup, tx, "USD", nil, time.Unix(0, 0))
		assert.True(t, breakdown.TotalFee.Equal(cost.Add(markup).Add(tx)))
	}
}

func TestMinimumRateFloorProperty(t *testing.T) {
	c := DefaultConstants()
	adjusted, err := AdjustBorrowRate(c, mustDec(t, "0.0001"), mustDec(t, "0"), mustDec(t, "0"), mustDec(t, "0.02"))
	require.NoError(t, err)
	assert.True(t, adjusted.GreaterThanOrEqual(mustDec(t, "0.02")))
}

func TestTimeProrationLinearity(t *testing.T) {
	c := DefaultConstants()
	adjusted := mustDec(t, "0.05")
	cost1, _, err := ComputeBorrowCost(c, mustDec(t, "100000"), adjusted, 10)
	require.NoError(t, err)
	cost2, _, err := ComputeBorrowCost(c, mustDec(t, "100000"), adjusted, 20)
	require.NoError(t, err)

	doubled := cost1.Mul(NewFromInt(2)).RoundBank(c.Scale)
	diff := doubled.Sub(cost2)
	if diff.IsNegative() {
		diff = Decimal{}.Sub(diff)
	}
	oneUnit := mustDec(t, "0.0001")
	assert.True(t, diff.LessThan(oneUnit) || diff.Equal(oneUnit))
}

func TestEffectiveMinimumRateTakesStrictest(t *testing.T) {
	global := mustDec(t, "0.0010")
	broker := mustDec(t, "0.0050")
	ticker := mustDec(t, "0.0030")

	got := EffectiveMinimumRate(global, &broker, &ticker)
	assert.True(t, got.Equal(broker))

	got = EffectiveMinimumRate(global, nil, &ticker)
	assert.True(t, got.Equal(ticker))

	got = EffectiveMinimumRate(global, nil, nil)
	assert.True(t, got.Equal(global))
}

func TestDomainErrors(t *testing.T) {
	c := DefaultConstants()

	_, err := AdjustBorrowRate(c, mustDec(t, "-0.1"), mustDec(t, "0"), mustDec(t, "0"), mustDec(t, "0"))
	assert.Error(t, err)

	_, err = AdjustBorrowRate(c, mustDec(t, "0.1"), mustDec(t, "0"), mustDec(t, "11"), mustDec(t, "0"))
	assert.Error(t, err)

	_, _, err = ComputeBorrowCost(c, mustDec(t, "-5"), mustDec(t, "0.1"), 10)
	assert.Error(t, err)

	_, _, err = ComputeBorrowCost(c, mustDec(t, "100"), mustDec(t, "0.1"), 0)
	assert.Error(t, err)
}
