package pipeline

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payline/internal/config"
	"payline/internal/domain"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func newLine(t *testing.T, base string) *domain.PayrollLine {
	return &domain.PayrollLine{
		ID:              "line-1",
		RunID:           "run-1",
		EmployeeID:      "emp-1",
		BaseSalary:      dec(t, base),
		Allowances:      decimal.Zero,
		Bonuses:         decimal.Zero,
		Penalties:       decimal.Zero,
		OvertimeHours:   decimal.Zero,
		UnpaidLeaveDays: decimal.Zero,
	}
}

func TestProgressiveTax(t *testing.T) {
	policy := config.Default()
	cases := []struct {
		taxable string
		want    string
	}{
		{"0", "0"},
		{"1000", "0"},       // entirely in the zero bracket
		{"1500", "50"},      // 500 at 10%
		{"3000", "200"},     // 2000 at 10%
		{"4400", "480"},     // 200 + 1400 at 20%
		{"8000", "1200"},    // 200 + 5000 at 20%
		{"10000", "1800"},   // 1200 + 2000 at 30%
		{"1000.50", "0.05"}, // 0.50 at 10%
	}
	for _, tc := range cases {
		got := progressiveTax(dec(t, tc.taxable), policy)
		assert.True(t, got.Equal(dec(t, tc.want)), "tax(%s) = %s, want %s", tc.taxable, got, tc.want)
	}
}

func TestPolicyStageOvertime(t *testing.T) {
	policy := config.Default()
	line := newLine(t, "4400")
	line.OvertimeHours = dec(t, "10")

	res := Policy(line, policy)
	require.True(t, res.OK())
	// Hourly 4400/(22*8) = 25; 10h at 1.5x = 375.
	assert.True(t, line.OvertimePay.Equal(dec(t, "375")), "overtime = %s", line.OvertimePay)
	assert.True(t, line.MarginalRate.Equal(dec(t, "0.2")))
	assert.True(t, line.StatutoryRate.Equal(dec(t, "0.05")))
}

func TestPolicyStageRefusesIncompleteInputs(t *testing.T) {
	policy := config.Default()
	line := newLine(t, "4400")
	line.InputsIncomplete = true

	res := Policy(line, policy)
	assert.True(t, res.Incomplete())
	assert.Nil(t, line.TaxableBase)
}

func TestGrossStageRejectsNegativeComponents(t *testing.T) {
	policy := config.Default()
	line := newLine(t, "4400")
	require.True(t, Policy(line, policy).OK())
	line.Bonuses = dec(t, "-50")

	res := Gross(line, policy)
	require.True(t, res.Failed())
	assert.Contains(t, res.Detail, "bonuses")
	assert.Nil(t, line.GrossPay)
}

func TestDeductionsUnpaidLeave(t *testing.T) {
	policy := config.Default()
	line := newLine(t, "2200")
	line.UnpaidLeaveDays = dec(t, "3")
	require.True(t, Policy(line, policy).OK())
	require.True(t, Gross(line, policy).OK())

	res := Deductions(line, policy)
	require.True(t, res.OK())
	// Daily rate 2200/22 = 100; three days = 300.
	assert.True(t, line.UnpaidLeaveDeductions.Equal(dec(t, "300")), "leave = %s", line.UnpaidLeaveDeductions)
}

func TestFinalizeRoundsHalfToEven(t *testing.T) {
	policy := config.Default()
	line := newLine(t, "1000")
	require.True(t, Policy(line, policy).OK())
	require.True(t, Gross(line, policy).OK())
	require.True(t, Deductions(line, policy).OK())

	// Force an intermediate that lands exactly on a half cent.
	half := dec(t, "50.005")
	line.TaxDeductions = &half

	res := Finalize(line, policy)
	require.True(t, res.OK())
	assert.True(t, line.TaxDeductions.Equal(dec(t, "50")), "tax rounded to %s", line.TaxDeductions)
	// 1000 - 50 - 50 (insurance) = 900.
	assert.True(t, line.NetPay.Equal(dec(t, "900")), "net = %s", line.NetPay)
	assert.True(t, line.Finalized)

	// And the odd side rounds up.
	odd := dec(t, "50.015")
	assert.True(t, policy.Round(odd).Equal(dec(t, "50.02")))
	even := dec(t, "50.025")
	assert.True(t, policy.Round(even).Equal(dec(t, "50.02")))
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	policy := config.Default()
	line := newLine(t, "4400")
	line.Penalties = dec(t, "-1")

	res := Run(line, policy, domain.StagePolicy)
	require.True(t, res.Failed())
	assert.Equal(t, domain.StageDeductions, res.Stage)
	assert.False(t, line.Finalized)
	assert.NotEmpty(t, line.LastError)
	assert.False(t, line.StageDone[string(domain.StageFinalize)])
}

func TestRunFromLaterStageKeepsEarlierResults(t *testing.T) {
	policy := config.Default()
	line := newLine(t, "4400")
	res := Run(line, policy, domain.StagePolicy)
	require.True(t, res.OK())
	require.True(t, line.Finalized)
	firstNet := *line.NetPay

	// Replaying from deductions reuses the policy and gross results.
	res = Run(line, policy, domain.StageDeductions)
	require.True(t, res.OK())
	assert.True(t, line.NetPay.Equal(firstNet))
}
