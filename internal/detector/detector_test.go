package detector

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

func cleanLine(t *testing.T) domain.PayrollLine {
	gross := dec(t, "4000")
	salaryDed := dec(t, "100")
	net := dec(t, "3400")
	return domain.PayrollLine{
		ID:               "line-1",
		EmployeeID:       "emp-1",
		BaseSalary:       dec(t, "4000"),
		Bank:             domain.BankRef{AccountName: "A", AccountNumber: "1", BankName: "B"},
		GrossPay:         &gross,
		SalaryDeductions: &salaryDed,
		NetPay:           &net,
		Finalized:        true,
	}
}

func types(fs []Finding) []domain.ExceptionType {
	out := make([]domain.ExceptionType, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Type)
	}
	return out
}

func TestCleanLineHasNoFindings(t *testing.T) {
	assert.Empty(t, Detect(cleanLine(t), config.Default()))
}

func TestMissingBankDetails(t *testing.T) {
	line := cleanLine(t)
	line.Bank.AccountNumber = ""
	fs := Detect(line, config.Default())
	require.Len(t, fs, 1)
	assert.Equal(t, domain.ExcMissingBankDetails, fs[0].Type)
	assert.Equal(t, domain.SeverityMedium, fs[0].Severity)
}

func TestZeroBaseSalary(t *testing.T) {
	line := cleanLine(t)
	line.BaseSalary = decimal.Zero
	fs := Detect(line, config.Default())
	assert.Contains(t, types(fs), domain.ExcZeroBaseSalary)
}

func TestNegativeNetPayOnlyWhenFinalized(t *testing.T) {
	line := cleanLine(t)
	neg := dec(t, "-12.50")
	line.NetPay = &neg

	fs := Detect(line, config.Default())
	assert.Contains(t, types(fs), domain.ExcNegativeNetPay)

	line.Finalized = false
	fs = Detect(line, config.Default())
	assert.NotContains(t, types(fs), domain.ExcNegativeNetPay)
}

func TestExcessivePenaltiesThresholdIsStrict(t *testing.T) {
	policy := config.Default()
	line := cleanLine(t)

	// Exactly half of gross is tolerated.
	atThreshold := dec(t, "2000")
	line.SalaryDeductions = &atThreshold
	assert.NotContains(t, types(Detect(line, policy)), domain.ExcExcessivePenalties)

	over := dec(t, "2000.01")
	line.SalaryDeductions = &over
	fs := Detect(line, policy)
	require.Contains(t, types(fs), domain.ExcExcessivePenalties)
	for _, f := range fs {
		if f.Type == domain.ExcExcessivePenalties {
			assert.Equal(t, domain.SeverityHigh, f.Severity)
		}
	}
}

func TestCalculationError(t *testing.T) {
	line := cleanLine(t)
	line.LastError = "negative penalties: -1"
	fs := Detect(line, config.Default())
	require.Contains(t, types(fs), domain.ExcCalculationError)
	for _, f := range fs {
		if f.Type == domain.ExcCalculationError {
			assert.Equal(t, domain.SeverityCritical, f.Severity)
		}
	}

	// Incomplete inputs are a snapshot problem, not a calculation error.
	line.InputsIncomplete = true
	assert.NotContains(t, types(Detect(line, config.Default())), domain.ExcCalculationError)
}

func TestDetectOnHalfCalculatedLine(t *testing.T) {
	// Only the fact-based rules fire before the stages have produced
	// computed amounts.
	line := domain.PayrollLine{ID: "line-1", EmployeeID: "emp-1", BaseSalary: decimal.Zero}
	fs := Detect(line, config.Default())
	assert.ElementsMatch(t, []domain.ExceptionType{domain.ExcMissingBankDetails, domain.ExcZeroBaseSalary}, types(fs))
}
