package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"payline/internal/domain"
)

func TestRefreshTotalsToleratesMissingAmounts(t *testing.T) {
	e := &Engine{}
	gross := decimal.RequireFromString("100")
	net := decimal.RequireFromString("80")

	// A finalized row whose net_pay column is NULL must not panic the
	// settle path; it simply contributes nothing to the net total.
	lines := []domain.PayrollLine{
		{Finalized: true, GrossPay: &gross},
		{Finalized: true, GrossPay: &gross, NetPay: &net},
	}
	run := e.refreshTotals(domain.PayrollRun{}, lines)
	if run.EmployeeCount != 2 {
		t.Fatalf("employee count = %d", run.EmployeeCount)
	}
	if !run.TotalGross.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("total gross = %s", run.TotalGross)
	}
	if !run.TotalNet.Equal(net) {
		t.Fatalf("total net = %s", run.TotalNet)
	}
}

func TestRefreshTotalsSkipsExcludedLines(t *testing.T) {
	e := &Engine{}
	net := decimal.RequireFromString("500")
	lines := []domain.PayrollLine{
		{Finalized: true, GrossPay: &net, NetPay: &net},
		{Finalized: true, GrossPay: &net, NetPay: &net, Excluded: true},
	}
	run := e.refreshTotals(domain.PayrollRun{}, lines)
	if run.EmployeeCount != 1 {
		t.Fatalf("employee count = %d", run.EmployeeCount)
	}
	if !run.TotalNet.Equal(net) {
		t.Fatalf("total net = %s", run.TotalNet)
	}
}
