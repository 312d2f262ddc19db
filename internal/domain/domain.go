package domain

import "github.com/shopspring/decimal"

// Run statuses.
const (
	RunDraft       = "draft"
	RunProcessing  = "processing"
	RunUnderReview = "under_review"
	RunFailed      = "failed"
	RunApproved    = "approved"
	RunCompleted   = "completed"
)

// Exception lifecycle statuses.
const (
	ExceptionOpen       = "open"
	ExceptionInProgress = "in_progress"
	ExceptionResolved   = "resolved"
	ExceptionRejected   = "rejected"
)

// PayrollRun is one payroll calculation cycle for a period. A run that has
// executed any stage is never deleted, only superseded.
type PayrollRun struct {
	ID             string            `json:"id"`
	PeriodStart    string            `json:"period_start" format:"date"`
	PeriodEnd      string            `json:"period_end" format:"date"`
	Status         string            `json:"status" enum:"draft,processing,under_review,failed,approved,completed"`
	PolicyVersion  string            `json:"policy_version,omitempty"`
	EmployeeCount  int               `json:"employee_count"`
	TotalGross     decimal.Decimal   `json:"total_gross"`
	TotalNet       decimal.Decimal   `json:"total_net"`
	OpenExceptions int               `json:"open_exceptions"`
	StageStatus    map[string]string `json:"stage_status,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
	ApprovedAt     *string           `json:"approved_at,omitempty" format:"date-time"`
	CompletedAt    *string           `json:"completed_at,omitempty" format:"date-time"`
	SupersededBy   *string           `json:"superseded_by,omitempty"`
}

// BankRef is an id-only reference into the external bank-detail store plus
// the fields the pipeline needs to judge completeness.
type BankRef struct {
	AccountName   string `json:"account_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
}

// Complete reports whether the reference is usable for disbursement.
func (b BankRef) Complete() bool {
	return b.AccountName != "" && b.AccountNumber != "" && b.BankName != ""
}

// PayrollLine is one employee's record within a run. Fact fields are written
// by the snapshot stage (or a resolution patch) only; computed fields are
// written by the calculation stages only. NetPay is meaningful only when
// Finalized is true.
type PayrollLine struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	EmployeeID string `json:"employee_id"`

	// Facts.
	BaseSalary      decimal.Decimal `json:"base_salary"`
	Allowances      decimal.Decimal `json:"allowances"`
	Bonuses         decimal.Decimal `json:"bonuses"`
	Penalties       decimal.Decimal `json:"penalties"`
	OvertimeHours   decimal.Decimal `json:"overtime_hours"`
	UnpaidLeaveDays decimal.Decimal `json:"unpaid_leave_days"`
	Bank            BankRef         `json:"bank"`

	// Policy-adjusted intermediates.
	TaxableBase   *decimal.Decimal `json:"taxable_base,omitempty"`
	MarginalRate  *decimal.Decimal `json:"marginal_rate,omitempty"`
	StatutoryRate *decimal.Decimal `json:"statutory_rate,omitempty"`
	OvertimePay   *decimal.Decimal `json:"overtime_pay,omitempty"`

	// Computed amounts.
	GrossPay              *decimal.Decimal `json:"gross_pay,omitempty"`
	TaxDeductions         *decimal.Decimal `json:"tax_deductions,omitempty"`
	InsuranceDeductions   *decimal.Decimal `json:"insurance_deductions,omitempty"`
	SalaryDeductions      *decimal.Decimal `json:"salary_deductions,omitempty"`
	UnpaidLeaveDeductions *decimal.Decimal `json:"unpaid_leave_deductions,omitempty"`
	NetPay                *decimal.Decimal `json:"net_pay,omitempty"`

	StageDone        map[string]bool `json:"stage_done,omitempty"`
	InputsIncomplete bool            `json:"inputs_incomplete"`
	Finalized        bool            `json:"finalized"`
	FinalizedAt      *string         `json:"finalized_at,omitempty" format:"date-time"`
	LastError        string          `json:"last_error,omitempty"`

	// Excluded marks a line whose employee left the payroll population after
	// the line was calculated. The row stays for audit; totals and exception
	// counts skip it. A full snapshot rebuild re-includes a returning
	// employee's line.
	Excluded bool `json:"excluded,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// TotalDeductions sums the deduction components that are present.
func (l PayrollLine) TotalDeductions() decimal.Decimal {
	sum := decimal.Zero
	for _, d := range []*decimal.Decimal{l.TaxDeductions, l.InsuranceDeductions, l.SalaryDeductions, l.UnpaidLeaveDeductions} {
		if d != nil {
			sum = sum.Add(*d)
		}
	}
	return sum
}

// Exception is a detected anomaly on a line requiring human resolution.
// Created only by the detector; transitioned only by the resolution workflow.
type Exception struct {
	ID             string        `json:"id"`
	RunID          string        `json:"run_id"`
	LineID         string        `json:"line_id"`
	EmployeeID     string        `json:"employee_id"`
	Type           ExceptionType `json:"type"`
	Severity       Severity      `json:"severity"`
	Description    string        `json:"description"`
	Status         string        `json:"status" enum:"open,in_progress,resolved,rejected"`
	ResolutionNote string        `json:"resolution_note,omitempty"`
	ResolvedBy     string        `json:"resolved_by,omitempty"`
	ResolvedAt     *string       `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt      string        `json:"created_at" format:"date-time"`
	UpdatedAt      string        `json:"updated_at" format:"date-time"`
}

// Open reports whether the exception still demands attention.
func (e Exception) Open() bool {
	return e.Status == ExceptionOpen || e.Status == ExceptionInProgress
}

// Event is one append-only audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Employee is the narrow master-data view this core consumes. It references
// the external directory by id only; nothing here is owned by the pipeline.
type Employee struct {
	ID           string          `json:"id"`
	FullName     string          `json:"full_name"`
	BaseSalary   decimal.Decimal `json:"base_salary"`
	Allowances   decimal.Decimal `json:"allowances"`
	SigningBonus decimal.Decimal `json:"signing_bonus"`
	Status       string          `json:"status"`
	Bank         BankRef         `json:"bank"`
}

// PeriodSummary is the attendance/leave collaborator's answer for one
// employee and period.
type PeriodSummary struct {
	EmployeeID      string          `json:"employee_id"`
	OvertimeHours   decimal.Decimal `json:"overtime_hours"`
	UnpaidLeaveDays decimal.Decimal `json:"unpaid_leave_days"`
	LatenessCount   int             `json:"lateness_count"`
}

// Penalty is an active disciplinary deduction against an employee.
type Penalty struct {
	ID         string          `json:"id"`
	EmployeeID string          `json:"employee_id"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason,omitempty"`
}
