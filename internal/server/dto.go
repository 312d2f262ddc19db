package server

import (
	"payline/internal/domain"
	"payline/internal/repo"
)

// Request payloads

type CreateRunRequest struct {
	PeriodStart   string  `json:"period_start" format:"date"`
	PeriodEnd     string  `json:"period_end" format:"date"`
	PolicyVersion *string `json:"policy_version,omitempty"`
}

type RecalculateRequest struct {
	Stage      *string `json:"stage,omitempty" enum:"snapshot,policy,gross,deductions,finalize"`
	EmployeeID *string `json:"employee_id,omitempty"`
}

type BankDetailsRequest struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
}

type ResolveExceptionRequest struct {
	Note           string              `json:"note"`
	AdjustedAmount *string             `json:"adjusted_amount,omitempty"`
	Bank           *BankDetailsRequest `json:"bank,omitempty"`
}

type RejectExceptionRequest struct {
	Reason string `json:"reason"`
}

type ImportPolicyRequest struct {
	YAML string `json:"yaml"`
}

// Response payloads. Money travels as decimal strings.

type RunResponse struct {
	ID             string            `json:"id"`
	PeriodStart    string            `json:"period_start" format:"date"`
	PeriodEnd      string            `json:"period_end" format:"date"`
	Status         string            `json:"status" enum:"draft,processing,under_review,failed,approved,completed"`
	PolicyVersion  string            `json:"policy_version,omitempty"`
	EmployeeCount  int               `json:"employee_count"`
	TotalGross     string            `json:"total_gross"`
	TotalNet       string            `json:"total_net"`
	OpenExceptions int               `json:"open_exceptions"`
	StageStatus    map[string]string `json:"stage_status,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
	ApprovedAt     *string           `json:"approved_at,omitempty" format:"date-time"`
	CompletedAt    *string           `json:"completed_at,omitempty" format:"date-time"`
	SupersededBy   *string           `json:"superseded_by,omitempty"`
}

func runResponse(r domain.PayrollRun) RunResponse {
	return RunResponse{
		ID:             r.ID,
		PeriodStart:    r.PeriodStart,
		PeriodEnd:      r.PeriodEnd,
		Status:         r.Status,
		PolicyVersion:  r.PolicyVersion,
		EmployeeCount:  r.EmployeeCount,
		TotalGross:     r.TotalGross.String(),
		TotalNet:       r.TotalNet.String(),
		OpenExceptions: r.OpenExceptions,
		StageStatus:    r.StageStatus,
		FailureReason:  r.FailureReason,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ApprovedAt:     r.ApprovedAt,
		CompletedAt:    r.CompletedAt,
		SupersededBy:   r.SupersededBy,
	}
}

type LineResponse struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	EmployeeID string `json:"employee_id"`

	BaseSalary      string `json:"base_salary"`
	Allowances      string `json:"allowances"`
	Bonuses         string `json:"bonuses"`
	Penalties       string `json:"penalties"`
	OvertimeHours   string `json:"overtime_hours"`
	UnpaidLeaveDays string `json:"unpaid_leave_days"`
	BankComplete    bool   `json:"bank_complete"`

	OvertimePay           *string `json:"overtime_pay,omitempty"`
	GrossPay              *string `json:"gross_pay,omitempty"`
	TaxDeductions         *string `json:"tax_deductions,omitempty"`
	InsuranceDeductions   *string `json:"insurance_deductions,omitempty"`
	SalaryDeductions      *string `json:"salary_deductions,omitempty"`
	UnpaidLeaveDeductions *string `json:"unpaid_leave_deductions,omitempty"`
	NetPay                *string `json:"net_pay,omitempty"`

	InputsIncomplete bool            `json:"inputs_incomplete"`
	Finalized        bool            `json:"finalized"`
	Excluded         bool            `json:"excluded"`
	StageDone        map[string]bool `json:"stage_done,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
}

func lineResponse(l domain.PayrollLine) LineResponse {
	str := func(d interface{ String() string }) *string {
		s := d.String()
		return &s
	}
	resp := LineResponse{
		ID:               l.ID,
		RunID:            l.RunID,
		EmployeeID:       l.EmployeeID,
		BaseSalary:       l.BaseSalary.String(),
		Allowances:       l.Allowances.String(),
		Bonuses:          l.Bonuses.String(),
		Penalties:        l.Penalties.String(),
		OvertimeHours:    l.OvertimeHours.String(),
		UnpaidLeaveDays:  l.UnpaidLeaveDays.String(),
		BankComplete:     l.Bank.Complete(),
		InputsIncomplete: l.InputsIncomplete,
		Finalized:        l.Finalized,
		Excluded:         l.Excluded,
		StageDone:        l.StageDone,
		LastError:        l.LastError,
		UpdatedAt:        l.UpdatedAt,
	}
	if l.OvertimePay != nil {
		resp.OvertimePay = str(l.OvertimePay)
	}
	if l.GrossPay != nil {
		resp.GrossPay = str(l.GrossPay)
	}
	if l.TaxDeductions != nil {
		resp.TaxDeductions = str(l.TaxDeductions)
	}
	if l.InsuranceDeductions != nil {
		resp.InsuranceDeductions = str(l.InsuranceDeductions)
	}
	if l.SalaryDeductions != nil {
		resp.SalaryDeductions = str(l.SalaryDeductions)
	}
	if l.UnpaidLeaveDeductions != nil {
		resp.UnpaidLeaveDeductions = str(l.UnpaidLeaveDeductions)
	}
	if l.NetPay != nil {
		resp.NetPay = str(l.NetPay)
	}
	return resp
}

type ExceptionResponse struct {
	ID             string  `json:"id"`
	RunID          string  `json:"run_id"`
	LineID         string  `json:"line_id"`
	EmployeeID     string  `json:"employee_id"`
	Type           string  `json:"type"`
	Severity       string  `json:"severity" enum:"MEDIUM,HIGH,CRITICAL"`
	Description    string  `json:"description"`
	Status         string  `json:"status" enum:"open,in_progress,resolved,rejected"`
	ResolutionNote string  `json:"resolution_note,omitempty"`
	ResolvedBy     string  `json:"resolved_by,omitempty"`
	ResolvedAt     *string `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

func exceptionResponse(e domain.Exception) ExceptionResponse {
	return ExceptionResponse{
		ID:             e.ID,
		RunID:          e.RunID,
		LineID:         e.LineID,
		EmployeeID:     e.EmployeeID,
		Type:           string(e.Type),
		Severity:       string(e.Severity),
		Description:    e.Description,
		Status:         e.Status,
		ResolutionNote: e.ResolutionNote,
		ResolvedBy:     e.ResolvedBy,
		ResolvedAt:     e.ResolvedAt,
		CreatedAt:      e.CreatedAt,
	}
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

type PolicyVersionResponse struct {
	Version   string `json:"version"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func policyVersionResponse(v repo.PolicyVersion) PolicyVersionResponse {
	return PolicyVersionResponse{Version: v.Version, CreatedAt: v.CreatedAt}
}
