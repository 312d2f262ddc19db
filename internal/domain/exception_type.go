package domain

// ExceptionType enumerates the anomaly conditions the detector knows.
type ExceptionType string

const (
	ExcMissingBankDetails ExceptionType = "MISSING_BANK_DETAILS"
	ExcZeroBaseSalary     ExceptionType = "ZERO_BASE_SALARY"
	ExcNegativeNetPay     ExceptionType = "NEGATIVE_NET_PAY"
	ExcExcessivePenalties ExceptionType = "EXCESSIVE_PENALTIES"
	ExcCalculationError   ExceptionType = "CALCULATION_ERROR"
)

// ExceptionTypes lists every known type, in detector scan order.
var ExceptionTypes = []ExceptionType{
	ExcMissingBankDetails,
	ExcZeroBaseSalary,
	ExcNegativeNetPay,
	ExcExcessivePenalties,
	ExcCalculationError,
}

// Severity ranks an exception's urgency. HIGH and CRITICAL block approval.
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severity is a property of the type, not of the individual occurrence.
func (t ExceptionType) Severity() Severity {
	switch t {
	case ExcMissingBankDetails:
		return SeverityMedium
	case ExcCalculationError:
		return SeverityCritical
	default:
		return SeverityHigh
	}
}

// BlocksApproval reports whether an open exception of this severity must be
// cleared before a run can be approved.
func (s Severity) BlocksApproval() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// ValidExceptionType reports whether t is a known type.
func ValidExceptionType(t ExceptionType) bool {
	for _, known := range ExceptionTypes {
		if known == t {
			return true
		}
	}
	return false
}
