// Package policy checks extracted receipt data against an expense policy.
package policy

import (
	"fmt"
	"time"

	"github.com/zombor/receipt-auditor/internal/extraction"
)

// Field names a Record field a policy can require
type Field string

const (
	FieldVendor Field = "vendor"
	FieldDate   Field = "date"
	FieldAmount Field = "amount"
)

// Policy is the set of spending rules a receipt is checked against.
type Policy struct {
	MaxAmounts     map[string]float64 `json:"max_amounts" yaml:"max_amounts"`
	RequiredFields []Field            `json:"required_fields" yaml:"required_fields"`
	MaxDaysOld     int                `json:"max_days_old" yaml:"max_days_old"`
}

// Rule identifies which check produced a Violation
type Rule string

const (
	RuleAmountOverLimit Rule = "amount_over_limit"
	RuleStaleReceipt    Rule = "stale_receipt"
	RuleMissingField    Rule = "missing_field"
)

// Violation describes one breached rule
type Violation struct {
	Rule    Rule
	Message string
}

// Messages returns the messages of vs in order.
func Messages(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Message)
	}
	return out
}

// Evaluate checks rec against p. Violations come back in a fixed order:
// amount limit, receipt age, then required fields in the order p declares them.
// An empty category skips the amount check.
func Evaluate(rec extraction.Record, category string, p Policy, now time.Time) []Violation {
	violations := make([]Violation, 0)

	if category != "" && rec.Amount != nil {
		limit := p.MaxAmounts[category]
		if *rec.Amount > limit {
			violations = append(violations, Violation{
				Rule:    RuleAmountOverLimit,
				Message: fmt.Sprintf("Amount $%.2f exceeds the $%.2f limit for %s", *rec.Amount, limit, category),
			})
		}
	}

	if rec.Date != nil {
		days := daysBetween(*rec.Date, now)
		if days > p.MaxDaysOld {
			violations = append(violations, Violation{
				Rule:    RuleStaleReceipt,
				Message: fmt.Sprintf("Receipt is %d days old; maximum allowed is %d days", days, p.MaxDaysOld),
			})
		}
	}

	for _, f := range p.RequiredFields {
		if missing(rec, f) {
			violations = append(violations, Violation{
				Rule:    RuleMissingField,
				Message: fmt.Sprintf("Missing required field: %s", f),
			})
		}
	}

	return violations
}

// daysBetween counts whole calendar days from the date of from to the date of to.
func daysBetween(from, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	start := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	// time.Duration saturates near 292 years, so count in seconds
	return int((end.Unix() - start.Unix()) / 86400)
}

func missing(rec extraction.Record, f Field) bool {
	switch f {
	case FieldVendor:
		return rec.Vendor == nil || *rec.Vendor == ""
	case FieldDate:
		return rec.Date == nil
	case FieldAmount:
		return rec.Amount == nil
	default:
		return false
	}
}
