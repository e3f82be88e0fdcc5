package billing

import "strings"

// StatusClass is the internal tri-state every gateway status maps to.
type StatusClass string

const (
	ClassPaid     StatusClass = "paid"
	ClassCanceled StatusClass = "canceled"
	ClassOther    StatusClass = "other"
)

// StatusTable maps a gateway status string to a StatusClass.
// Lookups are case-insensitive. Unlisted statuses are ClassOther.
type StatusTable map[string]StatusClass

// Classify returns the class for status.
func (t StatusTable) Classify(status string) StatusClass {
	if class, ok := t[strings.ToLower(strings.TrimSpace(status))]; ok {
		return class
	}
	return ClassOther
}

// Statuses lists the table keys of one class, for documentation and tests.
func (t StatusTable) Statuses(class StatusClass) []string {
	out := make([]string, 0, len(t))
	for status, c := range t {
		if c == class {
			out = append(out, status)
		}
	}
	return out
}

var stripeStatuses = StatusTable{
	"paid":                ClassPaid,
	"no_payment_required": ClassPaid,
	"active":              ClassPaid,
	"trialing":            ClassPaid,
	"canceled":            ClassCanceled,
	"unpaid":              ClassCanceled,
	"incomplete_expired":  ClassCanceled,
	"refunded":            ClassCanceled,
	"chargeback":          ClassCanceled,
}

var paddleStatuses = StatusTable{
	"completed":  ClassPaid,
	"paid":       ClassPaid,
	"active":     ClassPaid,
	"trialing":   ClassPaid,
	"canceled":   ClassCanceled,
	"refund":     ClassCanceled,
	"chargeback": ClassCanceled,
}

var lemonSqueezyStatuses = StatusTable{
	"paid":      ClassPaid,
	"active":    ClassPaid,
	"on_trial":  ClassPaid,
	"cancelled": ClassCanceled,
	"expired":   ClassCanceled,
	"refunded":  ClassCanceled,
}

var genericStatuses = StatusTable{
	"approved":    ClassPaid,
	"completed":   ClassPaid,
	"captured":    ClassPaid,
	"paid":        ClassPaid,
	"active":      ClassPaid,
	"renewed":     ClassPaid,
	"canceled":    ClassCanceled,
	"cancelled":   ClassCanceled,
	"refunded":    ClassCanceled,
	"chargeback":  ClassCanceled,
	"chargedback": ClassCanceled,
	"expired":     ClassCanceled,
}
