package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrymomot/billsync/pkg/webhook"
)

// GenericSignatureHeader carries the HMAC of gateways speaking the generic format.
const GenericSignatureHeader = "X-Webhook-Signature"

// GenericAdapter handles gateways that post a flat JSON document signed with a
// shared secret. Marketplaces and payment processors without a dedicated
// adapter are bridged through it.
type GenericAdapter struct {
	secret string
}

// NewGenericAdapter creates the adapter. An empty secret is reported on Verify.
func NewGenericAdapter(secret string) *GenericAdapter {
	return &GenericAdapter{secret: secret}
}

func (a *GenericAdapter) Name() string            { return GatewayGeneric }
func (a *GenericAdapter) SignatureHeader() string { return GenericSignatureHeader }

// Verify checks the hex or base64 HMAC-SHA256 of the body.
func (a *GenericAdapter) Verify(header http.Header, payload []byte) error {
	return verifyHMAC(a.secret, payload, header.Get(GenericSignatureHeader))
}

type genericPayload struct {
	ID                string            `json:"id"`
	Event             string            `json:"event"`
	Status            string            `json:"status"`
	Email             string            `json:"email"`
	PlanSlug          string            `json:"plan_slug"`
	ProductCode       string            `json:"product_code"`
	Interval          string            `json:"interval"`
	Quantity          int               `json:"quantity"`
	SubscriptionID    string            `json:"subscription_id"`
	CustomerID        string            `json:"customer_id"`
	OrderID           string            `json:"order_id"`
	PeriodStart       string            `json:"period_start"`
	PeriodEnd         string            `json:"period_end"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CreatedAt         string            `json:"created_at"`
	Metadata          map[string]string `json:"metadata"`
}

// Parse decodes the generic payload.
func (a *GenericAdapter) Parse(payload []byte) (*Event, error) {
	var p genericPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	if p.ID == "" {
		return nil, errors.Join(ErrMalformedPayload, ErrMissingEventID)
	}

	return &Event{
		Gateway:           GatewayGeneric,
		ID:                p.ID,
		Type:              p.Event,
		Status:            p.Status,
		Class:             genericStatuses.Classify(p.Status),
		Email:             normalizeEmail(firstNonEmpty(p.Email, p.Metadata[MetaEmail])),
		UserID:            p.Metadata[MetaUserID],
		PlanSlug:          firstNonEmpty(p.PlanSlug, p.Metadata[MetaPlanSlug]),
		PlanCode:          p.ProductCode,
		Interval:          firstNonEmpty(p.Interval, p.Metadata[MetaInterval]),
		Quantity:          p.Quantity,
		SubscriptionID:    p.SubscriptionID,
		CustomerID:        p.CustomerID,
		OrderID:           p.OrderID,
		PeriodStart:       parseTime(p.PeriodStart),
		PeriodEnd:         parseTime(p.PeriodEnd),
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
		OccurredAt:        parseTime(p.CreatedAt),
	}, nil
}

// verifyHMAC maps webhook signature errors onto billing error kinds.
func verifyHMAC(secret string, payload []byte, signature string) error {
	err := webhook.VerifyHMAC(secret, payload, signature)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrMissingSecret):
		return errors.Join(ErrConfiguration, err)
	default:
		return errors.Join(ErrAuthentication, err)
	}
}

func malformed(format string, args ...any) error {
	return errors.Join(ErrMalformedPayload, fmt.Errorf(format, args...))
}
