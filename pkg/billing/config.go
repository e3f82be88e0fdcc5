package billing

import "time"

// Config holds webhook secrets for every supported gateway.
// Secrets are optional at startup; a delivery for a gateway without its
// secret fails with ErrConfiguration instead of being accepted unsigned.
type Config struct {
	Gateways                  []string      `env:"BILLING_GATEWAYS" envDefault:"stripe,paddle,lemonsqueezy,generic" envSeparator:","`
	StripeWebhookSecret       string        `env:"STRIPE_WEBHOOK_SECRET"`
	StripeTolerance           time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m"`
	PaddleWebhookSecret       string        `env:"PADDLE_WEBHOOK_SECRET"`
	LemonSqueezyWebhookSecret string        `env:"LEMONSQUEEZY_WEBHOOK_SECRET"`
	GenericWebhookSecret      string        `env:"GENERIC_WEBHOOK_SECRET"`
}
