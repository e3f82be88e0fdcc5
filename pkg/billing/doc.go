// Package billing normalizes webhook deliveries from subscription billing
// gateways into a single Event shape.
//
// Each gateway is an Adapter: it names the header carrying its signature,
// authenticates the raw body and translates the gateway specific payload into
// an Event. Everything gateway specific stays behind that boundary, so the
// services that reconcile subscriptions and entitlements never branch on the
// gateway that sent the event.
//
// Status classification is table driven. Every adapter owns an explicit
// StatusTable mapping the raw status (or event kind) to one of three classes:
//
//   - ClassPaid: the subscription is paid for and should be active
//   - ClassCanceled: canceled, refunded or charged back
//   - ClassOther: anything else; acknowledged and ignored
//
// Supported gateways:
//
//   - stripe: Stripe-Signature, verified with stripe-go
//   - paddle: Paddle-Signature, verified with the Paddle SDK
//   - lemonsqueezy: X-Signature, hex HMAC-SHA256
//   - generic: X-Webhook-Signature, hex or base64 HMAC-SHA256
//
// The package also defines the error kinds shared by the rest of the service
// (ErrAuthentication, ErrConfiguration, ErrResolution, ErrPersistence,
// ErrPartialApplication, ErrMalformedPayload). Concrete errors are joined with a
// kind so transport code can map them to status codes with errors.Is.
package billing
