package billing

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Adapter authenticates and translates webhooks from one gateway.
type Adapter interface {
	// Name is the gateway name used in routes and ledger entries.
	Name() string
	// SignatureHeader is the request header carrying the signature.
	SignatureHeader() string
	// Verify authenticates the raw body. It must not parse the payload.
	Verify(header http.Header, payload []byte) error
	// Parse translates a verified payload into an Event.
	Parse(payload []byte) (*Event, error)
}

// Registry holds the adapters enabled for this deployment.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Name()] = a
		}
	}
	return r
}

// NewRegistryFromConfig enables the gateways listed in cfg.Gateways.
// A gateway without a secret is still registered; its Verify returns ErrConfiguration.
func NewRegistryFromConfig(cfg Config) (*Registry, error) {
	adapters := make([]Adapter, 0, len(cfg.Gateways))
	for _, name := range cfg.Gateways {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case GatewayStripe:
			adapters = append(adapters, NewStripeAdapter(cfg.StripeWebhookSecret, cfg.StripeTolerance))
		case GatewayPaddle:
			adapters = append(adapters, NewPaddleAdapter(cfg.PaddleWebhookSecret))
		case GatewayLemonSqueezy:
			adapters = append(adapters, NewLemonSqueezyAdapter(cfg.LemonSqueezyWebhookSecret))
		case GatewayGeneric:
			adapters = append(adapters, NewGenericAdapter(cfg.GenericWebhookSecret))
		case "":
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
		}
	}
	return NewRegistry(adapters...), nil
}

// Lookup returns the adapter for a gateway name.
func (r *Registry) Lookup(name string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return a, nil
}

// Names lists the registered gateways in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
