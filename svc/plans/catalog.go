package plans

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrCatalogInvalid = errors.New("invalid plans catalog")

type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// LoadCatalog reads plan definitions from a YAML file:
//
//	plans:
//	  - slug: pro
//	    name: Pro
//	    kind: base
//	    codes:
//	      - {gateway: stripe, interval: month, code: price_pro_m}
func LoadCatalog(path string) ([]Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrCatalogInvalid, err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(raw []byte) ([]Plan, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Join(ErrCatalogInvalid, err)
	}
	seen := make(map[string]bool, len(f.Plans))
	for i := range f.Plans {
		p := &f.Plans[i]
		if err := p.Validate(); err != nil {
			return nil, errors.Join(ErrCatalogInvalid, fmt.Errorf("plan #%d: %w", i, err))
		}
		if seen[p.Slug] {
			return nil, errors.Join(ErrCatalogInvalid, fmt.Errorf("duplicate slug %q", p.Slug))
		}
		seen[p.Slug] = true
	}
	return f.Plans, nil
}

// Seed upserts every catalog plan and drops its cached entries.
func Seed(ctx context.Context, store Store, r *Resolver, catalog []Plan) error {
	for i := range catalog {
		p := catalog[i]
		if err := store.Upsert(ctx, &p); err != nil {
			return fmt.Errorf("seed plan %q: %w", p.Slug, err)
		}
		if r != nil {
			_ = r.Invalidate(ctx, &p)
		}
	}
	return nil
}
