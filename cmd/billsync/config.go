package main

import (
	"errors"
	"time"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/config"
	"github.com/dmitrymomot/billsync/pkg/email"
	"github.com/dmitrymomot/billsync/pkg/events"
	"github.com/dmitrymomot/billsync/pkg/httpserver"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/pg"
	"github.com/dmitrymomot/billsync/pkg/queue"
	"github.com/dmitrymomot/billsync/pkg/ratelimiter"
	"github.com/dmitrymomot/billsync/pkg/redis"
	"github.com/dmitrymomot/billsync/svc/checkout"
	"github.com/dmitrymomot/billsync/svc/identity"
)

// appConfig holds settings owned by the binary itself.
type appConfig struct {
	Env              string        `env:"APP_ENV" envDefault:"development"`
	ServiceName      string        `env:"SERVICE_NAME" envDefault:"billsync"`
	ServiceSecret    string        `env:"SERVICE_SECRET"`
	PlansCatalog     string        `env:"PLANS_CATALOG"`
	PlanCacheTTL     time.Duration `env:"PLAN_CACHE_TTL" envDefault:"10m"`
	LedgerReclaim    time.Duration `env:"LEDGER_RECLAIM_AFTER" envDefault:"10m"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	MonitorInterval  time.Duration `env:"LEDGER_MONITOR_INTERVAL" envDefault:"15m"`
	ReadinessTimeout time.Duration `env:"READINESS_TIMEOUT" envDefault:"2s"`
	BcryptCost       int           `env:"BCRYPT_COST" envDefault:"10"`
	ClientIPHeaders  []string      `env:"CLIENT_IP_HEADERS" envSeparator:"," envDefault:"X-Forwarded-For,X-Real-IP"`
}

type configs struct {
	app      appConfig
	log      logger.Config
	pg       pg.Config
	redis    redis.Config
	http     httpserver.Config
	queue    queue.Config
	email    email.Config
	billing  billing.Config
	checkout checkout.Config
	events   events.Config
	identity identity.Config
	limit    ratelimiter.Config
}

func loadConfigs() (configs, error) {
	var c configs
	err := errors.Join(
		config.Load(&c.app),
		config.Load(&c.log),
		config.Load(&c.pg),
		config.Load(&c.redis),
		config.Load(&c.http),
		config.Load(&c.queue),
		config.Load(&c.email),
		config.Load(&c.billing),
		config.Load(&c.checkout),
		config.Load(&c.events),
		config.Load(&c.identity),
		config.Load(&c.limit),
	)
	return c, err
}
