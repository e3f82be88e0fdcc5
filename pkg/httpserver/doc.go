// Package httpserver wraps net/http with graceful shutdown, env-driven
// timeouts and JSON health endpoints.
//
// Run blocks until the context is cancelled, SIGINT/SIGTERM arrives, or the
// listener fails, then drains in-flight requests within the shutdown timeout:
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	if err := srv.Run(ctx, router); err != nil {
//		log.Error("server stopped", logger.Error(err))
//	}
//
// LivenessHandler and ReadinessHandler back /health/live and /health/ready;
// readiness runs named checks such as pg.Healthcheck(pool).
//
// Listener failures are joined with ErrStart and shutdown failures with
// ErrShutdown, so callers can use errors.Is.
package httpserver
