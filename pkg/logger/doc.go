// Package logger builds *slog.Logger instances from functional options and
// injects request-scoped values into every record through ContextExtractor
// callbacks.
//
// New selects a text or JSON handler, applies static attributes and wraps the
// result in LogHandlerDecorator. Attribute helpers in attr.go keep key names
// consistent across services: Gateway, IdempotencyKey, EventType, UserID and
// friends. Error and Errors return an empty Attr for nil values so callers can
// pass errors without a nil check.
//
//	log := logger.New(
//	    logger.WithEnvironment(cfg.Env, "billsync"),
//	    logger.WithContextExtractors(requestid.LoggerExtractor()),
//	)
//	log.InfoContext(ctx, "webhook processed",
//	    logger.Gateway("stripe"),
//	    logger.IdempotencyKey(key),
//	)
package logger
