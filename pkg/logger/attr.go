package logger

import (
	"log/slog"
	"strconv"
	"time"
)

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Errors groups non-nil errors under "errors". Returns an empty Attr when all are nil.
func Errors(errs ...error) slog.Attr {
	as := make([]slog.Attr, 0, len(errs))
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error records err under "error". Returns an empty Attr for nil.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the user identifier. Returns an empty Attr for nil.
func UserID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("user_id", id)
}

// RequestID records the request identifier. Returns an empty Attr for nil.
func RequestID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("request_id", id)
}

// Gateway records the billing gateway name.
func Gateway(name string) slog.Attr {
	return slog.String("gateway", name)
}

// IdempotencyKey records the ledger key of a delivery.
func IdempotencyKey(key string) slog.Attr {
	return slog.String("idempotency_key", key)
}

// EventType records the gateway event type.
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

func Plan(slug string) slog.Attr {
	return slog.String("plan", slug)
}

func SubscriptionID(id string) slog.Attr {
	return slog.String("subscription_id", id)
}

func GrantID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("grant_id", id)
}

// Counter records an entitlement counter name.
func Counter(name string) slog.Attr {
	return slog.String("counter", name)
}

// Task records a background task name.
func Task(name string) slog.Attr {
	return slog.String("task", name)
}

// RetryCount records the retry count.
func RetryCount(count int) slog.Attr {
	return slog.Int("retry_count", count)
}

// Duration records an elapsed duration.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Component records the component name.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
