package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyUnit        = "unit"
	KeyMarketplace = "marketplace"
	KeyStep        = "step"
	KeyPassID      = "pass_id"
	KeyRetryCount  = "retry_count"
	KeyPath        = "path"
	KeyPlatform    = "platform"
	KeyDurationMS  = "duration_ms"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Unit(id string) slog.Attr          { return slog.String(KeyUnit, id) }
func Marketplace(name string) slog.Attr { return slog.String(KeyMarketplace, name) }
func Step(name string) slog.Attr        { return slog.String(KeyStep, name) }
func PassID(id string) slog.Attr        { return slog.String(KeyPassID, id) }
func RetryCount(n int) slog.Attr        { return slog.Int(KeyRetryCount, n) }
func Path(p string) slog.Attr           { return slog.String(KeyPath, p) }
func Platform(p string) slog.Attr       { return slog.String(KeyPlatform, p) }
func DurationMS(d time.Duration) slog.Attr {
	return slog.Int64(KeyDurationMS, d.Milliseconds())
}
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
