// Package sentry wraps the Sentry SDK for crash reporting and provides
// the panic-safe goroutine helpers used across the daemon. With no DSN
// configured everything degrades to plain recover().
package sentry

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

var (
	initialized bool
	initMu      sync.RWMutex
)

// Keys whose values must never leave the process in an error report.
var sensitiveKeywords = []string{
	"cookie", "token", "password", "passwd", "secret", "key", "auth",
	"credential", "api_key", "apikey", "access_token", "session",
}

var sensitiveURLPattern = regexp.MustCompile(`[?&](token|key|secret|password|auth|access_token|session)[=][^&]*`)

// Init enables Sentry reporting. An empty dsn leaves it disabled.
func Init(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		BeforeSend:       beforeSendHook,
		SampleRate:       1.0,
	})
	if err != nil {
		return err
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{
			ID: GetAnonymousDeviceID(),
		})
	})

	initMu.Lock()
	initialized = true
	initMu.Unlock()

	return nil
}

func IsInitialized() bool {
	initMu.RLock()
	defer initMu.RUnlock()
	return initialized
}

// Flush drains pending events; call before process exit.
func Flush(timeout time.Duration) {
	if !IsInitialized() {
		return
	}
	sentry.Flush(timeout)
}

// RecoverWithContext recovers a goroutine panic and reports it when
// Sentry is enabled. recover() must run unconditionally, before any
// initialization check, or the panic escapes.
func RecoverWithContext(ctx context.Context) {
	err := recover()
	if err == nil {
		return
	}
	if IsInitialized() {
		hub := sentry.GetHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		if hub != nil {
			hub.RecoverWithContext(ctx, err)
		}
	}
}

// Recover is the context-free variant of RecoverWithContext.
func Recover() {
	err := recover()
	if err == nil {
		return
	}
	if IsInitialized() {
		if hub := sentry.CurrentHub(); hub != nil {
			hub.Recover(err)
		}
	}
}

func CaptureException(err error) {
	if !IsInitialized() || err == nil {
		return
	}
	sentry.CaptureException(err)
}

func CaptureMessage(msg string) {
	if !IsInitialized() {
		return
	}
	sentry.CaptureMessage(msg)
}

// Go runs f in a new goroutine with panic recovery.
func Go(f func()) {
	go func() {
		defer Recover()
		f()
	}()
}

// GoWithContext runs f(ctx) in a new goroutine with panic recovery.
func GoWithContext(ctx context.Context, f func(context.Context)) {
	go func() {
		defer RecoverWithContext(ctx)
		f(ctx)
	}()
}

// beforeSendHook scrubs sensitive key/value pairs from outgoing events.
func beforeSendHook(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event.Message != "" {
		event.Message = sanitizeString(event.Message)
	}
	for i := range event.Exception {
		if event.Exception[i].Value != "" {
			event.Exception[i].Value = sanitizeString(event.Exception[i].Value)
		}
	}
	event.Extra = sanitizeMap(event.Extra)
	event.Tags = sanitizeTags(event.Tags)
	return event
}

func sanitizeString(s string) string {
	result := sensitiveURLPattern.ReplaceAllString(s, "$1=[REDACTED]")
	for _, keyword := range sensitiveKeywords {
		pattern := regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(keyword) + `)\s*[=:]\s*[^\s,}"\]]+`)
		result = pattern.ReplaceAllString(result, "$1=[REDACTED]")
	}
	return result
}

func sanitizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	result := make(map[string]interface{}, len(m))
	for key, value := range m {
		switch {
		case isSensitiveKey(key):
			result[key] = "[REDACTED]"
		default:
			if strVal, ok := value.(string); ok {
				result[key] = sanitizeString(strVal)
			} else if mapVal, ok := value.(map[string]interface{}); ok {
				result[key] = sanitizeMap(mapVal)
			} else {
				result[key] = value
			}
		}
	}
	return result
}

func sanitizeTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	result := make(map[string]string, len(tags))
	for key, value := range tags {
		if isSensitiveKey(key) {
			result[key] = "[REDACTED]"
		} else {
			result[key] = sanitizeString(value)
		}
	}
	return result
}

func isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(keyLower, keyword) {
			return true
		}
	}
	return false
}
