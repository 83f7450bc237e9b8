package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// Keys that never carry secrets.
var redactionAllowlist = map[string]struct{}{
	"service":  {},
	"env":      {},
	"message":  {},
	"severity": {},
	"error":    {},
	"reason":   {},
	"listen":   {},
	"signer":   {},
	"endpoint": {},
}

// IsAllowlisted reports whether key is exempt from masking.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute for key whose value is masked unless the key is
// allowlisted. Empty values are kept so logs show what was left unset.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
