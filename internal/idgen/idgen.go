// Package idgen generates prefixed entity identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes. IDs read like "ord_5f0c…" in logs and URLs.
const (
	PrefixOrder      = "ord_"
	PrefixPayment    = "pay_"
	PrefixEntry      = "le_"
	PrefixWithdrawal = "wd_"
	PrefixAPIKey     = "ak_"
	PrefixEvent      = "evt_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
