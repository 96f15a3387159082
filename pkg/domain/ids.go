package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Id prefixes.
const (
	PrefixTransfer = "TX"
	PrefixPayment  = "PAY"
	PrefixReceipt  = "RCPT"
)

// NewID returns prefix_ followed by eight hex characters of a random UUID.
func NewID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + hex[:8]
}
