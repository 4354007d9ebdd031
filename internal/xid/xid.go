package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// New returns a time-ordered identifier. The nanosecond clock prefix keeps ids
// sortable by creation time within a process.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Invoice builds a human-readable invoice number. The clock segment keeps
// same-day invoices ordered by creation; the random tail avoids collisions
// between instances sharing a second.
func Invoice(at time.Time) string {
	at = at.UTC()
	tail := "0000"
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err == nil {
		tail = strings.ToUpper(hex.EncodeToString(buf))
	}
	return fmt.Sprintf("INV-%s-%s-%s", at.Format("20060102"), at.Format("150405"), tail)
}

// CreditNote derives a credit-note invoice number from the original invoice.
func CreditNote(originalInvoice string) string {
	return "CN-" + originalInvoice
}
