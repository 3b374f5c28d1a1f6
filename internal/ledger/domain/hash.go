package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GenesisHash is the previous hash of the first entry of every new ledger.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// legacyGenesisLength is the 68-zero genesis some registers were seeded with.
const legacyGenesisLength = 68

// IsGenesisHash accepts the 64-zero genesis and the 68-zero legacy form only.
func IsGenesisHash(value string) bool {
	switch len(value) {
	case len(GenesisHash), legacyGenesisLength:
		return strings.Trim(value, "0") == ""
	default:
		return false
	}
}

// FormatAmount renders money with exactly two decimals.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FormatTimestamp renders RFC 3339 with milliseconds in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// NormalizeTimestamp is the precision stored and hashed.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Canonical is the pipe-joined field string covered by the entry hash.
func Canonical(e JournalEntry) string {
	orderID := ""
	if e.OrderID != nil {
		orderID = *e.OrderID
	}
	return strings.Join([]string{
		strconv.FormatInt(e.SequenceNumber, 10),
		string(e.TransactionType),
		orderID,
		FormatAmount(e.Amount),
		FormatAmount(e.VATAmount),
		e.PaymentMethod,
		FormatTimestamp(e.Timestamp),
		e.RegisterID,
	}, "|")
}

// ComputeHash returns hex(SHA-256(previousHash + "|" + canonical)).
func ComputeHash(previousHash, canonical string) string {
	sum := sha256.Sum256([]byte(previousHash + "|" + canonical))
	return hex.EncodeToString(sum[:])
}

// EntryHash recomputes the hash an entry should carry.
func EntryHash(e JournalEntry) string {
	return ComputeHash(e.PreviousHash, Canonical(e))
}
