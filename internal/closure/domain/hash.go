package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ComputeClosureHash fingerprints the totals a bulletin certifies.
func ComputeClosureHash(closureType ClosureType, periodKey string, count int64, amount, vat decimal.Decimal, first, last int64) string {
	canonical := strings.Join([]string{
		string(closureType),
		periodKey,
		strconv.FormatInt(count, 10),
		amount.StringFixed(2),
		vat.StringFixed(2),
		strconv.FormatInt(first, 10),
		strconv.FormatInt(last, 10),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
