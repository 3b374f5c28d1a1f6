package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// TillAdjustment moves money between two payment buckets without a sale,
// e.g. a card payment taken as cash by mistake.
type TillAdjustment struct {
	From   string
	To     string
	Amount decimal.Decimal
}

// ParseTillAdjustment reads "<marker> from=cash to=card amount=20.00" notes.
func ParseTillAdjustment(notes, marker string) (TillAdjustment, bool) {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return TillAdjustment{}, false
	}
	idx := strings.Index(notes, marker)
	if idx < 0 {
		return TillAdjustment{}, false
	}

	var adj TillAdjustment
	for _, field := range strings.Fields(notes[idx+len(marker):]) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "from":
			adj.From = strings.ToLower(value)
		case "to":
			adj.To = strings.ToLower(value)
		case "amount":
			amount, err := decimal.NewFromString(value)
			if err != nil {
				return TillAdjustment{}, false
			}
			adj.Amount = amount
		}
	}
	if adj.From == "" || adj.To == "" || adj.From == adj.To || !adj.Amount.IsPositive() {
		return TillAdjustment{}, false
	}
	return adj, true
}
