package service

import (
	"strings"

	"github.com/shopspring/decimal"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	"github.com/smallbiznis/caisse/internal/config"
	orderdomain "github.com/smallbiznis/caisse/internal/order/domain"
)

const (
	methodCash = "cash"
	methodCard = "card"
)

var vatTolerance = decimal.New(1, -2)

type totals struct {
	Count       int64
	Amount      decimal.Decimal
	VAT         decimal.Decimal
	VATBuckets  closuredomain.VATBreakdown
	Payments    closuredomain.PaymentBreakdown
	Tips        decimal.Decimal
	ChangeGiven decimal.Decimal
}

type aggregator struct {
	tiers     []decimal.Decimal
	tolerance decimal.Decimal
	marker    string
}

func newAggregator(cfg config.FiscalConfig) aggregator {
	tiers := make([]decimal.Decimal, 0, len(cfg.VATTiers))
	for _, tier := range cfg.VATTiers {
		tiers = append(tiers, decimal.NewFromFloat(tier.Rate))
	}
	return aggregator{
		tiers:     tiers,
		tolerance: decimal.NewFromFloat(cfg.TierTolerance),
		marker:    cfg.TillAdjustmentMarker,
	}
}

// aggregate sums the sales of a period. Orders with line items are sales;
// zero-amount orders without items carrying the marker are till adjustments
// and only move money between payment buckets.
func (a aggregator) aggregate(orders []orderdomain.Order) totals {
	t := totals{
		VATBuckets: closuredomain.VATBreakdown{},
		Payments:   closuredomain.PaymentBreakdown{},
	}
	credit := func(method string, amount decimal.Decimal) {
		method = strings.ToLower(strings.TrimSpace(method))
		if method == "" {
			method = "unknown"
		}
		t.Payments[method] = t.Payments[method].Add(amount)
	}

	for _, order := range orders {
		if len(order.Items) == 0 {
			if !order.TotalAmount.IsZero() {
				continue
			}
			if adj, ok := closuredomain.ParseTillAdjustment(order.Notes, a.marker); ok {
				credit(adj.From, adj.Amount.Neg())
				credit(adj.To, adj.Amount)
			}
			continue
		}

		t.Count++
		t.Amount = t.Amount.Add(order.TotalAmount)
		for _, item := range order.Items {
			t.VAT = t.VAT.Add(item.TaxAmount)
			rate := a.snap(item.TaxRate)
			key := rate.String()
			bucket := t.VATBuckets[key]
			bucket.Rate = rate
			bucket.Base = bucket.Base.Add(item.TotalPrice.Sub(item.TaxAmount))
			bucket.VAT = bucket.VAT.Add(item.TaxAmount)
			t.VATBuckets[key] = bucket
		}

		changeMethod := order.PaymentMethod
		switch {
		case !order.IsSplit:
			credit(order.PaymentMethod, order.TotalAmount)
		case len(order.Payments) > 0:
			for _, p := range order.Payments {
				credit(p.Method, p.Amount)
			}
			changeMethod = methodCash
		default:
			credit(methodCard, order.TotalAmount)
			changeMethod = methodCash
		}

		if !order.Tips.IsZero() {
			t.Tips = t.Tips.Add(order.Tips)
			credit(methodCard, order.Tips)
			credit(methodCash, order.Tips.Neg())
		}
		if !order.ChangeGiven.IsZero() {
			t.ChangeGiven = t.ChangeGiven.Add(order.ChangeGiven)
			credit(changeMethod, order.ChangeGiven.Neg())
		}
	}

	t.round()
	return t
}

// snap maps a line rate to the nearest configured tier within tolerance.
func (a aggregator) snap(rate decimal.Decimal) decimal.Decimal {
	best := decimal.Decimal{}
	found := false
	var bestDistance decimal.Decimal
	for _, tier := range a.tiers {
		distance := rate.Sub(tier).Abs()
		if distance.GreaterThan(a.tolerance) {
			continue
		}
		if !found || distance.LessThan(bestDistance) {
			best, bestDistance, found = tier, distance, true
		}
	}
	if found {
		return best
	}
	return rate.Round(2)
}

// round brings every figure to cents and folds the VAT rounding residual into
// the highest-rate bucket so the buckets always add up to the total.
func (t *totals) round() {
	t.Amount = t.Amount.Round(2)
	t.VAT = t.VAT.Round(2)
	t.Tips = t.Tips.Round(2)
	t.ChangeGiven = t.ChangeGiven.Round(2)
	for method, amount := range t.Payments {
		t.Payments[method] = amount.Round(2)
	}

	sum := decimal.Zero
	highest := ""
	for key, bucket := range t.VATBuckets {
		bucket.Base = bucket.Base.Round(2)
		bucket.VAT = bucket.VAT.Round(2)
		t.VATBuckets[key] = bucket
		sum = sum.Add(bucket.VAT)
		if highest == "" || bucket.Rate.GreaterThan(t.VATBuckets[highest].Rate) {
			highest = key
		}
	}

	residual := t.VAT.Sub(sum)
	if highest == "" || residual.IsZero() {
		return
	}
	bucket := t.VATBuckets[highest]
	bucket.VAT = bucket.VAT.Add(residual)
	t.VATBuckets[highest] = bucket
}

func vatConsistent(t totals) bool {
	sum := decimal.Zero
	for _, bucket := range t.VATBuckets {
		sum = sum.Add(bucket.VAT)
	}
	return sum.Sub(t.VAT).Abs().LessThanOrEqual(vatTolerance)
}
