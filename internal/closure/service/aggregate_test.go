package service

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/caisse/internal/config"
	orderdomain "github.com/smallbiznis/caisse/internal/order/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func line(rate, total, tax string) orderdomain.OrderItem {
	return orderdomain.OrderItem{
		Name:       "item",
		Quantity:   1,
		UnitPrice:  d(total),
		TaxRate:    d(rate),
		TotalPrice: d(total),
		TaxAmount:  d(tax),
	}
}

func TestAggregateBreakdowns(t *testing.T) {
	agg := newAggregator(config.DefaultFiscalConfig())

	orders := []orderdomain.Order{
		{
			ID:            "card-sale",
			TotalAmount:   d("23.00"),
			PaymentMethod: "card",
			Items:         []orderdomain.OrderItem{line("20", "12.00", "2.00"), line("10", "11.00", "1.00")},
		},
		{
			ID:            "cash-sale",
			TotalAmount:   d("10.55"),
			PaymentMethod: "cash",
			ChangeGiven:   d("5.00"),
			Items:         []orderdomain.OrderItem{line("5.5", "10.55", "0.55")},
		},
		{
			ID:          "split-sale",
			TotalAmount: d("10.00"),
			IsSplit:     true,
			Tips:        d("1.00"),
			Items:       []orderdomain.OrderItem{line("19.8", "10.00", "1.65")},
			Payments: []orderdomain.OrderPayment{
				{Method: "card", Amount: d("6.00")},
				{Method: "cash", Amount: d("4.00")},
			},
		},
		{
			ID:            "till",
			PaymentMethod: "cash",
			Notes:         "[TILL_ADJUSTMENT] from=cash to=card amount=2.00",
		},
		{
			ID:            "void-without-marker",
			PaymentMethod: "cash",
			Notes:         "nothing sold",
		},
	}

	got := agg.aggregate(orders)
	assert.Equal(t, int64(3), got.Count)
	assert.Equal(t, "43.55", got.Amount.StringFixed(2))
	assert.Equal(t, "5.20", got.VAT.StringFixed(2))
	assert.Equal(t, "1.00", got.Tips.StringFixed(2))
	assert.Equal(t, "5.00", got.ChangeGiven.StringFixed(2))

	require.Len(t, got.VATBuckets, 3)
	assert.Equal(t, "18.35", got.VATBuckets["20"].Base.StringFixed(2))
	assert.Equal(t, "3.65", got.VATBuckets["20"].VAT.StringFixed(2))
	assert.Equal(t, "10.00", got.VATBuckets["10"].Base.StringFixed(2))
	assert.Equal(t, "0.55", got.VATBuckets["5.5"].VAT.StringFixed(2))

	require.Len(t, got.Payments, 2)
	assert.Equal(t, "32.00", got.Payments["card"].StringFixed(2))
	assert.Equal(t, "6.55", got.Payments["cash"].StringFixed(2))
}

func TestAggregateSplitWithoutSubPaymentsGoesToCard(t *testing.T) {
	agg := newAggregator(config.DefaultFiscalConfig())

	got := agg.aggregate([]orderdomain.Order{{
		TotalAmount: d("15.00"),
		IsSplit:     true,
		ChangeGiven: d("0.50"),
		Items:       []orderdomain.OrderItem{line("10", "15.00", "1.36")},
	}})
	assert.Equal(t, "15.00", got.Payments["card"].StringFixed(2))
	assert.Equal(t, "-0.50", got.Payments["cash"].StringFixed(2))
}

func TestAggregateKeepsUnknownRatesApart(t *testing.T) {
	agg := newAggregator(config.DefaultFiscalConfig())

	got := agg.aggregate([]orderdomain.Order{{
		TotalAmount:   d("10.70"),
		PaymentMethod: "card",
		Items:         []orderdomain.OrderItem{line("7", "10.70", "0.70")},
	}})
	require.Contains(t, got.VATBuckets, "7")
	assert.Equal(t, "10.00", got.VATBuckets["7"].Base.StringFixed(2))
}

func TestAggregateVATBucketsAlwaysSumToTotal(t *testing.T) {
	agg := newAggregator(config.DefaultFiscalConfig())
	rng := rand.New(rand.NewSource(42))
	rates := []string{"0", "5.5", "10", "20", "19.6", "7", "2.1"}

	for run := 0; run < 200; run++ {
		var orders []orderdomain.Order
		for i := 0; i < 1+rng.Intn(20); i++ {
			var items []orderdomain.OrderItem
			total := decimal.Zero
			for j := 0; j < 1+rng.Intn(5); j++ {
				rate := d(rates[rng.Intn(len(rates))])
				lineTotal := decimal.New(int64(50+rng.Intn(10000)), -2)
				// three-decimal taxes force rounding residuals
				tax := lineTotal.Mul(rate).Div(rate.Add(decimal.NewFromInt(100))).Round(3)
				items = append(items, orderdomain.OrderItem{
					Quantity:   1,
					UnitPrice:  lineTotal,
					TaxRate:    rate,
					TotalPrice: lineTotal,
					TaxAmount:  tax,
				})
				total = total.Add(lineTotal)
			}
			orders = append(orders, orderdomain.Order{
				ID:            fmt.Sprintf("r%d-o%d", run, i),
				TotalAmount:   total,
				PaymentMethod: "card",
				Items:         items,
			})
		}

		got := agg.aggregate(orders)
		sum := decimal.Zero
		for _, bucket := range got.VATBuckets {
			sum = sum.Add(bucket.VAT)
		}
		assert.True(t, sum.Sub(got.VAT).Abs().LessThanOrEqual(d("0.01")),
			"run %d: buckets %s total %s", run, sum, got.VAT)
		assert.True(t, vatConsistent(got))
	}
}
