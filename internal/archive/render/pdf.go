package render

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/smallbiznis/caisse/internal/archive/domain"
)

var (
	labelText = props.Text{Size: 9, Style: fontstyle.Bold}
	cellText  = props.Text{Size: 9}
	moneyText = props.Text{Size: 9, Align: align.Right}
	headText  = props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right}
)

// PDF renders the report of the bulletin a DAILY or MONTHLY export covers.
func PDF(bundle domain.Bundle) ([]byte, error) {
	bulletin := bundle.Closure()
	if bulletin == nil {
		return nil, fmt.Errorf("%w: report needs a closure bulletin", domain.ErrValidation)
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()
	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, fmt.Sprintf("%s closure %s", bulletin.ClosureType, bulletin.PeriodKey), props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, "Register "+bundle.RegisterID, props.Text{Size: 10, Align: align.Right, Top: 3}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Period start: "+formatTime(bulletin.PeriodStart), props.Text{Size: 9, Top: 0}),
			text.New("Period end: "+formatTime(bulletin.PeriodEnd), props.Text{Size: 9, Top: 5}),
			text.New("Closed at: "+formatTimePtr(bulletin.ClosedAt), props.Text{Size: 9, Top: 10}),
			text.New("Closed by: "+bulletin.CreatedBy, props.Text{Size: 9, Top: 15}),
		),
		col.New(6).Add(
			text.New("Bulletin: "+bulletin.ID.String(), props.Text{Size: 9, Top: 0}),
			text.New(fmt.Sprintf("Ledger sequences: %d - %d", bulletin.FirstSequence, bulletin.LastSequence), props.Text{Size: 9, Top: 5}),
			text.New("Export: "+bundle.ExportID, props.Text{Size: 9, Top: 10}),
			text.New("Generated at: "+formatTime(bundle.GeneratedAt), props.Text{Size: 9, Top: 15}),
		),
	)

	m.AddRow(10, text.NewCol(12, "Totals", props.Text{Size: 12, Style: fontstyle.Bold, Top: 3}))
	totals := [][2]string{
		{"Transactions", strconv.FormatInt(bulletin.TotalTransactions, 10)},
		{"Total amount", bulletin.TotalAmount.StringFixed(2)},
		{"Total VAT", bulletin.TotalVAT.StringFixed(2)},
		{"Tips", bulletin.TipsTotal.StringFixed(2)},
		{"Change given", bulletin.ChangeTotal.StringFixed(2)},
	}
	for _, row := range totals {
		m.AddRow(6,
			text.NewCol(8, row[0], cellText),
			text.NewCol(4, row[1], moneyText),
		)
	}

	m.AddRow(10, text.NewCol(12, "VAT breakdown", props.Text{Size: 12, Style: fontstyle.Bold, Top: 3}))
	m.AddRow(7,
		text.NewCol(4, "Rate (%)", labelText),
		text.NewCol(4, "Base", headText),
		text.NewCol(4, "VAT", headText),
	)
	vat := bulletin.VATBreakdown.Data()
	rates := make([]string, 0, len(vat))
	for rate := range vat {
		rates = append(rates, rate)
	}
	sort.Slice(rates, func(i, j int) bool { return vat[rates[i]].Rate.LessThan(vat[rates[j]].Rate) })
	for _, rate := range rates {
		bucket := vat[rate]
		m.AddRow(6,
			text.NewCol(4, rate, cellText),
			text.NewCol(4, bucket.Base.StringFixed(2), moneyText),
			text.NewCol(4, bucket.VAT.StringFixed(2), moneyText),
		)
	}

	m.AddRow(10, text.NewCol(12, "Payment methods", props.Text{Size: 12, Style: fontstyle.Bold, Top: 3}))
	payments := bulletin.PaymentMethodsBreakdown.Data()
	methods := make([]string, 0, len(payments))
	for method := range payments {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	for _, method := range methods {
		m.AddRow(6,
			text.NewCol(8, method, cellText),
			text.NewCol(4, payments[method].StringFixed(2), moneyText),
		)
	}

	m.AddRow(14,
		col.New(12).Add(
			text.New("Closure hash", props.Text{Size: 8, Style: fontstyle.Bold, Top: 4}),
			text.New(bulletin.ClosureHash, props.Text{Size: 8, Top: 9}),
		),
	)
	if n := len(bundle.Entries); n > 0 {
		last := bundle.Entries[n-1]
		m.AddRow(12,
			col.New(12).Add(
				text.New(fmt.Sprintf("Chain head at sequence %d", last.SequenceNumber), props.Text{Size: 8, Style: fontstyle.Bold, Top: 2}),
				text.New(last.CurrentHash, props.Text{Size: 8, Top: 7}),
			),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate pdf: %w", err)
	}
	return doc.GetBytes(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}
