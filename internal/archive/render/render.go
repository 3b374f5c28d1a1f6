// Package render turns an export bundle into the bytes of one format.
package render

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/smallbiznis/caisse/internal/archive/domain"
)

// Render dispatches on format. Unsupported combinations are rejected by the
// caller before any record exists; they fail here too.
func Render(format domain.Format, bundle domain.Bundle) ([]byte, error) {
	if !format.Supports(bundle.ExportType) {
		return nil, fmt.Errorf("%w: %s cannot render %s exports", domain.ErrValidation, format, bundle.ExportType)
	}
	switch format {
	case domain.FormatCSV:
		return CSV(bundle)
	case domain.FormatPDF:
		return PDF(bundle)
	default:
		return JSON(bundle)
	}
}

// JSON is the authoritative form: compact, struct-ordered fields and sorted
// map keys, so equal bundles give equal bytes.
func JSON(bundle domain.Bundle) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(bundle); err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return buf.Bytes(), nil
}

var csvHeader = []string{
	"sequence_number",
	"timestamp",
	"transaction_type",
	"order_id",
	"amount",
	"vat_amount",
	"payment_method",
	"user_id",
	"previous_hash",
	"current_hash",
}

// CSV lists the journal entries of the bundle, one row per entry.
func CSV(bundle domain.Bundle) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, entry := range bundle.Entries {
		orderID, userID := "", ""
		if entry.OrderID != nil {
			orderID = *entry.OrderID
		}
		if entry.UserID != nil {
			userID = *entry.UserID
		}
		record := []string{
			strconv.FormatInt(entry.SequenceNumber, 10),
			entry.Timestamp.UTC().Format(time.RFC3339Nano),
			string(entry.TransactionType),
			orderID,
			entry.Amount.StringFixed(2),
			entry.VATAmount.StringFixed(2),
			entry.PaymentMethod,
			userID,
			entry.PreviousHash,
			entry.CurrentHash,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
