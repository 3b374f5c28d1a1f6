package domain

import (
	"time"

	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
)

const BundleVersion = 1

// Bundle is the authoritative content of an export. Every format is a
// projection of it.
type Bundle struct {
	Version      int                              `json:"version"`
	ExportID     string                           `json:"export_id"`
	ExportType   ExportType                       `json:"export_type"`
	RegisterID   string                           `json:"register_id"`
	GeneratedAt  time.Time                        `json:"generated_at"`
	PeriodStart  *time.Time                       `json:"period_start,omitempty"`
	PeriodEnd    *time.Time                       `json:"period_end,omitempty"`
	Closures     []closuredomain.ClosureBulletin  `json:"closures"`
	Entries      []ledgerdomain.JournalEntry      `json:"entries"`
	Verification *ledgerdomain.VerificationResult `json:"verification,omitempty"`
}

// Closure returns the bulletin a period export is built around.
func (b Bundle) Closure() *closuredomain.ClosureBulletin {
	if len(b.Closures) == 0 {
		return nil
	}
	return &b.Closures[0]
}
