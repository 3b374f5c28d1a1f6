package service

import (
	"context"
	"fmt"

	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	"github.com/smallbiznis/caisse/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const verifyBatchSize = 500

// Verify walks the chain in sequence order and reports every discrepancy. It
// never repairs anything.
func (s *Service) Verify(ctx context.Context) (ledgerdomain.VerificationResult, error) {
	result := ledgerdomain.VerificationResult{Errors: []ledgerdomain.IntegrityError{}}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		verified, err := s.verifyChain(ctx, tx)
		if err != nil {
			return err
		}
		result = verified
		return nil
	}, db.SnapshotTxOptions(s.db)...)
	if err != nil {
		return ledgerdomain.VerificationResult{}, fmt.Errorf("verify ledger: %w", err)
	}

	result.VerifiedAt = s.clock.Now().UTC()
	s.obsMetrics.RecordVerification(ctx, result.IsValid)

	if !result.IsValid {
		s.log.Error("ledger.integrity_violation",
			zap.Int64("entries_checked", result.EntriesChecked),
			zap.Int("error_count", len(result.Errors)),
			zap.Int64("first_bad_sequence", result.Errors[0].Sequence),
		)
		if s.auditSvc != nil {
			metadata := map[string]any{
				"entries_checked": result.EntriesChecked,
				"error_count":     len(result.Errors),
				"errors":          summarizeErrors(result.Errors),
			}
			if err := s.auditSvc.AuditLog(ctx, s.registerID, "", nil, "ledger.integrity_violation", "ledger", &s.registerID, metadata); err != nil {
				s.log.Warn("failed to write integrity audit log", zap.Error(err))
			}
		}
		return result, nil
	}

	s.log.Info("ledger.verified", zap.Int64("entries_checked", result.EntriesChecked))
	return result, nil
}

func (s *Service) verifyChain(ctx context.Context, tx *gorm.DB) (ledgerdomain.VerificationResult, error) {
	var (
		checker  ledgerdomain.ChainChecker
		afterSeq int64
	)
	for {
		batch, err := s.repo.Batch(ctx, tx, s.registerID, afterSeq, verifyBatchSize)
		if err != nil {
			return ledgerdomain.VerificationResult{}, err
		}
		for _, entry := range batch {
			checker.Check(entry)
			afterSeq = entry.SequenceNumber
		}
		if len(batch) < verifyBatchSize {
			break
		}
	}
	return checker.Result(), nil
}

func summarizeErrors(errs []ledgerdomain.IntegrityError) []map[string]any {
	const maxAudited = 20
	out := make([]map[string]any, 0, len(errs))
	for i, e := range errs {
		if i == maxAudited {
			break
		}
		out = append(out, map[string]any{
			"sequence": e.Sequence,
			"kind":     string(e.Kind),
		})
	}
	return out
}
