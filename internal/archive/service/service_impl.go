package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/caisse/internal/archive/blob"
	archivedomain "github.com/smallbiznis/caisse/internal/archive/domain"
	"github.com/smallbiznis/caisse/internal/archive/render"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/clock"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	"github.com/smallbiznis/caisse/internal/config"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	"github.com/smallbiznis/caisse/pkg/db"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       archivedomain.Repository
	Blobs      blob.Store
	Ledger     ledgerdomain.Service
	Closures   closuredomain.Service
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       archivedomain.Repository
	blobs      blob.Store
	ledger     ledgerdomain.Service
	closures   closuredomain.Service
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
	signer     signer
}

func NewService(p Params) (archivedomain.Service, error) {
	log := p.Log.Named("archive.service")

	secret := p.Config.Archive.HMACSecret
	if secret == "" {
		if p.Config.IsProduction() {
			return nil, errors.New("ARCHIVE_HMAC_SECRET must be set in production")
		}
		log.Warn("archive.signing.development_secret")
		secret = developmentSecret
	}
	sig, err := newSigner(secret, p.Ledger.RegisterID())
	if err != nil {
		return nil, err
	}

	return &Service{
		db:         p.DB,
		log:        log,
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		blobs:      p.Blobs,
		ledger:     p.Ledger,
		closures:   p.Closures,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
		signer:     sig,
	}, nil
}

func (s *Service) ExportData(ctx context.Context, req archivedomain.ExportRequest) (archivedomain.ArchiveExport, error) {
	if req.Format == "" {
		req.Format = archivedomain.FormatJSON
	}
	req.Format = archivedomain.Format(strings.ToLower(string(req.Format)))
	if err := validateExport(req); err != nil {
		return archivedomain.ArchiveExport{}, err
	}
	createdBy := strings.TrimSpace(req.CreatedBy)
	if createdBy == "" {
		createdBy = "system"
	}

	var periodKey string
	if req.Type != archivedomain.ExportTypeFull {
		period, err := s.resolvePeriod(ctx, req)
		if err != nil {
			return archivedomain.ArchiveExport{}, err
		}
		start, end := period.Start.UTC(), period.End.UTC()
		req.PeriodStart, req.PeriodEnd = &start, &end
		periodKey = period.Key
	}

	now := s.clock.Now().UTC()
	export := archivedomain.ArchiveExport{
		ID:           s.genID.Generate(),
		RegisterID:   s.ledger.RegisterID(),
		ExportType:   req.Type,
		PeriodStart:  utcPtr(req.PeriodStart),
		PeriodEnd:    utcPtr(req.PeriodEnd),
		Format:       req.Format,
		ExportStatus: archivedomain.StatusPending,
		CreatedBy:    createdBy,
		CreatedAt:    now,
	}
	if err := s.repo.Insert(ctx, s.db, &export); err != nil {
		return archivedomain.ArchiveExport{}, fmt.Errorf("insert export: %w", err)
	}

	// The record outlives caller cancellation from here on.
	workCtx := context.WithoutCancel(ctx)
	if err := s.produce(workCtx, &export, periodKey); err != nil {
		s.fail(workCtx, &export, err)
		s.obsMetrics.RecordExport(ctx, string(export.ExportType), string(export.Format), string(archivedomain.StatusFailed))
		return export, err
	}

	s.obsMetrics.RecordExport(ctx, string(export.ExportType), string(export.Format), string(export.ExportStatus))
	s.log.Info("archive.exported",
		zap.String("export_id", export.ID.String()),
		zap.String("export_type", string(export.ExportType)),
		zap.String("format", string(export.Format)),
		zap.String("file_hash", export.FileHash),
		zap.Int64("file_size", export.FileSize),
	)
	s.audit(ctx, createdBy, "archive.exported", export, map[string]any{
		"export_type":       string(export.ExportType),
		"format":            string(export.Format),
		"file_hash":         export.FileHash,
		"digital_signature": export.DigitalSignature,
	})
	return export, nil
}

// resolvePeriod pins a DAILY or MONTHLY request to the business period named
// by its start date. The bounds must span exactly one day or one month.
func (s *Service) resolvePeriod(ctx context.Context, req archivedomain.ExportRequest) (closuredomain.Period, error) {
	start := *req.PeriodStart
	end := req.PeriodEnd.In(start.Location())
	closureType := closureTypeOf(req.Type)

	next, unit := start.AddDate(0, 0, 1), "day"
	if closureType == closuredomain.ClosureTypeMonthly {
		if start.Day() != 1 {
			return closuredomain.Period{}, fmt.Errorf("%w: MONTHLY exports start on the first day of a month", archivedomain.ErrValidation)
		}
		next, unit = start.AddDate(0, 1, 0), "month"
	}
	if next.Format(closuredomain.DateLayout) != end.Format(closuredomain.DateLayout) {
		return closuredomain.Period{}, fmt.Errorf("%w: %s exports cover exactly one business %s", archivedomain.ErrValidation, req.Type, unit)
	}

	period, err := s.closures.ResolvePeriod(ctx, closureType, start.Format(closuredomain.DateLayout))
	if err != nil {
		return closuredomain.Period{}, fmt.Errorf("resolve period: %w", err)
	}
	return period, nil
}

func (s *Service) produce(ctx context.Context, export *archivedomain.ArchiveExport, periodKey string) error {
	bundle, err := s.buildBundle(ctx, *export, periodKey)
	if err != nil {
		return err
	}
	data, err := render.Render(export.Format, bundle)
	if err != nil {
		return err
	}

	name := fileName(*export, bundle)
	key, err := s.blobs.Put(ctx, name, data)
	if err != nil {
		return err
	}

	completedAt := s.clock.Now().UTC()
	export.FilePath = key
	export.FileName = name
	export.FileHash = fileHash(data)
	export.FileSize = int64(len(data))
	export.DigitalSignature = s.signer.Sign(data)
	export.ExportStatus = archivedomain.StatusCompleted
	export.CompletedAt = &completedAt

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.ledger.AppendTx(ctx, tx, ledgerdomain.AppendRequest{
			Type:          ledgerdomain.TransactionTypeArchive,
			Amount:        decimal.Zero,
			VATAmount:     decimal.Zero,
			PaymentMethod: "none",
			UserID:        export.CreatedBy,
			Payload: ledgerdomain.ArchivePayload{
				ExportID:   export.ID.String(),
				ExportType: string(export.ExportType),
				Format:     string(export.Format),
				FileHash:   export.FileHash,
			},
		})
		if err != nil {
			return fmt.Errorf("append archive entry: %w", err)
		}
		export.LedgerSequence = &entry.SequenceNumber
		return s.repo.Update(ctx, tx, export)
	})
	if err != nil {
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			s.log.Warn("archive.blob.cleanup_failed", zap.String("file_path", key), zap.Error(delErr))
		}
		return err
	}
	return nil
}

func (s *Service) fail(ctx context.Context, export *archivedomain.ArchiveExport, cause error) {
	msg := cause.Error()
	export.ExportStatus = archivedomain.StatusFailed
	export.ErrorMessage = &msg
	export.FilePath = ""
	export.FileName = ""
	export.FileHash = ""
	export.FileSize = 0
	export.DigitalSignature = ""
	export.LedgerSequence = nil
	export.CompletedAt = nil

	s.log.Error("archive.export.failed",
		zap.String("export_id", export.ID.String()),
		zap.String("export_type", string(export.ExportType)),
		zap.Error(cause),
	)
	if err := s.repo.Update(ctx, s.db, export); err != nil {
		s.log.Error("archive.export.mark_failed", zap.String("export_id", export.ID.String()), zap.Error(err))
	}
}

// buildBundle reads everything the artifact carries from one snapshot, so the
// embedded verification covers exactly the exported entries.
func (s *Service) buildBundle(ctx context.Context, export archivedomain.ArchiveExport, periodKey string) (archivedomain.Bundle, error) {
	bundle := archivedomain.Bundle{
		Version:     archivedomain.BundleVersion,
		ExportID:    export.ID.String(),
		ExportType:  export.ExportType,
		RegisterID:  export.RegisterID,
		GeneratedAt: export.CreatedAt,
		PeriodStart: export.PeriodStart,
		PeriodEnd:   export.PeriodEnd,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if export.ExportType == archivedomain.ExportTypeFull {
			closures, err := s.closures.ListClosuresTx(ctx, tx, closuredomain.ListClosuresRequest{})
			if err != nil {
				return fmt.Errorf("load closures: %w", err)
			}
			entries, err := s.ledger.EntriesTx(ctx, tx)
			if err != nil {
				return fmt.Errorf("load entries: %w", err)
			}
			verification := ledgerdomain.VerifyEntries(entries)
			verification.VerifiedAt = s.clock.Now().UTC()
			if !verification.IsValid {
				s.log.Warn("archive.export.chain_invalid",
					zap.String("export_id", export.ID.String()),
					zap.Int("error_count", len(verification.Errors)),
				)
			}
			bundle.Closures = closures
			bundle.Entries = entries
			bundle.Verification = &verification
			return nil
		}

		closureType := closureTypeOf(export.ExportType)
		bulletin, err := s.closures.FindClosedTx(ctx, tx, closureType, periodKey)
		if err != nil {
			return fmt.Errorf("load closure: %w", err)
		}
		if bulletin == nil {
			return fmt.Errorf("%w: no closed %s bulletin for %s", archivedomain.ErrClosureNotFound, closureType, periodKey)
		}
		entries, err := s.ledger.RangeTx(ctx, tx, bulletin.PeriodStart, bulletin.PeriodEnd)
		if err != nil {
			return fmt.Errorf("load entries: %w", err)
		}
		bundle.Closures = []closuredomain.ClosureBulletin{*bulletin}
		bundle.Entries = entries
		return nil
	}, db.SnapshotTxOptions(s.db)...)
	if err != nil {
		return archivedomain.Bundle{}, err
	}
	return bundle, nil
}

// VerifyExport re-reads the artifact and checks it against the stored hash,
// signature and size. A failed check flags a produced export; the blob and
// the recorded hash, signature and size are never touched.
func (s *Service) VerifyExport(ctx context.Context, id snowflake.ID) (archivedomain.VerificationResult, error) {
	export, err := s.GetExport(ctx, id)
	if err != nil {
		return archivedomain.VerificationResult{}, err
	}

	result := archivedomain.VerificationResult{
		ExportID:   export.ID.String(),
		Errors:     []archivedomain.VerificationError{},
		VerifiedAt: s.clock.Now().UTC(),
	}
	addErr := func(kind archivedomain.VerificationErrorKind, msg, expected, actual string) {
		result.Errors = append(result.Errors, archivedomain.VerificationError{
			Kind: kind, Message: msg, Expected: expected, Actual: actual,
		})
	}

	switch {
	case !export.ExportStatus.Produced():
		addErr(archivedomain.VerificationNotCompleted, "export is "+string(export.ExportStatus), "", string(export.ExportStatus))
	default:
		data, err := s.blobs.Get(ctx, export.FilePath)
		switch {
		case errors.Is(err, archivedomain.ErrBlobNotFound):
			addErr(archivedomain.VerificationFileMissing, "artifact not found in the archive store", export.FilePath, "")
		case err != nil:
			return archivedomain.VerificationResult{}, fmt.Errorf("read artifact: %w", err)
		default:
			if actual := fileHash(data); actual != export.FileHash {
				addErr(archivedomain.VerificationHashMismatch, "content hash differs from the recorded hash", export.FileHash, actual)
			}
			if !s.signer.Verify(data, export.DigitalSignature) {
				addErr(archivedomain.VerificationSignatureMismatch, "signature does not match the content", "", "")
			}
			if size := int64(len(data)); size != export.FileSize {
				addErr(archivedomain.VerificationSizeMismatch, "content size differs from the recorded size",
					fmt.Sprint(export.FileSize), fmt.Sprint(size))
			}
		}
	}
	result.IsValid = len(result.Errors) == 0

	if result.IsValid {
		verifiedAt := result.VerifiedAt
		export.ExportStatus = archivedomain.StatusVerified
		export.VerifiedAt = &verifiedAt
		if err := s.repo.Update(context.WithoutCancel(ctx), s.db, &export); err != nil {
			return archivedomain.VerificationResult{}, fmt.Errorf("mark verified: %w", err)
		}
		s.log.Info("archive.verified", zap.String("export_id", export.ID.String()))
	} else {
		kinds := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			kinds = append(kinds, string(e.Kind))
		}
		s.log.Error("archive.verification_failed",
			zap.String("export_id", export.ID.String()),
			zap.String("export_status", string(export.ExportStatus)),
			zap.Strings("kinds", kinds),
		)
		if export.ExportStatus.Produced() && export.ExportStatus != archivedomain.StatusFlagged {
			export.ExportStatus = archivedomain.StatusFlagged
			if err := s.repo.Update(context.WithoutCancel(ctx), s.db, &export); err != nil {
				return archivedomain.VerificationResult{}, fmt.Errorf("mark flagged: %w", err)
			}
		}
		s.audit(ctx, "", "archive.verification_failed", export, map[string]any{
			"kinds":         kinds,
			"export_status": string(export.ExportStatus),
		})
	}
	s.obsMetrics.RecordVerification(ctx, result.IsValid)
	return result, nil
}

func (s *Service) DownloadExport(ctx context.Context, id snowflake.ID) (archivedomain.Download, error) {
	export, err := s.GetExport(ctx, id)
	if err != nil {
		return archivedomain.Download{}, err
	}
	switch {
	case export.ExportStatus == archivedomain.StatusFlagged:
		return archivedomain.Download{}, archivedomain.ErrFlagged
	case !export.ExportStatus.Produced():
		return archivedomain.Download{}, archivedomain.ErrNotCompleted
	}
	reader, size, err := s.blobs.Open(ctx, export.FilePath)
	if err != nil {
		return archivedomain.Download{}, err
	}
	return archivedomain.Download{
		Reader:      reader,
		FileName:    export.FileName,
		ContentType: export.Format.ContentType(),
		Size:        size,
	}, nil
}

func (s *Service) GetExport(ctx context.Context, id snowflake.ID) (archivedomain.ArchiveExport, error) {
	export, err := s.repo.GetByID(ctx, s.db, s.ledger.RegisterID(), id)
	if err != nil {
		return archivedomain.ArchiveExport{}, err
	}
	if export == nil {
		return archivedomain.ArchiveExport{}, archivedomain.ErrNotFound
	}
	return *export, nil
}

func (s *Service) ListExports(ctx context.Context, req archivedomain.ListExportsRequest) (archivedomain.ListExportsResponse, error) {
	if req.Type != "" && !req.Type.Valid() {
		return archivedomain.ListExportsResponse{}, fmt.Errorf("%w: unknown export type %q", archivedomain.ErrValidation, req.Type)
	}

	var cursor *archivedomain.ExportCursor
	if token := strings.TrimSpace(req.PageToken); token != "" {
		decoded, err := pagination.DecodeCursor(token)
		if err != nil {
			return archivedomain.ListExportsResponse{}, fmt.Errorf("%w: invalid page token", archivedomain.ErrValidation)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return archivedomain.ListExportsResponse{}, fmt.Errorf("%w: invalid page token", archivedomain.ErrValidation)
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return archivedomain.ListExportsResponse{}, fmt.Errorf("%w: invalid page token", archivedomain.ErrValidation)
		}
		cursor = &archivedomain.ExportCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, archivedomain.ListFilter{
		RegisterID: s.ledger.RegisterID(),
		Type:       req.Type,
		Status:     req.Status,
		Cursor:     cursor,
		Limit:      pageSize,
	})
	if err != nil {
		return archivedomain.ListExportsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *archivedomain.ArchiveExport) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	exports := make([]archivedomain.ArchiveExport, 0, len(items))
	for _, item := range items {
		exports = append(exports, *item)
	}
	resp := archivedomain.ListExportsResponse{Exports: exports}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
		if !pageInfo.HasMore {
			resp.NextPageToken = ""
		}
	}
	return resp, nil
}

func (s *Service) audit(ctx context.Context, actor, action string, export archivedomain.ArchiveExport, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	var actorID *string
	actorType := ""
	if actor != "" {
		actorType = string(auditdomain.ActorTypeUser)
		actorID = &actor
	}
	targetID := export.ID.String()
	if err := s.auditSvc.AuditLog(ctx, export.RegisterID, actorType, actorID, action, "archive_export", &targetID, metadata); err != nil {
		s.log.Warn("archive.audit_failed", zap.String("action", action), zap.Error(err))
	}
}

func validateExport(req archivedomain.ExportRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown export type %q", archivedomain.ErrValidation, req.Type)
	}
	if !req.Format.Valid() {
		return fmt.Errorf("%w: unknown format %q", archivedomain.ErrValidation, req.Format)
	}
	if !req.Format.Supports(req.Type) {
		return fmt.Errorf("%w: %s is not available for %s exports", archivedomain.ErrValidation, req.Format, req.Type)
	}
	if req.Type == archivedomain.ExportTypeFull {
		return nil
	}
	if req.PeriodStart == nil || req.PeriodEnd == nil {
		return fmt.Errorf("%w: %s exports need period_start and period_end", archivedomain.ErrValidation, req.Type)
	}
	if !req.PeriodStart.Before(*req.PeriodEnd) {
		return fmt.Errorf("%w: period_start must be before period_end", archivedomain.ErrValidation)
	}
	return nil
}

func closureTypeOf(t archivedomain.ExportType) closuredomain.ClosureType {
	if t == archivedomain.ExportTypeMonthly {
		return closuredomain.ClosureTypeMonthly
	}
	return closuredomain.ClosureTypeDaily
}

func fileName(export archivedomain.ArchiveExport, bundle archivedomain.Bundle) string {
	label := "full"
	if bulletin := bundle.Closure(); bulletin != nil && export.ExportType != archivedomain.ExportTypeFull {
		label = bulletin.PeriodKey
	}
	return slug.Make(fmt.Sprintf("%s %s %s", export.RegisterID, export.ExportType, label)) + "." + string(export.Format)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
