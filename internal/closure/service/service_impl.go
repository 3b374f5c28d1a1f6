package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/clock"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	"github.com/smallbiznis/caisse/internal/config"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/caisse/internal/order/domain"
	settingsdomain "github.com/smallbiznis/caisse/internal/settings/domain"
	"github.com/smallbiznis/caisse/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       closuredomain.Repository
	Ledger     ledgerdomain.Service
	Orders     orderdomain.Source
	Settings   settingsdomain.Service
	Fiscal     *config.FiscalConfigHolder
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       closuredomain.Repository
	ledger     ledgerdomain.Service
	orders     orderdomain.Source
	settings   settingsdomain.Service
	fiscal     *config.FiscalConfigHolder
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics

	// createMu serializes closures within the process; the store's partial
	// unique index covers other processes.
	createMu sync.Mutex
}

func NewService(p Params) closuredomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("closure.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		ledger:     p.Ledger,
		orders:     p.Orders,
		settings:   p.Settings,
		fiscal:     p.Fiscal,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateClosure(ctx context.Context, req closuredomain.CreateClosureRequest) (closuredomain.ClosureBulletin, error) {
	bulletin, err := s.createClosure(ctx, req)
	result := "created"
	switch {
	case err == nil && bulletin.Forced:
		result = "forced"
	case err != nil && isDuplicate(err):
		result = "duplicate"
	case err != nil:
		result = "error"
	}
	s.obsMetrics.RecordClosure(ctx, string(req.Type), result)
	return bulletin, err
}

func (s *Service) createClosure(ctx context.Context, req closuredomain.CreateClosureRequest) (closuredomain.ClosureBulletin, error) {
	createdBy := strings.TrimSpace(req.CreatedBy)
	if createdBy == "" {
		createdBy = "system"
	}

	period, err := s.ResolvePeriod(ctx, req.Type, req.Date)
	if err != nil {
		return closuredomain.ClosureBulletin{}, err
	}
	start, end := period.Start.UTC(), period.End.UTC()
	registerID := s.ledger.RegisterID()

	s.createMu.Lock()
	defer s.createMu.Unlock()

	// Duplicate check, sales and sequence bounds come from one snapshot so
	// the totals and the sequence range describe the same store state.
	var (
		existing *closuredomain.ClosureBulletin
		orders   []orderdomain.Order
		seq      ledgerdomain.SequenceRange
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		existing, err = s.repo.FindClosedOverlapping(ctx, tx, registerID, req.Type, start, end)
		if err != nil {
			return fmt.Errorf("check existing closure: %w", err)
		}
		if existing != nil && !req.Force {
			return nil
		}
		orders, err = s.orders.FindCompletedTx(ctx, tx, registerID, start, end)
		if err != nil {
			return fmt.Errorf("load orders: %w", err)
		}
		seq, err = s.ledger.SequenceRangeTx(ctx, tx, start, end)
		if err != nil {
			return fmt.Errorf("load ledger range: %w", err)
		}
		return nil
	}, db.SnapshotTxOptions(s.db)...)
	if err != nil {
		return closuredomain.ClosureBulletin{}, err
	}
	if existing != nil && !req.Force {
		s.log.Info("closure.duplicate_rejected",
			zap.String("closure_type", string(req.Type)),
			zap.String("period_key", period.Key),
			zap.String("existing_id", existing.ID.String()),
		)
		return closuredomain.ClosureBulletin{}, fmt.Errorf("%w: %s %s already closed by %s",
			closuredomain.ErrDuplicateClosure, req.Type, period.Key, existing.ID)
	}

	t := newAggregator(s.fiscal.Get()).aggregate(orders)
	if !vatConsistent(t) {
		return closuredomain.ClosureBulletin{}, fmt.Errorf("vat breakdown does not add up to %s", t.VAT.StringFixed(2))
	}

	now := s.clock.Now().UTC()
	bulletin := closuredomain.ClosureBulletin{
		ID:                      s.genID.Generate(),
		RegisterID:              registerID,
		ClosureType:             req.Type,
		PeriodKey:               period.Key,
		PeriodStart:             start,
		PeriodEnd:               end,
		TotalTransactions:       t.Count,
		TotalAmount:             t.Amount,
		TotalVAT:                t.VAT,
		VATBreakdown:            datatypes.NewJSONType(t.VATBuckets),
		PaymentMethodsBreakdown: datatypes.NewJSONType(t.Payments),
		TipsTotal:               t.Tips,
		ChangeTotal:             t.ChangeGiven,
		FirstSequence:           seq.First,
		LastSequence:            seq.Last,
		IsClosed:                true,
		ClosedAt:                &now,
		Forced:                  existing != nil,
		CreatedBy:               createdBy,
		CreatedAt:               now,
	}
	bulletin.ClosureHash = closuredomain.ComputeClosureHash(
		bulletin.ClosureType,
		bulletin.PeriodKey,
		bulletin.TotalTransactions,
		bulletin.TotalAmount,
		bulletin.TotalVAT,
		bulletin.FirstSequence,
		bulletin.LastSequence,
	)

	writeCtx := context.WithoutCancel(ctx)
	err = s.db.WithContext(writeCtx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.ledger.AppendTx(writeCtx, tx, ledgerdomain.AppendRequest{
			Type:          ledgerdomain.TransactionTypeClosure,
			Amount:        decimal.Zero,
			VATAmount:     decimal.Zero,
			PaymentMethod: "none",
			UserID:        createdBy,
			Payload: ledgerdomain.ClosurePayload{
				BulletinID:        bulletin.ID.String(),
				ClosureType:       string(bulletin.ClosureType),
				PeriodKey:         bulletin.PeriodKey,
				ClosureHash:       bulletin.ClosureHash,
				TotalTransactions: bulletin.TotalTransactions,
				TotalAmount:       bulletin.TotalAmount,
				TotalVAT:          bulletin.TotalVAT,
				Forced:            bulletin.Forced,
			},
		})
		if err != nil {
			return fmt.Errorf("append closure entry: %w", err)
		}
		bulletin.LedgerSequence = entry.SequenceNumber

		if err := s.repo.Insert(writeCtx, tx, &bulletin); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return fmt.Errorf("%w: %s %s", closuredomain.ErrDuplicateClosure, req.Type, period.Key)
			}
			return fmt.Errorf("insert bulletin: %w", err)
		}
		return nil
	})
	if err != nil {
		s.log.Error("closure.create.failed",
			zap.String("closure_type", string(req.Type)),
			zap.String("period_key", period.Key),
			zap.Error(err),
		)
		return closuredomain.ClosureBulletin{}, err
	}

	s.log.Info("closure.created",
		zap.String("bulletin_id", bulletin.ID.String()),
		zap.String("closure_type", string(bulletin.ClosureType)),
		zap.String("period_key", bulletin.PeriodKey),
		zap.Int64("total_transactions", bulletin.TotalTransactions),
		zap.String("total_amount", bulletin.TotalAmount.StringFixed(2)),
		zap.Bool("forced", bulletin.Forced),
	)
	s.audit(ctx, createdBy, bulletin)
	return bulletin, nil
}

func (s *Service) ListClosures(ctx context.Context, req closuredomain.ListClosuresRequest) ([]closuredomain.ClosureBulletin, error) {
	return s.ListClosuresTx(ctx, s.db, req)
}

func (s *Service) ListClosuresTx(ctx context.Context, tx *gorm.DB, req closuredomain.ListClosuresRequest) ([]closuredomain.ClosureBulletin, error) {
	if req.Type != nil && !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown closure type %q", closuredomain.ErrValidation, *req.Type)
	}
	return s.repo.List(ctx, s.conn(tx), s.ledger.RegisterID(), req.Type)
}

func (s *Service) GetClosure(ctx context.Context, id snowflake.ID) (closuredomain.ClosureBulletin, error) {
	bulletin, err := s.repo.GetByID(ctx, s.db, s.ledger.RegisterID(), id)
	if err != nil {
		return closuredomain.ClosureBulletin{}, err
	}
	if bulletin == nil {
		return closuredomain.ClosureBulletin{}, closuredomain.ErrNotFound
	}
	return *bulletin, nil
}

func (s *Service) ResolvePeriod(ctx context.Context, closureType closuredomain.ClosureType, date string) (closuredomain.Period, error) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return closuredomain.Period{}, fmt.Errorf("load closure settings: %w", err)
	}
	hour, minute, err := settingsdomain.ParseClockTime(settings.ClosureTime)
	if err != nil {
		return closuredomain.Period{}, fmt.Errorf("%w: %v", closuredomain.ErrValidation, err)
	}
	loc, err := settings.Location()
	if err != nil {
		return closuredomain.Period{}, fmt.Errorf("%w: %v", closuredomain.ErrValidation, err)
	}
	return closuredomain.ResolvePeriod(closureType, date, hour, minute, loc)
}

func (s *Service) FindClosed(ctx context.Context, closureType closuredomain.ClosureType, periodKey string) (*closuredomain.ClosureBulletin, error) {
	return s.FindClosedTx(ctx, s.db, closureType, periodKey)
}

func (s *Service) FindClosedTx(ctx context.Context, tx *gorm.DB, closureType closuredomain.ClosureType, periodKey string) (*closuredomain.ClosureBulletin, error) {
	if !closureType.Valid() {
		return nil, fmt.Errorf("%w: unknown closure type %q", closuredomain.ErrValidation, closureType)
	}
	periodKey = strings.TrimSpace(periodKey)
	if periodKey == "" {
		return nil, fmt.Errorf("%w: period key is required", closuredomain.ErrValidation)
	}
	return s.repo.FindClosedByKey(ctx, s.conn(tx), s.ledger.RegisterID(), closureType, periodKey)
}

func (s *Service) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

func (s *Service) audit(ctx context.Context, createdBy string, bulletin closuredomain.ClosureBulletin) {
	if s.auditSvc == nil {
		return
	}
	actorType := auditdomain.ActorTypeUser
	if createdBy == "scheduler" {
		actorType = auditdomain.ActorTypeScheduler
	}
	targetID := bulletin.ID.String()
	if err := s.auditSvc.AuditLog(ctx, bulletin.RegisterID, string(actorType), &createdBy, "closure.created", "closure_bulletin", &targetID, map[string]any{
		"closure_type":    string(bulletin.ClosureType),
		"period_key":      bulletin.PeriodKey,
		"closure_hash":    bulletin.ClosureHash,
		"forced":          bulletin.Forced,
		"ledger_sequence": bulletin.LedgerSequence,
	}); err != nil {
		s.log.Warn("closure.audit_failed", zap.Error(err))
	}
}

func isDuplicate(err error) bool {
	return errors.Is(err, closuredomain.ErrDuplicateClosure)
}
