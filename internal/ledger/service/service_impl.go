package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/clock"
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

	Lifecycle  fx.Lifecycle `optional:"true"`
	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	Repo       ledgerdomain.Repository
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       ledgerdomain.Repository
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
	registerID string
	genesis    string
	appender   *appender
}

func NewService(p Params) (*Service, error) {
	registerID := strings.TrimSpace(p.Config.RegisterID)
	if registerID == "" {
		return nil, ledgerdomain.ErrInvalidRegister
	}

	s := &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service").With(zap.String("register_id", registerID)),
		clock:      p.Clock,
		repo:       p.Repo,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
		registerID: registerID,
		genesis:    ledgerdomain.GenesisHash,
	}
	s.appender = newAppender(s.write)

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error {
				s.Close()
				return nil
			},
		})
	}
	return s, nil
}

// AsDomain exposes the service through the domain interface.
func AsDomain(s *Service) ledgerdomain.Service { return s }

// Close stops the appender after the queued appends have been written.
func (s *Service) Close() {
	s.appender.stop()
}

func (s *Service) RegisterID() string { return s.registerID }

func (s *Service) Append(ctx context.Context, req ledgerdomain.AppendRequest) (ledgerdomain.JournalEntry, error) {
	return s.submit(ctx, nil, req)
}

func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.AppendRequest) (ledgerdomain.JournalEntry, error) {
	if tx == nil {
		return ledgerdomain.JournalEntry{}, errors.New("transaction is required")
	}
	return s.submit(ctx, tx, req)
}

func (s *Service) submit(ctx context.Context, tx *gorm.DB, req ledgerdomain.AppendRequest) (ledgerdomain.JournalEntry, error) {
	draft, err := s.buildDraft(req)
	if err != nil {
		return ledgerdomain.JournalEntry{}, err
	}

	start := time.Now()
	entry, err := s.appender.do(ctx, tx, draft)
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.obsMetrics.RecordLedgerAppend(ctx, string(draft.TransactionType), result, time.Since(start))
	if err != nil {
		s.log.Error("ledger.append.failed",
			zap.String("transaction_type", string(draft.TransactionType)),
			zap.Error(err),
		)
		return ledgerdomain.JournalEntry{}, err
	}

	s.log.Info("ledger.entry_appended",
		zap.Int64("sequence_number", entry.SequenceNumber),
		zap.String("transaction_type", string(entry.TransactionType)),
		zap.String("current_hash", entry.CurrentHash),
	)

	// Inside a caller transaction the audit row would need a second
	// connection while the first is held; the caller audits its own action.
	if tx == nil {
		s.audit(ctx, req.UserID, "ledger.entry_appended", entry)
	}
	return entry, nil
}

func (s *Service) buildDraft(req ledgerdomain.AppendRequest) (ledgerdomain.JournalEntry, error) {
	if !req.Type.Valid() {
		return ledgerdomain.JournalEntry{}, ledgerdomain.ErrInvalidTransactionType
	}
	if req.Payload != nil && req.Payload.Kind() != req.Type {
		return ledgerdomain.JournalEntry{}, ledgerdomain.ErrPayloadMismatch
	}
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		return ledgerdomain.JournalEntry{}, ledgerdomain.ErrInvalidPaymentMethod
	}

	amount := req.Amount.Round(2)
	vat := req.VATAmount.Round(2)
	if vat.Abs().GreaterThan(amount.Abs()) {
		return ledgerdomain.JournalEntry{}, ledgerdomain.ErrInvalidAmount
	}

	var payload []byte
	if req.Payload != nil {
		encoded, err := ledgerdomain.EncodePayload(req.Payload)
		if err != nil {
			return ledgerdomain.JournalEntry{}, fmt.Errorf("%w: %v", ledgerdomain.ErrPayloadMismatch, err)
		}
		payload = encoded
	}

	return ledgerdomain.JournalEntry{
		RegisterID:      s.registerID,
		TransactionType: req.Type,
		OrderID:         optionalString(req.OrderID),
		Amount:          amount,
		VATAmount:       vat,
		PaymentMethod:   method,
		TransactionData: payload,
		UserID:          optionalString(req.UserID),
	}, nil
}

// write runs on the appender goroutine only.
func (s *Service) write(ctx context.Context, tx *gorm.DB, draft ledgerdomain.JournalEntry) (ledgerdomain.JournalEntry, error) {
	if tx != nil {
		return s.writeTx(ctx, tx, draft)
	}
	var entry ledgerdomain.JournalEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		written, err := s.writeTx(ctx, tx, draft)
		if err != nil {
			return err
		}
		entry = written
		return nil
	})
	return entry, err
}

func (s *Service) writeTx(ctx context.Context, tx *gorm.DB, entry ledgerdomain.JournalEntry) (ledgerdomain.JournalEntry, error) {
	if err := s.repo.EnsureHead(ctx, tx, s.registerID, s.genesis); err != nil {
		return ledgerdomain.JournalEntry{}, fmt.Errorf("ensure ledger head: %w", err)
	}
	head, err := s.repo.LockHead(ctx, tx, s.registerID)
	if err != nil {
		return ledgerdomain.JournalEntry{}, fmt.Errorf("lock ledger head: %w", err)
	}

	last, err := s.repo.LastEntry(ctx, tx, s.registerID)
	if err != nil {
		return ledgerdomain.JournalEntry{}, fmt.Errorf("read last entry: %w", err)
	}

	entry.SequenceNumber = 1
	entry.PreviousHash = s.genesis
	if last != nil {
		entry.SequenceNumber = last.SequenceNumber + 1
		entry.PreviousHash = last.CurrentHash
	}
	if head.LastSequence != entry.SequenceNumber-1 {
		s.log.Warn("ledger.head.out_of_sync",
			zap.Int64("head_sequence", head.LastSequence),
			zap.Int64("last_sequence", entry.SequenceNumber-1),
		)
	}

	// One timestamp for both the hash and the stored row.
	entry.Timestamp = ledgerdomain.NormalizeTimestamp(s.clock.Now())
	entry.CurrentHash = ledgerdomain.EntryHash(entry)

	if err := s.repo.Insert(ctx, tx, &entry); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return ledgerdomain.JournalEntry{}, fmt.Errorf("%w: sequence %d", ledgerdomain.ErrSequenceConflict, entry.SequenceNumber)
		}
		return ledgerdomain.JournalEntry{}, fmt.Errorf("insert journal entry: %w", err)
	}

	head.LastSequence = entry.SequenceNumber
	head.LastHash = entry.CurrentHash
	head.UpdatedAt = entry.Timestamp
	if err := s.repo.UpdateHead(ctx, tx, head); err != nil {
		return ledgerdomain.JournalEntry{}, fmt.Errorf("update ledger head: %w", err)
	}
	return entry, nil
}

func (s *Service) GetBySequence(ctx context.Context, sequence int64) (ledgerdomain.JournalEntry, error) {
	if sequence <= 0 {
		return ledgerdomain.JournalEntry{}, ledgerdomain.ErrInvalidSequence
	}
	entry, err := s.repo.GetBySequence(ctx, s.db, s.registerID, sequence)
	if err != nil {
		return ledgerdomain.JournalEntry{}, err
	}
	if entry == nil {
		return ledgerdomain.JournalEntry{}, ledgerdomain.ErrNotFound
	}
	return *entry, nil
}

func (s *Service) Last(ctx context.Context) (*ledgerdomain.JournalEntry, error) {
	return s.repo.LastEntry(ctx, s.db, s.registerID)
}

func (s *Service) List(ctx context.Context, req ledgerdomain.ListEntriesRequest) (ledgerdomain.ListEntriesResponse, error) {
	if req.From != nil && req.To != nil && !req.From.Before(*req.To) {
		return ledgerdomain.ListEntriesResponse{}, ledgerdomain.ErrInvalidTimeRange
	}
	if req.Type != "" && !req.Type.Valid() {
		return ledgerdomain.ListEntriesResponse{}, ledgerdomain.ErrInvalidTransactionType
	}

	var afterSeq int64
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return ledgerdomain.ListEntriesResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		afterSeq, err = strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil || afterSeq <= 0 {
			return ledgerdomain.ListEntriesResponse{}, ledgerdomain.ErrInvalidPageToken
		}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, ledgerdomain.ListFilter{
		RegisterID:   s.registerID,
		From:         req.From,
		To:           req.To,
		FromSequence: req.FromSequence,
		ToSequence:   req.ToSequence,
		Type:         req.Type,
		AfterSeq:     afterSeq,
		Limit:        pageSize,
	})
	if err != nil {
		return ledgerdomain.ListEntriesResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *ledgerdomain.JournalEntry) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: strconv.FormatInt(item.SequenceNumber, 10)})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	entries := make([]ledgerdomain.JournalEntry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		entries = append(entries, *item)
	}

	resp := ledgerdomain.ListEntriesResponse{Entries: entries}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
		if !pageInfo.HasMore {
			resp.NextPageToken = ""
		}
	}
	return resp, nil
}

func (s *Service) RangeTx(ctx context.Context, tx *gorm.DB, from, to time.Time) ([]ledgerdomain.JournalEntry, error) {
	items, err := s.repo.List(ctx, s.conn(tx), ledgerdomain.ListFilter{
		RegisterID: s.registerID,
		From:       &from,
		To:         &to,
	})
	if err != nil {
		return nil, err
	}
	entries := make([]ledgerdomain.JournalEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, *item)
	}
	return entries, nil
}

func (s *Service) SequenceRangeTx(ctx context.Context, tx *gorm.DB, from, to time.Time) (ledgerdomain.SequenceRange, error) {
	return s.repo.SequenceRange(ctx, s.conn(tx), s.registerID, from, to)
}

func (s *Service) EntriesTx(ctx context.Context, tx *gorm.DB) ([]ledgerdomain.JournalEntry, error) {
	conn := s.conn(tx)
	var (
		entries  []ledgerdomain.JournalEntry
		afterSeq int64
	)
	for {
		batch, err := s.repo.Batch(ctx, conn, s.registerID, afterSeq, verifyBatchSize)
		if err != nil {
			return nil, err
		}
		entries = append(entries, batch...)
		if len(batch) < verifyBatchSize {
			return entries, nil
		}
		afterSeq = batch[len(batch)-1].SequenceNumber
	}
}

// conn falls back to the service handle when the caller has no transaction.
func (s *Service) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

func (s *Service) audit(ctx context.Context, userID, action string, entry ledgerdomain.JournalEntry) {
	if s.auditSvc == nil {
		return
	}
	target := strconv.FormatInt(entry.SequenceNumber, 10)
	actorType := ""
	var actorID *string
	if userID != "" {
		actorType = string(auditdomain.ActorTypeUser)
		actorID = &userID
	}
	metadata := map[string]any{
		"transaction_type": string(entry.TransactionType),
		"amount":           ledgerdomain.FormatAmount(entry.Amount),
		"current_hash":     entry.CurrentHash,
	}
	if entry.OrderID != nil {
		metadata["order_id"] = *entry.OrderID
	}
	if err := s.auditSvc.AuditLog(ctx, s.registerID, actorType, actorID, action, "journal_entry", &target, metadata); err != nil {
		s.log.Warn("failed to write ledger audit log", zap.Error(err))
	}
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
