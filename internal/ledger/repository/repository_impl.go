package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/caisse/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) EnsureHead(ctx context.Context, db *gorm.DB, registerID, genesis string) error {
	head := domain.LedgerHead{
		RegisterID: registerID,
		LastHash:   genesis,
		UpdatedAt:  time.Now().UTC(),
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&head).Error
}

func (r *repo) LockHead(ctx context.Context, db *gorm.DB, registerID string) (domain.LedgerHead, error) {
	var head domain.LedgerHead
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("register_id = ?", registerID).
		Take(&head).Error
	return head, err
}

func (r *repo) UpdateHead(ctx context.Context, db *gorm.DB, head domain.LedgerHead) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ledger_heads SET last_sequence = ?, last_hash = ?, updated_at = ? WHERE register_id = ?`,
		head.LastSequence,
		head.LastHash,
		head.UpdatedAt,
		head.RegisterID,
	).Error
}

func (r *repo) LastEntry(ctx context.Context, db *gorm.DB, registerID string) (*domain.JournalEntry, error) {
	var entry domain.JournalEntry
	err := db.WithContext(ctx).
		Where("register_id = ?", registerID).
		Order("sequence_number desc").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.JournalEntry) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) GetBySequence(ctx context.Context, db *gorm.DB, registerID string, sequence int64) (*domain.JournalEntry, error) {
	var entry domain.JournalEntry
	err := db.WithContext(ctx).
		Where("register_id = ? AND sequence_number = ?", registerID, sequence).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.JournalEntry, error) {
	var entries []*domain.JournalEntry
	stmt := db.WithContext(ctx).Model(&domain.JournalEntry{}).
		Where("register_id = ?", filter.RegisterID)

	if filter.From != nil {
		stmt = stmt.Where("timestamp >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		stmt = stmt.Where("timestamp < ?", filter.To.UTC())
	}
	if filter.FromSequence > 0 {
		stmt = stmt.Where("sequence_number >= ?", filter.FromSequence)
	}
	if filter.ToSequence > 0 {
		stmt = stmt.Where("sequence_number <= ?", filter.ToSequence)
	}
	if filter.Type != "" {
		stmt = stmt.Where("transaction_type = ?", filter.Type)
	}
	if filter.AfterSeq > 0 {
		stmt = stmt.Where("sequence_number > ?", filter.AfterSeq)
	}

	stmt = stmt.Order("sequence_number asc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) Batch(ctx context.Context, db *gorm.DB, registerID string, afterSeq int64, limit int) ([]domain.JournalEntry, error) {
	var entries []domain.JournalEntry
	err := db.WithContext(ctx).
		Where("register_id = ? AND sequence_number > ?", registerID, afterSeq).
		Order("sequence_number asc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *repo) SequenceRange(ctx context.Context, db *gorm.DB, registerID string, from, to time.Time) (domain.SequenceRange, error) {
	var row struct {
		First *int64
		Last  *int64
		Count int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT MIN(sequence_number) AS first, MAX(sequence_number) AS last, COUNT(*) AS count
		 FROM journal_entries
		 WHERE register_id = ? AND timestamp >= ? AND timestamp < ?`,
		registerID,
		from.UTC(),
		to.UTC(),
	).Scan(&row).Error
	if err != nil {
		return domain.SequenceRange{}, err
	}
	out := domain.SequenceRange{Count: row.Count}
	if row.First != nil {
		out.First = *row.First
	}
	if row.Last != nil {
		out.Last = *row.Last
	}
	return out, nil
}
