package service

import (
	"context"
	"strings"
	"time"

	orderdomain "github.com/smallbiznis/caisse/internal/order/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type SourceParams struct {
	fx.In

	DB   *gorm.DB
	Repo orderdomain.Repository
}

type source struct {
	db   *gorm.DB
	repo orderdomain.Repository
}

// NewSource reads orders straight from the order tables.
func NewSource(p SourceParams) orderdomain.Source {
	return &source{db: p.DB, repo: p.Repo}
}

func (s *source) FindCompleted(ctx context.Context, registerID string, from, to time.Time) ([]orderdomain.Order, error) {
	return s.FindCompletedTx(ctx, s.db, registerID, from, to)
}

func (s *source) FindCompletedTx(ctx context.Context, tx *gorm.DB, registerID string, from, to time.Time) ([]orderdomain.Order, error) {
	if !from.Before(to) {
		return []orderdomain.Order{}, nil
	}
	if tx == nil {
		tx = s.db
	}
	return s.repo.FindCompleted(ctx, tx, strings.TrimSpace(registerID), from, to)
}

func (s *source) GetByID(ctx context.Context, id string) (orderdomain.Order, error) {
	order, err := s.repo.GetByID(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return orderdomain.Order{}, err
	}
	if order == nil {
		return orderdomain.Order{}, orderdomain.ErrOrderNotFound
	}
	return *order, nil
}
