package service

import (
	"context"
	"strconv"
	"strings"
	"sync"

	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/config"
	"github.com/smallbiznis/caisse/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Repo     domain.Repository
	Fiscal   *config.FiscalConfigHolder
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     domain.Repository
	fiscal   *config.FiscalConfigHolder
	auditSvc auditdomain.Service

	mu sync.Mutex
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("settings.service"),
		clock:    p.Clock,
		repo:     p.Repo,
		fiscal:   p.Fiscal,
		auditSvc: p.AuditSvc,
	}
}

// Get overlays stored values on the configured defaults. Unparseable stored
// values fall back to the default and are logged.
func (s *Service) Get(ctx context.Context) (domain.Settings, error) {
	rows, err := s.repo.All(ctx, s.db)
	if err != nil {
		return domain.Settings{}, err
	}

	settings := s.defaults()
	for _, row := range rows {
		value := strings.TrimSpace(row.Value)
		switch row.Key {
		case domain.KeyClosureTime:
			settings.ClosureTime = value
		case domain.KeyTimezone:
			settings.Timezone = value
		case domain.KeyGracePeriodMinutes:
			minutes, err := strconv.Atoi(value)
			if err != nil {
				s.log.Warn("settings.value_invalid", zap.String("key", row.Key), zap.String("value", value))
				continue
			}
			settings.GracePeriodMinutes = minutes
		case domain.KeyAutoClosureEnabled:
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				s.log.Warn("settings.value_invalid", zap.String("key", row.Key), zap.String("value", value))
				continue
			}
			settings.Enabled = enabled
		}
	}
	return settings, nil
}

func (s *Service) Update(ctx context.Context, settings domain.Settings, updatedBy string) (domain.Settings, error) {
	settings.ClosureTime = strings.TrimSpace(settings.ClosureTime)
	settings.Timezone = strings.TrimSpace(settings.Timezone)
	if err := settings.Validate(); err != nil {
		return domain.Settings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Upsert(ctx, s.db, s.rows(settings, updatedBy)); err != nil {
		return domain.Settings{}, err
	}

	s.log.Info("settings.updated",
		zap.Bool("enabled", settings.Enabled),
		zap.String("closure_time", settings.ClosureTime),
		zap.String("timezone", settings.Timezone),
		zap.Int("grace_period_minutes", settings.GracePeriodMinutes),
	)
	if s.auditSvc != nil {
		var actorID *string
		if updatedBy != "" {
			actorID = &updatedBy
		}
		if err := s.auditSvc.AuditLog(ctx, "", string(auditdomain.ActorTypeUser), actorID, "settings.updated", "fiscal_settings", nil, map[string]any{
			"enabled":              settings.Enabled,
			"closure_time":         settings.ClosureTime,
			"timezone":             settings.Timezone,
			"grace_period_minutes": settings.GracePeriodMinutes,
		}); err != nil {
			s.log.Warn("settings.audit_failed", zap.Error(err))
		}
	}
	return settings, nil
}

func (s *Service) Seed(ctx context.Context) error {
	defaults := s.defaults()
	if err := defaults.Validate(); err != nil {
		return err
	}
	return s.repo.InsertMissing(ctx, s.db, s.rows(defaults, "system"))
}

func (s *Service) defaults() domain.Settings {
	closure := s.fiscal.Get().Closure
	return domain.Settings{
		Enabled:            closure.AutoEnabled,
		ClosureTime:        closure.Time,
		Timezone:           closure.Timezone,
		GracePeriodMinutes: closure.GracePeriodMinutes,
	}
}

func (s *Service) rows(settings domain.Settings, updatedBy string) []domain.FiscalSetting {
	now := s.clock.Now().UTC()
	row := func(key, value string) domain.FiscalSetting {
		return domain.FiscalSetting{Key: key, Value: value, UpdatedBy: updatedBy, UpdatedAt: now}
	}
	return []domain.FiscalSetting{
		row(domain.KeyAutoClosureEnabled, strconv.FormatBool(settings.Enabled)),
		row(domain.KeyClosureTime, settings.ClosureTime),
		row(domain.KeyGracePeriodMinutes, strconv.Itoa(settings.GracePeriodMinutes)),
		row(domain.KeyTimezone, settings.Timezone),
	}
}
