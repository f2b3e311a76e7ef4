package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/apperrors"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	strategyStore          = "store"
	defaultMaxAttempts     = 3
	defaultResolveTimeout  = 10 * time.Second
	pgUniqueViolationCode  = "23505"
	sqliteUniqueConstraint = "UNIQUE constraint failed"
)

// StoreMapperConfig describes the dependencies of the direct-store mapper.
type StoreMapperConfig struct {
	Database       *gorm.DB
	Clock          func() time.Time
	NewID          func() (uuid.UUID, error)
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	MaxAttempts    int
	ResolveTimeout time.Duration
}

// StoreMapper resolves identities inside a database transaction. The unique
// key on portal_user_auth rejects a racing insert; the loser rolls back and
// re-reads the winner's row.
type StoreMapper struct {
	db             *gorm.DB
	now            func() time.Time
	newID          func() (uuid.UUID, error)
	logger         *zap.Logger
	metrics        *metrics.Metrics
	maxAttempts    int
	resolveTimeout time.Duration
	flights        singleflight.Group
}

type resolution struct {
	userID  uuid.UUID
	created bool
}

// NewStoreMapper constructs the direct-store mapper.
func NewStoreMapper(cfg StoreMapperConfig) (*StoreMapper, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewRandom
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	resolveTimeout := cfg.ResolveTimeout
	if resolveTimeout <= 0 {
		resolveTimeout = defaultResolveTimeout
	}
	return &StoreMapper{
		db:             cfg.Database,
		now:            clock,
		newID:          newID,
		logger:         logger,
		metrics:        cfg.Metrics,
		maxAttempts:    maxAttempts,
		resolveTimeout: resolveTimeout,
	}, nil
}

// ResolveOrCreate returns the internal user id for the request, creating the
// user and mapping when the identity has not been seen before.
func (m *StoreMapper) ResolveOrCreate(ctx context.Context, request MappingRequest) (uuid.UUID, error) {
	request = request.Normalized()
	if err := request.Validate(); err != nil {
		return uuid.Nil, apperrors.Mapping("invalid identity", err)
	}

	// Callers racing on the same identity share one flight. It is detached
	// from any one caller's cancellation and bounded by resolveTimeout.
	key := request.Provider + "\x00" + request.ExternalUserID
	flight := m.flights.DoChan(key, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.resolveTimeout)
		defer cancel()
		return m.resolve(flightCtx, request)
	})

	select {
	case <-ctx.Done():
		return uuid.Nil, apperrors.Mapping("identity resolution abandoned", ctx.Err())
	case result := <-flight:
		if result.Err != nil {
			return uuid.Nil, result.Err
		}
		return result.Val.(resolution).userID, nil
	}
}

func (m *StoreMapper) resolve(ctx context.Context, request MappingRequest) (resolution, error) {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		resolved, err := m.resolveOnce(ctx, request)
		if err == nil {
			if resolved.created {
				m.metrics.ObserveMapping(strategyStore, "created")
				m.logger.Info("portal user created",
					zap.String("portal_user_id", resolved.userID.String()),
					zap.String("auth_provider", request.Provider))
			} else {
				m.metrics.ObserveMapping(strategyStore, "resolved")
			}
			return resolved, nil
		}
		lastErr = err
		if !isUniqueViolation(err) {
			break
		}
		m.metrics.ObserveMapping(strategyStore, "conflict")
		m.logger.Debug("identity mapping insert lost race, re-reading",
			zap.String("auth_provider", request.Provider),
			zap.Int("attempt", attempt))
	}
	m.metrics.ObserveMapping(strategyStore, "error")
	m.logger.Error("identity mapping failed",
		zap.String("auth_provider", request.Provider),
		zap.Error(lastErr))
	return resolution{}, apperrors.Mapping("identity mapping failed", lastErr)
}

func (m *StoreMapper) resolveOnce(ctx context.Context, request MappingRequest) (resolution, error) {
	var resolved resolution
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mapping IdentityMapping
		err := tx.
			Where("auth_provider = ? AND auth_provider_user_id = ?", request.Provider, request.ExternalUserID).
			Take(&mapping).
			Error
		if err == nil {
			resolved = resolution{userID: mapping.PortalUserID}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		userID, err := m.newID()
		if err != nil {
			return err
		}
		now := m.now().UTC()
		user := InternalUser{
			PortalUserID: userID,
			Email:        request.Email,
			SignedUp:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		mapping = IdentityMapping{
			AuthProvider:       request.Provider,
			AuthProviderUserID: request.ExternalUserID,
			PortalUserID:       userID,
			AuthType:           request.AuthType,
			Federated:          request.Federated,
			CreatedAt:          now,
		}
		if err := tx.Create(&mapping).Error; err != nil {
			return err
		}
		resolved = resolution{userID: userID, created: true}
		return nil
	})
	return resolved, err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return strings.Contains(err.Error(), sqliteUniqueConstraint)
}
