package repository

import (
	"context"

	"github.com/pitabwire/frame/datastore/pool"
	"github.com/rvbiljouw/awsum-backend/apps/server/service/models"
)

type authTokenRepository struct {
	pool pool.Pool
}

// NewAuthTokenRepository creates a new auth token repository instance.
func NewAuthTokenRepository(dbPool pool.Pool) AuthTokenRepository {
	return &authTokenRepository{pool: dbPool}
}

// GetByToken retrieves a token record by its bearer value, with the owning
// account preloaded for display-name lookups.
func (tr *authTokenRepository) GetByToken(ctx context.Context, token string) (*models.AuthToken, error) {
	record := &models.AuthToken{}
	err := tr.pool.DB(ctx, true).
		Preload("Account").
		First(record, "token = ?", token).Error
	if err != nil {
		return nil, err
	}
	return record, nil
}
