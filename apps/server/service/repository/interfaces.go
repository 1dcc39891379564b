package repository

import (
	"context"

	"github.com/rvbiljouw/awsum-backend/apps/server/service/models"
)

// GroupRepository defines read access to listening groups.
// The session layer only ever checks existence by id; group CRUD lives in the
// account management service.
type GroupRepository interface {
	GetByID(ctx context.Context, id int64) (*models.UserGroup, error)
}

// AuthTokenRepository defines read access to bearer token records.
type AuthTokenRepository interface {
	GetByToken(ctx context.Context, token string) (*models.AuthToken, error)
}
