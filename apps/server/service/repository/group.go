package repository

import (
	"context"

	"github.com/pitabwire/frame/datastore/pool"
	"github.com/rvbiljouw/awsum-backend/apps/server/service/models"
)

type groupRepository struct {
	pool pool.Pool
}

// NewGroupRepository creates a new group repository instance.
func NewGroupRepository(dbPool pool.Pool) GroupRepository {
	return &groupRepository{pool: dbPool}
}

// GetByID retrieves a group by its numeric id.
func (gr *groupRepository) GetByID(ctx context.Context, id int64) (*models.UserGroup, error) {
	group := &models.UserGroup{}
	err := gr.pool.DB(ctx, true).First(group, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return group, nil
}
