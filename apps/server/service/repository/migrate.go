package repository

import (
	"context"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/datastore"
	"github.com/rvbiljouw/awsum-backend/apps/server/service/models"
)

func Migrate(ctx context.Context, svc *frame.Service, migrationPath string) error {
	dbManager := svc.DatastoreManager()
	dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)
	return dbManager.Migrate(ctx, dbPool, migrationPath,
		&models.UserAccount{}, &models.UserGroup{}, &models.AuthToken{})
}
