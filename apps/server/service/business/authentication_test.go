package business

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/rvbiljouw/awsum-backend/apps/server/service/models"
)

type fakeTokenStore struct {
	tokens map[string]*models.AuthToken
	err    error
}

func (f *fakeTokenStore) GetByToken(_ context.Context, token string) (*models.AuthToken, error) {
	if f.err != nil {
		return nil, f.err
	}
	record, ok := f.tokens[token]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return record, nil
}

func TestAuthenticate(t *testing.T) {
	account := &models.UserAccount{ID: 42, DisplayName: "tester"}
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	store := &fakeTokenStore{tokens: map[string]*models.AuthToken{
		"valid-token":   {AccountID: 42, Account: account, Token: "valid-token", ExpiresAt: &future},
		"eternal-token": {AccountID: 42, Account: account, Token: "eternal-token"},
		"stale-token":   {AccountID: 42, Account: account, Token: "stale-token", ExpiresAt: &past},
	}}
	gate := NewAuthenticationGate(store)
	ctx := context.Background()

	testCases := []struct {
		name       string
		authHeader string
		want       *models.UserAccount
	}{
		{name: "valid bearer token", authHeader: "Bearer valid-token", want: account},
		{name: "token without expiry", authHeader: "Bearer eternal-token", want: account},
		{name: "expired token", authHeader: "Bearer stale-token", want: nil},
		{name: "unknown token", authHeader: "Bearer nope", want: nil},
		{name: "missing header", authHeader: "", want: nil},
		{name: "wrong scheme", authHeader: "Basic dXNlcjpwYXNz", want: nil},
		{name: "bare token without scheme", authHeader: "valid-token", want: nil},
		{name: "empty token value", authHeader: "Bearer ", want: nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := gate.Authenticate(ctx, tc.authHeader)
			if tc.want == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, tc.want.ID, got.ID)
			}
		})
	}
}

func TestAuthenticateStoreFailure(t *testing.T) {
	gate := NewAuthenticationGate(&fakeTokenStore{err: errors.New("connection refused")})

	// Store failures degrade to anonymous rather than rejecting.
	got := gate.Authenticate(context.Background(), "Bearer valid-token")
	assert.Nil(t, got)
}
