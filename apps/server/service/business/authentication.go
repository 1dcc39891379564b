package business

import (
	"context"
	"strings"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"

	"github.com/rvbiljouw/awsum-backend/apps/server/service/models"
	"github.com/rvbiljouw/awsum-backend/internal"
)

// AuthenticationGate resolves a bearer credential presented at connection
// time into an account. Failures never reject the connection; they result in
// an anonymous session, so the caller only needs to check for a nil account.
type AuthenticationGate struct {
	tokens TokenStore
	now    func() time.Time
}

// NewAuthenticationGate creates a gate backed by the given token store.
func NewAuthenticationGate(tokens TokenStore) *AuthenticationGate {
	return &AuthenticationGate{
		tokens: tokens,
		now:    time.Now,
	}
}

// Authenticate resolves the Authorization header value to an account.
// Returns nil for a missing header, a non-bearer scheme, an empty or unknown
// token, or an expired one. Lookup failure is logged, never surfaced: an
// unreachable token store degrades new connections to anonymous instead of
// turning them away.
func (ag *AuthenticationGate) Authenticate(ctx context.Context, authHeader string) *models.UserAccount {
	if authHeader == "" {
		return nil
	}

	tokenValue, ok := strings.CutPrefix(authHeader, internal.BearerScheme)
	if !ok || tokenValue == "" {
		return nil
	}

	record, err := ag.tokens.GetByToken(ctx, tokenValue)
	if err != nil {
		if data.ErrorIsNoRows(err) {
			util.Log(ctx).Debug("auth token not recognised, continuing as anonymous")
		} else {
			util.Log(ctx).WithError(err).Error("auth token lookup failed, continuing as anonymous")
		}
		return nil
	}

	if record.Expired(ag.now()) {
		util.Log(ctx).WithField("account_id", record.AccountID).
			Debug("auth token expired, continuing as anonymous")
		return nil
	}

	return record.Account
}
