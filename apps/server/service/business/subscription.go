package business

import (
	"context"
	"fmt"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"
)

const anonymousDisplayName = "Anonymous"

// SubscriptionManager moves sessions between listening groups and announces
// arrivals to the rest of the group.
type SubscriptionManager struct {
	groups     GroupStore
	registry   *SessionRegistry
	dispatcher *BroadcastDispatcher
}

// NewSubscriptionManager creates a subscription manager.
func NewSubscriptionManager(
	groups GroupStore,
	registry *SessionRegistry,
	dispatcher *BroadcastDispatcher,
) *SubscriptionManager {
	return &SubscriptionManager{
		groups:     groups,
		registry:   registry,
		dispatcher: dispatcher,
	}
}

// Subscribe tags the session identified by connectionID with the group and
// announces the arrival to every session already in it. The group is verified
// to exist before the session is looked up; on any failure the session's
// previous group tag is left untouched.
//
// Anonymous sessions may subscribe; they are announced as Anonymous.
// TODO(rvb): enforce group access levels once invite codes carry permissions.
func (sm *SubscriptionManager) Subscribe(ctx context.Context, connectionID string, groupID int64) error {
	group, err := sm.groups.GetByID(ctx, groupID)
	if err != nil {
		if data.ErrorIsNoRows(err) {
			return ErrGroupNotFound
		}
		return fmt.Errorf("resolving group %d: %w", groupID, err)
	}

	sess, ok := sm.registry.Lookup(connectionID)
	if !ok {
		return ErrSessionNotFound
	}

	sess.SetGroup(group.ID)

	displayName := anonymousDisplayName
	if account := sess.Account(); account != nil {
		displayName = account.DisplayName
	}

	announcement := &Envelope{
		Type: "Announcement",
		Body: fmt.Sprintf("User %s has connected to the group.", displayName),
	}
	reached := sm.dispatcher.SendToGroup(ctx, group.ID, announcement)

	util.Log(ctx).WithFields(map[string]any{
		"connection_id": connectionID,
		"identity":      sess.IdentityKey(),
		"group_id":      group.ID,
		"announced_to":  reached,
	}).Info("session joined group")

	return nil
}
