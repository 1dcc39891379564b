package business

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/rvbiljouw/awsum-backend/apps/server/service/models"
)

type fakeGroupStore struct {
	groups map[int64]*models.UserGroup
	err    error
}

func (f *fakeGroupStore) GetByID(_ context.Context, id int64) (*models.UserGroup, error) {
	if f.err != nil {
		return nil, f.err
	}
	group, ok := f.groups[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return group, nil
}

func newSubscriptionFixture(groups map[int64]*models.UserGroup) (*SubscriptionManager, *SessionRegistry) {
	registry := NewSessionRegistry(100)
	dispatcher := NewBroadcastDispatcher(registry)
	manager := NewSubscriptionManager(&fakeGroupStore{groups: groups}, registry, dispatcher)
	return manager, registry
}

func TestSubscribe(t *testing.T) {
	manager, registry := newSubscriptionFixture(map[int64]*models.UserGroup{
		10: {ID: 10, Name: "road trip", Code: "RDTRP"},
	})
	ctx := context.Background()

	listener := NewSession("conn-listener", nil)
	listener.SetGroup(10)
	require.NoError(t, registry.Register(listener))

	joiner := NewSession("conn-joiner", &models.UserAccount{ID: 7, DisplayName: "alex"})
	require.NoError(t, registry.Register(joiner))

	require.NoError(t, manager.Subscribe(ctx, "conn-joiner", 10))

	groupID, ok := joiner.GroupID()
	require.True(t, ok)
	assert.Equal(t, int64(10), groupID)

	env := drainOne(t, listener)
	assert.Equal(t, "Announcement", env.Type)
	assert.Equal(t, "User alex has connected to the group.", env.Body)
}

func TestSubscribeAnonymous(t *testing.T) {
	manager, registry := newSubscriptionFixture(map[int64]*models.UserGroup{
		10: {ID: 10, Name: "road trip"},
	})
	ctx := context.Background()

	listener := NewSession("conn-listener", nil)
	listener.SetGroup(10)
	require.NoError(t, registry.Register(listener))

	joiner := NewSession("conn-anon", nil)
	require.NoError(t, registry.Register(joiner))

	require.NoError(t, manager.Subscribe(ctx, "conn-anon", 10))

	env := drainOne(t, listener)
	assert.Equal(t, "User Anonymous has connected to the group.", env.Body)
}

func TestSubscribeGroupNotFound(t *testing.T) {
	manager, registry := newSubscriptionFixture(nil)
	ctx := context.Background()

	joiner := NewSession("conn-joiner", nil)
	joiner.SetGroup(5)
	require.NoError(t, registry.Register(joiner))

	err := manager.Subscribe(ctx, "conn-joiner", 404)
	require.ErrorIs(t, err, ErrGroupNotFound)

	// Failed subscription leaves the previous group tag untouched.
	groupID, ok := joiner.GroupID()
	require.True(t, ok)
	assert.Equal(t, int64(5), groupID)
}

func TestSubscribeSessionNotFound(t *testing.T) {
	manager, _ := newSubscriptionFixture(map[int64]*models.UserGroup{
		10: {ID: 10},
	})

	err := manager.Subscribe(context.Background(), "conn-ghost", 10)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSubscribeGroupLookupFailure(t *testing.T) {
	registry := NewSessionRegistry(100)
	dispatcher := NewBroadcastDispatcher(registry)
	manager := NewSubscriptionManager(
		&fakeGroupStore{err: errors.New("connection reset")},
		registry,
		dispatcher,
	)

	joiner := NewSession("conn-joiner", nil)
	require.NoError(t, registry.Register(joiner))

	err := manager.Subscribe(context.Background(), "conn-joiner", 10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGroupNotFound)

	_, ok := joiner.GroupID()
	assert.False(t, ok)
}

func TestSubscribeSwitchGroups(t *testing.T) {
	manager, registry := newSubscriptionFixture(map[int64]*models.UserGroup{
		1: {ID: 1},
		2: {ID: 2},
	})
	ctx := context.Background()

	joiner := NewSession("conn-joiner", nil)
	require.NoError(t, registry.Register(joiner))

	for _, want := range []int64{1, 2} {
		require.NoError(t, manager.Subscribe(ctx, "conn-joiner", want))
		groupID, ok := joiner.GroupID()
		require.True(t, ok, fmt.Sprintf("expected group %d to be set", want))
		assert.Equal(t, want, groupID)
	}

	// Still registered exactly once.
	assert.Equal(t, int32(1), registry.Len())
}
