package copytrade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *AuditLog) {
	audit := NewAuditLog()
	return NewRegistry(audit), audit
}

func TestLeaderLifecycle(t *testing.T) {
	registry, audit := newTestRegistry()

	leader, err := registry.RegisterLeader(&Leader{
		ID:                 "l1",
		UserID:             "lu1",
		PoolSize:           d("1000000"),
		ProfitSharePercent: d("10"),
	}, "admin")
	require.NoError(t, err)
	assert.Equal(t, LeaderPending, leader.Status)

	t.Run("FollowBeforeApproval", func(t *testing.T) {
		_, err := registry.Follow(&Follower{UserID: "u1", LeaderID: "l1", CopyMode: Proportional}, "u1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not accepting followers")
	})

	require.NoError(t, registry.ApproveLeader("l1", "admin"))
	got, err := registry.GetLeader("l1")
	require.NoError(t, err)
	assert.Equal(t, LeaderActive, got.Status)

	t.Run("ApproveTwice", func(t *testing.T) {
		assert.Error(t, registry.ApproveLeader("l1", "admin"))
	})

	require.NoError(t, registry.SuspendLeader("l1", "admin"))
	require.NoError(t, registry.ActivateLeader("l1", "admin"))
	require.NoError(t, registry.RetireLeader("l1", "admin"))

	t.Run("RetiredIsTerminal", func(t *testing.T) {
		assert.Error(t, registry.ActivateLeader("l1", "admin"))
		assert.Error(t, registry.SuspendLeader("l1", "admin"))
	})

	// Every transition left an audit entry.
	entries := audit.EntriesFor(EntityLeader, "l1")
	assert.Len(t, entries, 5)
}

func TestRegisterLeaderValidation(t *testing.T) {
	registry, _ := newTestRegistry()

	_, err := registry.RegisterLeader(&Leader{UserID: "u"}, "admin")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = registry.RegisterLeader(&Leader{ID: "l1", UserID: "u", ProfitSharePercent: d("-1")}, "admin")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = registry.RegisterLeader(&Leader{ID: "l1", UserID: "u"}, "admin")
	require.NoError(t, err)
	_, err = registry.RegisterLeader(&Leader{ID: "l1", UserID: "u"}, "admin")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestFollowOnePerPair(t *testing.T) {
	registry, _ := newTestRegistry()
	_, err := registry.RegisterLeader(&Leader{ID: "l1", UserID: "lu1"}, "admin")
	require.NoError(t, err)
	require.NoError(t, registry.ApproveLeader("l1", "admin"))

	f1, err := registry.Follow(&Follower{UserID: "u1", LeaderID: "l1", CopyMode: Proportional}, "u1")
	require.NoError(t, err)
	assert.Equal(t, FollowerActive, f1.Status)
	assert.NotEmpty(t, f1.ID)

	t.Run("SecondRowRejected", func(t *testing.T) {
		_, err := registry.Follow(&Follower{UserID: "u1", LeaderID: "l1", CopyMode: Proportional}, "u1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already follows")
	})

	t.Run("PausedStillHoldsPair", func(t *testing.T) {
		require.NoError(t, registry.PauseFollower(f1.ID, "u1"))
		_, err := registry.Follow(&Follower{UserID: "u1", LeaderID: "l1", CopyMode: Proportional}, "u1")
		assert.Error(t, err)
		require.NoError(t, registry.ResumeFollower(f1.ID, "u1"))
	})

	t.Run("StoppedFreesPair", func(t *testing.T) {
		require.NoError(t, registry.Unfollow(f1.ID, "u1"))
		f2, err := registry.Follow(&Follower{UserID: "u1", LeaderID: "l1", CopyMode: Proportional}, "u1")
		require.NoError(t, err)
		assert.NotEqual(t, f1.ID, f2.ID)
	})
}

func TestFollowerCapacity(t *testing.T) {
	registry, _ := newTestRegistry()
	_, err := registry.RegisterLeader(&Leader{ID: "l1", UserID: "lu1", MaxFollowers: 2}, "admin")
	require.NoError(t, err)
	require.NoError(t, registry.ApproveLeader("l1", "admin"))

	f1, err := registry.Follow(&Follower{UserID: "u1", LeaderID: "l1", CopyMode: Proportional}, "u1")
	require.NoError(t, err)
	_, err = registry.Follow(&Follower{UserID: "u2", LeaderID: "l1", CopyMode: Proportional}, "u2")
	require.NoError(t, err)

	_, err = registry.Follow(&Follower{UserID: "u3", LeaderID: "l1", CopyMode: Proportional}, "u3")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "capacity")

	// A stopped follower frees a slot.
	require.NoError(t, registry.ForceStop(f1.ID, "admin"))
	_, err = registry.Follow(&Follower{UserID: "u3", LeaderID: "l1", CopyMode: Proportional}, "u3")
	assert.NoError(t, err)
}

func TestValidateCopyConfig(t *testing.T) {
	registry, _ := newTestRegistry()
	_, err := registry.RegisterLeader(&Leader{ID: "l1", UserID: "lu1"}, "admin")
	require.NoError(t, err)
	require.NoError(t, registry.ApproveLeader("l1", "admin"))

	cases := []struct {
		name     string
		follower *Follower
	}{
		{"MissingUser", &Follower{LeaderID: "l1", CopyMode: Proportional}},
		{"FixedAmountZero", &Follower{UserID: "u1", LeaderID: "l1", CopyMode: FixedAmount}},
		{"FixedRatioZero", &Follower{UserID: "u1", LeaderID: "l1", CopyMode: FixedRatio}},
		{"NegativeDailyLoss", &Follower{UserID: "u1", LeaderID: "l1", CopyMode: Proportional, MaxDailyLoss: d("-1")}},
		{"NegativeStopLoss", &Follower{UserID: "u1", LeaderID: "l1", CopyMode: Proportional, StopLossPercent: d("-5")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.Follow(tc.follower, "u1")
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestActiveFollowers(t *testing.T) {
	registry, _ := newTestRegistry()
	_, err := registry.RegisterLeader(&Leader{ID: "l1", UserID: "lu1"}, "admin")
	require.NoError(t, err)
	require.NoError(t, registry.ApproveLeader("l1", "admin"))

	f1, err := registry.Follow(&Follower{UserID: "u1", LeaderID: "l1", CopyMode: Proportional}, "u1")
	require.NoError(t, err)
	f2, err := registry.Follow(&Follower{UserID: "u2", LeaderID: "l1", CopyMode: Proportional}, "u2")
	require.NoError(t, err)

	assert.Len(t, registry.ActiveFollowers("l1"), 2)

	require.NoError(t, registry.PauseFollower(f1.ID, "u1"))
	active := registry.ActiveFollowers("l1")
	require.Len(t, active, 1)
	assert.Equal(t, f2.ID, active[0].ID)
}

func TestSetLeaderMarket(t *testing.T) {
	registry, _ := newTestRegistry()
	_, err := registry.RegisterLeader(&Leader{ID: "l1", UserID: "lu1"}, "admin")
	require.NoError(t, err)

	require.NoError(t, registry.SetLeaderMarket("l1", &LeaderMarket{
		Symbol:  "BTC-USDT",
		MinBase: d("0.001"),
		Active:  true,
	}, "admin"))

	leader, err := registry.GetLeader("l1")
	require.NoError(t, err)
	require.Contains(t, leader.Markets, "BTC-USDT")
	assert.True(t, leader.Markets["BTC-USDT"].Active)

	assert.ErrorIs(t, registry.SetLeaderMarket("nope", &LeaderMarket{Symbol: "X-Y"}, "admin"), ErrNotFound)
}
