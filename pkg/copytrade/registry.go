package copytrade

import (
	"fmt"
	"sync"
	"time"
)

// Registry manages leader and follower lifecycles. Every transition is
// recorded in the audit log.
type Registry struct {
	leaders   map[string]*Leader
	followers map[string]*Follower
	byLeader  map[string][]string // leaderID -> followerIDs
	byPair    map[string]string   // userID|leaderID -> active followerID
	mu        sync.RWMutex
	audit     *AuditLog
	nextID    uint64
}

// NewRegistry creates an empty registry writing to the given audit log
func NewRegistry(audit *AuditLog) *Registry {
	return &Registry{
		leaders:   make(map[string]*Leader),
		followers: make(map[string]*Follower),
		byLeader:  make(map[string][]string),
		byPair:    make(map[string]string),
		audit:     audit,
	}
}

// RegisterLeader files a leader application. The leader starts PENDING and
// becomes copyable only after approval.
func (r *Registry) RegisterLeader(leader *Leader, actor string) (*Leader, error) {
	if leader.ID == "" || leader.UserID == "" {
		return nil, fmt.Errorf("%w: leader requires id and userId", ErrInvalidConfiguration)
	}
	if leader.ProfitSharePercent.IsNegative() {
		return nil, fmt.Errorf("%w: negative profit share", ErrInvalidConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.leaders[leader.ID]; exists {
		return nil, fmt.Errorf("leader %s already exists", leader.ID)
	}

	leader.Status = LeaderPending
	if leader.Markets == nil {
		leader.Markets = make(map[string]*LeaderMarket)
	}
	leader.CreatedAt = time.Now()
	leader.UpdatedAt = leader.CreatedAt
	r.leaders[leader.ID] = leader

	r.audit.Record(AuditCreate, EntityLeader, leader.ID, actor,
		LifecycleDetails{From: "", To: leader.Status.String()})
	return leader, nil
}

// ApproveLeader activates a pending leader application
func (r *Registry) ApproveLeader(leaderID, actor string) error {
	return r.transitionLeader(leaderID, actor, AuditApprove, LeaderActive, LeaderPending)
}

// RejectLeader rejects a pending leader application
func (r *Registry) RejectLeader(leaderID, actor string) error {
	return r.transitionLeader(leaderID, actor, AuditReject, LeaderRejected, LeaderPending)
}

// SuspendLeader suspends an active leader
func (r *Registry) SuspendLeader(leaderID, actor string) error {
	return r.transitionLeader(leaderID, actor, AuditSuspend, LeaderSuspended, LeaderActive)
}

// ActivateLeader reactivates a suspended leader
func (r *Registry) ActivateLeader(leaderID, actor string) error {
	return r.transitionLeader(leaderID, actor, AuditActivate, LeaderActive, LeaderSuspended)
}

// RetireLeader deactivates a leader permanently
func (r *Registry) RetireLeader(leaderID, actor string) error {
	return r.transitionLeader(leaderID, actor, AuditUpdate, LeaderInactive, LeaderActive, LeaderSuspended)
}

func (r *Registry) transitionLeader(leaderID, actor string, action AuditAction, to LeaderStatus, from ...LeaderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	leader, ok := r.leaders[leaderID]
	if !ok {
		return fmt.Errorf("leader %s: %w", leaderID, ErrNotFound)
	}

	allowed := false
	for _, s := range from {
		if leader.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("leader %s is %s, cannot %s", leaderID, leader.Status, action)
	}

	prev := leader.Status
	leader.Status = to
	leader.UpdatedAt = time.Now()

	r.audit.Record(action, EntityLeader, leaderID, actor,
		LifecycleDetails{From: prev.String(), To: to.String()})
	return nil
}

// SetLeaderMarket adds or replaces a leader's market entry
func (r *Registry) SetLeaderMarket(leaderID string, market *LeaderMarket, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	leader, ok := r.leaders[leaderID]
	if !ok {
		return fmt.Errorf("leader %s: %w", leaderID, ErrNotFound)
	}
	leader.Markets[market.Symbol] = market
	leader.UpdatedAt = time.Now()

	r.audit.Record(AuditUpdate, EntityLeader, leaderID, actor,
		LifecycleDetails{To: leader.Status.String(), Note: "market " + market.Symbol})
	return nil
}

// GetLeader returns a leader by ID
func (r *Registry) GetLeader(leaderID string) (*Leader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	leader, ok := r.leaders[leaderID]
	if !ok {
		return nil, fmt.Errorf("leader %s: %w", leaderID, ErrNotFound)
	}
	return leader, nil
}

// Leaders returns all registered leaders
func (r *Registry) Leaders() []*Leader {
	r.mu.RLock()
	defer r.mu.RUnlock()

	leaders := make([]*Leader, 0, len(r.leaders))
	for _, leader := range r.leaders {
		leaders = append(leaders, leader)
	}
	return leaders
}

// Followers returns all follower subscriptions regardless of status
func (r *Registry) Followers() []*Follower {
	r.mu.RLock()
	defer r.mu.RUnlock()

	followers := make([]*Follower, 0, len(r.followers))
	for _, follower := range r.followers {
		followers = append(followers, follower)
	}
	return followers
}

// Follow subscribes a user to a leader. Exactly one active follower row may
// exist per (userID, leaderID) pair.
func (r *Registry) Follow(follower *Follower, actor string) (*Follower, error) {
	if err := validateCopyConfig(follower); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	leader, ok := r.leaders[follower.LeaderID]
	if !ok {
		return nil, fmt.Errorf("leader %s: %w", follower.LeaderID, ErrNotFound)
	}
	if leader.Status != LeaderActive {
		return nil, fmt.Errorf("leader %s is %s, not accepting followers", leader.ID, leader.Status)
	}

	pair := follower.UserID + "|" + follower.LeaderID
	if _, exists := r.byPair[pair]; exists {
		return nil, fmt.Errorf("user %s already follows leader %s", follower.UserID, follower.LeaderID)
	}

	if leader.MaxFollowers > 0 {
		active := 0
		for _, id := range r.byLeader[leader.ID] {
			if r.followers[id].Status != FollowerStopped {
				active++
			}
		}
		if active >= leader.MaxFollowers {
			return nil, fmt.Errorf("leader %s is at follower capacity", leader.ID)
		}
	}

	if follower.ID == "" {
		r.nextID++
		follower.ID = fmt.Sprintf("f-%d", r.nextID)
	}
	follower.Status = FollowerActive
	follower.CreatedAt = time.Now()
	follower.UpdatedAt = follower.CreatedAt

	r.followers[follower.ID] = follower
	r.byLeader[leader.ID] = append(r.byLeader[leader.ID], follower.ID)
	r.byPair[pair] = follower.ID

	r.audit.Record(AuditFollow, EntityFollower, follower.ID, actor,
		LifecycleDetails{To: follower.Status.String()})
	return follower, nil
}

// PauseFollower pauses copying for a follower
func (r *Registry) PauseFollower(followerID, actor string) error {
	return r.transitionFollower(followerID, actor, AuditPause, FollowerPaused, FollowerActive)
}

// ResumeFollower resumes a paused follower
func (r *Registry) ResumeFollower(followerID, actor string) error {
	return r.transitionFollower(followerID, actor, AuditResume, FollowerActive, FollowerPaused)
}

// Unfollow terminates a follower subscription
func (r *Registry) Unfollow(followerID, actor string) error {
	return r.transitionFollower(followerID, actor, AuditUnfollow, FollowerStopped, FollowerActive, FollowerPaused)
}

// ForceStop terminates a follower subscription administratively
func (r *Registry) ForceStop(followerID, actor string) error {
	return r.transitionFollower(followerID, actor, AuditForceStop, FollowerStopped, FollowerActive, FollowerPaused)
}

func (r *Registry) transitionFollower(followerID, actor string, action AuditAction, to FollowerStatus, from ...FollowerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	follower, ok := r.followers[followerID]
	if !ok {
		return fmt.Errorf("follower %s: %w", followerID, ErrNotFound)
	}

	allowed := false
	for _, s := range from {
		if follower.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("follower %s is %s, cannot %s", followerID, follower.Status, action)
	}

	prev := follower.Status
	follower.Status = to
	follower.UpdatedAt = time.Now()
	if to == FollowerStopped {
		delete(r.byPair, follower.UserID+"|"+follower.LeaderID)
	}

	r.audit.Record(action, EntityFollower, followerID, actor,
		LifecycleDetails{From: prev.String(), To: to.String()})
	return nil
}

// GetFollower returns a follower by ID
func (r *Registry) GetFollower(followerID string) (*Follower, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	follower, ok := r.followers[followerID]
	if !ok {
		return nil, fmt.Errorf("follower %s: %w", followerID, ErrNotFound)
	}
	return follower, nil
}

// ActiveFollowers returns the leader's followers currently eligible for
// replication
func (r *Registry) ActiveFollowers(leaderID string) []*Follower {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Follower
	for _, id := range r.byLeader[leaderID] {
		f := r.followers[id]
		if f.Status == FollowerActive {
			out = append(out, f)
		}
	}
	return out
}

// validateCopyConfig rejects malformed copy-mode parameters
func validateCopyConfig(f *Follower) error {
	if f.UserID == "" || f.LeaderID == "" {
		return fmt.Errorf("%w: follower requires userId and leaderId", ErrInvalidConfiguration)
	}
	switch f.CopyMode {
	case Proportional:
	case FixedAmount:
		if !f.FixedAmount.IsPositive() {
			return fmt.Errorf("%w: FIXED_AMOUNT requires a positive fixedAmount", ErrInvalidConfiguration)
		}
	case FixedRatio:
		if !f.FixedRatio.IsPositive() {
			return fmt.Errorf("%w: FIXED_RATIO requires a positive fixedRatio", ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown copy mode %d", ErrInvalidConfiguration, f.CopyMode)
	}
	if f.MaxDailyLoss.IsNegative() || f.MaxPositionSize.IsNegative() ||
		f.StopLossPercent.IsNegative() || f.TakeProfitPercent.IsNegative() {
		return fmt.Errorf("%w: risk limits cannot be negative", ErrInvalidConfiguration)
	}
	return nil
}
