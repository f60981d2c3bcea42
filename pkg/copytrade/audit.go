package copytrade

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// AuditAction represents a state-changing administrative or trading action
type AuditAction string

const (
	AuditCreate      AuditAction = "CREATE"
	AuditUpdate      AuditAction = "UPDATE"
	AuditDelete      AuditAction = "DELETE"
	AuditApprove     AuditAction = "APPROVE"
	AuditReject      AuditAction = "REJECT"
	AuditSuspend     AuditAction = "SUSPEND"
	AuditActivate    AuditAction = "ACTIVATE"
	AuditFollow      AuditAction = "FOLLOW"
	AuditUnfollow    AuditAction = "UNFOLLOW"
	AuditPause       AuditAction = "PAUSE"
	AuditResume      AuditAction = "RESUME"
	AuditAllocate    AuditAction = "ALLOCATE"
	AuditDeallocate  AuditAction = "DEALLOCATE"
	AuditForceStop   AuditAction = "FORCE_STOP"
	AuditRecalculate AuditAction = "RECALCULATE"
)

// AuditEntity is the kind of entity an audit entry refers to
type AuditEntity string

const (
	EntityLeader      AuditEntity = "LEADER"
	EntityFollower    AuditEntity = "FOLLOWER"
	EntityTrade       AuditEntity = "TRADE"
	EntityTransaction AuditEntity = "TRANSACTION"
	EntitySettings    AuditEntity = "SETTINGS"
)

// AuditDetails is the typed payload attached to an audit entry. One concrete
// type per family of actions keeps the record extensible without falling
// back to an open map.
type AuditDetails interface {
	auditDetails()
}

// LifecycleDetails records a status transition
type LifecycleDetails struct {
	From string `json:"from"`
	To   string `json:"to"`
	Note string `json:"note,omitempty"`
}

func (LifecycleDetails) auditDetails() {}

// AllocationDetails records an allocate/deallocate action
type AllocationDetails struct {
	Symbol      string          `json:"symbol"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	TotalAfter  decimal.Decimal `json:"totalAfter"`
}

func (AllocationDetails) auditDetails() {}

// ReplicationDetails records the outcome of one derived trade
type ReplicationDetails struct {
	LeaderTradeID uint64          `json:"leaderTradeId"`
	TradeID       uint64          `json:"tradeId,omitempty"`
	Symbol        string          `json:"symbol"`
	Amount        decimal.Decimal `json:"amount"`
	Clamped       bool            `json:"clamped,omitempty"`
	Outcome       string          `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
}

func (ReplicationDetails) auditDetails() {}

// RecalculateDetails records an administrative stats recomputation
type RecalculateDetails struct {
	Date string `json:"date"`
}

func (RecalculateDetails) auditDetails() {}

// AuditEntry is an immutable record of one action
type AuditEntry struct {
	ID        uint64
	Action    AuditAction
	Entity    AuditEntity
	EntityID  string
	Actor     string
	Details   AuditDetails
	CreatedAt time.Time
}

// AuditSink receives every recorded entry for durable storage
type AuditSink interface {
	AppendAudit(*AuditEntry) error
}

// AuditLog is the append-only record of administrative and trading actions,
// independent of the financial ledger
type AuditLog struct {
	mu      sync.RWMutex
	entries []*AuditEntry
	nextID  uint64
	sink    AuditSink
}

// NewAuditLog creates an empty audit log
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// SetSink attaches a durable store
func (a *AuditLog) SetSink(sink AuditSink) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

// Record appends an entry and returns it
func (a *AuditLog) Record(action AuditAction, entity AuditEntity, entityID, actor string, details AuditDetails) *AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	entry := &AuditEntry{
		ID:        a.nextID,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Actor:     actor,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	a.entries = append(a.entries, entry)

	if a.sink != nil {
		_ = a.sink.AppendAudit(entry)
	}
	return entry
}

// Entries returns all entries in creation order
func (a *AuditLog) Entries() []*AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// EntriesFor returns entries for one entity in creation order
func (a *AuditLog) EntriesFor(entity AuditEntity, entityID string) []*AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*AuditEntry
	for _, e := range a.entries {
		if e.Entity == entity && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}
