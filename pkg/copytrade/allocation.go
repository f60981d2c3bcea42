package copytrade

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Reservation is a temporary hold against an allocation while a derived
// order is in flight
type Reservation struct {
	ID         uint64
	FollowerID string
	Symbol     string
	Currency   string
	Amount     decimal.Decimal
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// allocationRow wraps a FollowerAllocation with its own lock. Reserve,
// release and commit serialize on the row, never across followers.
type allocationRow struct {
	mu    sync.Mutex
	alloc FollowerAllocation
}

// AllocationBook manages all follower allocations and outstanding
// reservations. Rows are keyed by (followerID, symbol); the book-level lock
// only guards map membership, every balance mutation locks a single row.
type AllocationBook struct {
	rows   map[string]*allocationRow
	rowsMu sync.RWMutex

	reservations map[uint64]*Reservation
	resMu        sync.Mutex

	nextResID uint64
	timeout   time.Duration
	expired   func(*Reservation) // invoked after a timed-out reservation is released
}

// NewAllocationBook creates an allocation book with the given reservation timeout
func NewAllocationBook(timeout time.Duration) *AllocationBook {
	return &AllocationBook{
		rows:         make(map[string]*allocationRow),
		reservations: make(map[uint64]*Reservation),
		timeout:      timeout,
	}
}

func allocKey(followerID, symbol string) string {
	return followerID + "|" + symbol
}

// CreateAllocation registers a new capital pool for (followerID, symbol)
func (b *AllocationBook) CreateAllocation(followerID, symbol string, baseAmount, quoteAmount decimal.Decimal) (*FollowerAllocation, error) {
	if baseAmount.IsNegative() || quoteAmount.IsNegative() {
		return nil, fmt.Errorf("%w: negative allocation amount", ErrInvalidConfiguration)
	}

	b.rowsMu.Lock()
	defer b.rowsMu.Unlock()

	key := allocKey(followerID, symbol)
	if _, exists := b.rows[key]; exists {
		return nil, fmt.Errorf("allocation for %s %s already exists", followerID, symbol)
	}

	row := &allocationRow{
		alloc: FollowerAllocation{
			FollowerID:  followerID,
			Symbol:      symbol,
			BaseAmount:  baseAmount,
			QuoteAmount: quoteAmount,
			Active:      true,
			UpdatedAt:   time.Now(),
		},
	}
	b.rows[key] = row

	snapshot := row.alloc
	return &snapshot, nil
}

// Get returns a snapshot of the allocation for (followerID, symbol)
func (b *AllocationBook) Get(followerID, symbol string) (*FollowerAllocation, error) {
	row := b.row(followerID, symbol)
	if row == nil {
		return nil, fmt.Errorf("allocation for %s %s: %w", followerID, symbol, ErrNotFound)
	}

	row.mu.Lock()
	snapshot := row.alloc
	row.mu.Unlock()
	return &snapshot, nil
}

// Available returns the unreserved, unused capital for one side of the pool
func (b *AllocationBook) Available(followerID, symbol, currency string) decimal.Decimal {
	row := b.row(followerID, symbol)
	if row == nil {
		return decimal.Zero
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	amount, used, reserved := row.pools(currency, row.alloc.Symbol)
	if amount == nil {
		return decimal.Zero
	}
	avail := amount.Sub(*used).Sub(*reserved)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// SetActive enables or disables new reservations against an allocation.
// In-flight reservations are unaffected.
func (b *AllocationBook) SetActive(followerID, symbol string, active bool) error {
	row := b.row(followerID, symbol)
	if row == nil {
		return fmt.Errorf("allocation for %s %s: %w", followerID, symbol, ErrNotFound)
	}

	row.mu.Lock()
	row.alloc.Active = active
	row.alloc.UpdatedAt = time.Now()
	row.mu.Unlock()
	return nil
}

// Adjust changes the committed pool size. The new amount must cover what is
// already used or reserved.
func (b *AllocationBook) Adjust(followerID, symbol, currency string, newAmount decimal.Decimal) error {
	row := b.row(followerID, symbol)
	if row == nil {
		return fmt.Errorf("allocation for %s %s: %w", followerID, symbol, ErrNotFound)
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	amount, used, reserved := row.pools(currency, row.alloc.Symbol)
	if amount == nil {
		return fmt.Errorf("%w: currency %s not part of %s", ErrInvalidConfiguration, currency, symbol)
	}
	if newAmount.LessThan(used.Add(*reserved)) {
		return fmt.Errorf("%w: %s below used+reserved", ErrInsufficientAllocation, newAmount)
	}
	*amount = newAmount
	row.alloc.UpdatedAt = time.Now()
	return nil
}

// Reserve places a hold of amount against the (followerID, symbol) pool for
// the given currency. Fails with ErrInsufficientAllocation when the unused,
// unreserved remainder cannot cover it.
func (b *AllocationBook) Reserve(followerID, symbol, currency string, amount decimal.Decimal) (*Reservation, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: reservation amount must be positive", ErrInvalidConfiguration)
	}

	row := b.row(followerID, symbol)
	if row == nil {
		return nil, fmt.Errorf("allocation for %s %s: %w", followerID, symbol, ErrNotFound)
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	if !row.alloc.Active {
		return nil, ErrAllocationInactive
	}

	total, used, reserved := row.pools(currency, row.alloc.Symbol)
	if total == nil {
		return nil, fmt.Errorf("%w: currency %s not part of %s", ErrInvalidConfiguration, currency, symbol)
	}

	available := total.Sub(*used).Sub(*reserved)
	if amount.GreaterThan(available) {
		return nil, fmt.Errorf("%w: requested %s, available %s %s",
			ErrInsufficientAllocation, amount, available, currency)
	}

	*reserved = reserved.Add(amount)
	row.alloc.UpdatedAt = time.Now()

	now := time.Now()
	res := &Reservation{
		ID:         atomic.AddUint64(&b.nextResID, 1),
		FollowerID: followerID,
		Symbol:     symbol,
		Currency:   currency,
		Amount:     amount,
		CreatedAt:  now,
		ExpiresAt:  now.Add(b.timeout),
	}

	b.resMu.Lock()
	b.reservations[res.ID] = res
	b.resMu.Unlock()

	return res, nil
}

// Release returns a reservation's capital to the pool without consuming any
func (b *AllocationBook) Release(reservationID uint64) error {
	res := b.takeReservation(reservationID)
	if res == nil {
		return fmt.Errorf("reservation %d: %w", reservationID, ErrNotFound)
	}
	return b.unwind(res, decimal.Zero)
}

// Commit converts a reservation into a permanent usage delta of actualAmount
// (actualAmount <= reserved amount); the remainder returns to the pool.
func (b *AllocationBook) Commit(reservationID uint64, actualAmount decimal.Decimal) error {
	if actualAmount.IsNegative() {
		return fmt.Errorf("%w: negative commit amount", ErrInvalidConfiguration)
	}

	res := b.takeReservation(reservationID)
	if res == nil {
		return fmt.Errorf("reservation %d: %w", reservationID, ErrNotFound)
	}
	if actualAmount.GreaterThan(res.Amount) {
		// Put it back; the caller committed more than it held.
		b.resMu.Lock()
		b.reservations[res.ID] = res
		b.resMu.Unlock()
		return fmt.Errorf("commit %s exceeds reserved %s", actualAmount, res.Amount)
	}
	return b.unwind(res, actualAmount)
}

// Settle returns previously committed capital to the pool when a position
// closes, applying the realized profit or loss to the pool size.
func (b *AllocationBook) Settle(followerID, symbol, currency string, usedAmount, pnl decimal.Decimal) error {
	row := b.row(followerID, symbol)
	if row == nil {
		return fmt.Errorf("allocation for %s %s: %w", followerID, symbol, ErrNotFound)
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	total, used, _ := row.pools(currency, row.alloc.Symbol)
	if total == nil {
		return fmt.Errorf("%w: currency %s not part of %s", ErrInvalidConfiguration, currency, symbol)
	}
	if usedAmount.GreaterThan(*used) {
		return fmt.Errorf("settle %s exceeds used %s", usedAmount, used)
	}

	*used = used.Sub(usedAmount)
	*total = total.Add(pnl)
	if total.LessThan(*used) {
		// Loss cannot shrink the pool below what is still deployed.
		*total = *used
	}
	row.alloc.UpdatedAt = time.Now()
	return nil
}

// Touch extends a reservation's deadline, keeping it alive while fills for
// its order are still streaming in
func (b *AllocationBook) Touch(reservationID uint64) {
	b.resMu.Lock()
	if res, ok := b.reservations[reservationID]; ok {
		res.ExpiresAt = time.Now().Add(b.timeout)
	}
	b.resMu.Unlock()
}

// ApplyPnL credits (or debits) realized profit against one side of the pool
func (b *AllocationBook) ApplyPnL(followerID, symbol, currency string, pnl decimal.Decimal) error {
	row := b.row(followerID, symbol)
	if row == nil {
		return fmt.Errorf("allocation for %s %s: %w", followerID, symbol, ErrNotFound)
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	total, used, _ := row.pools(currency, row.alloc.Symbol)
	if total == nil {
		return fmt.Errorf("%w: currency %s not part of %s", ErrInvalidConfiguration, currency, symbol)
	}
	*total = total.Add(pnl)
	if total.LessThan(*used) {
		*total = *used
	}
	row.alloc.UpdatedAt = time.Now()
	return nil
}

// OutstandingReservations returns the number of in-flight reservations
func (b *AllocationBook) OutstandingReservations() int {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	return len(b.reservations)
}

// OnExpired registers a callback invoked after a reservation times out and
// its capital is auto-released
func (b *AllocationBook) OnExpired(fn func(*Reservation)) {
	b.expired = fn
}

// Start runs the reservation timeout janitor until ctx is cancelled.
// Reservation timeouts bound how long capital can be held if the exchange
// collaborator hangs.
func (b *AllocationBook) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweepExpired(time.Now())
			}
		}
	}()
}

// sweepExpired releases every reservation past its deadline
func (b *AllocationBook) sweepExpired(now time.Time) {
	b.resMu.Lock()
	var expired []*Reservation
	for id, res := range b.reservations {
		if now.After(res.ExpiresAt) {
			expired = append(expired, res)
			delete(b.reservations, id)
		}
	}
	b.resMu.Unlock()

	for _, res := range expired {
		if err := b.unwind(res, decimal.Zero); err != nil {
			continue
		}
		if b.expired != nil {
			b.expired(res)
		}
	}
}

// row returns the locked row wrapper for (followerID, symbol), or nil
func (b *AllocationBook) row(followerID, symbol string) *allocationRow {
	b.rowsMu.RLock()
	row := b.rows[allocKey(followerID, symbol)]
	b.rowsMu.RUnlock()
	return row
}

// takeReservation removes and returns a reservation, or nil if unknown
func (b *AllocationBook) takeReservation(id uint64) *Reservation {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	res, ok := b.reservations[id]
	if !ok {
		return nil
	}
	delete(b.reservations, id)
	return res
}

// unwind removes a reservation's hold from its row, converting
// commitAmount of it into permanent usage
func (b *AllocationBook) unwind(res *Reservation, commitAmount decimal.Decimal) error {
	row := b.row(res.FollowerID, res.Symbol)
	if row == nil {
		return fmt.Errorf("allocation for %s %s: %w", res.FollowerID, res.Symbol, ErrNotFound)
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	_, used, reserved := row.pools(res.Currency, row.alloc.Symbol)
	if reserved == nil {
		return fmt.Errorf("%w: currency %s not part of %s", ErrInvalidConfiguration, res.Currency, res.Symbol)
	}

	*reserved = reserved.Sub(res.Amount)
	if reserved.IsNegative() {
		*reserved = decimal.Zero
	}
	if commitAmount.IsPositive() {
		*used = used.Add(commitAmount)
	}
	row.alloc.UpdatedAt = time.Now()
	return nil
}

// pools maps a currency to the row's (amount, used, reserved) pointers for
// that side of the pool. Returns nils when the currency is not part of the
// symbol.
func (r *allocationRow) pools(currency, symbol string) (amount, used, reserved *decimal.Decimal) {
	base, quote := SplitSymbol(symbol)
	switch currency {
	case base:
		return &r.alloc.BaseAmount, &r.alloc.BaseUsedAmount, &r.alloc.BaseReserved
	case quote:
		return &r.alloc.QuoteAmount, &r.alloc.QuoteUsedAmount, &r.alloc.QuoteReserved
	}
	return nil, nil, nil
}
