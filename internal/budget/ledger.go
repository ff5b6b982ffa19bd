// Package budget admits or rejects provider spend per role and enforces the
// cost-independent caps of each query type.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/metrics"
	"github.com/eternisai/seo-research/internal/research"
)

// DefaultMaxAttempts bounds compare-and-swap retries of one ledger mutation.
const DefaultMaxAttempts = 64

// RoleBudget is the configured spending policy of a role.
type RoleBudget struct {
	Role   string
	Unit   string
	Period research.Period
	Limit  research.Micros
	// MaxQueryCost caps the estimated cost of a single query. Zero disables it.
	MaxQueryCost research.Micros
}

// Reservation is budget held for one task between Reserve and exactly one of
// Commit or Release.
type Reservation struct {
	ID     string
	Role   string
	Amount research.Micros

	mu      sync.Mutex
	settled bool
}

// Settled reports whether the reservation was committed or released.
func (r *Reservation) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled
}

// Ledger tracks spend per (role, period). Every mutation is a compare-and-swap
// on the budget row's version, so concurrent reservations from several
// processes cannot both pass an admission check only one can honor.
type Ledger struct {
	store       research.BudgetStore
	roles       map[string]RoleBudget
	tolerance   float64
	maxAttempts int
	logger      *logger.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics records rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) { l.maxAttempts = n }
}

// NewLedger creates a ledger for the given roles. tolerance is the fraction
// by which an actual cost may exceed its estimate.
func NewLedger(store research.BudgetStore, roles []RoleBudget, tolerance float64, log *logger.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		roles:       make(map[string]RoleBudget, len(roles)),
		tolerance:   tolerance,
		maxAttempts: DefaultMaxAttempts,
		logger:      log.WithComponent("budget-ledger"),
		now:         time.Now,
	}
	for _, r := range roles {
		l.roles[r.Role] = r
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) role(name string) (RoleBudget, error) {
	rb, ok := l.roles[name]
	if !ok {
		return RoleBudget{}, fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	return rb, nil
}

// CheckQueryCost rejects a query whose total estimate is above the role's
// per-query cap. It does not touch the ledger.
func (l *Ledger) CheckQueryCost(role string, estimate research.Micros) error {
	rb, err := l.role(role)
	if err != nil {
		return err
	}
	if rb.MaxQueryCost > 0 && estimate > rb.MaxQueryCost {
		l.metrics.BudgetRejected(role, ReasonMaxQueryCost)
		return &RejectionError{
			Role:      role,
			Reason:    ReasonMaxQueryCost,
			Unit:      rb.Unit,
			Limit:     rb.MaxQueryCost,
			Requested: estimate,
		}
	}
	return nil
}

// Admit checks that a query's whole estimate fits in what is left of the
// role's budget: spent + reserved + estimate <= limit. Nothing is held;
// tasks still reserve their own share when they are submitted.
func (l *Ledger) Admit(ctx context.Context, role string, estimate research.Micros) error {
	rb, err := l.role(role)
	if err != nil {
		return err
	}

	_, err = l.mutate(ctx, rb, func(b *research.Budget) (bool, error) {
		if b.Spent+b.Reserved+estimate > b.Limit {
			return false, &RejectionError{
				Role:      role,
				Reason:    ReasonLimit,
				Unit:      b.Unit,
				Limit:     b.Limit,
				Spent:     b.Spent,
				Reserved:  b.Reserved,
				Requested: estimate,
				ResetAt:   b.ResetAt,
			}
		}
		return false, nil
	})
	if errors.Is(err, ErrBudgetExceeded) {
		l.metrics.BudgetRejected(role, ReasonLimit)
	}
	return err
}

// Reserve holds amount against the role's budget. It is admitted only if
// spent + reserved + amount stays within the limit.
func (l *Ledger) Reserve(ctx context.Context, role string, amount research.Micros) (*Reservation, error) {
	if amount < 0 {
		return nil, fmt.Errorf("negative reservation amount %s", amount)
	}
	rb, err := l.role(role)
	if err != nil {
		return nil, err
	}

	r := &Reservation{ID: uuid.New().String(), Role: role, Amount: amount}
	if amount == 0 {
		return r, nil
	}

	_, err = l.mutate(ctx, rb, func(b *research.Budget) (bool, error) {
		if b.Spent+b.Reserved+amount > b.Limit {
			return false, &RejectionError{
				Role:      role,
				Reason:    ReasonLimit,
				Unit:      b.Unit,
				Limit:     b.Limit,
				Spent:     b.Spent,
				Reserved:  b.Reserved,
				Requested: amount,
				ResetAt:   b.ResetAt,
			}
		}
		b.Reserved += amount
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrBudgetExceeded) {
			l.metrics.BudgetRejected(role, ReasonLimit)
		}
		return nil, err
	}

	l.logger.Debug("budget reserved",
		slog.String("role", role),
		slog.String("reservation_id", r.ID),
		slog.String("amount", amount.String()))
	return r, nil
}

// Commit converts the reservation into spend of actual. The charge is refused,
// and the reservation released, when actual exceeds the estimate beyond the
// tolerance (ErrOverage) or would push spend past the limit (ErrBudgetExceeded).
func (l *Ledger) Commit(ctx context.Context, r *Reservation, actual research.Micros) error {
	if actual < 0 {
		return fmt.Errorf("negative actual cost %s", actual)
	}
	return l.settle(r, func(rb RoleBudget) error {
		allowed := r.Amount + research.Micros(math.Floor(float64(r.Amount)*l.tolerance))
		if actual > allowed {
			if err := l.release(ctx, rb, r); err != nil {
				return err
			}
			l.metrics.BudgetRejected(r.Role, "cost_overage")
			return fmt.Errorf("%w: actual %s, estimate %s", ErrOverage, actual, r.Amount)
		}

		_, err := l.mutate(ctx, rb, func(b *research.Budget) (bool, error) {
			b.Reserved = max(b.Reserved-r.Amount, 0)
			if b.Spent+actual > b.Limit {
				return true, &RejectionError{
					Role:      r.Role,
					Reason:    ReasonLimit,
					Unit:      b.Unit,
					Limit:     b.Limit,
					Spent:     b.Spent,
					Reserved:  b.Reserved,
					Requested: actual,
					ResetAt:   b.ResetAt,
				}
			}
			b.Spent += actual
			return true, nil
		})
		if errors.Is(err, ErrBudgetExceeded) {
			l.metrics.BudgetRejected(r.Role, ReasonLimit)
		}
		return err
	})
}

// Release returns the reservation without charging anything.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	return l.settle(r, func(rb RoleBudget) error {
		return l.release(ctx, rb, r)
	})
}

func (l *Ledger) release(ctx context.Context, rb RoleBudget, r *Reservation) error {
	if r.Amount == 0 {
		return nil
	}
	_, err := l.mutate(ctx, rb, func(b *research.Budget) (bool, error) {
		b.Reserved = max(b.Reserved-r.Amount, 0)
		return true, nil
	})
	return err
}

// settle runs fn at most once per reservation. A failed store write leaves
// the reservation unsettled so the caller may try again; a refused charge
// settles it.
func (l *Ledger) settle(r *Reservation, fn func(RoleBudget) error) error {
	if r == nil {
		return errors.New("nil reservation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settled {
		return fmt.Errorf("%w: %s", ErrReservationSettled, r.ID)
	}

	rb, err := l.role(r.Role)
	if err != nil {
		return err
	}

	err = fn(rb)
	if err == nil || errors.Is(err, ErrBudgetExceeded) || errors.Is(err, ErrOverage) {
		r.settled = true
	}
	return err
}

// Restore rebuilds a held reservation from the fields persisted on a task.
func (l *Ledger) Restore(id, role string, amount research.Micros) *Reservation {
	return &Reservation{ID: id, Role: role, Amount: amount}
}

// Status returns the role's budget as of now, with any due reset applied.
func (l *Ledger) Status(ctx context.Context, role string) (*research.Budget, error) {
	rb, err := l.role(role)
	if err != nil {
		return nil, err
	}
	b, err := l.load(ctx, rb)
	if err != nil {
		return nil, err
	}
	l.rollover(b, rb, l.now())
	return b, nil
}

// Has reports whether role has a configured budget.
func (l *Ledger) Has(role string) bool {
	_, ok := l.roles[role]
	return ok
}

// Roles lists the configured role names.
func (l *Ledger) Roles() []string {
	out := make([]string, 0, len(l.roles))
	for name := range l.roles {
		out = append(out, name)
	}
	return out
}

// ResetDue zeroes spend of every budget whose period has ended and returns
// how many were reset. Reserve and Commit apply resets lazily as well.
func (l *Ledger) ResetDue(ctx context.Context) (int, error) {
	var reset int
	for _, rb := range l.roles {
		changed, err := l.mutate(ctx, rb, func(*research.Budget) (bool, error) {
			return false, nil
		})
		if err != nil {
			return reset, fmt.Errorf("reset budget %s: %w", rb.Role, err)
		}
		if changed {
			reset++
			l.logger.Info("budget period reset",
				slog.String("role", rb.Role),
				slog.String("period", string(rb.Period)))
		}
	}
	return reset, nil
}

// mutate loads the role's budget, applies any due reset, runs fn and writes
// the result with a compare-and-swap, retrying on conflicts. fn reports
// whether the row must be written; a row that was reset is always written.
// The error fn returns is passed back after the write, together with whether
// a period reset was persisted.
func (l *Ledger) mutate(ctx context.Context, rb RoleBudget, fn func(*research.Budget) (bool, error)) (bool, error) {
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		b, err := l.load(ctx, rb)
		if err != nil {
			return false, err
		}
		expected := b.Version
		now := l.now()

		rolled := l.rollover(b, rb, now)
		write, result := fn(b)
		if !write && !rolled {
			return false, result
		}

		b.UpdatedAt = now
		err = l.store.CompareAndSwapBudget(ctx, b, expected)
		if errors.Is(err, research.ErrConflict) {
			if err := backoff(ctx, attempt); err != nil {
				return false, err
			}
			continue
		}
		if err != nil {
			return false, fmt.Errorf("update budget %s: %w", rb.Role, err)
		}
		return rolled, result
	}

	l.logger.Warn("budget update gave up after repeated conflicts",
		slog.String("role", rb.Role),
		slog.Int("attempts", l.maxAttempts))
	return false, fmt.Errorf("%w: role %s", ErrContention, rb.Role)
}

// load returns the role's budget row, creating it on first use.
func (l *Ledger) load(ctx context.Context, rb RoleBudget) (*research.Budget, error) {
	b, err := l.store.GetBudget(ctx, rb.Role, rb.Period)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, research.ErrNotFound) {
		return nil, fmt.Errorf("load budget %s: %w", rb.Role, err)
	}

	now := l.now()
	b = &research.Budget{
		Role:      rb.Role,
		Unit:      rb.Unit,
		Limit:     rb.Limit,
		Period:    rb.Period,
		ResetAt:   rb.Period.FirstReset(now),
		UpdatedAt: now,
	}
	err = l.store.CreateBudget(ctx, b)
	if errors.Is(err, research.ErrDuplicate) {
		return l.store.GetBudget(ctx, rb.Role, rb.Period)
	}
	if err != nil {
		return nil, fmt.Errorf("create budget %s: %w", rb.Role, err)
	}
	return b, nil
}

// rollover applies configuration changes and a due period reset to b. It
// reports whether a reset happened. Held reservations survive a reset.
func (l *Ledger) rollover(b *research.Budget, rb RoleBudget, now time.Time) bool {
	b.Limit = rb.Limit
	b.Unit = rb.Unit

	if now.Before(b.ResetAt) {
		return false
	}
	b.Spent = 0
	b.ResetAt = rb.Period.Advance(b.ResetAt, now)
	return true
}

func backoff(ctx context.Context, attempt int) error {
	d := time.Duration(rand.IntN(attempt+1)+1) * 100 * time.Microsecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
