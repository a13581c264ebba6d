/*
Package credits provides the CreditsThrottle: a per-client weekly quota on
bulk submissions with atomic check-and-decrement.

PURPOSE:
  A client may submit a limited number of bulk batches per week. Each batch
  consumes credit; clients may also buy extra credit that never expires.

ACCOUNT MODEL:
  ClientCreditAccount keeps two buckets:
    Remaining         weekly free credit, restored by ResetWeekly
    PurchasedBalance  bought credit, untouched by ResetWeekly

  Consume draws Remaining first and only then PurchasedBalance, so bought
  credit is spent only once the free credit of the week is gone.

  ResetWeekly sets Remaining = WeeklyQuota (no rollover). It is keyed on the
  ISO week start (Monday 00:00 UTC): an account whose LastResetDate is
  already this week's start is skipped, so running it twice, or on two
  replicas at once, changes nothing the second time.

  Accounts open lazily on first use with the default quota and count as
  reset for the current week.

IMPLEMENTATIONS:
  - StoreThrottle: compare-and-swap over core.CreditStore (memory, SQLite)
  - RedisThrottle: one Lua script per operation, atomic inside Redis

SEE ALSO:
  - core/errors.go: InsufficientCreditsError
  - api/scheduler.go: Weekly reset job
*/
package credits

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/warp/engagement-engine/core"
)

// DefaultWeeklyQuota is the weekly credit of a newly opened account.
const DefaultWeeklyQuota int64 = 1

// Throttle is implemented by StoreThrottle and RedisThrottle.
type Throttle interface {
	// Consume takes amount credits or fails with core.ErrInsufficientCredits
	// leaving the account unchanged.
	Consume(ctx context.Context, clientID core.ClientID, amount int64) (core.ClientCreditAccount, error)

	// Purchase adds n credits to the purchased balance.
	Purchase(ctx context.Context, clientID core.ClientID, n int64) (core.ClientCreditAccount, error)

	// ResetWeekly restores every account's weekly credit once per week.
	ResetWeekly(ctx context.Context) (ResetReport, error)

	Account(ctx context.Context, clientID core.ClientID) (core.ClientCreditAccount, error)
}

// ResetReport summarizes one ResetWeekly run.
type ResetReport struct {
	WeekStart time.Time
	Reset     int
	Skipped   int
}

func validateAmount(clientID core.ClientID, amount int64) error {
	if clientID == "" {
		return fmt.Errorf("%w: client id is required", core.ErrInvalidInput)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", core.ErrInvalidAmount, amount)
	}
	return nil
}

// validatePurchase rejects n if a weekly reset after the purchase could push
// the account's balance past math.MaxInt64.
func validatePurchase(a core.ClientCreditAccount, n int64) error {
	if n > math.MaxInt64-max(a.Remaining, a.WeeklyQuota)-a.PurchasedBalance {
		return fmt.Errorf("%w: purchase of %d would overflow the balance of %s", core.ErrInvalidAmount, n, a.ClientID)
	}
	return nil
}

// draw splits amount across the two buckets, weekly credit first.
func draw(a core.ClientCreditAccount, amount int64) core.ClientCreditAccount {
	fromWeekly := min(a.Remaining, amount)
	a.Remaining -= fromWeekly
	a.PurchasedBalance -= amount - fromWeekly
	return a
}
