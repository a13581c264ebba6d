package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/metrics"
	"go.uber.org/zap"
)

// StoreThrottle serializes each client's account with compare-and-swap on
// the account row. Unrelated clients never contend.
type StoreThrottle struct {
	Store       core.CreditStore
	Clock       core.Clock
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	Retry       core.RetryPolicy
	WeeklyQuota int64
}

var _ Throttle = (*StoreThrottle)(nil)

func NewStoreThrottle(store core.CreditStore, clock core.Clock, log *zap.Logger, weeklyQuota int64) *StoreThrottle {
	if weeklyQuota <= 0 {
		weeklyQuota = DefaultWeeklyQuota
	}
	return &StoreThrottle{
		Store:       store,
		Clock:       clock,
		Log:         log.Named("credits.throttle"),
		Retry:       core.DefaultRetryPolicy,
		WeeklyQuota: weeklyQuota,
	}
}

func (s *StoreThrottle) Consume(ctx context.Context, clientID core.ClientID, amount int64) (core.ClientCreditAccount, error) {
	if err := validateAmount(clientID, amount); err != nil {
		return core.ClientCreditAccount{}, err
	}

	stored, err := s.update(ctx, clientID, func(a core.ClientCreditAccount) (core.ClientCreditAccount, error) {
		if a.Available() < amount {
			return a, &core.InsufficientCreditsError{ClientID: clientID, Available: a.Available(), Requested: amount}
		}
		return draw(a, amount), nil
	})
	if err != nil {
		if errors.Is(err, core.ErrInsufficientCredits) {
			s.Metrics.CreditConsume("insufficient")
		}
		return core.ClientCreditAccount{}, err
	}

	s.Metrics.CreditConsume("ok")
	s.Log.Debug("credits consumed",
		zap.String("client_id", string(clientID)),
		zap.Int64("amount", amount),
		zap.Int64("remaining", stored.Remaining),
		zap.Int64("purchased", stored.PurchasedBalance))
	return stored, nil
}

func (s *StoreThrottle) Purchase(ctx context.Context, clientID core.ClientID, n int64) (core.ClientCreditAccount, error) {
	if err := validateAmount(clientID, n); err != nil {
		return core.ClientCreditAccount{}, err
	}

	stored, err := s.update(ctx, clientID, func(a core.ClientCreditAccount) (core.ClientCreditAccount, error) {
		if err := validatePurchase(a, n); err != nil {
			return a, err
		}
		a.PurchasedBalance += n
		return a, nil
	})
	if err != nil {
		return core.ClientCreditAccount{}, err
	}

	s.Log.Info("credits purchased",
		zap.String("client_id", string(clientID)),
		zap.Int64("amount", n),
		zap.Int64("purchased", stored.PurchasedBalance))
	return stored, nil
}

// ResetWeekly restores Remaining = WeeklyQuota on every account not yet
// reset this week.
func (s *StoreThrottle) ResetWeekly(ctx context.Context) (ResetReport, error) {
	now := s.Clock.Now()
	report := ResetReport{WeekStart: core.WeekStart(now)}

	accounts, err := s.Store.ListAccounts(ctx)
	if err != nil {
		return report, err
	}

	for _, listed := range accounts {
		reset := false
		err := core.Retry(ctx, s.Retry, "account", string(listed.ClientID), s.Metrics.CASRetry, func() error {
			a, err := s.Store.GetAccount(ctx, listed.ClientID)
			if err != nil {
				return err
			}
			if !a.LastResetDate.Before(report.WeekStart) {
				reset = false
				return nil
			}
			a.Remaining = a.WeeklyQuota
			a.LastResetDate = report.WeekStart
			a.UpdatedAt = now
			_, err = s.Store.CompareAndSwapAccount(ctx, a)
			reset = err == nil
			return err
		})
		if err != nil {
			return report, err
		}
		if reset {
			report.Reset++
		} else {
			report.Skipped++
		}
	}

	s.Metrics.CreditsReset(report.Reset)
	s.Log.Info("weekly credits reset",
		zap.Time("week_start", report.WeekStart),
		zap.Int("reset", report.Reset),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// Account returns the client's account, opening it if needed.
func (s *StoreThrottle) Account(ctx context.Context, clientID core.ClientID) (core.ClientCreditAccount, error) {
	if clientID == "" {
		return core.ClientCreditAccount{}, fmt.Errorf("%w: client id is required", core.ErrInvalidInput)
	}
	var account core.ClientCreditAccount
	err := core.Retry(ctx, s.Retry, "account", string(clientID), s.Metrics.CASRetry, func() error {
		var err error
		account, err = s.open(ctx, clientID)
		return err
	})
	return account, err
}

// update applies mutate to a fresh read of the account and swaps it in,
// retrying on version conflicts. A mutate error aborts without writing.
func (s *StoreThrottle) update(ctx context.Context, clientID core.ClientID, mutate func(core.ClientCreditAccount) (core.ClientCreditAccount, error)) (core.ClientCreditAccount, error) {
	var stored core.ClientCreditAccount
	err := core.Retry(ctx, s.Retry, "account", string(clientID), s.Metrics.CASRetry, func() error {
		a, err := s.open(ctx, clientID)
		if err != nil {
			return err
		}
		next, err := mutate(a)
		if err != nil {
			return err
		}
		next.UpdatedAt = s.Clock.Now()
		stored, err = s.Store.CompareAndSwapAccount(ctx, next)
		return err
	})
	return stored, err
}

// open reads the account or creates it with the default quota. A concurrent
// create surfaces as ErrVersionMismatch, so the caller's retry re-reads.
func (s *StoreThrottle) open(ctx context.Context, clientID core.ClientID) (core.ClientCreditAccount, error) {
	a, err := s.Store.GetAccount(ctx, clientID)
	if !errors.Is(err, core.ErrAccountNotFound) {
		return a, err
	}

	now := s.Clock.Now()
	a, err = s.Store.CreateAccount(ctx, core.ClientCreditAccount{
		ClientID:      clientID,
		WeeklyQuota:   s.WeeklyQuota,
		Remaining:     s.WeeklyQuota,
		LastResetDate: core.WeekStart(now),
		UpdatedAt:     now,
	})
	if err != nil {
		return core.ClientCreditAccount{}, err
	}
	s.Log.Info("credit account opened",
		zap.String("client_id", string(clientID)),
		zap.Int64("weekly_quota", s.WeeklyQuota))
	return a, nil
}
