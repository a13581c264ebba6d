/*
Package sqlite provides a SQLite-backed implementation of core.Store.

PURPOSE:
  Persists every row the engagement engine owns. In production the same
  patterns apply to PostgreSQL with only minor dialect differences.

APPEND-ONLY ENFORCEMENT:
  point_transactions and decline_records are never updated or deleted.
  There is no UPDATE or DELETE statement on either table in this file.

COMPARE-AND-SWAP:
  providers, credit_accounts and offer_slots carry a version column. Writes
  are

    UPDATE ... SET ..., version = version + 1 WHERE id = ? AND version = ?

  and zero affected rows means another writer got there first
  (core.ErrVersionMismatch). CommitPoints runs the ledger INSERT and the
  provider UPDATE in one SQL transaction, so a lost CAS leaves no ledger row
  behind. CommitDecline adds the decline record to the same transaction.

KEY TABLES:
  providers:          One mutable row per provider
  point_transactions: Reputation ledger (append-only)
  decline_records:    Refusal log (append-only)
  cases:              Case records kept for re-assignment
  offers:             Every offer ever made
  offer_slots:        Current offer pointer + version per case
  credit_accounts:    One mutable row per client

TIME + MONEY:
  Instants are stored as INTEGER unix nanoseconds so ORDER BY and range
  filters compare numerically. Decimals are stored as TEXT.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of the version checks. An
  in-memory database is pinned to a single connection, since every new
  connection to ":memory:" would open a fresh, empty database.

USAGE:
  store, err := sqlite.New("./data/engagement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - core/store.go: Interface definitions and the CAS contract
  - core/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/core"
)

// Store implements core.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ core.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL,
		level_points INTEGER NOT NULL,
		tier TEXT NOT NULL,
		suspended_until INTEGER,
		specialties_json TEXT NOT NULL DEFAULT '[]',
		min_amount TEXT NOT NULL DEFAULT '0',
		max_amount TEXT NOT NULL DEFAULT '0',
		active_case_count INTEGER NOT NULL DEFAULT 0,
		daily_cases INTEGER NOT NULL DEFAULT 0,
		day_key TEXT NOT NULL DEFAULT '',
		monthly_amount TEXT NOT NULL DEFAULT '0',
		month_key TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Reputation ledger (append-only)
	CREATE TABLE IF NOT EXISTS point_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		provider_id TEXT NOT NULL REFERENCES providers(id),
		action TEXT NOT NULL,
		base_points INTEGER NOT NULL,
		multiplier TEXT NOT NULL,
		final_points INTEGER NOT NULL,
		case_id TEXT,
		reason TEXT,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_point_transactions_provider
		ON point_transactions(provider_id, timestamp);

	-- Refusal log (append-only)
	CREATE TABLE IF NOT EXISTS decline_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		provider_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		penalty_points INTEGER NOT NULL,
		timed_out INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL
	);

	-- Rolling-window count (hot path for every decline)
	CREATE INDEX IF NOT EXISTS idx_decline_records_provider
		ON decline_records(provider_id, timestamp);

	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		specialty TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		urgency INTEGER NOT NULL DEFAULT 0,
		enterprise INTEGER NOT NULL DEFAULT 0,
		candidate_pool_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS offers (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		case_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		state TEXT NOT NULL,
		amount TEXT NOT NULL,
		offered_at INTEGER NOT NULL,
		resolved_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_offers_case ON offers(case_id, seq);

	-- At most one current offer per case; version guards the slot
	CREATE TABLE IF NOT EXISTS offer_slots (
		case_id TEXT PRIMARY KEY,
		offer_id TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_accounts (
		client_id TEXT PRIMARY KEY,
		weekly_quota INTEGER NOT NULL,
		remaining INTEGER NOT NULL CHECK (remaining >= 0),
		purchased_balance INTEGER NOT NULL CHECK (purchased_balance >= 0),
		last_reset_date INTEGER NOT NULL,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a SQL transaction, committing only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// PROFILE STORE
// =============================================================================

const profileColumns = `id, name, level, level_points, tier, suspended_until, specialties_json,
	min_amount, max_amount, active_case_count, daily_cases, day_key, monthly_amount, month_key,
	version, created_at, updated_at`

func (s *Store) CreateProfile(ctx context.Context, p core.ProviderProfile) (core.ProviderProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	specialties, err := json.Marshal(nonNilStrings(p.Specialties))
	if err != nil {
		return core.ProviderProfile{}, fmt.Errorf("failed to encode specialties: %w", err)
	}

	p.Version = 1
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Level, p.LevelPoints, p.Tier, nullTime(p.SuspendedUntil), string(specialties),
		p.MinAmount.String(), p.MaxAmount.String(), p.ActiveCaseCount, p.DailyCases, p.DayKey,
		p.MonthlyAmount.String(), p.MonthKey, p.Version, unixNano(p.CreatedAt), unixNano(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ProviderProfile{}, core.ErrProviderExists
		}
		return core.ProviderProfile{}, fmt.Errorf("failed to insert provider: %w", err)
	}
	return p, nil
}

func (s *Store) GetProfile(ctx context.Context, id core.ProviderID) (core.ProviderProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProfile(ctx, s.db, id)
}

func getProfile(ctx context.Context, db execer, id core.ProviderID) (core.ProviderProfile, error) {
	row := db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM providers WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ProviderProfile{}, core.ErrProviderNotFound
	}
	return p, err
}

func (s *Store) ListProfiles(ctx context.Context) ([]core.ProviderProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM providers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var profiles []core.ProviderProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *Store) CompareAndSwapProfile(ctx context.Context, next core.ProviderProfile) (core.ProviderProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored core.ProviderProfile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = swapProfile(ctx, tx, next)
		return err
	})
	return stored, err
}

func swapProfile(ctx context.Context, db execer, next core.ProviderProfile) (core.ProviderProfile, error) {
	specialties, err := json.Marshal(nonNilStrings(next.Specialties))
	if err != nil {
		return core.ProviderProfile{}, fmt.Errorf("failed to encode specialties: %w", err)
	}

	res, err := db.ExecContext(ctx, `
		UPDATE providers SET
			name = ?, level = ?, level_points = ?, tier = ?, suspended_until = ?, specialties_json = ?,
			min_amount = ?, max_amount = ?, active_case_count = ?, daily_cases = ?, day_key = ?,
			monthly_amount = ?, month_key = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		next.Name, next.Level, next.LevelPoints, next.Tier, nullTime(next.SuspendedUntil), string(specialties),
		next.MinAmount.String(), next.MaxAmount.String(), next.ActiveCaseCount, next.DailyCases, next.DayKey,
		next.MonthlyAmount.String(), next.MonthKey, unixNano(next.UpdatedAt),
		next.ID, next.Version,
	)
	if err != nil {
		return core.ProviderProfile{}, fmt.Errorf("failed to update provider: %w", err)
	}
	if err := casResult(ctx, db, res, "SELECT COUNT(*) FROM providers WHERE id = ?", next.ID, core.ErrProviderNotFound); err != nil {
		return core.ProviderProfile{}, err
	}
	next.Version++
	return next, nil
}

func scanProfile(row interface{ Scan(dest ...any) error }) (core.ProviderProfile, error) {
	var (
		p                            core.ProviderProfile
		suspendedUntil               sql.NullInt64
		specialtiesJSON              string
		minAmount, maxAmount, amount string
		createdAt, updatedAt         int64
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Level, &p.LevelPoints, &p.Tier, &suspendedUntil, &specialtiesJSON,
		&minAmount, &maxAmount, &p.ActiveCaseCount, &p.DailyCases, &p.DayKey, &amount, &p.MonthKey,
		&p.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan provider: %w", err)
	}

	if err := json.Unmarshal([]byte(specialtiesJSON), &p.Specialties); err != nil {
		return p, fmt.Errorf("failed to decode specialties: %w", err)
	}
	p.SuspendedUntil = fromNullTime(suspendedUntil)
	p.MinAmount = parseDecimal(minAmount)
	p.MaxAmount = parseDecimal(maxAmount)
	p.MonthlyAmount = parseDecimal(amount)
	p.CreatedAt = fromUnixNano(createdAt)
	p.UpdatedAt = fromUnixNano(updatedAt)
	return p, nil
}

// =============================================================================
// POINT STORE (append-only ledger)
// =============================================================================

func (s *Store) CommitPoints(ctx context.Context, ptx core.PointTransaction, next core.ProviderProfile) (core.ProviderProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored core.ProviderProfile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if stored, err = swapProfile(ctx, tx, next); err != nil {
			return err
		}
		return insertPoints(ctx, tx, ptx)
	})
	return stored, err
}

func insertPoints(ctx context.Context, db execer, ptx core.PointTransaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO point_transactions
		(id, provider_id, action, base_points, multiplier, final_points, case_id, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ptx.ID, ptx.ProviderID, ptx.Action, ptx.BasePoints, ptx.MultiplierApplied.String(),
		ptx.FinalPoints, nullString(string(ptx.CaseID)), nullString(ptx.Reason), unixNano(ptx.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append point transaction: %w", err)
	}
	return nil
}

func (s *Store) PointTransactions(ctx context.Context, id core.ProviderID) ([]core.PointTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, action, base_points, multiplier, final_points, case_id, reason, timestamp
		FROM point_transactions
		WHERE provider_id = ?
		ORDER BY timestamp ASC, seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query point transactions: %w", err)
	}
	defer rows.Close()

	var txs []core.PointTransaction
	for rows.Next() {
		var (
			tx             core.PointTransaction
			multiplier     string
			caseID, reason sql.NullString
			timestamp      int64
		)
		if err := rows.Scan(&tx.ID, &tx.ProviderID, &tx.Action, &tx.BasePoints, &multiplier,
			&tx.FinalPoints, &caseID, &reason, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan point transaction: %w", err)
		}
		tx.MultiplierApplied = parseDecimal(multiplier)
		tx.CaseID = core.CaseID(caseID.String)
		tx.Reason = reason.String
		tx.Timestamp = fromUnixNano(timestamp)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// DECLINE STORE (append-only)
// =============================================================================

// CommitDecline writes the refusal, its point transaction and the profile
// swap in one SQL transaction.
func (s *Store) CommitDecline(ctx context.Context, rec core.DeclineRecord, ptx core.PointTransaction, next core.ProviderProfile) (core.ProviderProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored core.ProviderProfile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if stored, err = swapProfile(ctx, tx, next); err != nil {
			return err
		}
		if err := insertPoints(ctx, tx, ptx); err != nil {
			return err
		}
		return insertDecline(ctx, tx, rec)
	})
	return stored, err
}

func insertDecline(ctx context.Context, db execer, rec core.DeclineRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO decline_records (id, provider_id, case_id, penalty_points, timed_out, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProviderID, rec.CaseID, rec.PenaltyPoints, rec.TimedOut, unixNano(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append decline record: %w", err)
	}
	return nil
}

func (s *Store) DeclinesSince(ctx context.Context, id core.ProviderID, since time.Time) ([]core.DeclineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, case_id, penalty_points, timed_out, timestamp
		FROM decline_records
		WHERE provider_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC, seq ASC`, id, unixNano(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query decline records: %w", err)
	}
	defer rows.Close()

	var records []core.DeclineRecord
	for rows.Next() {
		var (
			rec       core.DeclineRecord
			timestamp int64
		)
		if err := rows.Scan(&rec.ID, &rec.ProviderID, &rec.CaseID, &rec.PenaltyPoints, &rec.TimedOut, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan decline record: %w", err)
		}
		rec.Timestamp = fromUnixNano(timestamp)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// CASE STORE
// =============================================================================

func (s *Store) SaveCase(ctx context.Context, c core.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, err := json.Marshal(c.CandidatePool)
	if err != nil {
		return fmt.Errorf("failed to encode candidate pool: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cases
		(id, client_id, specialty, amount, urgency, enterprise, candidate_pool_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ClientID, c.Specialty, c.Amount.String(), c.Urgency, c.Enterprise, string(pool), unixNano(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save case: %w", err)
	}
	return nil
}

func (s *Store) GetCase(ctx context.Context, id core.CaseID) (core.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c         core.Case
		amount    string
		poolJSON  string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, specialty, amount, urgency, enterprise, candidate_pool_json, created_at
		FROM cases WHERE id = ?`, id,
	).Scan(&c.ID, &c.ClientID, &c.Specialty, &amount, &c.Urgency, &c.Enterprise, &poolJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Case{}, core.ErrCaseNotFound
	}
	if err != nil {
		return core.Case{}, fmt.Errorf("failed to get case: %w", err)
	}
	if err := json.Unmarshal([]byte(poolJSON), &c.CandidatePool); err != nil {
		return core.Case{}, fmt.Errorf("failed to decode candidate pool: %w", err)
	}
	c.Amount = parseDecimal(amount)
	c.CreatedAt = fromUnixNano(createdAt)
	return c, nil
}

// =============================================================================
// OFFER STORE
// =============================================================================

const offerColumns = `o.id, o.case_id, o.provider_id, o.state, o.amount, o.offered_at, o.resolved_at, o.completed_at`

func (s *Store) CurrentOffer(ctx context.Context, caseID core.CaseID) (core.CaseOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+`, sl.version
		FROM offer_slots sl JOIN offers o ON o.id = sl.offer_id
		WHERE sl.case_id = ?`, caseID)
	o, err := scanOffer(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return core.CaseOffer{}, core.ErrOfferNotFound
	}
	return o, err
}

func (s *Store) CompareAndSwapOffer(ctx context.Context, next core.CaseOffer) (core.CaseOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			version int64
			current string
		)
		err := tx.QueryRowContext(ctx, `SELECT version, offer_id FROM offer_slots WHERE case_id = ?`, next.CaseID).
			Scan(&version, &current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read offer slot: %w", err)
		}
		if version != next.Version {
			return core.ErrVersionMismatch
		}

		if current == string(next.ID) {
			_, err = tx.ExecContext(ctx, `
				UPDATE offers SET provider_id = ?, state = ?, amount = ?, offered_at = ?, resolved_at = ?, completed_at = ?
				WHERE id = ?`,
				next.ProviderID, next.State, next.Amount.String(), unixNano(next.OfferedAt),
				nullTime(next.ResolvedAt), nullTime(next.CompletedAt), next.ID)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO offers (id, case_id, provider_id, state, amount, offered_at, resolved_at, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				next.ID, next.CaseID, next.ProviderID, next.State, next.Amount.String(), unixNano(next.OfferedAt),
				nullTime(next.ResolvedAt), nullTime(next.CompletedAt))
		}
		if err != nil {
			return fmt.Errorf("failed to write offer: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO offer_slots (case_id, offer_id, version) VALUES (?, ?, ?)
			ON CONFLICT(case_id) DO UPDATE SET offer_id = excluded.offer_id, version = excluded.version`,
			next.CaseID, next.ID, next.Version+1)
		if err != nil {
			return fmt.Errorf("failed to write offer slot: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.CaseOffer{}, err
	}
	next.Version++
	return next, nil
}

func (s *Store) OfferHistory(ctx context.Context, caseID core.CaseID) ([]core.CaseOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers o WHERE o.case_id = ? ORDER BY o.seq ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows, false)
}

func (s *Store) OpenOffers(ctx context.Context, before time.Time) ([]core.CaseOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+`, sl.version
		FROM offer_slots sl JOIN offers o ON o.id = sl.offer_id
		WHERE o.state = ? AND o.offered_at < ?
		ORDER BY o.offered_at ASC`, core.OfferOffered, unixNano(before))
	if err != nil {
		return nil, fmt.Errorf("failed to query open offers: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows, true)
}

func scanOffers(rows *sql.Rows, withVersion bool) ([]core.CaseOffer, error) {
	var offers []core.CaseOffer
	for rows.Next() {
		o, err := scanOffer(rows, withVersion)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

func scanOffer(row interface{ Scan(dest ...any) error }, withVersion bool) (core.CaseOffer, error) {
	var (
		o                       core.CaseOffer
		amount                  string
		offeredAt               int64
		resolvedAt, completedAt sql.NullInt64
	)
	dest := []any{&o.ID, &o.CaseID, &o.ProviderID, &o.State, &amount, &offeredAt, &resolvedAt, &completedAt}
	if withVersion {
		dest = append(dest, &o.Version)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, err
		}
		return o, fmt.Errorf("failed to scan offer: %w", err)
	}
	o.Amount = parseDecimal(amount)
	o.OfferedAt = fromUnixNano(offeredAt)
	o.ResolvedAt = fromNullTime(resolvedAt)
	o.CompletedAt = fromNullTime(completedAt)
	return o, nil
}

// =============================================================================
// CREDIT STORE
// =============================================================================

const accountColumns = `client_id, weekly_quota, remaining, purchased_balance, last_reset_date, version, updated_at`

func (s *Store) GetAccount(ctx context.Context, id core.ClientID) (core.ClientCreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE client_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.ClientCreditAccount{}, core.ErrAccountNotFound
	}
	return a, err
}

func (s *Store) CreateAccount(ctx context.Context, a core.ClientCreditAccount) (core.ClientCreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.Version = 1
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ClientID, a.WeeklyQuota, a.Remaining, a.PurchasedBalance, unixNano(a.LastResetDate), a.Version, unixNano(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ClientCreditAccount{}, core.ErrVersionMismatch
		}
		return core.ClientCreditAccount{}, fmt.Errorf("failed to insert credit account: %w", err)
	}
	return a, nil
}

func (s *Store) CompareAndSwapAccount(ctx context.Context, next core.ClientCreditAccount) (core.ClientCreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE credit_accounts SET
				weekly_quota = ?, remaining = ?, purchased_balance = ?, last_reset_date = ?,
				updated_at = ?, version = version + 1
			WHERE client_id = ? AND version = ?`,
			next.WeeklyQuota, next.Remaining, next.PurchasedBalance, unixNano(next.LastResetDate),
			unixNano(next.UpdatedAt), next.ClientID, next.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update credit account: %w", err)
		}
		return casResult(ctx, tx, res, "SELECT COUNT(*) FROM credit_accounts WHERE client_id = ?", next.ClientID, core.ErrAccountNotFound)
	})
	if err != nil {
		return core.ClientCreditAccount{}, err
	}
	next.Version++
	return next, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]core.ClientCreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts ORDER BY client_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit accounts: %w", err)
	}
	defer rows.Close()

	var accounts []core.ClientCreditAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func scanAccount(row interface{ Scan(dest ...any) error }) (core.ClientCreditAccount, error) {
	var (
		a                    core.ClientCreditAccount
		lastReset, updatedAt int64
	)
	err := row.Scan(&a.ClientID, &a.WeeklyQuota, &a.Remaining, &a.PurchasedBalance, &lastReset, &a.Version, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan credit account: %w", err)
	}
	a.LastResetDate = fromUnixNano(lastReset)
	a.UpdatedAt = fromUnixNano(updatedAt)
	return a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// casResult turns a zero-row UPDATE into ErrVersionMismatch, or notFound if
// the row does not exist at all.
func casResult(ctx context.Context, db execer, res sql.Result, countQuery string, id any, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	var count int
	if err := db.QueryRowContext(ctx, countQuery, id).Scan(&count); err != nil {
		return fmt.Errorf("failed to check row existence: %w", err)
	}
	if count == 0 {
		return notFound
	}
	return core.ErrVersionMismatch
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY") ||
		strings.Contains(err.Error(), "duplicate key"))
}
