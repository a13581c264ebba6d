package credits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/metrics"
	"go.uber.org/zap"
)

// =============================================================================
// LUA SCRIPTS
// =============================================================================
//
// Every script runs atomically inside Redis, so check-and-decrement needs no
// client-side retry. Layout:
//   KEYS[1] = <prefix>:<client>   hash {quota, remaining, purchased, last_reset, version, updated_at}
//   KEYS[2] = <prefix>:accounts   set of client ids
// Every script that may open an account takes
//   ARGV[1] = client id, ARGV[2] = default quota, ARGV[3] = week start (unix), ARGV[4] = now (unix)
// and returns {status, quota, remaining, purchased, last_reset, version} with
// the account fields as decimal strings.

const luaOpen = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("HSET", KEYS[1], "quota", ARGV[2], "remaining", ARGV[2], "purchased", "0",
    "last_reset", ARGV[3], "version", 1, "updated_at", ARGV[4])
  redis.call("SADD", KEYS[2], ARGV[1])
end
local function state(status)
  local v = redis.call("HMGET", KEYS[1], "quota", "remaining", "purchased", "last_reset", "version")
  return {status, v[1], v[2], v[3], v[4], v[5]}
end
` + luaWide

// Lua numbers are doubles and lose precision past 2^53, so credit counts are
// handled as {high, low} pairs in base 1e9 built from their decimal strings.
// Only non-negative values are supported.
const luaWide = `
local function wide(s)
  local n = #s
  if n <= 9 then return {0, tonumber(s)} end
  return {tonumber(string.sub(s, 1, n - 9)), tonumber(string.sub(s, n - 8))}
end
local function add(a, b)
  local lo = a[2] + b[2]
  return {a[1] + b[1] + math.floor(lo / 1e9), lo % 1e9}
end
local function sub(a, b)
  if a[2] < b[2] then return {a[1] - b[1] - 1, a[2] + 1e9 - b[2]} end
  return {a[1] - b[1], a[2] - b[2]}
end
local function less(a, b)
  return a[1] < b[1] or (a[1] == b[1] and a[2] < b[2])
end
local function iszero(a)
  return a[1] == 0 and a[2] == 0
end
local function str(a)
  local lo = tostring(a[2])
  if a[1] == 0 then return lo end
  return tostring(a[1]) .. string.rep("0", 9 - #lo) .. lo
end
local function field(name)
  return wide(redis.call("HGET", KEYS[1], name))
end
local MAXINT = {9223372036, 854775807}
`

// ARGV[5] = amount
var consumeScript = redis.NewScript(luaOpen + `
local amount = wide(ARGV[5])
local remaining = field("remaining")
if less(add(remaining, field("purchased")), amount) then
  return state(0)
end
local weekly = amount
if less(remaining, amount) then weekly = remaining end
local rest = sub(amount, weekly)
if not iszero(weekly) then
  redis.call("HINCRBY", KEYS[1], "remaining", "-" .. str(weekly))
end
if not iszero(rest) then
  redis.call("HINCRBY", KEYS[1], "purchased", "-" .. str(rest))
end
redis.call("HSET", KEYS[1], "updated_at", ARGV[4])
redis.call("HINCRBY", KEYS[1], "version", 1)
return state(1)
`)

// ARGV[5] = amount. Status 0 means the purchase would let a weekly reset
// overflow the balance.
var purchaseScript = redis.NewScript(luaOpen + `
local weekly = field("remaining")
local quota = field("quota")
if less(weekly, quota) then weekly = quota end
if less(MAXINT, add(add(weekly, field("purchased")), wide(ARGV[5]))) then
  return state(0)
end
redis.call("HINCRBY", KEYS[1], "purchased", ARGV[5])
redis.call("HSET", KEYS[1], "updated_at", ARGV[4])
redis.call("HINCRBY", KEYS[1], "version", 1)
return state(1)
`)

var accountScript = redis.NewScript(luaOpen + `
return state(1)
`)

// KEYS[1] = account hash; ARGV[1] = week start (unix), ARGV[2] = now (unix).
// Returns 1 if reset, 0 if already reset this week, -1 if missing.
var resetScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if tonumber(redis.call("HGET", KEYS[1], "last_reset")) >= tonumber(ARGV[1]) then
  return 0
end
local quota = redis.call("HGET", KEYS[1], "quota")
redis.call("HSET", KEYS[1], "remaining", quota, "last_reset", ARGV[1], "updated_at", ARGV[2])
redis.call("HINCRBY", KEYS[1], "version", 1)
return 1
`)

// =============================================================================
// REDIS THROTTLE
// =============================================================================

// RedisThrottle keeps accounts in Redis hashes. Several service replicas can
// share one Redis without coordinating.
type RedisThrottle struct {
	client      redis.UniversalClient
	prefix      string
	clock       core.Clock
	log         *zap.Logger
	metrics     *metrics.Metrics
	weeklyQuota int64
}

var _ Throttle = (*RedisThrottle)(nil)

func NewRedisThrottle(client redis.UniversalClient, prefix string, clock core.Clock, log *zap.Logger, m *metrics.Metrics, weeklyQuota int64) *RedisThrottle {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "credits"
	}
	if weeklyQuota <= 0 {
		weeklyQuota = DefaultWeeklyQuota
	}
	return &RedisThrottle{
		client:      client,
		prefix:      prefix,
		clock:       clock,
		log:         log.Named("credits.redis"),
		metrics:     m,
		weeklyQuota: weeklyQuota,
	}
}

func (r *RedisThrottle) accountKey(clientID core.ClientID) string {
	return fmt.Sprintf("%s:%s", r.prefix, clientID)
}

func (r *RedisThrottle) indexKey() string {
	return r.prefix + ":accounts"
}

func (r *RedisThrottle) Consume(ctx context.Context, clientID core.ClientID, amount int64) (core.ClientCreditAccount, error) {
	if err := validateAmount(clientID, amount); err != nil {
		return core.ClientCreditAccount{}, err
	}

	ok, account, err := r.run(ctx, consumeScript, clientID, amount)
	if err != nil {
		return core.ClientCreditAccount{}, err
	}
	if !ok {
		r.metrics.CreditConsume("insufficient")
		return core.ClientCreditAccount{}, &core.InsufficientCreditsError{
			ClientID: clientID, Available: account.Available(), Requested: amount,
		}
	}

	r.metrics.CreditConsume("ok")
	r.log.Debug("credits consumed",
		zap.String("client_id", string(clientID)),
		zap.Int64("amount", amount),
		zap.Int64("remaining", account.Remaining),
		zap.Int64("purchased", account.PurchasedBalance))
	return account, nil
}

func (r *RedisThrottle) Purchase(ctx context.Context, clientID core.ClientID, n int64) (core.ClientCreditAccount, error) {
	if err := validateAmount(clientID, n); err != nil {
		return core.ClientCreditAccount{}, err
	}
	ok, account, err := r.run(ctx, purchaseScript, clientID, n)
	if err != nil {
		return core.ClientCreditAccount{}, err
	}
	if !ok {
		return core.ClientCreditAccount{}, fmt.Errorf("%w: purchase of %d would overflow the balance of %s", core.ErrInvalidAmount, n, clientID)
	}
	r.log.Info("credits purchased",
		zap.String("client_id", string(clientID)),
		zap.Int64("amount", n),
		zap.Int64("purchased", account.PurchasedBalance))
	return account, nil
}

func (r *RedisThrottle) Account(ctx context.Context, clientID core.ClientID) (core.ClientCreditAccount, error) {
	if clientID == "" {
		return core.ClientCreditAccount{}, fmt.Errorf("%w: client id is required", core.ErrInvalidInput)
	}
	_, account, err := r.run(ctx, accountScript, clientID, 0)
	return account, err
}

func (r *RedisThrottle) ResetWeekly(ctx context.Context) (ResetReport, error) {
	now := r.clock.Now()
	report := ResetReport{WeekStart: core.WeekStart(now)}

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return report, fmt.Errorf("failed to list credit accounts: %w", err)
	}

	for _, id := range ids {
		res, err := resetScript.Run(ctx, r.client, []string{r.accountKey(core.ClientID(id))},
			report.WeekStart.Unix(), now.Unix()).Int64()
		if err != nil {
			return report, fmt.Errorf("failed to reset credits for %s: %w", id, err)
		}
		switch res {
		case 1:
			report.Reset++
		case 0:
			report.Skipped++
		default:
			r.log.Warn("indexed credit account is missing", zap.String("client_id", id))
		}
	}

	r.metrics.CreditsReset(report.Reset)
	r.log.Info("weekly credits reset",
		zap.Time("week_start", report.WeekStart),
		zap.Int("reset", report.Reset),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// run executes an account script and decodes its {status, ...state} reply.
func (r *RedisThrottle) run(ctx context.Context, script *redis.Script, clientID core.ClientID, amount int64) (bool, core.ClientCreditAccount, error) {
	now := r.clock.Now()
	keys := []string{r.accountKey(clientID), r.indexKey()}
	values, err := script.Run(ctx, r.client, keys,
		string(clientID), r.weeklyQuota, core.WeekStart(now).Unix(), now.Unix(), amount).Int64Slice()
	if err != nil {
		return false, core.ClientCreditAccount{}, fmt.Errorf("credits script for %s: %w", clientID, err)
	}
	if len(values) != 6 {
		return false, core.ClientCreditAccount{}, fmt.Errorf("unexpected credits script reply length %d", len(values))
	}

	account := core.ClientCreditAccount{
		ClientID:         clientID,
		WeeklyQuota:      values[1],
		Remaining:        values[2],
		PurchasedBalance: values[3],
		LastResetDate:    time.Unix(values[4], 0).UTC(),
		Version:          values[5],
		UpdatedAt:        now,
	}
	return values[0] == 1, account, nil
}
