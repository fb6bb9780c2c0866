// Package budget implements per-tenant monthly cost envelopes: atomic
// reserve against a limit, fenced finalize into the relational store of
// record, and a reaper that returns headroom from expired reservations.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/kv"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/observability"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/repository"
)

// Outcome is the typed result of a reserve or finalize call
type Outcome string

const (
	OutcomeReserved         Outcome = "RESERVED"
	OutcomeBudgetExceeded   Outcome = "BUDGET_EXCEEDED"
	OutcomeFinalized        Outcome = "FINALIZED"
	OutcomeAlreadyFinalized Outcome = "ALREADY_FINALIZED"
	OutcomeNotReserved      Outcome = "NOT_RESERVED"
	OutcomeStaleFence       Outcome = "STALE_FENCE"
)

// Substrate is the slice of the shared KV facade the budget manager consumes
type Substrate interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
	Scan(ctx context.Context, pattern string, count int64) ([]string, error)
	IsConnected() bool
}

var _ Substrate = (*kv.Store)(nil)

// Finalizer is the relational side of finalize; satisfied by
// repository.BudgetRepository
type Finalizer interface {
	FinalizeUsage(ctx context.Context, params repository.FinalizeParams) (repository.FinalizeRecord, error)
	CommittedTotal(ctx context.Context, tenantID string, since time.Time) (int64, error)
}

// Config tunes reservation lifetime, the reaper, and drift detection
type Config struct {
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
	// DriftTolerance is the accepted |committed_kv - committed_sql| / limit ratio
	DriftTolerance float64 `mapstructure:"drift_tolerance"`
	// CircuitBreakerThreshold is the drift ratio that trips the breaker
	CircuitBreakerThreshold float64 `mapstructure:"circuit_breaker_threshold"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		ReservationTTL:          5 * time.Minute,
		ReapInterval:            time.Minute,
		DriftTolerance:          0.01,
		CircuitBreakerThreshold: 0.05,
	}
}

// ReserveRequest opens a cost envelope claim
type ReserveRequest struct {
	TenantID      string
	UserID        string
	IdemKey       string
	ModelAlias    string
	EstimatedCost int64
}

// ReserveResult reports the admission decision
type ReserveResult struct {
	Outcome       Outcome
	ReservationID string
}

// FinalizeRequest settles a reservation against the actual cost
type FinalizeRequest struct {
	TenantID   string
	UserID     string
	IdemKey    string
	ActualCost int64
}

// FinalizeResult reports the settlement
type FinalizeResult struct {
	Outcome Outcome
	Debits  []repository.LotDebit
}

// reservation is the KV record stored under the idempotency key
type reservation struct {
	ReservationID string    `json:"reservation_id"`
	ModelAlias    string    `json:"model_alias"`
	EstimatedCost int64     `json:"estimated_cost"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// reserveScript checks the envelope and claims the estimate atomically.
// KEYS: limit, reserved, committed, reservation. ARGV: estimate, record
// JSON, ttl ms. Returns 1 reserved, 2 already reserved, 0 exceeded.
var reserveScript = redis.NewScript(`
local limit = tonumber(redis.call('GET', KEYS[1]))
if limit == nil then return 0 end
if redis.call('EXISTS', KEYS[4]) == 1 then return 2 end
local reserved = tonumber(redis.call('GET', KEYS[2])) or 0
local committed = tonumber(redis.call('GET', KEYS[3])) or 0
local estimate = tonumber(ARGV[1])
if committed + reserved + estimate > limit then return 0 end
redis.call('INCRBY', KEYS[2], estimate)
redis.call('SET', KEYS[4], ARGV[2], 'PX', tonumber(ARGV[3]))
return 1
`)

// releaseScript returns a reservation's claim to the envelope, clamping the
// reserved counter at zero, and deletes the record. Returns the amount
// actually released.
var releaseScript = redis.NewScript(`
local reserved = tonumber(redis.call('GET', KEYS[1])) or 0
local estimate = tonumber(ARGV[1])
if estimate > reserved then estimate = reserved end
if estimate > 0 then redis.call('DECRBY', KEYS[1], estimate) end
redis.call('DEL', KEYS[2])
return estimate
`)

// Manager owns the reserve/finalize lifecycle for tenant cost envelopes
type Manager struct {
	store   Substrate
	repo    Finalizer
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
	breaker *gobreaker.CircuitBreaker

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	running  atomic.Bool
}

// NewManager creates the budget manager. The reaper does not run until
// Start is called.
func NewManager(store Substrate, repo Finalizer, config Config, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if config.ReservationTTL <= 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewLogger("budget")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	m := &Manager{
		store:   store,
		repo:    repo,
		config:  config,
		logger:  logger,
		metrics: metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "budget-drift",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("drift breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
			m.metrics.RecordGauge("budget_drift_breaker_open", boolGauge(to == gobreaker.StateOpen), nil)
		},
	})
	return m
}

func limitKey(tenantID string) string { return "budget:limit:" + tenantID }

func reservedKey(tenantID, month string) string {
	return fmt.Sprintf("budget:reserved:%s:%s", tenantID, month)
}

func committedKey(tenantID, month string) string {
	return fmt.Sprintf("budget:committed:%s:%s", tenantID, month)
}

func reservationKey(tenantID, userID, idemKey string) string {
	return fmt.Sprintf("budget:reservation:%s:%s:%s", tenantID, userID, idemKey)
}

func fenceKey(tenantID string) string { return "conservation:fence:" + tenantID }

// monthOf buckets an event time into its UTC accounting month
func monthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// SetLimit writes the tenant's monthly envelope in micro-units
func (m *Manager) SetLimit(ctx context.Context, tenantID string, limitMicro int64) error {
	return m.store.Set(ctx, limitKey(tenantID), fmt.Sprintf("%d", limitMicro), 0)
}

// Reserve claims headroom for an estimated cost. Idempotent per
// (tenant, user, idemKey); fails closed when the KV is unreachable.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	if req.EstimatedCost <= 0 {
		return ReserveResult{Outcome: OutcomeBudgetExceeded}, fmt.Errorf("estimated cost must be positive, got %d", req.EstimatedCost)
	}
	if !m.store.IsConnected() {
		m.denied("kv_unreachable")
		return ReserveResult{Outcome: OutcomeBudgetExceeded}, nil
	}

	now := time.Now().UTC()
	rec := reservation{
		ReservationID: uuid.NewString(),
		ModelAlias:    req.ModelAlias,
		EstimatedCost: req.EstimatedCost,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.config.ReservationTTL),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return ReserveResult{Outcome: OutcomeBudgetExceeded}, fmt.Errorf("failed to encode reservation: %w", err)
	}

	month := monthOf(now)
	keys := []string{
		limitKey(req.TenantID),
		reservedKey(req.TenantID, month),
		committedKey(req.TenantID, month),
		reservationKey(req.TenantID, req.UserID, req.IdemKey),
	}
	// The record's Redis TTL is double the logical expiry: the reaper has to
	// read an already-expired record to return its claim, so the key must
	// outlive ExpiresAt. Finalize and reap own deletion; the Redis TTL is
	// only the backstop for a reaper that never runs.
	res, err := m.store.Eval(ctx, reserveScript, keys,
		req.EstimatedCost, string(payload), (2 * m.config.ReservationTTL).Milliseconds())
	if err != nil {
		m.logger.Warn("reserve script failed, denying", map[string]interface{}{
			"tenant_id": req.TenantID,
			"error":     err.Error(),
		})
		m.denied("kv_error")
		return ReserveResult{Outcome: OutcomeBudgetExceeded}, nil
	}

	code, _ := res.(int64)
	switch code {
	case 1:
		return ReserveResult{Outcome: OutcomeReserved, ReservationID: rec.ReservationID}, nil
	case 2:
		// Prior claim with the same idempotency key still stands.
		prior, err := m.loadReservation(ctx, req.TenantID, req.UserID, req.IdemKey)
		if err != nil {
			return ReserveResult{Outcome: OutcomeReserved}, nil
		}
		return ReserveResult{Outcome: OutcomeReserved, ReservationID: prior.ReservationID}, nil
	default:
		m.denied("envelope_full")
		return ReserveResult{Outcome: OutcomeBudgetExceeded}, nil
	}
}

// Finalize settles a reservation: it allocates a fence token, runs the
// relational transaction, then updates the KV counters and drops the
// reservation record. The usage-event unique index is the authority on
// duplicates; the KV record is only a fast path.
func (m *Manager) Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	fence, err := m.store.Incr(ctx, fenceKey(req.TenantID))
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("failed to allocate fence token: %w", err)
	}

	rec, err := m.loadReservation(ctx, req.TenantID, req.UserID, req.IdemKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return FinalizeResult{Outcome: OutcomeNotReserved}, nil
		}
		return FinalizeResult{}, err
	}

	now := time.Now().UTC()
	record, err := m.repo.FinalizeUsage(ctx, repository.FinalizeParams{
		TenantID:      req.TenantID,
		IdemKey:       req.IdemKey,
		ReservationID: rec.ReservationID,
		FenceToken:    fence,
		AmountMicro:   req.ActualCost,
		CreatedAt:     now,
	})
	switch {
	case errors.Is(err, repository.ErrStaleFence):
		return FinalizeResult{Outcome: OutcomeStaleFence}, nil
	case errors.Is(err, repository.ErrAlreadyFinalized):
		// A prior finalize committed but may have died before the KV
		// bookkeeping; release the leftover claim either way.
		m.release(ctx, req.TenantID, req.UserID, req.IdemKey, rec, monthOf(rec.CreatedAt))
		return FinalizeResult{Outcome: OutcomeAlreadyFinalized}, nil
	case err != nil:
		return FinalizeResult{}, fmt.Errorf("finalize transaction failed: %w", err)
	}

	if _, err := m.store.IncrBy(ctx, committedKey(req.TenantID, monthOf(now)), req.ActualCost); err != nil {
		m.logger.Warn("failed to bump committed counter", map[string]interface{}{
			"tenant_id": req.TenantID,
			"error":     err.Error(),
		})
	}
	// The claim was taken in the month the reservation was created, which a
	// finalize just past a month boundary may no longer be in.
	m.release(ctx, req.TenantID, req.UserID, req.IdemKey, rec, monthOf(rec.CreatedAt))

	m.metrics.IncrementCounter("budget_finalized_total", 1.0)
	return FinalizeResult{Outcome: OutcomeFinalized, Debits: record.Debits}, nil
}

func (m *Manager) loadReservation(ctx context.Context, tenantID, userID, idemKey string) (reservation, error) {
	raw, err := m.store.Get(ctx, reservationKey(tenantID, userID, idemKey))
	if err != nil {
		return reservation{}, err
	}
	var rec reservation
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return reservation{}, fmt.Errorf("failed to decode reservation: %w", err)
	}
	return rec, nil
}

// release returns a reservation's claim and deletes its record; best effort
func (m *Manager) release(ctx context.Context, tenantID, userID, idemKey string, rec reservation, month string) {
	keys := []string{
		reservedKey(tenantID, month),
		reservationKey(tenantID, userID, idemKey),
	}
	if _, err := m.store.Eval(ctx, releaseScript, keys, rec.EstimatedCost); err != nil {
		m.logger.Warn("failed to release reservation", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
	}
}

// Reap releases every expired reservation for one tenant and returns how
// many it reclaimed. Reservations normally expire via their own TTL; the
// reaper exists to return the reserved headroom they were holding.
func (m *Manager) Reap(ctx context.Context, tenantID string) (int, error) {
	return m.reapPattern(ctx, fmt.Sprintf("budget:reservation:%s:*", tenantID))
}

func (m *Manager) reapPattern(ctx context.Context, pattern string) (int, error) {
	keys, err := m.store.Scan(ctx, pattern, 100)
	if err != nil {
		return 0, fmt.Errorf("failed to scan reservations: %w", err)
	}

	now := time.Now().UTC()
	reaped := 0
	for _, key := range keys {
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec reservation
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// Unreadable record: drop it so it stops holding a key.
			_ = m.store.Delete(ctx, key)
			continue
		}
		if !rec.ExpiresAt.Before(now) {
			continue
		}

		parts := strings.Split(key, ":")
		if len(parts) < 5 {
			continue
		}
		tenantID := parts[2]
		month := monthOf(rec.CreatedAt)
		if _, err := m.store.Eval(ctx, releaseScript,
			[]string{reservedKey(tenantID, month), key}, rec.EstimatedCost); err != nil {
			m.logger.Warn("failed to reap reservation", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		reaped++
	}

	if reaped > 0 {
		m.metrics.IncrementCounter("budget_reservations_reaped_total", float64(reaped))
	}
	return reaped, nil
}

// CheckDrift compares the KV committed counter against the relational sum
// of usage events for the current month. Drift beyond the breaker threshold
// counts as a failure; three consecutive failures open the breaker.
func (m *Manager) CheckDrift(ctx context.Context, tenantID string) (float64, error) {
	drift, err := m.breaker.Execute(func() (interface{}, error) {
		now := time.Now().UTC()
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

		committed := int64(0)
		if raw, err := m.store.Get(ctx, committedKey(tenantID, monthOf(now))); err == nil {
			_, _ = fmt.Sscanf(raw, "%d", &committed)
		}
		persisted, err := m.repo.CommittedTotal(ctx, tenantID, monthStart)
		if err != nil {
			return nil, err
		}

		limit := int64(0)
		if raw, err := m.store.Get(ctx, limitKey(tenantID)); err == nil {
			_, _ = fmt.Sscanf(raw, "%d", &limit)
		}
		if limit == 0 {
			return float64(0), nil
		}

		diff := committed - persisted
		if diff < 0 {
			diff = -diff
		}
		ratio := float64(diff) / float64(limit)
		m.metrics.RecordGauge("budget_drift_ratio", ratio, map[string]string{"tenant_id": tenantID})
		if ratio > m.config.DriftTolerance {
			m.logger.Warn("committed counter drifting from store of record", map[string]interface{}{
				"tenant_id": tenantID,
				"ratio":     ratio,
			})
		}
		if ratio > m.config.CircuitBreakerThreshold {
			return ratio, fmt.Errorf("drift %.4f exceeds threshold %.4f", ratio, m.config.CircuitBreakerThreshold)
		}
		return ratio, nil
	})
	if err != nil {
		return 0, err
	}
	return drift.(float64), nil
}

// Start launches the background reaper
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if _, err := m.reapPattern(ctx, "budget:reservation:*"); err != nil {
					m.logger.Warn("reap pass failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
				cancel()
			}
		}
	}()
}

// Stop halts the reaper and waits for the in-flight pass
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.running.Load() {
		<-m.done
	}
}

func (m *Manager) denied(reason string) {
	m.metrics.IncrementCounterWithLabels("budget_reserve_denials_total", 1.0, map[string]string{
		"reason": reason,
	})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
