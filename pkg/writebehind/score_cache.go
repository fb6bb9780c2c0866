// Package writebehind absorbs high-frequency score mutations: every update
// is written synchronously to the authoritative KV hash, then queued and
// replicated to the relational store of record in coalesced batches.
package writebehind

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/kv"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/observability"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/repository"
)

// Substrate is the slice of the shared KV facade the score cache consumes
type Substrate interface {
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
}

var _ Substrate = (*kv.Store)(nil)

// Syncer replicates a batch of snapshots to the store of record; satisfied
// by repository.ScoreRepository
type Syncer interface {
	SyncProfileScores(ctx context.Context, items []repository.ProfileScore) (repository.SyncResult, error)
}

// Config tunes the replication loop
type Config struct {
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxPendingItems int           `mapstructure:"max_pending_items"`
	MaxRetries      int           `mapstructure:"max_retries"`
	// DrainTimeout bounds the shutdown flush
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		SyncInterval:    5 * time.Second,
		BatchSize:       50,
		MaxPendingItems: 1000,
		MaxRetries:      3,
		DrainTimeout:    10 * time.Second,
	}
}

// Score is the authoritative snapshot for one profile
type Score struct {
	TenantID   string    `json:"tenant_id"`
	ProfileID  string    `json:"profile_id"`
	Conviction string    `json:"conviction"`
	Activity   string    `json:"activity"`
	Rank       int       `json:"rank"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BatchResult counts outcomes of one replication pass
type BatchResult struct {
	Success int
	Failed  int
	Retried int
}

// Status is a point-in-time view of the queue for operators
type Status struct {
	Pending      int       `json:"pending"`
	Running      bool      `json:"running"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	TotalSynced  int64     `json:"total_synced"`
	TotalDropped int64     `json:"total_dropped"`
}

type queueKey struct {
	tenantID  string
	profileID string
}

type pendingItem struct {
	score      Score
	retryCount int
}

// ScoreCache is the write-behind queue. Pending items coalesce per
// (tenant, profile): a newer snapshot replaces the older one in place, so
// the queue grows only in unique-key count.
type ScoreCache struct {
	store   Substrate
	syncer  Syncer
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu      sync.Mutex
	pending map[queueKey]*pendingItem
	order   []queueKey

	running      bool
	lastSyncAt   time.Time
	totalSynced  int64
	totalDropped int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewScoreCache creates the cache; the replication loop starts with Start
func NewScoreCache(store Substrate, syncer Syncer, config Config, logger observability.Logger, metrics observability.MetricsClient) *ScoreCache {
	if config.SyncInterval <= 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewLogger("writebehind")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &ScoreCache{
		store:   store,
		syncer:  syncer,
		config:  config,
		logger:  logger,
		metrics: metrics,
		pending: make(map[queueKey]*pendingItem),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func scoresKey(tenantID string) string { return "scores:" + tenantID }

// UpdateScore writes the snapshot to the authoritative hash and, only on
// success, enqueues it for replication. The caller gets the authoritative
// result; replication failures never surface here.
func (c *ScoreCache) UpdateScore(ctx context.Context, update Score) (Score, error) {
	update.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(update)
	if err != nil {
		return Score{}, fmt.Errorf("failed to encode score: %w", err)
	}
	if err := c.store.HSet(ctx, scoresKey(update.TenantID), update.ProfileID, string(payload)); err != nil {
		return Score{}, fmt.Errorf("authoritative score write failed: %w", err)
	}

	// Backpressure: drain a batch inline before growing the queue further.
	if c.pendingCount() >= c.config.MaxPendingItems {
		c.logger.Warn("score queue full, draining inline", map[string]interface{}{
			"pending": c.pendingCount(),
		})
		c.ProcessSyncQueue(ctx)
	}

	c.enqueue(update, 0)
	return update, nil
}

// BatchUpdateScores applies many updates, counting per-item outcomes
func (c *ScoreCache) BatchUpdateScores(ctx context.Context, updates []Score) BatchResult {
	var result BatchResult
	for _, update := range updates {
		if _, err := c.UpdateScore(ctx, update); err != nil {
			result.Failed++
			continue
		}
		result.Success++
	}
	return result
}

// GetScore reads the authoritative snapshot
func (c *ScoreCache) GetScore(ctx context.Context, tenantID, profileID string) (Score, error) {
	raw, err := c.store.HGet(ctx, scoresKey(tenantID), profileID)
	if err != nil {
		return Score{}, err
	}
	var score Score
	if err := json.Unmarshal([]byte(raw), &score); err != nil {
		return Score{}, fmt.Errorf("failed to decode score: %w", err)
	}
	return score, nil
}

func (c *ScoreCache) enqueue(score Score, retryCount int) {
	key := queueKey{tenantID: score.TenantID, profileID: score.ProfileID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.pending[key]; ok {
		// Coalesce: the latest snapshot supersedes, queue position stays.
		// A failed batch requeues the snapshot it dequeued, which must not
		// clobber a fresher update that arrived while the batch was in
		// flight, so older stamps lose.
		if !score.UpdatedAt.Before(item.score.UpdatedAt) {
			item.score = score
		}
		if retryCount > item.retryCount {
			item.retryCount = retryCount
		}
		return
	}
	c.pending[key] = &pendingItem{score: score, retryCount: retryCount}
	c.order = append(c.order, key)
}

// dequeueBatch removes up to n items in FIFO order
func (c *ScoreCache) dequeueBatch(n int) []pendingItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.order) {
		n = len(c.order)
	}
	if n == 0 {
		return nil
	}
	batch := make([]pendingItem, 0, n)
	for _, key := range c.order[:n] {
		batch = append(batch, *c.pending[key])
		delete(c.pending, key)
	}
	c.order = c.order[n:]
	return batch
}

// ProcessSyncQueue drains one batch to the store of record. Batch-level
// failures re-enqueue the items with a bumped retry count; items past
// MaxRetries are dropped with a metric.
func (c *ScoreCache) ProcessSyncQueue(ctx context.Context) BatchResult {
	batch := c.dequeueBatch(c.config.BatchSize)
	if len(batch) == 0 {
		return BatchResult{}
	}

	items := make([]repository.ProfileScore, len(batch))
	for i, item := range batch {
		items[i] = repository.ProfileScore{
			TenantID:   item.score.TenantID,
			ProfileID:  item.score.ProfileID,
			Conviction: item.score.Conviction,
			Activity:   item.score.Activity,
			Rank:       item.score.Rank,
			UpdatedAt:  item.score.UpdatedAt,
		}
	}

	var syncResult repository.SyncResult
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err := backoff.Retry(func() error {
		var serr error
		syncResult, serr = c.syncer.SyncProfileScores(ctx, items)
		return serr
	}, policy)

	c.mu.Lock()
	c.lastSyncAt = time.Now()
	c.mu.Unlock()

	if err != nil {
		return c.requeueBatch(batch, err)
	}

	c.mu.Lock()
	c.totalSynced += int64(syncResult.Success)
	c.mu.Unlock()
	c.metrics.IncrementCounter("writebehind_synced_total", float64(syncResult.Success))
	return BatchResult{Success: syncResult.Success, Failed: syncResult.Failed}
}

func (c *ScoreCache) requeueBatch(batch []pendingItem, err error) BatchResult {
	var result BatchResult
	for _, item := range batch {
		if item.retryCount+1 > c.config.MaxRetries {
			result.Failed++
			c.mu.Lock()
			c.totalDropped++
			c.mu.Unlock()
			c.metrics.IncrementCounterWithLabels("writebehind_dropped_total", 1.0, map[string]string{
				"reason": "max_retries",
			})
			c.logger.Error("score snapshot dropped after retries", map[string]interface{}{
				"tenant_id":  item.score.TenantID,
				"profile_id": item.score.ProfileID,
				"error":      err.Error(),
			})
			continue
		}
		c.enqueue(item.score, item.retryCount+1)
		result.Retried++
	}
	c.logger.Warn("score sync batch failed", map[string]interface{}{
		"retried": result.Retried,
		"dropped": result.Failed,
		"error":   err.Error(),
	})
	return result
}

// FlushSync drains the whole queue with repeated batches
func (c *ScoreCache) FlushSync(ctx context.Context) BatchResult {
	var total BatchResult
	for c.pendingCount() > 0 {
		if ctx.Err() != nil {
			break
		}
		res := c.ProcessSyncQueue(ctx)
		total.Success += res.Success
		total.Failed += res.Failed
		total.Retried += res.Retried
		// Nothing made progress this pass; stop instead of spinning.
		if res.Success == 0 && res.Failed == 0 {
			break
		}
	}
	return total
}

// PendingForTenant returns the queued snapshots for one tenant, in order
func (c *ScoreCache) PendingForTenant(tenantID string) []Score {
	c.mu.Lock()
	defer c.mu.Unlock()
	var scores []Score
	for _, key := range c.order {
		if key.tenantID != tenantID {
			continue
		}
		scores = append(scores, c.pending[key].score)
	}
	return scores
}

func (c *ScoreCache) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Status reports queue state for operators
func (c *ScoreCache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Pending:      len(c.order),
		Running:      c.running,
		LastSyncAt:   c.lastSyncAt,
		TotalSynced:  c.totalSynced,
		TotalDropped: c.totalDropped,
	}
}

// Start launches the periodic replication loop
func (c *ScoreCache) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.config.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.SyncInterval)
				c.ProcessSyncQueue(ctx)
				cancel()
			}
		}
	}()
}

// Stop halts the loop and drains the queue under a hard deadline
func (c *ScoreCache) Stop() {
	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	if wasRunning {
		<-c.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DrainTimeout)
	defer cancel()
	result := c.FlushSync(ctx)
	if left := c.pendingCount(); left > 0 {
		c.logger.Error("shutdown drain incomplete", map[string]interface{}{
			"remaining": left,
			"synced":    result.Success,
		})
	}
}
