// Package store implements the job store client (C3): a small strongly
// typed façade over Redis for job records and their per-job event log,
// with the same reconnect-and-log discipline internal/broker uses for the
// message broker, plus a TTL policy keyed off job status.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/subtitlework/pipeline-core/internal/connlog"
	"github.com/subtitlework/pipeline-core/internal/domain"
	"github.com/subtitlework/pipeline-core/internal/metrics"
	"github.com/subtitlework/pipeline-core/internal/retry"
)

const (
	jobKeyPrefix    = "job:"
	eventsKeyPrefix = "job:events:"

	pingTimeout = 5 * time.Second
)

// TTLPolicy assigns a retention horizon per terminal status, per spec.md
// §3's TTL policy. A zero duration means "no expiry".
type TTLPolicy struct {
	Completed time.Duration
	Failed    time.Duration
}

// DefaultTTLPolicy matches spec.md §6's defaults: completed 7d, failed 3d,
// non-terminal jobs never expire.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{Completed: 7 * 24 * time.Hour, Failed: 3 * 24 * time.Hour}
}

func (p TTLPolicy) forStatus(s domain.Status) time.Duration {
	switch s {
	case domain.StatusCompleted:
		return p.Completed
	case domain.StatusFailed:
		return p.Failed
	default:
		return 0
	}
}

// Client is the job store client described in spec.md §4.3. It owns one
// *redis.Client, a background health-ping task, and the reconnect
// single-flight guard shared in shape with internal/broker.Client.
type Client struct {
	logger         *zap.Logger
	retryCfg       retry.Config
	ttl            TTLPolicy
	healthInterval time.Duration
	validate       *validator.Validate
	singleFlight   retry.SingleFlight

	mu       sync.Mutex
	opts     *redis.Options
	rdb      *redis.Client
	tracker  *connlog.Tracker
	lastPing time.Time

	stopHealth context.CancelFunc
	healthDone chan struct{}
}

// Option configures optional Client behavior beyond the required
// connection parameters.
type Option func(*Client)

// WithTTLPolicy overrides DefaultTTLPolicy.
func WithTTLPolicy(p TTLPolicy) Option {
	return func(c *Client) { c.ttl = p }
}

// WithHealthCheckInterval overrides the default 30s background ping
// interval from spec.md §4.3.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(c *Client) { c.healthInterval = d }
}

// NewClient constructs a job store client. It does not connect; call
// Connect.
func NewClient(opts *redis.Options, cfg retry.Config, logger *zap.Logger, options ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		logger:         logger,
		retryCfg:       cfg,
		opts:           opts,
		ttl:            DefaultTTLPolicy(),
		healthInterval: 30 * time.Second,
		validate:       validator.New(),
		tracker:        connlog.New("store", logger),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connect dials Redis, retrying transient failures under the configured
// backoff, then starts the background health-ping task.
func (c *Client) Connect(ctx context.Context) error {
	c.transitionTo(connlog.Connecting)

	err := retry.Retry(ctx, c.retryCfg, retry.DefaultTransient, func() error {
		return c.dial(ctx)
	})
	if err != nil {
		c.transitionTo(connlog.ConnectionLost)
		metrics.ReconnectsTotal.WithLabelValues("store", "failure").Inc()
		return fmt.Errorf("store: connect: %w", err)
	}

	c.transitionTo(connlog.Connected)
	metrics.ReconnectsTotal.WithLabelValues("store", "success").Inc()
	c.startHealthTask()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	rdb := redis.NewClient(c.opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("store: ping: %w", err)
	}

	c.mu.Lock()
	c.rdb = rdb
	c.lastPing = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) transitionTo(newState connlog.State) connlog.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.Transition(newState)
}

// startHealthTask launches the background ping loop described in spec.md
// §4.3: ping every healthInterval, mark unhealthy and reconnect on failure.
// It is idempotent; a second call leaves the running task in place.
func (c *Client) startHealthTask() {
	c.mu.Lock()
	if c.stopHealth != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopHealth = cancel
	c.healthDone = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.healthDone)
		ticker := time.NewTicker(c.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.healthPing(ctx)
			}
		}
	}()
}

func (c *Client) healthPing(ctx context.Context) {
	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()
	if rdb == nil {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		c.logger.Warn("store health ping failed", zap.Error(err))
		metrics.HealthProbeTotal.WithLabelValues("store", "error").Inc()
		c.transitionTo(connlog.ConnectionLost)
		c.EnsureConnected(ctx)
		return
	}

	metrics.HealthProbeTotal.WithLabelValues("store", "ok").Inc()
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// IsHealthy reports whether the last successful ping happened within
// healthInterval and a connection handle exists, per spec.md §4.3.
func (c *Client) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb == nil {
		return false
	}
	return time.Since(c.lastPing) <= c.healthInterval
}

// EnsureConnected returns true if the client is already healthy. Otherwise
// it takes the reconnect single-flight guard, re-checks health, and runs
// Connect bounded by pingTimeout; it returns whether the client is healthy
// afterward. It samples no state itself: the "reconnected" log line comes
// from the connlog.Tracker, which remembers a prior connection_lost across
// the connecting step Connect passes through.
func (c *Client) EnsureConnected(ctx context.Context) bool {
	if c.IsHealthy() {
		return true
	}
	_ = c.singleFlight.Do(func() error {
		if c.IsHealthy() {
			return nil
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return c.Connect(pingCtx)
	})
	return c.IsHealthy()
}

// Close cancels the health task, awaits it, and closes the Redis handle.
// Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	stop := c.stopHealth
	done := c.healthDone
	rdb := c.rdb
	c.stopHealth = nil
	c.healthDone = nil
	c.rdb = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if rdb != nil {
		return rdb.Close()
	}
	return nil
}

func jobKey(id string) string    { return jobKeyPrefix + id }
func eventsKey(id string) string { return eventsKeyPrefix + id }

// SaveJob validates job.Metadata and upserts the record, refreshing its TTL
// per TTLPolicy. It returns false if the connection is unavailable or
// validation fails.
func (c *Client) SaveJob(ctx context.Context, job *domain.Job) bool {
	if err := c.validate.Struct(job.Metadata); err != nil {
		c.logger.Warn("store save_job: invalid metadata", zap.Error(err))
		return false
	}
	if !c.EnsureConnected(ctx) {
		return false
	}

	body, err := json.Marshal(job)
	if err != nil {
		c.logger.Error("store save_job: marshal", zap.Error(err))
		return false
	}

	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()

	ttl := c.ttl.forStatus(job.Status)
	if err := rdb.Set(ctx, jobKey(job.ID), body, ttl).Err(); err != nil {
		c.logger.Warn("store save_job failed", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}
	if ttl == 0 {
		rdb.Persist(ctx, jobKey(job.ID))
	}
	return true
}

// GetJob reads a job by id. The bool return is false both when the job is
// absent and when the store is unavailable, matching spec.md §4.3's "none"
// sentinel for both cases.
func (c *Client) GetJob(ctx context.Context, id string) (*domain.Job, bool) {
	if !c.EnsureConnected(ctx) {
		return nil, false
	}
	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()

	body, err := rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("store get_job failed", zap.String("job_id", id), zap.Error(err))
		}
		return nil, false
	}

	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		c.logger.Error("store get_job: unmarshal", zap.String("job_id", id), zap.Error(err))
		return nil, false
	}
	return &job, true
}

// UpdatePhase loads the job, validates the status transition, applies
// mutate under the caller's view, bumps updated_at, saves, and appends a
// phase-change event record to the job's event log — the atomic-from-the-
// caller's-view merge described in spec.md §4.3.
func (c *Client) UpdatePhase(ctx context.Context, id string, newStatus domain.Status, source string, mutate func(*domain.Job)) bool {
	job, ok := c.GetJob(ctx, id)
	if !ok {
		return false
	}
	if !domain.CanTransition(job.Status, newStatus) {
		c.logger.Warn("store update_phase: invalid transition",
			zap.String("job_id", id), zap.String("from", string(job.Status)), zap.String("to", string(newStatus)))
		return false
	}

	job.Status = newStatus
	job.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(job)
	}

	if !c.SaveJob(ctx, job) {
		return false
	}

	c.RecordEvent(ctx, id, domain.EventRecord{
		EventType: "phase-change:" + string(newStatus),
		Timestamp: job.UpdatedAt,
		Source:    source,
	})
	return true
}

// ListJobs enumerates all jobs, applying filter if non-nil. It returns an
// empty (not nil) slice if the store is unavailable, per spec.md §4.3.
func (c *Client) ListJobs(ctx context.Context, filter func(*domain.Job) bool) []*domain.Job {
	jobs := make([]*domain.Job, 0)
	if !c.EnsureConnected(ctx) {
		return jobs
	}
	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()

	iter := rdb.Scan(ctx, 0, jobKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		body, err := rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var job domain.Job
		if err := json.Unmarshal(body, &job); err != nil {
			continue
		}
		if filter == nil || filter(&job) {
			jobs = append(jobs, &job)
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("store list_jobs: scan failed", zap.Error(err))
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

// RecordEvent left-pushes ev onto the job's event list and refreshes the
// list's TTL to match the job's own TTL, per spec.md §4.3.
func (c *Client) RecordEvent(ctx context.Context, id string, ev domain.EventRecord) bool {
	if !c.EnsureConnected(ctx) {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("store record_event: marshal", zap.Error(err))
		return false
	}

	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()

	if err := rdb.LPush(ctx, eventsKey(id), body).Err(); err != nil {
		c.logger.Warn("store record_event failed", zap.String("job_id", id), zap.Error(err))
		return false
	}

	if job, ok := c.GetJob(ctx, id); ok {
		if ttl := c.ttl.forStatus(job.Status); ttl > 0 {
			rdb.Expire(ctx, eventsKey(id), ttl)
		}
	}
	return true
}

// GetJobEvents reads up to limit events, newest-first. limit<=0 means no
// limit. It returns an empty slice if the store is unavailable.
func (c *Client) GetJobEvents(ctx context.Context, id string, limit int64) []domain.EventRecord {
	events := make([]domain.EventRecord, 0)
	if !c.EnsureConnected(ctx) {
		return events
	}
	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()

	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	raw, err := rdb.LRange(ctx, eventsKey(id), 0, stop).Result()
	if err != nil {
		c.logger.Warn("store get_job_events failed", zap.String("job_id", id), zap.Error(err))
		return events
	}

	for _, item := range raw {
		var ev domain.EventRecord
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}
