package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"videochat/internal/util"
)

const (
	fieldJobID   = "job_id"
	fieldVideoID = "video_id"
)

type RedisQueueConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	// JobTTL is how long a status hash outlives its last update.
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	// ClaimIdle is the idle time after which a pending entry of a dead
	// consumer is taken over.
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func (c RedisQueueConfig) withDefaults() (RedisQueueConfig, error) {
	c.Addr = strings.TrimSpace(c.Addr)
	c.Stream = strings.TrimSpace(c.Stream)
	if c.Addr == "" {
		return c, errors.New("redis addr required")
	}
	if c.Stream == "" {
		return c, errors.New("queue stream required")
	}
	c.Group = cmp.Or(strings.TrimSpace(c.Group), "default")
	c.Consumer = cmp.Or(strings.TrimSpace(c.Consumer), util.NewID())
	c.JobTTL = positive(c.JobTTL, 24*time.Hour)
	c.MaxRetries = positive(c.MaxRetries, 3)
	c.Block = positive(c.Block, 5*time.Second)
	c.ClaimIdle = positive(c.ClaimIdle, 30*time.Second)
	c.RetryDelay = positive(c.RetryDelay, 2*time.Second)
	c.MaxLen = positive(c.MaxLen, 10000)
	c.ReadCount = positive(c.ReadCount, 10)
	c.ClaimCount = positive(c.ClaimCount, 10)
	return c, nil
}

func positive[T int | int64 | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

// RedisJobQueue delivers ingest jobs over a Redis stream consumer group and
// keeps a status hash per job for polling.
type RedisJobQueue struct {
	client    *redis.Client
	cfg       RedisQueueConfig
	groupOnce sync.Once
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &RedisJobQueue{
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password}),
		cfg:    cfg,
	}, nil
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

func (q *RedisJobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue writes a queued status hash, then appends the job to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, videoID string) (JobStatus, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return JobStatus{}, errors.New("videoId required")
	}
	now := time.Now().UTC()
	jobID := util.NewID()
	key := q.jobKey(jobID)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key,
		"videoId", videoID,
		"status", StatusQueued,
		"error", "",
		"attempts", 0,
		"createdAtMs", now.UnixMilli(),
		"updatedAtMs", now.UnixMilli(),
	)
	pipe.Expire(ctx, key, q.cfg.JobTTL)
	pipe.XAdd(ctx, q.addArgs(jobID, videoID))
	if _, err := pipe.Exec(ctx); err != nil {
		return JobStatus{}, fmt.Errorf("enqueue: %w", err)
	}
	return JobStatus{
		ID:        jobID,
		VideoID:   videoID,
		Status:    StatusQueued,
		CreatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
		UpdatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

// GetJob reads a job's status hash.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	cmd := q.client.HGetAll(ctx, q.jobKey(jobID))
	fields, err := cmd.Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(fields) == 0 {
		return JobStatus{}, false, nil
	}
	var rec jobRecord
	if err := cmd.Scan(&rec); err != nil {
		return JobStatus{}, false, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return rec.status(jobID), true, nil
}

// Start runs concurrency consumers until ctx is canceled.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	q.ensureGroup(ctx)
	for i := range max(concurrency, 1) {
		go q.consume(ctx, fmt.Sprintf("%s-%d", q.cfg.Consumer, i), handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			util.LoggerFromContext(ctx).Warn("queue_group_create_failed", "stream", q.cfg.Stream, "group", q.cfg.Group, "err", err)
		}
	})
}

// consume first takes over stale pending entries, then blocks for new ones.
func (q *RedisJobQueue) consume(ctx context.Context, consumer string, handler Handler) {
	logger := util.LoggerFromContext(ctx)
	for ctx.Err() == nil {
		claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: consumer,
			MinIdle:  q.cfg.ClaimIdle,
			Start:    "0-0",
			Count:    q.cfg.ClaimCount,
		}).Result()
		if err == nil {
			for _, msg := range claimed {
				q.handleMessage(ctx, consumer, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    q.cfg.ReadCount,
			Block:    q.cfg.Block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() == nil {
				logger.Warn("queue_read_failed", "stream", q.cfg.Stream, "err", err)
				pause(ctx, q.cfg.RetryDelay)
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.handleMessage(ctx, consumer, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, consumer string, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values[fieldJobID].(string)
	videoID, _ := msg.Values[fieldVideoID].(string)
	if jobID == "" || videoID == "" {
		q.drop(ctx, msg.ID)
		return
	}
	logger := util.LoggerFromContext(ctx).With("job_id", jobID, "video_id", videoID, "consumer", consumer)

	job, err := q.begin(ctx, jobID, videoID)
	if err != nil {
		logger.Error("queue_mark_processing_failed", "err", err)
		q.drop(ctx, msg.ID)
		return
	}

	herr := handler(ctx, job)
	switch {
	case herr == nil:
		_ = q.setStatus(ctx, jobID, StatusDone, "")
		q.drop(ctx, msg.ID)
		logger.Info("queue_job_done", "attempts", job.Attempts)
	case IsPermanent(herr) || job.Attempts >= q.cfg.MaxRetries:
		_ = q.setStatus(ctx, jobID, StatusFailed, herr.Error())
		q.drop(ctx, msg.ID)
		logger.Error("queue_job_failed", "attempts", job.Attempts, "permanent", IsPermanent(herr), "err", herr)
	default:
		logger.Warn("queue_job_retry", "attempts", job.Attempts, "err", herr)
		_ = q.setStatus(ctx, jobID, StatusQueued, herr.Error())
		if !pause(ctx, q.cfg.RetryDelay) {
			return
		}
		if err := q.requeueAndAck(ctx, msg.ID, jobID, videoID); err != nil {
			logger.Error("queue_requeue_failed", "err", err)
		}
	}
}

// begin bumps the attempt counter and marks the job processing.
func (q *RedisJobQueue) begin(ctx context.Context, jobID, videoID string) (JobStatus, error) {
	key := q.jobKey(jobID)
	now := time.Now().UTC().UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "attempts", 1)
	pipe.HSetNX(ctx, key, "createdAtMs", now)
	pipe.HSet(ctx, key, "videoId", videoID, "status", StatusProcessing, "updatedAtMs", now)
	pipe.Expire(ctx, key, q.cfg.JobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return JobStatus{}, err
	}
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if !ok {
		return JobStatus{}, fmt.Errorf("job %s vanished", jobID)
	}
	return job, nil
}

func (q *RedisJobQueue) setStatus(ctx context.Context, jobID, status, errMsg string) error {
	key := q.jobKey(jobID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, "status", status, "error", errMsg, "updatedAtMs", time.Now().UTC().UnixMilli())
	pipe.Expire(ctx, key, q.cfg.JobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// drop acknowledges and deletes a stream entry.
func (q *RedisJobQueue) drop(ctx context.Context, msgID string) {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, msgID)
	pipe.XDel(ctx, q.cfg.Stream, msgID)
	_, _ = pipe.Exec(ctx)
}

// requeueAndAck re-adds the job at the tail and retires the old entry in one
// transaction; on failure the old entry stays pending for XAUTOCLAIM.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, videoID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(jobID, videoID))
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, msgID)
	pipe.XDel(ctx, q.cfg.Stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) addArgs(jobID, videoID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{fieldJobID: jobID, fieldVideoID: videoID},
	}
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return "job:" + q.cfg.Stream + ":" + jobID
}

// pause waits d or until ctx ends, reporting whether the wait completed.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
