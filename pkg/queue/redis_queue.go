package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shahmir-m/liber/internal/backoff"
	"github.com/shahmir-m/liber/internal/util"
)

// Status is the lifecycle state of a scrape job.
type Status string

const (
	StatusEnqueued     Status = "enqueued"
	StatusInProgress   Status = "in_progress"
	StatusSucceeded    Status = "succeeded"
	StatusRetrying     Status = "retrying"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether no further attempt will be made.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusDeadLettered
}

type ScrapeJob struct {
	ID             string    `json:"id"`
	BookID         string    `json:"bookId"`
	Status         Status    `json:"status"`
	Attempts       int       `json:"attempts"`
	NextEligibleAt time.Time `json:"nextEligibleAt,omitzero"`
	LastErrorKind  string    `json:"lastErrorKind,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Handler processes one attempt of a job. Returning an error that reports
// Permanent() == true dead-letters the job without spending retries.
type Handler func(context.Context, ScrapeJob) error

// RedisJobQueue stores ready jobs in a Redis Stream consumed by a group,
// delayed retries in a sorted set, and job state in one hash per job.
type RedisJobQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	cooldown     time.Duration
	maxAttempts  int
	backoff      backoff.Policy
	block        time.Duration
	claimIdle    time.Duration
	pollInterval time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	onTransition func(ScrapeJob)
	now          func() time.Time
	once         sync.Once
}

type RedisQueueConfig struct {
	Client   redis.UniversalClient
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	JobTTL   time.Duration
	// DeadLetterCooldown is how long Enqueue keeps returning a dead-lettered
	// job before the book may be scraped again. Zero means 24h; negative
	// means only Requeue replaces it.
	DeadLetterCooldown time.Duration
	// MaxAttempts counts every attempt including the first.
	MaxAttempts int
	Backoff     backoff.Policy
	Block       time.Duration
	// ClaimIdle is the visibility timeout: pending messages idle this long
	// are reclaimed by another consumer.
	ClaimIdle    time.Duration
	PollInterval time.Duration
	MaxLen       int64
	ReadCount    int64
	ClaimCount   int64
	// OnTransition is called after every persisted state change.
	OnTransition func(ScrapeJob)
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	client := cfg.Client
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 7 * 24 * time.Hour
	}
	cooldown := cfg.DeadLetterCooldown
	if cooldown == 0 {
		cooldown = 24 * time.Hour
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	policy := cfg.Backoff
	if policy.Base <= 0 {
		policy.Base = 2 * time.Second
	}
	if policy.Cap <= 0 {
		policy.Cap = 5 * time.Minute
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 2 * time.Minute
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		cooldown:     cooldown,
		maxAttempts:  maxAttempts,
		backoff:      policy,
		block:        block,
		claimIdle:    claimIdle,
		pollInterval: pollInterval,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		onTransition: cfg.OnTransition,
		now:          time.Now,
	}, nil
}

// enqueueScript claims the per-book index and writes the job hash and the
// stream entry in one step, so a failed call leaves nothing behind. The index
// is kept while its job is live; a dead-lettered job yields only once the
// cool-down has passed or the caller forces a requeue. An index pointing at an
// expired hash is reclaimed.
var enqueueScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
  local st = redis.call("HGET", ARGV[3] .. cur, "status")
  if st and st ~= "dead_lettered" then
    return cur
  end
  if st == "dead_lettered" and ARGV[7] ~= "1" then
    local at = tonumber(redis.call("HGET", ARGV[3] .. cur, "updatedMs") or "0") or 0
    local after = tonumber(ARGV[6])
    if after < 0 or tonumber(ARGV[5]) - at < after then
      return cur
    end
  end
end
redis.call("HSET", KEYS[2],
  "id", ARGV[1], "bookId", ARGV[4], "status", "enqueued", "attempts", "0",
  "nextEligibleAt", "", "lastErrorKind", "", "lastError", "",
  "createdAt", ARGV[9], "updatedAt", ARGV[9], "updatedMs", ARGV[5])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("XADD", KEYS[3], "MAXLEN", "~", ARGV[8], "*", "job_id", ARGV[1], "book_id", ARGV[4])
return ""
`)

// Enqueue schedules a scrape of bookID. It is idempotent per book: while a job
// for the book is enqueued, in progress, retrying or succeeded, that job is
// returned and created is false. A dead-lettered job is also returned until
// the dead-letter cool-down has passed; after that the book gets a fresh job.
func (q *RedisJobQueue) Enqueue(ctx context.Context, bookID string) (ScrapeJob, bool, error) {
	return q.enqueue(ctx, bookID, false)
}

// Requeue is Enqueue for operators: a dead-lettered book gets a fresh job
// immediately. Live jobs are still returned unchanged.
func (q *RedisJobQueue) Requeue(ctx context.Context, bookID string) (ScrapeJob, bool, error) {
	return q.enqueue(ctx, bookID, true)
}

func (q *RedisJobQueue) enqueue(ctx context.Context, bookID string, force bool) (job ScrapeJob, created bool, err error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return ScrapeJob{}, false, errors.New("bookId required")
	}
	now := q.now().UTC()
	job = ScrapeJob{
		ID:        util.NewID(),
		BookID:    bookID,
		Status:    StatusEnqueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	cooldown := int64(-1)
	if q.cooldown >= 0 {
		cooldown = q.cooldown.Milliseconds()
	}
	existing, err := enqueueScript.Run(ctx, q.client,
		[]string{q.bookKey(bookID), q.jobKey(job.ID), q.stream},
		job.ID, q.jobTTL.Milliseconds(), q.jobKeyPrefix(), bookID,
		now.UnixMilli(), cooldown, forceArg, q.maxLen, now.Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return ScrapeJob{}, false, fmt.Errorf("enqueue %s: %w", bookID, err)
	}
	if existing != "" {
		cur, ok, err := q.GetJob(ctx, existing)
		if err != nil {
			return ScrapeJob{}, false, err
		}
		if !ok {
			// Expired between the script and this read.
			cur = ScrapeJob{ID: existing, BookID: bookID, Status: StatusEnqueued}
		}
		return cur, false, nil
	}
	q.transition(job)
	return job, true, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (ScrapeJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return ScrapeJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return ScrapeJob{}, false, err
	}
	if len(data) == 0 {
		return ScrapeJob{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// JobForBook returns the job currently indexed for bookID.
func (q *RedisJobQueue) JobForBook(ctx context.Context, bookID string) (ScrapeJob, bool, error) {
	jobID, err := q.client.Get(ctx, q.bookKey(bookID)).Result()
	if errors.Is(err, redis.Nil) {
		return ScrapeJob{}, false, nil
	}
	if err != nil {
		return ScrapeJob{}, false, err
	}
	return q.GetJob(ctx, jobID)
}

// Start launches concurrency consumers and the delayed-retry scheduler.
// All goroutines exit when ctx is cancelled.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	go q.schedulerLoop(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("queue_group_create_failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := q.pollOnce(ctx, consumer, q.block, handler); err != nil && ctx.Err() == nil {
			slog.Warn("queue_poll_failed", "stream", q.stream, "consumer", consumer, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
		}
	}
}

// pollOnce reclaims stale pending messages, then reads new ones. A negative
// block makes the read non-blocking. It returns the number of messages handled.
func (q *RedisJobQueue) pollOnce(ctx context.Context, consumer string, block time.Duration, handler Handler) (int, error) {
	q.ensureGroup(ctx)
	handled := 0
	if msgs, err := q.claimPending(ctx, consumer); err == nil {
		for _, msg := range msgs {
			q.handleMessage(ctx, msg, handler)
			handled++
		}
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    q.readCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return handled, nil
	}
	if err != nil {
		return handled, err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			q.handleMessage(ctx, msg, handler)
			handled++
		}
	}
	return handled, nil
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		// Leave pending; the message is reclaimed after the visibility timeout.
		return
	}
	if !ok || job.Status.Terminal() {
		q.ackAndDel(ctx, msg.ID)
		return
	}

	job.Attempts++
	job.Status = StatusInProgress
	job.NextEligibleAt = time.Time{}
	job.UpdatedAt = q.now().UTC()
	if err := q.writeStatus(ctx, job); err != nil {
		return
	}
	q.transition(job)

	herr := handler(ctx, job)
	if herr != nil && ctx.Err() != nil {
		// Shutdown mid-attempt: leave the message pending for redelivery.
		return
	}
	job.UpdatedAt = q.now().UTC()
	switch {
	case herr == nil:
		job.Status = StatusSucceeded
		job.LastError, job.LastErrorKind = "", ""
		q.finish(ctx, msg.ID, job)
	case IsPermanent(herr) || job.Attempts >= q.maxAttempts:
		job.Status = StatusDeadLettered
		job.LastError, job.LastErrorKind = herr.Error(), ErrorKind(herr)
		q.finish(ctx, msg.ID, job)
		slog.Warn("scrape_job_dead_lettered", "job_id", job.ID, "book_id", job.BookID,
			"attempts", job.Attempts, "error_kind", job.LastErrorKind, "err", herr)
	default:
		delay := q.backoff.Delay(job.Attempts)
		job.Status = StatusRetrying
		job.NextEligibleAt = job.UpdatedAt.Add(delay)
		job.LastError, job.LastErrorKind = herr.Error(), ErrorKind(herr)
		if err := q.deferAndAck(ctx, msg.ID, job); err != nil {
			slog.Warn("scrape_job_defer_failed", "job_id", job.ID, "err", err)
			return
		}
		q.transition(job)
		slog.Info("scrape_job_retrying", "job_id", job.ID, "book_id", job.BookID,
			"attempts", job.Attempts, "delay_ms", delay.Milliseconds(), "error_kind", job.LastErrorKind)
	}
}

func (q *RedisJobQueue) finish(ctx context.Context, msgID string, job ScrapeJob) {
	pipe := q.client.TxPipeline()
	q.writeStatusPipe(ctx, pipe, job)
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("scrape_job_finish_failed", "job_id", job.ID, "status", job.Status, "err", err)
		return
	}
	q.transition(job)
}

// deferAndAck parks the job in the delayed set and acks the stream message
// atomically, so the job is never both ready and delayed.
func (q *RedisJobQueue) deferAndAck(ctx context.Context, msgID string, job ScrapeJob) error {
	pipe := q.client.TxPipeline()
	q.writeStatusPipe(ctx, pipe, job)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.NextEligibleAt.UnixMilli()), Member: job.ID})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("queue_promote_failed", "stream", q.stream, "err", err)
			}
		}
	}
}

// promoteScript moves one due job from the delayed set onto the stream. The
// ZREM and the XADD commit together, so a failed call leaves the job parked.
// It returns 1 when promoted, 0 when another scheduler got there first and -1
// when the job hash has expired.
var promoteScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
  return 0
end
local book = redis.call("HGET", ARGV[2] .. ARGV[1], "bookId")
if not book then
  return -1
end
redis.call("XADD", KEYS[2], "MAXLEN", "~", ARGV[3], "*", "job_id", ARGV[1], "book_id", book)
return 1
`)

// promoteDue moves delayed jobs whose time has come back onto the stream.
func (q *RedisJobQueue) promoteDue(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		res, err := promoteScript.Run(ctx, q.client,
			[]string{q.delayedKey(), q.stream},
			id, q.jobKeyPrefix(), q.maxLen,
		).Int()
		if err != nil {
			return promoted, fmt.Errorf("promote %s: %w", id, err)
		}
		switch res {
		case 1:
			promoted++
		case -1:
			slog.Warn("scrape_job_expired_while_delayed", "job_id", id)
		}
	}
	return promoted, nil
}

func (q *RedisJobQueue) transition(job ScrapeJob) {
	if q.onTransition != nil {
		q.onTransition(job)
	}
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job ScrapeJob) error {
	pipe := q.client.TxPipeline()
	q.writeStatusPipe(ctx, pipe, job)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) writeStatusPipe(ctx context.Context, pipe redis.Pipeliner, job ScrapeJob) {
	key := q.jobKey(job.ID)
	next := ""
	if !job.NextEligibleAt.IsZero() {
		next = job.NextEligibleAt.UTC().Format(time.RFC3339Nano)
	}
	pipe.HSet(ctx, key, map[string]any{
		"id":             job.ID,
		"bookId":         job.BookID,
		"status":         string(job.Status),
		"attempts":       strconv.Itoa(job.Attempts),
		"nextEligibleAt": next,
		"lastErrorKind":  job.LastErrorKind,
		"lastError":      job.LastError,
		"createdAt":      job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":      job.UpdatedAt.Format(time.RFC3339Nano),
		"updatedMs":      strconv.FormatInt(job.UpdatedAt.UnixMilli(), 10),
	})
	pipe.Expire(ctx, key, q.jobTTL)
	pipe.Expire(ctx, q.bookKey(job.BookID), q.jobTTL)
}

func (q *RedisJobQueue) jobKeyPrefix() string {
	return fmt.Sprintf("job:%s:", q.stream)
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return q.jobKeyPrefix() + jobID
}

func (q *RedisJobQueue) bookKey(bookID string) string {
	return fmt.Sprintf("book:%s:%s", q.stream, bookID)
}

func (q *RedisJobQueue) delayedKey() string {
	return q.stream + ":delayed"
}

func decodeJob(jobID string, data map[string]string) ScrapeJob {
	job := ScrapeJob{
		ID:            jobID,
		BookID:        data["bookId"],
		Status:        Status(data["status"]),
		LastErrorKind: data["lastErrorKind"],
		LastError:     data["lastError"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["nextEligibleAt"]); err == nil {
		job.NextEligibleAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
