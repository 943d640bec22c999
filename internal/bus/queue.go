package bus

import (
	"container/heap"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/model"
)

// TaskQueue holds pending tasks per target agent. Claim returns the most
// urgent task (highest Priority, then oldest) and discards expired ones.
type TaskQueue interface {
	Enqueue(ctx context.Context, task model.TaskAssignment) error
	Claim(ctx context.Context, agent string) (model.TaskAssignment, bool, error)
	Len(ctx context.Context, agent string) (int, error)
}

// idSource produces lexically sortable, strictly increasing ULIDs.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) next(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}

// --- memory ---

type queuedTask struct {
	task model.TaskAssignment
	seq  uint64
}

type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(queuedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MemoryTaskQueue is a process-local TaskQueue backed by one heap per agent.
type MemoryTaskQueue struct {
	mu     sync.Mutex
	queues map[string]*taskHeap
	seq    uint64
	now    func() time.Time
}

// NewMemoryTaskQueue creates an empty in-memory queue.
func NewMemoryTaskQueue() *MemoryTaskQueue {
	return &MemoryTaskQueue{
		queues: make(map[string]*taskHeap),
		now:    time.Now,
	}
}

// Enqueue adds task to its target agent's queue.
func (q *MemoryTaskQueue) Enqueue(_ context.Context, task model.TaskAssignment) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.queues[task.TargetAgent]
	if !ok {
		h = &taskHeap{}
		q.queues[task.TargetAgent] = h
	}
	q.seq++
	heap.Push(h, queuedTask{task: task, seq: q.seq})
	return nil
}

// Claim pops the next unexpired task for agent.
func (q *MemoryTaskQueue) Claim(_ context.Context, agent string) (model.TaskAssignment, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.queues[agent]
	if !ok {
		return model.TaskAssignment{}, false, nil
	}
	now := q.now()
	for h.Len() > 0 {
		item := heap.Pop(h).(queuedTask)
		if item.task.Expired(now) {
			continue
		}
		return item.task, true, nil
	}
	return model.TaskAssignment{}, false, nil
}

// Len returns the number of queued tasks for agent, expired ones included.
func (q *MemoryTaskQueue) Len(_ context.Context, agent string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h, ok := q.queues[agent]; ok {
		return h.Len(), nil
	}
	return 0, nil
}

// --- redis ---

// RedisTaskQueue stores each agent's queue as a sorted set scored by
// negated priority. Members are the task JSON, which starts with the ULID
// id, so equal scores pop in creation order. Members that fail to decode
// are moved to a per-agent dead-letter list.
type RedisTaskQueue struct {
	client    redis.Cmdable
	keyPrefix string
	logger    *zap.Logger
	now       func() time.Time
}

// NewRedisTaskQueue creates a queue over client. keyPrefix defaults to
// "dealjourney:tasks:".
func NewRedisTaskQueue(client redis.Cmdable, keyPrefix string, logger *zap.Logger) *RedisTaskQueue {
	if keyPrefix == "" {
		keyPrefix = "dealjourney:tasks:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTaskQueue{client: client, keyPrefix: keyPrefix, logger: logger, now: time.Now}
}

func (q *RedisTaskQueue) key(agent string) string {
	return q.keyPrefix + agent
}

// DeadLetterKey is the list holding agent's undecodable members.
func (q *RedisTaskQueue) DeadLetterKey(agent string) string {
	return q.keyPrefix + "dead:" + agent
}

// Enqueue adds task to its target agent's sorted set.
func (q *RedisTaskQueue) Enqueue(ctx context.Context, task model.TaskAssignment) error {
	member, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	err = q.client.ZAdd(ctx, q.key(task.TargetAgent), redis.Z{
		Score:  float64(-task.Priority),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Claim atomically pops the lowest-scored member, skipping expired tasks.
// A member that does not decode is pushed to DeadLetterKey and skipped.
func (q *RedisTaskQueue) Claim(ctx context.Context, agent string) (model.TaskAssignment, bool, error) {
	for {
		popped, err := q.client.ZPopMin(ctx, q.key(agent), 1).Result()
		if err != nil {
			return model.TaskAssignment{}, false, fmt.Errorf("claim task: %w", err)
		}
		if len(popped) == 0 {
			return model.TaskAssignment{}, false, nil
		}

		member, _ := popped[0].Member.(string)
		var task model.TaskAssignment
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			q.deadLetter(ctx, agent, member, err)
			continue
		}
		if task.Expired(q.now()) {
			continue
		}
		return task, true, nil
	}
}

func (q *RedisTaskQueue) deadLetter(ctx context.Context, agent, member string, cause error) {
	key := q.DeadLetterKey(agent)
	logger := q.logger.With(zap.String("agent", agent), zap.String("dead_letter_key", key))
	if err := q.client.RPush(ctx, key, member).Err(); err != nil {
		logger.Error("undecodable task dropped", zap.NamedError("decode_error", cause), zap.Error(err))
		return
	}
	logger.Error("undecodable task moved to dead letter", zap.Error(cause))
}

// Len returns the cardinality of the agent's sorted set.
func (q *RedisTaskQueue) Len(ctx context.Context, agent string) (int, error) {
	n, err := q.client.ZCard(ctx, q.key(agent)).Result()
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return int(n), nil
}
