package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/vulnsync/internal/config"
	"github.com/huangang/vulnsync/pkg/logger"
)

const TaskTypeSync = "jira:sync"

// Sync task kinds. A task carries stable record ids only; the worker
// reloads the records, so a retried task always sees current state.
const (
	SyncKindPushFinding = "push_finding"
	SyncKindPushGroup   = "push_group"
	SyncKindPushEpic    = "push_epic"
	SyncKindCloseEpic   = "close_epic"
	SyncKindComment     = "comment"
)

// SyncTask is one queued JIRA sync job.
type SyncTask struct {
	Kind         string `json:"kind"`
	RunID        string `json:"run_id"`
	FindingID    uint   `json:"finding_id,omitempty"`
	GroupID      uint   `json:"group_id,omitempty"`
	EngagementID uint   `json:"engagement_id,omitempty"`
	NoteID       uint   `json:"note_id,omitempty"`
	EpicName     string `json:"epic_name,omitempty"`
	EpicPriority string `json:"epic_priority,omitempty"`
	ForcePush    bool   `json:"force_push,omitempty"`
}

// TaskQueue dispatches sync jobs. The Redis-backed queue hands them to the
// asynq worker; without Redis the fallback runs them in-process.
type TaskQueue interface {
	Enqueue(task *SyncTask) error
	IsAsync() bool
	Close() error
}

var (
	globalTaskQueue TaskQueue
	taskQueueOnce   sync.Once
)

// InitTaskQueue picks the queue implementation once per process. A Redis
// that is configured but unreachable degrades to the in-process queue
// instead of failing startup.
func InitTaskQueue(cfg *config.Config) TaskQueue {
	taskQueueOnce.Do(func() {
		if !cfg.Redis.Enabled {
			logger.Infof("[TaskQueue] redis disabled, running sync jobs in-process")
			globalTaskQueue = NewSyncQueue()
			return
		}
		queue, err := NewAsyncQueue(&cfg.Redis)
		if err != nil {
			logger.Warnf("[TaskQueue] redis at %s unreachable, falling back to in-process: %v", cfg.Redis.Addr, err)
			globalTaskQueue = NewSyncQueue()
			return
		}
		logger.Infof("[TaskQueue] async queue ready on redis %s", cfg.Redis.Addr)
		globalTaskQueue = queue
	})
	return globalTaskQueue
}

func GetTaskQueue() TaskQueue {
	return globalTaskQueue
}

// AsyncQueue queues tasks through asynq for the worker process.
type AsyncQueue struct {
	client *asynq.Client
}

func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	opt := asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	client := asynq.NewClient(opt)

	// Probe the connection so an unreachable Redis surfaces at init.
	inspector := asynq.NewInspector(opt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}
	return &AsyncQueue{client: client}, nil
}

func (q *AsyncQueue) Enqueue(task *SyncTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	info, err := q.client.Enqueue(
		asynq.NewTask(TaskTypeSync, payload),
		asynq.Queue("default"),
		asynq.MaxRetry(3),
	)
	if err != nil {
		return err
	}
	logger.Debugf("[TaskQueue] enqueued %s task %s (run %s)", task.Kind, info.ID, task.RunID)
	return nil
}

func (q *AsyncQueue) IsAsync() bool { return true }

func (q *AsyncQueue) Close() error { return q.client.Close() }

// SyncQueue runs each task in its own goroutine inside this process.
type SyncQueue struct {
	processor func(context.Context, *SyncTask) error
}

func NewSyncQueue() *SyncQueue {
	return &SyncQueue{}
}

// SetProcessor wires the task handler. Must be called before Enqueue.
func (q *SyncQueue) SetProcessor(processor func(context.Context, *SyncTask) error) {
	q.processor = processor
}

func (q *SyncQueue) Enqueue(task *SyncTask) error {
	if q.processor == nil {
		logger.Warnf("[TaskQueue] no processor wired, dropping %s task (run %s)", task.Kind, task.RunID)
		return nil
	}
	// The caller is usually an HTTP handler; do not block its request.
	go func() {
		if err := q.processor(context.Background(), task); err != nil {
			logger.Errorf("[TaskQueue] %s task failed (run %s): %v", task.Kind, task.RunID, err)
		}
	}()
	return nil
}

func (q *SyncQueue) IsAsync() bool { return false }

func (q *SyncQueue) Close() error { return nil }
