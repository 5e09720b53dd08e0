package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/vulnsync/internal/config"
	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/pkg/logger"
)

// Worker drains the Redis-backed sync queue. Only built when Redis is
// enabled; the in-process queue needs no worker.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor func(context.Context, *SyncTask) error

	mu      sync.Mutex
	wg      sync.WaitGroup
	running bool
}

func NewWorker(cfg *config.RedisConfig) *Worker {
	if !cfg.Enabled {
		return nil
	}

	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB},
		asynq.Config{
			Concurrency: 10,
			Queues:      map[string]int{"default": 1},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Errorf("[Worker] %s task failed: %v", task.Type(), err)
			}),
		},
	)
	return &Worker{server: server, mux: asynq.NewServeMux()}
}

// SetProcessor wires the task handler. Must happen before Start.
func (w *Worker) SetProcessor(processor func(context.Context, *SyncTask) error) {
	w.processor = processor
}

// Start runs the asynq server in the background. Idempotent.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeSync, w.handleSyncTask)
	w.running = true
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		logger.Infof("[Worker] draining sync queue")
		if err := w.server.Run(w.mux); err != nil {
			logger.Errorf("[Worker] server stopped: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down and waits for in-flight tasks.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.server.Shutdown()
	w.running = false
	w.wg.Wait()
	logger.Infof("[Worker] stopped")
}

func (w *Worker) handleSyncTask(ctx context.Context, t *asynq.Task) error {
	var task SyncTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decode sync task: %w", err)
	}
	if w.processor == nil {
		logger.Warnf("[Worker] no processor wired, dropping %s task (run %s)", task.Kind, task.RunID)
		return nil
	}
	logger.Debugf("[Worker] handling %s task (run %s)", task.Kind, task.RunID)
	return w.processor(ctx, &task)
}

var (
	globalWorker *Worker
	workerOnce   sync.Once
)

func InitWorker(cfg *config.RedisConfig) *Worker {
	workerOnce.Do(func() {
		globalWorker = NewWorker(cfg)
	})
	return globalWorker
}

func GetWorker() *Worker {
	return globalWorker
}

// ProcessSyncTask executes one queued sync job. Records are reloaded by id
// so the create-vs-update decision is made against current state; a retried
// create whose link already exists naturally takes the update path.
func (s *JiraService) ProcessSyncTask(ctx context.Context, task *SyncTask) error {
	switch task.Kind {
	case SyncKindPushFinding:
		var finding models.Finding
		if err := s.db.First(&finding, task.FindingID).Error; err != nil {
			return fmt.Errorf("finding %d: %w", task.FindingID, err)
		}
		if !s.Push(models.EntityFromFinding(&finding)) {
			return fmt.Errorf("push of finding %d failed", task.FindingID)
		}
		return nil

	case SyncKindPushGroup:
		var group models.FindingGroup
		if err := s.db.Preload("Findings").First(&group, task.GroupID).Error; err != nil {
			return fmt.Errorf("finding group %d: %w", task.GroupID, err)
		}
		if !s.Push(models.EntityFromGroup(&group)) {
			return fmt.Errorf("push of finding group %d failed", task.GroupID)
		}
		return nil

	case SyncKindPushEpic:
		engagement, err := s.loadEngagement(task.EngagementID)
		if err != nil {
			return err
		}
		if ok := s.PushEpic(engagement, task.EpicName, task.EpicPriority); ok != nil && !*ok {
			return fmt.Errorf("epic push for engagement %d failed", task.EngagementID)
		}
		return nil

	case SyncKindCloseEpic:
		engagement, err := s.loadEngagement(task.EngagementID)
		if err != nil {
			return err
		}
		if ok := s.CloseEpic(engagement, true); ok != nil && !*ok {
			return fmt.Errorf("epic close for engagement %d failed", task.EngagementID)
		}
		return nil

	case SyncKindComment:
		var note models.Note
		if err := s.db.First(&note, task.NoteID).Error; err != nil {
			return fmt.Errorf("note %d: %w", task.NoteID, err)
		}
		var finding models.Finding
		if err := s.db.First(&finding, note.FindingID).Error; err != nil {
			return fmt.Errorf("finding %d: %w", note.FindingID, err)
		}
		if ok := s.AddComment(models.EntityFromFinding(&finding), &note, task.ForcePush); ok != nil && !*ok {
			return fmt.Errorf("comment push for note %d failed", task.NoteID)
		}
		return nil
	}
	return fmt.Errorf("unknown sync task kind %q", task.Kind)
}

func (s *JiraService) loadEngagement(id uint) (*models.Engagement, error) {
	var engagement models.Engagement
	if err := s.db.First(&engagement, id).Error; err != nil {
		return nil, fmt.Errorf("engagement %d: %w", id, err)
	}
	return &engagement, nil
}
