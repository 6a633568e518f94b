package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sipeed/docrelay/pkg/attachments"
	"github.com/sipeed/docrelay/pkg/bus"
	"github.com/sipeed/docrelay/pkg/logger"
	"github.com/sipeed/docrelay/pkg/session"
)

var (
	ErrEntityUnresolved = errors.New("relay chat could not be resolved")
	ErrMessageNotFound  = errors.New("relayed message not found")
	ErrNoDocument       = errors.New("relayed message has no document")
)

// Backend is the slice of the session the worker depends on.
type Backend interface {
	ResolveEntity(ctx context.Context, chatID int64) (session.Entity, error)
	FetchMessage(ctx context.Context, e session.Entity, msgID int) (*session.Message, error)
	Download(ctx context.Context, doc *session.Document, path string) error
	Upload(ctx context.Context, e session.Entity, path, filename, caption string) error
}

// ResultHandler observes every processed task, completed or abandoned.
type ResultHandler func(ctx context.Context, res bus.Result)

const DefaultYield = 500 * time.Millisecond

// Worker is the single consumer of the task queue. Tasks are processed one
// at a time in queue order; a failing task is logged and dropped.
type Worker struct {
	backend  Backend
	queue    *bus.TaskQueue
	staging  *attachments.Staging
	yield    time.Duration
	handlers []ResultHandler
}

func NewWorker(backend Backend, queue *bus.TaskQueue, staging *attachments.Staging, yield time.Duration) *Worker {
	if yield < 0 {
		yield = DefaultYield
	}
	return &Worker{
		backend: backend,
		queue:   queue,
		staging: staging,
		yield:   yield,
	}
}

// OnResult registers a handler. Handlers run on the worker goroutine, so
// they should not block for long.
func (w *Worker) OnResult(h ResultHandler) {
	w.handlers = append(w.handlers, h)
}

// Run consumes tasks until ctx is cancelled or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	logger.InfoC("relay", "Relay worker started")
	defer logger.InfoC("relay", "Relay worker stopped")

	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrQueueClosed) {
				return nil
			}
			return err
		}

		res := w.Process(ctx, task)
		w.report(ctx, res)
		w.queue.Done()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.yield):
		}
	}
}

// Process runs one task through resolve, fetch, validate, download, rename,
// upload and cleanup. It never panics; failures are returned in the Result.
func (w *Worker) Process(ctx context.Context, task bus.Task) (res bus.Result) {
	res = bus.Result{
		Task:      task,
		Outcome:   bus.OutcomeAbandoned,
		StartedAt: time.Now(),
	}
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = bus.OutcomeAbandoned
			res.Err = fmt.Errorf("panic: %v", r)
		}
		res.Duration = time.Since(res.StartedAt)
	}()

	logger.InfoCF("relay", "Received task", map[string]interface{}{
		"task_id":    task.ID,
		"chat_id":    task.RelayChatID,
		"message_id": task.RelayMessageID,
		"new_name":   task.DesiredFilename,
	})

	res.Stage = bus.StageResolve
	entity, err := w.backend.ResolveEntity(ctx, task.RelayChatID)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrEntityUnresolved, err)
		return res
	}

	res.Stage = bus.StageFetch
	msg, err := w.backend.FetchMessage(ctx, entity, task.RelayMessageID)
	if err != nil {
		res.Err = err
		return res
	}
	if msg == nil {
		res.Err = ErrMessageNotFound
		return res
	}

	res.Stage = bus.StageValidate
	doc := msg.Document
	if doc == nil {
		res.Err = ErrNoDocument
		return res
	}
	originalName := doc.FileName
	if originalName == "" {
		originalName = fmt.Sprintf("document_%d", doc.ID)
	}
	logger.InfoCF("relay", "Found document", map[string]interface{}{
		"task_id":     task.ID,
		"document_id": doc.ID,
		"file_name":   originalName,
		"size":        doc.Size,
	})

	res.Stage = bus.StageDownload
	stagedPath := w.staging.StagePath(doc.ID, originalName)
	res.StagedPath = stagedPath
	if err := w.backend.Download(ctx, doc, stagedPath); err != nil {
		res.Err = err
		return res
	}
	if info, err := os.Stat(stagedPath); err == nil {
		res.SizeBytes = info.Size()
	}

	res.Stage = bus.StageRename
	finalName := task.DesiredFilename
	if finalName == "" {
		finalName = originalName
	}
	res.FinalName = finalName
	finalPath, err := w.staging.Finalize(stagedPath, doc.ID, finalName)
	if err != nil {
		res.Err = err
		return res
	}
	res.StagedPath = finalPath
	logger.InfoCF("relay", "Document staged and renamed, uploading", map[string]interface{}{
		"task_id": task.ID,
		"path":    finalPath,
	})

	res.Stage = bus.StageUpload
	if err := w.backend.Upload(ctx, entity, finalPath, finalName, finalName); err != nil {
		res.Err = err
		return res
	}
	res.Outcome = bus.OutcomeCompleted

	res.Stage = bus.StageCleanup
	if err := w.staging.Remove(finalPath); err != nil {
		res.Err = err
		return res
	}
	res.StagedPath = ""
	res.Stage = bus.StageDone
	return res
}

func (w *Worker) report(ctx context.Context, res bus.Result) {
	fields := map[string]interface{}{
		"task_id":     res.Task.ID,
		"stage":       string(res.Stage),
		"duration_ms": res.Duration.Milliseconds(),
	}
	switch {
	case res.Completed() && res.Err == nil:
		fields["file_name"] = res.FinalName
		fields["size"] = res.SizeBytes
		logger.InfoCF("relay", "File processed and sent", fields)
	case res.Completed():
		fields["error"] = res.Err.Error()
		fields["path"] = res.StagedPath
		logger.WarnCF("relay", "File sent but staged copy was not removed", fields)
	default:
		fields["error"] = res.Err.Error()
		if res.StagedPath != "" {
			fields["staged_path"] = res.StagedPath
		}
		logger.ErrorCF("relay", "Task abandoned", fields)
	}

	for _, h := range w.handlers {
		callHandler(ctx, h, res)
	}
}

func callHandler(ctx context.Context, h ResultHandler, res bus.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("relay", "Result handler panicked", map[string]interface{}{
				"task_id": res.Task.ID,
				"panic":   fmt.Sprint(r),
			})
		}
	}()
	h(ctx, res)
}
