package uploads

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"smartstudy/internal/models"
	"smartstudy/internal/service/bank"
	"smartstudy/internal/service/gateway"
)

// ErrTaskNotFound reports an operation against an unknown task id.
var ErrTaskNotFound = errors.New("upload task not found")

// taskErrorText is shown in place of the failed task.
const taskErrorText = "Failed to recognize questions in the image."

const defaultExtractTimeout = 5 * time.Minute

// Image is one raw upload handed to Enqueue.
type Image struct {
	FileName string
	Content  []byte
}

// Manager owns the ingestion task collection and a single-concurrency
// worker that drains queued tasks through the gateway, oldest first.
type Manager struct {
	gw      gateway.Gateway
	bank    *bank.Service
	log     *zap.Logger
	timeout time.Duration

	mu         sync.Mutex
	tasks      map[string]*models.UploadTask
	order      []string // enqueue order, for listing
	queued     []string // FIFO over the queued subset
	processing string   // id of the in-flight task, empty when idle

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewManager(gw gateway.Gateway, bankSvc *bank.Service, log *zap.Logger, extractTimeout time.Duration) *Manager {
	if extractTimeout <= 0 {
		extractTimeout = defaultExtractTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		gw:      gw,
		bank:    bankSvc,
		log:     log,
		timeout: extractTimeout,
		tasks:   make(map[string]*models.UploadTask),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Close stops the worker after the in-flight extraction, if any, finishes.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done
}

// Enqueue registers the images as pending tasks. Nothing is processed
// until a task is explicitly queued.
func (m *Manager) Enqueue(images []Image) []string {
	now := time.Now().UTC()
	ids := make([]string, 0, len(images))

	m.mu.Lock()
	for _, img := range images {
		task := &models.UploadTask{
			ID:        uuid.NewString(),
			FileName:  img.FileName,
			Content:   img.Content,
			Status:    models.UploadPending,
			CreatedAt: now,
		}
		m.tasks[task.ID] = task
		m.order = append(m.order, task.ID)
		ids = append(ids, task.ID)
	}
	m.mu.Unlock()
	return ids
}

// MarkQueued transitions one pending task to queued. Tasks in any other
// state are left untouched.
func (m *Manager) MarkQueued(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status == models.UploadPending {
		task.Status = models.UploadQueued
		m.queued = append(m.queued, id)
	}
	m.mu.Unlock()
	m.signal()
	return nil
}

// MarkAllPendingQueued queues every pending task in enqueue order and
// returns how many were queued.
func (m *Manager) MarkAllPendingQueued() int {
	m.mu.Lock()
	count := 0
	for _, id := range m.order {
		task := m.tasks[id]
		if task != nil && task.Status == models.UploadPending {
			task.Status = models.UploadQueued
			m.queued = append(m.queued, id)
			count++
		}
	}
	m.mu.Unlock()
	if count > 0 {
		m.signal()
	}
	return count
}

// Requeue moves a failed task back to queued for an explicit retry.
func (m *Manager) Requeue(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status == models.UploadError {
		task.Status = models.UploadQueued
		task.Error = ""
		m.queued = append(m.queued, id)
	}
	m.mu.Unlock()
	m.signal()
	return nil
}

// Remove deletes a task regardless of status and releases its image bytes.
// Questions already produced by a completed task are unaffected.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	task.Content = nil
	delete(m.tasks, id)
	m.order = removeID(m.order, id)
	m.queued = removeID(m.queued, id)
	m.mu.Unlock()
	return nil
}

// List returns all tasks in enqueue order, without image bytes.
func (m *Manager) List() []models.UploadTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.UploadTask, 0, len(m.order))
	for _, id := range m.order {
		if task, ok := m.tasks[id]; ok {
			snapshot := *task
			snapshot.Content = nil
			out = append(out, snapshot)
		}
	}
	return out
}

// Task returns one task snapshot.
func (m *Manager) Task(id string) (*models.UploadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	snapshot := *task
	snapshot.Content = nil
	return &snapshot, nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
			m.drain()
		}
	}
}

// drain processes queued tasks one at a time until none remain. Status
// changes become visible between extractions, never during one.
func (m *Manager) drain() {
	for {
		select {
		case <-m.stop:
			return
		default:
		}

		m.mu.Lock()
		if m.processing != "" || len(m.queued) == 0 {
			m.mu.Unlock()
			return
		}
		id := m.queued[0]
		m.queued = m.queued[1:]
		task, ok := m.tasks[id]
		if !ok || task.Status != models.UploadQueued {
			m.mu.Unlock()
			continue
		}
		task.Status = models.UploadProcessing
		m.processing = id
		content := task.Content
		fileName := task.FileName
		m.mu.Unlock()

		m.process(id, fileName, content)
	}
}

func (m *Manager) process(id, fileName string, content []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	questions, err := m.gw.Extract(ctx, content)
	cancel()

	if err != nil {
		m.log.Warn("extraction failed", zap.String("task", id), zap.Error(err))
		m.finish(id, models.UploadError, extractErrorText(err))
		return
	}

	m.mu.Lock()
	_, stillPresent := m.tasks[id]
	m.mu.Unlock()
	if !stillPresent {
		// Task was removed mid-flight; discard the result.
		m.clearProcessing(id)
		return
	}

	source := fileName
	if source == "" {
		source = "Image Scan"
	}
	storeCtx, storeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	stored, err := m.bank.Add(storeCtx, questions, source)
	storeCancel()
	if err != nil {
		m.log.Error("store extracted questions", zap.String("task", id), zap.Error(err))
		m.finish(id, models.UploadError, "Failed to save extracted questions.")
		return
	}
	m.log.Info("task completed", zap.String("task", id), zap.Int("questions", len(stored)))
	m.finish(id, models.UploadCompleted, "")
}

func (m *Manager) finish(id string, status models.UploadStatus, errText string) {
	m.mu.Lock()
	if task, ok := m.tasks[id]; ok {
		task.Status = status
		task.Error = errText
	}
	if m.processing == id {
		m.processing = ""
	}
	m.mu.Unlock()
}

func (m *Manager) clearProcessing(id string) {
	m.mu.Lock()
	if m.processing == id {
		m.processing = ""
	}
	m.mu.Unlock()
}

func extractErrorText(err error) string {
	var extractErr *gateway.ExtractionError
	if errors.As(err, &extractErr) {
		return taskErrorText
	}
	return err.Error()
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
