// Package jobs хранит статусы задач обработки.
//
// Хранилище внедряется в сервер снаружи: in-memory для разработки и
// тестов, Redis — когда статус должен переживать рестарт и быть виден
// нескольким инстансам.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status — статус задачи.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSplitting   Status = "splitting"
	StatusClassifying Status = "classifying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// ErrNotFound — задача с таким id не найдена.
var ErrNotFound = errors.New("jobs: not found")

// Job — одна задача обработки файла.
type Job struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"` // 0-100
	InputFile  string    `json:"input_file"`
	OutputFile string    `json:"output_file,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewJob создает задачу в статусе pending.
func NewJob(inputFile string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		InputFile: inputFile,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Store — контракт хранилища задач.
type Store interface {
	Get(ctx context.Context, id string) (*Job, error)
	Save(ctx context.Context, job *Job) error
}

// Update применяет изменение статуса и сохраняет задачу.
func Update(ctx context.Context, store Store, job *Job, status Status, progress int) error {
	job.Status = status
	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()
	return store.Save(ctx, job)
}

// Fail помечает задачу проваленной с человекочитаемым сообщением.
func Fail(ctx context.Context, store Store, job *Job, msg string) error {
	job.Status = StatusFailed
	job.Error = msg
	job.UpdatedAt = time.Now().UTC()
	return store.Save(ctx, job)
}

// Memory — тривиальная реализация Store в памяти.
type Memory struct {
	mu sync.RWMutex
	m  map[string]Job
}

// NewMemory создает пустое in-memory хранилище.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]Job)}
}

var _ Store = (*Memory)(nil)

func (s *Memory) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Копия: хранилище не должно делить память с вызывающим кодом
	out := job
	return &out, nil
}

func (s *Memory) Save(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[job.ID] = *job
	return nil
}
