// Package cache реализует key-value кэш результатов LLM.
//
// Кэш внедряется в пайплайн снаружи (никакого глобального состояния):
// in-memory реализация для CLI и тестов, sqlite — для долгоживущего
// сервера, где повторные выгрузки гоняют одни и те же комментарии.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Store — контракт кэша. Ключ — контент-хэш нормализованного входа.
//
// Записи идемпотентны (одинаковый ключ → одинаковое значение), поэтому
// конкурирующие записи безопасны для любой реализации.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Len() int
}

// Key возвращает контент-хэш строки (sha256 hex).
func Key(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Memory — тривиальная реализация Store в памяти.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemory создает пустой in-memory кэш.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]string)}
}

var _ Store = (*Memory)(nil)

func (c *Memory) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *Memory) Set(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Clear очищает кэш.
func (c *Memory) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]string)
}
