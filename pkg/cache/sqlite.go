package cache

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ilkoid/priemka-ai/pkg/utils"
)

// SQLite — персистентная реализация Store поверх одного файла.
//
// Переживает рестарт сервера: повторная обработка той же выгрузки не жжёт
// токены заново. Срок жизни записей не ограничен — инвалидация кэша здесь
// не нужна, ключ является хэшом содержимого.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite открывает (или создает) файл кэша.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite %s: %w", path, err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS llm_cache (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (c *SQLite) Get(key string) (string, bool) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM llm_cache WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			utils.Warn("cache read failed", "error", err)
		}
		return "", false
	}
	return value, true
}

func (c *SQLite) Set(key, value string) error {
	// INSERT OR REPLACE — повторная запись того же ключа идемпотентна
	_, err := c.db.Exec(`INSERT OR REPLACE INTO llm_cache (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("cache: write: %w", err)
	}
	return nil
}

func (c *SQLite) Len() int {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM llm_cache`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close закрывает файл кэша.
func (c *SQLite) Close() error {
	return c.db.Close()
}
