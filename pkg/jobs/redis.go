package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cast"
)

// Redis хранит задачи в Redis-хешах job:{id}.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis создает хранилище поверх готового клиента. TTL <= 0
// отключает истечение записей.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

var _ Store = (*Redis)(nil)

func jobKey(id string) string {
	return "job:" + id
}

func (s *Redis) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	job := &Job{
		ID:         fields["id"],
		Status:     Status(fields["status"]),
		Progress:   cast.ToInt(fields["progress"]),
		InputFile:  fields["input_file"],
		OutputFile: fields["output_file"],
		Error:      fields["error"],
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return job, nil
}

func (s *Redis) Save(ctx context.Context, job *Job) error {
	key := jobKey(job.ID)
	fields := map[string]interface{}{
		"id":          job.ID,
		"status":      string(job.Status),
		"progress":    job.Progress,
		"input_file":  job.InputFile,
		"output_file": job.OutputFile,
		"error":       job.Error,
		"created_at":  job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("redis expire: %w", err)
		}
	}
	return nil
}
