// Package redis persists pool state in Redis as JSON records.
//
// Layout under the key prefix:
//
//	<prefix>:accounts            zset of account ids, scored by creation time
//	<prefix>:account:<id>        account record
//	<prefix>:projects:<id>       hash of project index -> project record
//	<prefix>:rotation            rotation state
//	<prefix>:proxies             hash of proxy id -> proxy record
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourneighborhoodchef/keysweep/internal/credential"
	"github.com/yourneighborhoodchef/keysweep/internal/proxy"
)

const DefaultKeyPrefix = "keysweep"

type Store struct {
	client *redis.Client
	prefix string
}

func NewClient(redisURL string) *redis.Client {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{
			Addr: redisURL,
		}
	}
	return redis.NewClient(opt)
}

func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Open connects and pings.
func Open(ctx context.Context, redisURL, prefix string) (*Store, error) {
	client := NewClient(redisURL)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return New(client, prefix), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

type accountRecord struct {
	ID        string                   `json:"id"`
	Status    credential.AccountStatus `json:"status"`
	CreatedAt time.Time                `json:"created_at"`
}

func (s *Store) LoadAccounts(ctx context.Context) ([]*credential.Account, error) {
	ids, err := s.client.ZRange(ctx, s.key("accounts"), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*credential.Account, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, s.key("account", id)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec accountRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode account %s: %w", id, err)
		}

		fields, err := s.client.HGetAll(ctx, s.key("projects", id)).Result()
		if err != nil {
			return nil, err
		}
		projects := make([]*credential.Project, 0, len(fields))
		for field, data := range fields {
			var p credential.Project
			if err := json.Unmarshal([]byte(data), &p); err != nil {
				return nil, fmt.Errorf("decode project %s/%s: %w", id, field, err)
			}
			projects = append(projects, &p)
		}
		sort.Slice(projects, func(i, j int) bool { return projects[i].Index < projects[j].Index })

		out = append(out, &credential.Account{
			ID:        rec.ID,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
			Projects:  projects,
		})
	}
	return out, nil
}

func (s *Store) SaveAccount(ctx context.Context, a *credential.Account) error {
	rec, err := json.Marshal(accountRecord{ID: a.ID, Status: a.Status, CreatedAt: a.CreatedAt})
	if err != nil {
		return err
	}
	projects := make(map[string]any, len(a.Projects))
	for _, p := range a.Projects {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		projects[strconv.Itoa(p.Index)] = data
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, s.key("accounts"), redis.Z{
			Score:  float64(a.CreatedAt.UnixNano()),
			Member: a.ID,
		})
		pipe.Set(ctx, s.key("account", a.ID), rec, 0)
		if len(projects) > 0 {
			pipe.HSet(ctx, s.key("projects", a.ID), projects)
		}
		return nil
	})
	return err
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.key("accounts"), id)
		pipe.Del(ctx, s.key("account", id), s.key("projects", id))
		return nil
	})
	return err
}

func (s *Store) SaveProject(ctx context.Context, accountID string, p *credential.Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key("projects", accountID), strconv.Itoa(p.Index), data).Err()
}

func (s *Store) LoadRotation(ctx context.Context) (*credential.RotationState, error) {
	raw, err := s.client.Get(ctx, s.key("rotation")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st credential.RotationState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode rotation state: %w", err)
	}
	return &st, nil
}

func (s *Store) SaveRotation(ctx context.Context, st credential.RotationState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("rotation"), data, 0).Err()
}

func (s *Store) LoadProxies(ctx context.Context) ([]*proxy.Proxy, error) {
	fields, err := s.client.HGetAll(ctx, s.key("proxies")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*proxy.Proxy, 0, len(fields))
	for id, data := range fields {
		var p proxy.Proxy
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("decode proxy %s: %w", id, err)
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SaveProxy(ctx context.Context, p *proxy.Proxy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key("proxies"), p.ID, data).Err()
}

func (s *Store) DeleteProxy(ctx context.Context, id string) error {
	return s.client.HDel(ctx, s.key("proxies"), id).Err()
}
