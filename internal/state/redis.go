package state

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKey = "toolwire:health"

// RedisStore implements Store backed by a Redis hash, one field per server.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	ctx    context.Context
}

// NewRedisStore connects to the given Redis address or URL and returns a
// Store. The connection is verified with a ping before use.
func NewRedisStore(addr string) (*RedisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	rs := &RedisStore{client: c, key: redisKey, ctx: context.Background()}
	if err := c.Ping(rs.ctx).Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *RedisStore) Save(name string, h Health) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return s.client.HSet(s.ctx, s.key, name, b).Err()
}

func (s *RedisStore) Load(name string) (Health, bool, error) {
	v, err := s.client.HGet(s.ctx, s.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return Health{}, false, nil
	}
	if err != nil {
		return Health{}, false, err
	}
	var h Health
	if err := json.Unmarshal([]byte(v), &h); err != nil {
		return Health{}, false, err
	}
	return h, true, nil
}

func (s *RedisStore) All() (map[string]Health, error) {
	fields, err := s.client.HGetAll(s.ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Health, len(fields))
	for name, v := range fields {
		var h Health
		if err := json.Unmarshal([]byte(v), &h); err != nil {
			continue
		}
		out[name] = h
	}
	return out, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single and
// cluster deployments. If no scheme is present, addr is treated as a plain
// host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("redis: unsupported scheme %q", u.Scheme)
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	if u.Path != "" && u.Path != "/" {
		db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/"))
		if err != nil {
			return nil, fmt.Errorf("redis: invalid db: %v", err)
		}
		opts.DB = db
	}
	if u.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
