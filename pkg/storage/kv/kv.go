// Package kv implements the node's durable key-value and stream access
// over Redis: a small interface wraps the concrete go-redis client so
// callers never see redis.UniversalClient directly.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrGroupExists names the "group already exists" condition.
// StreamCreateGroup treats Redis's BUSYGROUP reply as success and never
// returns this error.
var ErrGroupExists = errors.New("kv: consumer group already exists")

// Client is the durable key-value and stream contract.
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HExists(ctx context.Context, key, field string) (bool, error)
	HDel(ctx context.Context, key, field string) error

	Ping(ctx context.Context) error

	StreamAppend(ctx context.Context, stream string, fields map[string]interface{}) (string, error)
	StreamReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamMessage, error)
	StreamAck(ctx context.Context, stream, group, id string) error
	StreamCreateGroup(ctx context.Context, stream, group string) error
	StreamInfo(ctx context.Context, stream string) (StreamInfoResult, error)
}

// StreamMessage is one delivered entry from StreamReadGroup.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// StreamInfoResult summarizes XINFO STREAM / XINFO GROUPS for observability.
type StreamInfoResult struct {
	Length        int64
	LastGeneratedID string
	Groups        []StreamGroupInfo
}

// StreamGroupInfo summarizes one consumer group.
type StreamGroupInfo struct {
	Name    string
	Pending int64
}

// redisClient adapts redis.UniversalClient to Client.
type redisClient struct {
	rdb redis.UniversalClient
}

// New wraps an existing go-redis UniversalClient.
func New(rdb redis.UniversalClient) Client {
	return &redisClient{rdb: rdb}
}

// Dial builds a UniversalClient from a REDIS_URL and wraps it.
func Dial(url string) (Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	return New(rdb), nil
}

func (c *redisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (c *redisClient) Set(ctx context.Context, key, value string) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

func (c *redisClient) Del(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c *redisClient) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (c *redisClient) HSet(ctx context.Context, key, field, value string) error {
	return c.rdb.HSet(ctx, key, field, value).Err()
}

func (c *redisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *redisClient) HExists(ctx context.Context, key, field string) (bool, error) {
	return c.rdb.HExists(ctx, key, field).Result()
}

func (c *redisClient) HDel(ctx context.Context, key, field string) error {
	return c.rdb.HDel(ctx, key, field).Err()
}

func (c *redisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *redisClient) StreamAppend(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	return c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, ID: "*", Values: fields}).Result()
}

func (c *redisClient) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamMessage, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				}
			}
			out = append(out, StreamMessage{ID: m.ID, Fields: fields})
		}
	}
	return out, nil
}

func (c *redisClient) StreamAck(ctx context.Context, stream, group, id string) error {
	return c.rdb.XAck(ctx, stream, group, id).Err()
}

// StreamCreateGroup creates group on stream idempotently.
func (c *redisClient) StreamCreateGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && isBusyGroupErr(err) {
		return nil
	}
	return err
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists" ||
		len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP")
}

func (c *redisClient) StreamInfo(ctx context.Context, stream string) (StreamInfoResult, error) {
	info, err := c.rdb.XInfoStream(ctx, stream).Result()
	if err != nil {
		return StreamInfoResult{}, err
	}
	groups, err := c.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return StreamInfoResult{}, err
	}
	result := StreamInfoResult{Length: info.Length, LastGeneratedID: info.LastGeneratedID}
	for _, g := range groups {
		result.Groups = append(result.Groups, StreamGroupInfo{Name: g.Name, Pending: g.Pending})
	}
	return result, nil
}
