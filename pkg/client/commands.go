package client

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cachemir/clustermir/pkg/route"
)

// Ping checks that every primary answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, "PING")
	return err
}

// Echo returns msg as echoed by a random node.
func (c *Client) Echo(ctx context.Context, msg string) (string, error) {
	res, err := c.Do(ctx, "ECHO", msg)
	if err != nil {
		return "", err
	}
	return res.Text()
}

// Get returns the string value of key, or ErrNil if it does not exist.
//
// Example:
//
//	v, err := c.Get(ctx, "user:{42}:name")
//	if errors.Is(err, client.ErrNil) {
//		// not set
//	}
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	res, err := c.Do(ctx, "GET", key)
	if err != nil {
		return "", err
	}
	return res.Text()
}

// Set stores value under key. A positive ttl sets an expiration with
// millisecond precision; zero keeps the key forever.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	args := []string{"SET", key, value}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	_, err := c.Execute(ctx, args, nil)
	return err
}

// Del deletes keys, which may live in different slots, and returns how many
// existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.keysInt(ctx, "DEL", keys)
}

// Unlink is Del under its non-blocking name.
func (c *Client) Unlink(ctx context.Context, keys ...string) (int64, error) {
	return c.keysInt(ctx, "UNLINK", keys)
}

// Exists returns how many of keys exist. A key named twice counts twice.
func (c *Client) Exists(ctx context.Context, keys ...string) (int64, error) {
	return c.keysInt(ctx, "EXISTS", keys)
}

// Touch returns how many of keys exist.
func (c *Client) Touch(ctx context.Context, keys ...string) (int64, error) {
	return c.keysInt(ctx, "TOUCH", keys)
}

func (c *Client) keysInt(ctx context.Context, name string, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, errors.New(name + ": no keys")
	}
	res, err := c.Execute(ctx, append([]string{name}, keys...), nil)
	if err != nil {
		return 0, err
	}
	return res.Int()
}

// MGet returns the values of keys in order, split per slot and reassembled.
//
// Array replies carry strings only, so a missing key and a key holding the
// empty string both yield "". Use Exists, or Get with its ErrNil, where the
// two must be told apart.
func (c *Client) MGet(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, errors.New("MGET: no keys")
	}
	res, err := c.Execute(ctx, append([]string{"MGET"}, keys...), nil)
	if err != nil {
		return nil, err
	}
	return res.Strings()
}

// MSet stores every key/value pair; pairs are split per slot.
func (c *Client) MSet(ctx context.Context, pairs map[string]string) error {
	if len(pairs) == 0 {
		return errors.New("MSET: no pairs")
	}
	args := make([]string, 0, 1+2*len(pairs))
	args = append(args, "MSET")
	for k, v := range pairs {
		args = append(args, k, v)
	}
	_, err := c.Execute(ctx, args, nil)
	return err
}

// Incr increments the integer at key.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	res, err := c.Do(ctx, "INCR", key)
	if err != nil {
		return 0, err
	}
	return res.Int()
}

// HSet sets field to value in the hash at key and reports whether the field
// is new.
func (c *Client) HSet(ctx context.Context, key, field, value string) (bool, error) {
	res, err := c.Do(ctx, "HSET", key, field, value)
	if err != nil {
		return false, err
	}
	n, err := res.Int()
	return n > 0, err
}

// HGetAll returns the hash at key.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := c.Do(ctx, "HGETALL", key)
	if err != nil {
		return nil, err
	}
	items, err := res.Strings()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		out[items[i]] = items[i+1]
	}
	return out, nil
}

// SAdd adds members to the set at key and returns how many were new.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	res, err := c.Execute(ctx, append([]string{"SADD", key}, members...), nil)
	if err != nil {
		return 0, err
	}
	return res.Int()
}

// SMembers returns the members of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := c.Do(ctx, "SMEMBERS", key)
	if err != nil {
		return nil, err
	}
	return res.Strings()
}

// Info returns the INFO text of the nodes rt targets, keyed by address. A
// nil route means all primaries.
func (c *Client) Info(ctx context.Context, rt route.Route, section ...string) (map[string]string, error) {
	res, err := c.Execute(ctx, append([]string{"INFO"}, section...), rt)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for addr, v := range res.MultiValue() {
		if s, ok := v.Data.(string); ok {
			out[addr] = s
		}
	}
	return out, nil
}

// DBSize returns the number of keys in the cluster.
func (c *Client) DBSize(ctx context.Context) (int64, error) {
	res, err := c.Do(ctx, "DBSIZE")
	if err != nil {
		return 0, err
	}
	return res.Int()
}

// FlushAll removes every key on every primary.
func (c *Client) FlushAll(ctx context.Context) error {
	_, err := c.Do(ctx, "FLUSHALL")
	return err
}

// ConfigSet sets a parameter on every node.
func (c *Client) ConfigSet(ctx context.Context, param, value string) error {
	_, err := c.Do(ctx, "CONFIG", "SET", param, value)
	return err
}

// Time returns the clock of the node rt targets; nil means a random node.
func (c *Client) Time(ctx context.Context, rt route.Route) (time.Time, error) {
	res, err := c.Execute(ctx, []string{"TIME"}, rt)
	if err != nil {
		return time.Time{}, err
	}
	parts, err := res.Strings()
	if err != nil {
		return time.Time{}, err
	}
	if len(parts) != 2 {
		return time.Time{}, errors.New("TIME: malformed reply")
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	usec, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, usec*int64(time.Microsecond)), nil
}
