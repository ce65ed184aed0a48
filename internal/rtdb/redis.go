package rtdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/comsrv/edge-core/internal/coreerr"
	"github.com/comsrv/edge-core/internal/logging"
)

// RedisConfig configures the remote-cache-backed Rtdb implementation.
// Grounded on centrifugal/centrifugo's engineredis newPool: a
// redis.Pool with Dial/TestOnBorrow and explicit connect/read/write
// timeouts.
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	MaxIdle        int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.MaxIdle == 0 {
		c.MaxIdle = 16
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = time.Second
	}
	return c
}

// Redis is the cache-service-backed Rtdb implementation (spec.md §4.2's
// "(a) backed by a remote cache service over its native protocol").
type Redis struct {
	pool *redis.Pool
	log  *logging.Logger
}

// NewRedis builds a connection pool the way engineredis-engine.go's
// newPool does: Dial with explicit timeouts, TestOnBorrow ping, bounded
// idle connections.
func NewRedis(cfg RedisConfig) *Redis {
	cfg = cfg.withDefaults()
	pool := &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		IdleTimeout: cfg.IdleTimeout,
		Dial: func() (redis.Conn, error) {
			c, err := redis.DialTimeout("tcp", cfg.Addr, cfg.ConnectTimeout, cfg.ReadTimeout, cfg.WriteTimeout)
			if err != nil {
				return nil, err
			}
			if cfg.Password != "" {
				if _, err := c.Do("AUTH", cfg.Password); err != nil {
					c.Close()
					return nil, err
				}
			}
			if cfg.DB != 0 {
				if _, err := c.Do("SELECT", cfg.DB); err != nil {
					c.Close()
					return nil, err
				}
			}
			return c, nil
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	return &Redis{pool: pool, log: logging.Named("rtdb.redis")}
}

func (r *Redis) conn(ctx context.Context) (redis.Conn, error) {
	c, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "conn", err)
	}
	return c, nil
}

func (r *Redis) Close() error { return r.pool.Close() }

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.Do("SET", key, value)
	if err != nil {
		return coreerr.New(coreerr.Storage, "Set", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, false, err
	}
	defer c.Close()
	v, err := redis.Bytes(c.Do("GET", key))
	if err == redis.ErrNil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coreerr.New(coreerr.Storage, "Get", err)
	}
	return v, true, nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.Do("DEL", key)
	if err != nil {
		return coreerr.New(coreerr.Storage, "Del", err)
	}
	return nil
}

func (r *Redis) HashSet(ctx context.Context, key, field string, value []byte) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.Do("HSET", key, field, value)
	if err != nil {
		return coreerr.New(coreerr.Storage, "HashSet", err)
	}
	return nil
}

func (r *Redis) HashGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, false, err
	}
	defer c.Close()
	v, err := redis.Bytes(c.Do("HGET", key, field))
	if err == redis.ErrNil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coreerr.New(coreerr.Storage, "HashGet", err)
	}
	return v, true, nil
}

func (r *Redis) HashMSet(ctx context.Context, key string, fields []HashField) error {
	if len(fields) == 0 {
		return nil
	}
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	args := redis.Args{}.Add(key)
	for _, f := range fields {
		args = args.Add(f.Field, f.Value)
	}
	_, err = c.Do("HSET", args...)
	if err != nil {
		return coreerr.New(coreerr.Storage, "HashMSet", err)
	}
	return nil
}

func (r *Redis) HashDel(ctx context.Context, key, field string) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.Do("HDEL", key, field)
	if err != nil {
		return coreerr.New(coreerr.Storage, "HashDel", err)
	}
	return nil
}

func (r *Redis) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	values, err := redis.StringMap(c.Do("HGETALL", key))
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "HashGetAll", err)
	}
	out := make(map[string][]byte, len(values))
	for f, v := range values {
		out[f] = []byte(v)
	}
	return out, nil
}

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.Do("SADD", key, member)
	if err != nil {
		return coreerr.New(coreerr.Storage, "SAdd", err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.Do("SREM", key, member)
	if err != nil {
		return coreerr.New(coreerr.Storage, "SRem", err)
	}
	return nil
}

func (r *Redis) LPush(ctx context.Context, key string, value []byte) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.Do("LPUSH", key, value)
	if err != nil {
		return coreerr.New(coreerr.Storage, "LPush", err)
	}
	return nil
}

// BLPop issues a native BLPOP across all keys in one call, per spec.md
// §6.5 "Consumers MUST BLPOP both queues in one call".
func (r *Redis) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, []byte, bool, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return "", nil, false, err
	}
	defer c.Close()

	args := redis.Args{}
	for _, k := range keys {
		args = args.Add(k)
	}
	secs := int(timeout / time.Second)
	if timeout > 0 && secs == 0 {
		secs = 1
	}
	args = args.Add(secs)

	reply, err := redis.Values(c.Do("BLPOP", args...))
	if err == redis.ErrNil {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, coreerr.New(coreerr.Transport, "BLPop", err)
	}
	var key string
	var value []byte
	if _, err := redis.Scan(reply, &key, &value); err != nil {
		return "", nil, false, coreerr.New(coreerr.Protocol, "BLPop", err)
	}
	return key, value, true, nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	values, err := redis.ByteSlices(c.Do("LRANGE", key, start, stop))
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "LRange", err)
	}
	return values, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, value []byte) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.Do("PUBLISH", channel, value)
	if err != nil {
		return coreerr.New(coreerr.Storage, "Publish", err)
	}
	return nil
}

type redisSub struct {
	psc    *redis.PubSubConn
	ch     chan Message
	closed chan struct{}
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	return s.psc.Close()
}

// Subscribe borrows a connection from the pool, holds it for the lifetime of
// the subscription (it is returned to the pool when the Subscription is
// closed) and fans messages into a channel.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	c := r.pool.Get()
	psc := &redis.PubSubConn{Conn: c}
	args := make([]interface{}, len(channels))
	for i, ch := range channels {
		args[i] = ch
	}
	if err := psc.Subscribe(args...); err != nil {
		psc.Close()
		return nil, coreerr.New(coreerr.Transport, "Subscribe", err)
	}

	sub := &redisSub{psc: psc, ch: make(chan Message, 64), closed: make(chan struct{})}
	go func() {
		defer close(sub.ch)
		for {
			switch v := psc.Receive().(type) {
			case redis.Message:
				select {
				case sub.ch <- Message{Channel: v.Channel, Payload: v.Data}:
				case <-sub.closed:
					return
				}
			case redis.Subscription:
				// no-op, confirms subscribe/unsubscribe
			case error:
				select {
				case <-sub.closed:
				default:
					r.log.Warnf("pubsub receive error: %v", v)
				}
				return
			}
			select {
			case <-sub.closed:
				return
			default:
			}
		}
	}()
	return sub, nil
}

func (r *Redis) ScanMatch(ctx context.Context, pattern string) ([]string, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var out []string
	cursor := "0"
	for {
		reply, err := redis.Values(c.Do("SCAN", cursor, "MATCH", pattern, "COUNT", 200))
		if err != nil {
			return nil, coreerr.New(coreerr.Storage, "ScanMatch", err)
		}
		if len(reply) != 2 {
			return nil, coreerr.New(coreerr.Protocol, "ScanMatch", fmt.Errorf("unexpected SCAN reply shape"))
		}
		cursor, err = redis.String(reply[0], nil)
		if err != nil {
			return nil, coreerr.New(coreerr.Protocol, "ScanMatch", err)
		}
		keys, err := redis.Strings(reply[1], nil)
		if err != nil {
			return nil, coreerr.New(coreerr.Protocol, "ScanMatch", err)
		}
		out = append(out, keys...)
		if cursor == "0" {
			break
		}
	}
	return out, nil
}

// PipelineHashMSet issues every key's HSET on one connection via Send/Flush
// so the whole batch is a single round-trip, per spec.md §4.3/§4.2.
func (r *Redis) PipelineHashMSet(ctx context.Context, batch []KeyFields) error {
	if len(batch) == 0 {
		return nil
	}
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	sent := 0
	for _, kf := range batch {
		if len(kf.Fields) == 0 {
			continue
		}
		args := redis.Args{}.Add(kf.Key)
		for _, f := range kf.Fields {
			args = args.Add(f.Field, f.Value)
		}
		if err := c.Send("HSET", args...); err != nil {
			return coreerr.New(coreerr.Storage, "PipelineHashMSet", err)
		}
		sent++
	}
	if sent == 0 {
		return nil
	}
	if err := c.Flush(); err != nil {
		return coreerr.New(coreerr.Storage, "PipelineHashMSet", err)
	}
	for i := 0; i < sent; i++ {
		if _, err := c.Receive(); err != nil {
			return coreerr.New(coreerr.Storage, "PipelineHashMSet", err)
		}
	}
	return nil
}

func (r *Redis) TimeMillis(ctx context.Context) (int64, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	reply, err := redis.Strings(c.Do("TIME"))
	if err != nil {
		return 0, coreerr.New(coreerr.Storage, "TimeMillis", err)
	}
	secs, err := strconv.ParseInt(reply[0], 10, 64)
	if err != nil {
		return 0, coreerr.New(coreerr.Protocol, "TimeMillis", err)
	}
	micros, err := strconv.ParseInt(reply[1], 10, 64)
	if err != nil {
		return 0, coreerr.New(coreerr.Protocol, "TimeMillis", err)
	}
	return secs*1000 + micros/1000, nil
}

var _ Rtdb = (*Redis)(nil)

// KeyJoin builds a "{channel_id}:{T|S|C|A}"-style key, the literal key
// layout mandated by spec.md §3.3.
func KeyJoin(parts ...string) string {
	return strings.Join(parts, ":")
}
