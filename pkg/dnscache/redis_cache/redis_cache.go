// Package redis_cache is the redis dnscache.Backend. Expiry is left
// to the redis server (SET PX), so the sweeper has nothing to do for
// this backend.
package redis_cache

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/TecArt/tecart-http-proxy/pkg/utils"
)

const keyPrefix = "tecproxy:dns:"

var nopLogger = zap.NewNop()

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout bounds every redis operation. Default is 50ms.
	ClientTimeout time.Duration

	// TTL is the record lifetime. Required.
	TTL time.Duration

	// Retain slides a record's expiry to now+TTL on every hit.
	Retain bool

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.TTL <= 0 {
		return errors.New("invalid ttl")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Millisecond*50)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type RedisCache struct {
	opts RedisCacheOpts
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{opts: opts}, nil
}

func (c *RedisCache) Get(hostname string) ([]netip.Addr, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ClientTimeout)
	defer cancel()

	var cmd *redis.StringCmd
	if c.opts.Retain {
		cmd = c.opts.Client.GetEx(ctx, keyPrefix+hostname, c.opts.TTL)
	} else {
		cmd = c.opts.Client.Get(ctx, keyPrefix+hostname)
	}

	v, err := cmd.Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.opts.Logger.Warn("redis get failed", zap.String("hostname", hostname), zap.Error(err))
		}
		return nil, false
	}

	ips := unpackAddrs(v)
	if len(ips) == 0 {
		return nil, false
	}
	return ips, true
}

func (c *RedisCache) Store(hostname string, ips []netip.Addr) {
	if len(ips) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ClientTimeout)
	defer cancel()

	if err := c.opts.Client.Set(ctx, keyPrefix+hostname, packAddrs(ips), c.opts.TTL).Err(); err != nil {
		c.opts.Logger.Warn("redis set failed", zap.String("hostname", hostname), zap.Error(err))
	}
}

// EvictExpired is a no-op. The redis server expires records itself.
func (c *RedisCache) EvictExpired(_ time.Time) (int, error) {
	return 0, nil
}

// Len always returns -1. Scanning the keyspace to count records is
// not worth an O(n) redis roundtrip.
func (c *RedisCache) Len() int {
	return -1
}

func (c *RedisCache) Close() error {
	if c.opts.ClientCloser != nil {
		return c.opts.ClientCloser.Close()
	}
	return nil
}

// packAddrs encodes addrs as a comma separated string, preserving
// order.
func packAddrs(ips []netip.Addr) string {
	sb := new(strings.Builder)
	for i, ip := range ips {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(ip.String())
	}
	return sb.String()
}

// unpackAddrs is the inverse of packAddrs. Unparsable elements are
// dropped.
func unpackAddrs(s string) []netip.Addr {
	if len(s) == 0 {
		return nil
	}
	parts := strings.Split(s, ",")
	ips := make([]netip.Addr, 0, len(parts))
	for _, p := range parts {
		ip, err := netip.ParseAddr(p)
		if err != nil {
			continue
		}
		ips = append(ips, ip)
	}
	return ips
}
