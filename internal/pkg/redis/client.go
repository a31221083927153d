// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"vouchercore/internal/pkg/logger"
)

// Nil 透传 go-redis 的 key 不存在错误，调用方无需再引入 go-redis。
var Nil = goredis.Nil

// Client 包装 go-redis 的 UniversalClient（单机或集群），并维护按名字注册的 Lua 脚本。
type Client struct {
	client  goredis.UniversalClient
	mu      sync.RWMutex
	scripts map[string]*goredis.Script
}

// NewClient 根据逗号分隔的地址创建客户端，多个地址时使用集群模式。
func NewClient(ctx context.Context, addrs string) (*Client, error) {
	var list []string
	for _, a := range strings.Split(addrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			list = append(list, a)
		}
	}
	if len(list) == 0 {
		return nil, errors.New("redis: no address configured")
	}
	uc := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: list})
	if err := uc.Ping(ctx).Err(); err != nil {
		_ = uc.Close()
		return nil, errors.Wrapf(err, "redis: ping %s", addrs)
	}
	logger.Ctx(ctx).Info().Strs("addrs", list).Msg("✅ Connected to Redis")
	return Wrap(uc), nil
}

// Wrap 用已有的 go-redis 客户端构造 Client，测试中配合 miniredis 使用。
func Wrap(uc goredis.UniversalClient) *Client {
	return &Client{client: uc, scripts: make(map[string]*goredis.Script)}
}

// LoadScriptFromContent 注册脚本并预先 SCRIPT LOAD，之后通过 RunScript 按名字调用。
func (c *Client) LoadScriptFromContent(name, content string) error {
	script := goredis.NewScript(content)
	if err := script.Load(context.Background(), c.client).Err(); err != nil {
		return errors.Wrapf(err, "redis: load script %s", name)
	}
	c.mu.Lock()
	c.scripts[name] = script
	c.mu.Unlock()
	return nil
}

// RunScript 以 EVALSHA 执行已注册脚本，缓存丢失（NOSCRIPT）时自动回退到 EVAL。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("redis: script %s not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

// GetClient 暴露底层客户端，用于 pipeline 等脚本之外的操作。
func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}
