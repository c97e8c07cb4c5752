// Package cache holds the redis-backed account sessions, unread counters and
// processed-message guard.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"go-eventflow/internal/processor"
	"go-eventflow/pkg/models"
)

var ErrCacheMiss = errors.New("cache: miss")

const (
	defaultPrefix     = "eventflow"
	defaultSessionTTL = 24 * time.Hour
)

// Open parses a redis:// URL and checks the server answers.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type Cache struct {
	redis      *redis.Client
	prefix     string
	sessionTTL time.Duration
}

func New(client *redis.Client) *Cache {
	return &Cache{redis: client, prefix: defaultPrefix, sessionTTL: defaultSessionTTL}
}

func (c *Cache) sessionKey(accountID string) string {
	return fmt.Sprintf("%s:session:{%s}", c.prefix, accountID)
}

func (c *Cache) unreadKey(recipientID string) string {
	return fmt.Sprintf("%s:unread:{%s}", c.prefix, recipientID)
}

// PutAccount refreshes the cached session view of an account.
func (c *Cache) PutAccount(ctx context.Context, account models.Account) error {
	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, c.sessionKey(account.ID), raw, c.sessionTTL).Err(); err != nil {
		return fmt.Errorf("cache account %s: %w", account.ID, err)
	}
	return nil
}

func (c *Cache) Account(ctx context.Context, accountID string) (models.Account, error) {
	var account models.Account
	result, err := c.redis.Get(ctx, c.sessionKey(accountID)).Result()
	if err != nil {
		if err == redis.Nil {
			return account, ErrCacheMiss
		}
		return account, err
	}
	if err := json.Unmarshal([]byte(result), &account); err != nil {
		return account, err
	}
	return account, nil
}

func (c *Cache) EvictAccount(ctx context.Context, accountID string) error {
	return c.redis.Del(ctx, c.sessionKey(accountID), c.unreadKey(accountID)).Err()
}

// SetUnreadCount stores the computed unread count of a recipient.
func (c *Cache) SetUnreadCount(ctx context.Context, recipientID string, count int) error {
	return c.redis.Set(ctx, c.unreadKey(recipientID), count, c.sessionTTL).Err()
}

func (c *Cache) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	result, err := c.redis.Get(ctx, c.unreadKey(recipientID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, ErrCacheMiss
		}
		return 0, err
	}
	return strconv.Atoi(result)
}

// InvalidateUnread drops the counter so the next read recomputes it.
func (c *Cache) InvalidateUnread(ctx context.Context, recipientID string) error {
	return c.redis.Del(ctx, c.unreadKey(recipientID)).Err()
}

// ProcessedIDs is a DedupeStore shared by every worker process.
type ProcessedIDs struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

var _ processor.DedupeStore = (*ProcessedIDs)(nil)

func NewProcessedIDs(client *redis.Client, ttl time.Duration) *ProcessedIDs {
	return &ProcessedIDs{redis: client, prefix: defaultPrefix + ":processed", ttl: ttl}
}

func (p *ProcessedIDs) key(messageID string) string {
	return p.prefix + ":" + messageID
}

func (p *ProcessedIDs) Exists(ctx context.Context, messageID string) (bool, error) {
	n, err := p.redis.Exists(ctx, p.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("check processed id: %w", err)
	}
	return n == 1, nil
}

// Add records the id; the first writer keeps its expiry.
func (p *ProcessedIDs) Add(ctx context.Context, messageID string) error {
	if err := p.redis.SetNX(ctx, p.key(messageID), time.Now().UTC().Format(time.RFC3339Nano), p.ttl).Err(); err != nil {
		return fmt.Errorf("record processed id: %w", err)
	}
	return nil
}
