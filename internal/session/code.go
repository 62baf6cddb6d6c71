package session

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/mutely/internal/errors"
)

const (
	codeDigits       = 6
	maxCodeAttempts  = 10
	defaultCodeTTL   = 12 * time.Hour
	codeSpace        = 1_000_000
	releaseCodeRetry = 3
)

// releaseScript deletes the code only while it still points at the given session.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// codes reserves join codes in Redis so that no two open sessions share one.
type codes struct {
	redis    redis.UniversalClient
	prefix   string
	ttl      time.Duration
	generate func() (string, error)
}

func newCodes(rc redis.UniversalClient, prefix string, ttl time.Duration, generate func() (string, error)) *codes {
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	if generate == nil {
		generate = randomCode
	}
	return &codes{redis: rc, prefix: prefix, ttl: ttl, generate: generate}
}

// Reserve claims a fresh code for sessionID.
func (c *codes) Reserve(ctx context.Context, sessionID string) (string, error) {
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := c.generate()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}

		ok, err := c.redis.SetNX(ctx, c.key(code), sessionID, c.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("setnx: %w", err)
		}
		if ok {
			return code, nil
		}
	}

	return "", errors.New(errors.CodeUnavailable,
		errors.WithMessagef("no free session code after %d attempts", maxCodeAttempts))
}

// Resolve returns the session holding the code, false when the code is not reserved.
func (c *codes) Resolve(ctx context.Context, code string) (string, bool, error) {
	id, err := c.redis.Get(ctx, c.key(code)).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get code: %w", err)
	}
	return id, true, nil
}

func (c *codes) Release(ctx context.Context, code, sessionID string) error {
	var err error
	for i := 0; i < releaseCodeRetry; i++ {
		if err = releaseScript.Run(ctx, c.redis, []string{c.key(code)}, sessionID).Err(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("release code: %w", err)
}

func (c *codes) key(code string) string {
	return fmt.Sprintf("%s:code:%s", c.prefix, code)
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
