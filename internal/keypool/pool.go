package keypool

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"gemigate/internal/apierror"
)

// Pool resolves the set of upstream keys a request may use.
//
// Multi-key mode: a caller presenting several keys supplies its own pool and
// is taken at its word. Single-key mode: the key must be on the allow-list,
// and if it is, the process-wide backup pool is substituted so one trusted
// caller gets load-balanced capacity.
type Pool struct {
	trusted map[string]struct{}
	backup  []string
	store   Store
	logger  *zap.Logger
}

func NewPool(trustedKeys, backupKeys []string, store Store, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	trusted := make(map[string]struct{}, len(trustedKeys))
	for _, k := range trustedKeys {
		if k = strings.TrimSpace(k); k != "" {
			trusted[k] = struct{}{}
		}
	}
	return &Pool{
		trusted: trusted,
		backup:  backupKeys,
		store:   store,
		logger:  logger,
	}
}

// Store exposes the revocation store for the dispatcher.
func (p *Pool) Store() Store {
	return p.store
}

// Effective returns the keys a request may dispatch with. Order is
// significant: it is the rotation order.
func (p *Pool) Effective(presented []string) ([]string, error) {
	if len(presented) == 0 {
		return nil, apierror.MissingAPIKey()
	}
	if len(presented) > 1 {
		p.logger.Debug("multi-key mode", zap.Int("keys", len(presented)))
		return presented, nil
	}

	key := presented[0]
	if _, ok := p.trusted[key]; !ok {
		p.logger.Warn("untrusted single key rejected", zap.String("key", Mask(key)))
		return nil, apierror.Untrusted()
	}

	if len(p.backup) == 0 {
		p.logger.Warn("no backup pool configured, using single trusted key",
			zap.String("key", Mask(key)),
		)
		return presented, nil
	}

	p.logger.Debug("backup pool enabled",
		zap.String("key", Mask(key)),
		zap.Int("backup_keys", len(p.backup)),
	)
	return p.backup, nil
}

// Live returns keys minus the revocation set, preserving order. An empty
// result is fatal for the request; callers must fail loudly rather than
// dispatch with a revoked key.
func (p *Pool) Live(ctx context.Context, keys []string) []string {
	live := make([]string, 0, len(keys))
	for _, k := range keys {
		revoked, err := p.store.IsRevoked(ctx, k)
		if err != nil {
			// Store errors degrade to treating the key as live; refusing to
			// dispatch at all would turn a store outage into a full outage.
			p.logger.Warn("revocation check failed", zap.String("key", Mask(k)), zap.Error(err))
			live = append(live, k)
			continue
		}
		if !revoked {
			live = append(live, k)
		}
	}
	return live
}

// Mask redacts a key for logging: first 8 and last 8 characters survive.
func Mask(key string) string {
	const prefixLen, suffixLen = 8, 8
	if key == "" {
		return "[empty]"
	}
	if len(key) <= prefixLen+suffixLen {
		return strings.Repeat("*", len(key))
	}
	return key[:prefixLen] + "..." + key[len(key)-suffixLen:]
}
