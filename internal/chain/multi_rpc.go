package chain

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// MultiRPCClient spreads calls over several node endpoints and moves to the
// next one after failThreshold consecutive transport failures. A node that
// answers and rejects a request is not a reason to fail over.
type MultiRPCClient struct {
	clients       []*RPCClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiRPCClient(endpoints []string, apiKey string, perSecond float64, failThreshold int) (*MultiRPCClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("api endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	var limiter *rate.Limiter
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	clients := make([]*RPCClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewRPCClient(ep, apiKey, limiter))
	}
	return &MultiRPCClient{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiRPCClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

func withFailover[T any](ctx context.Context, m *MultiRPCClient, call func(*RPCClient) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		client, idx := m.currentClient()
		out, err := call(client)
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		if !Retryable(err) {
			return zero, err
		}
		lastErr = err
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
		}
	}
	return zero, lastErr
}

func (m *MultiRPCClient) NowBlock(ctx context.Context) (int64, error) {
	return withFailover(ctx, m, func(c *RPCClient) (int64, error) { return c.NowBlock(ctx) })
}

func (m *MultiRPCClient) AccountResource(ctx context.Context, address string) (*AccountResource, error) {
	return withFailover(ctx, m, func(c *RPCClient) (*AccountResource, error) { return c.AccountResource(ctx, address) })
}

func (m *MultiRPCClient) CanDelegatedMaxSize(ctx context.Context, owner, resource string) (int64, error) {
	return withFailover(ctx, m, func(c *RPCClient) (int64, error) { return c.CanDelegatedMaxSize(ctx, owner, resource) })
}

func (m *MultiRPCClient) CreateDelegate(ctx context.Context, owner, receiver string, balance int64, resource string, lock bool, lockPeriod int64) (*Transaction, error) {
	return withFailover(ctx, m, func(c *RPCClient) (*Transaction, error) {
		return c.CreateDelegate(ctx, owner, receiver, balance, resource, lock, lockPeriod)
	})
}

func (m *MultiRPCClient) CreateUndelegate(ctx context.Context, owner, receiver string, balance int64, resource string) (*Transaction, error) {
	return withFailover(ctx, m, func(c *RPCClient) (*Transaction, error) {
		return c.CreateUndelegate(ctx, owner, receiver, balance, resource)
	})
}

// Broadcast does not fail over: a signed transaction that reached one node
// may already be in the mempool, and resending it elsewhere is reported as
// a duplicate.
func (m *MultiRPCClient) Broadcast(ctx context.Context, tx *Transaction) error {
	client, idx := m.currentClient()
	err := client.Broadcast(ctx, tx)
	if err != nil && Retryable(err) {
		m.noteFailure(idx)
		return err
	}
	m.resetFailures(idx)
	return err
}

func (m *MultiRPCClient) TransactionByID(ctx context.Context, txID string) (*Transaction, error) {
	return withFailover(ctx, m, func(c *RPCClient) (*Transaction, error) { return c.TransactionByID(ctx, txID) })
}

func (m *MultiRPCClient) TransactionInfo(ctx context.Context, txID string) (*TransactionInfo, error) {
	return withFailover(ctx, m, func(c *RPCClient) (*TransactionInfo, error) { return c.TransactionInfo(ctx, txID) })
}

func (m *MultiRPCClient) IncomingTransactions(ctx context.Context, address string, limit int) ([]Transaction, error) {
	return withFailover(ctx, m, func(c *RPCClient) ([]Transaction, error) { return c.IncomingTransactions(ctx, address, limit) })
}

func (m *MultiRPCClient) currentClient() (*RPCClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiRPCClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiRPCClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiRPCClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiRPCClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
