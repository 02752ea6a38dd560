// Package pool bounds and reuses logical HTTP connections per AWS service
// endpoint. The pooling unit identity is service:region.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatti/awsperf/internal/platform/observability"
	"github.com/gatti/awsperf/internal/platform/resilience"
)

var (
	// ErrExhausted is returned when the per-endpoint cap is reached and the
	// caller asked to fail fast (or the acquire timeout elapsed). Callers
	// may fall back to an unpooled call.
	ErrExhausted = errors.New("pool: endpoint connection cap reached")

	// ErrValidationFailed is returned when a connection fails its liveness
	// check and no replacement could be created.
	ErrValidationFailed = errors.New("pool: connection validation failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pool: closed")
)

// State is the lifecycle state of a pooled connection.
type State int

const (
	// StateIdle means the connection is in the pool awaiting reuse
	StateIdle State = iota
	// StateActive means the connection is checked out by a caller
	StateActive
)

// Conn is a logical connection to one AWS service endpoint: a dedicated
// http.Client whose transport keeps its own TCP/TLS sessions.
type Conn struct {
	id           uint64
	endpointKey  string
	service      string
	region       string
	client       *http.Client
	createdAt    time.Time
	lastUsedAt   time.Time
	requestCount int64
	state        State
	broken       atomic.Bool
}

// Client returns the underlying HTTP client.
func (c *Conn) Client() *http.Client {
	return c.client
}

// EndpointKey returns the service:region identity of the connection.
func (c *Conn) EndpointKey() string {
	return c.endpointKey
}

// RequestCount returns how many times the connection has been acquired.
func (c *Conn) RequestCount() int64 {
	return atomic.LoadInt64(&c.requestCount)
}

// MarkBroken flags the connection so Release removes it instead of
// returning it to the idle set.
func (c *Conn) MarkBroken() {
	c.broken.Store(true)
}

// Config holds pool configuration.
type Config struct {
	MaxPerEndpoint    int
	MaxIdle           time.Duration
	ConnectTimeout    time.Duration
	ValidateTimeout   time.Duration
	KeepAliveInterval time.Duration
	AcquireTimeout    time.Duration

	// Block makes Acquire wait (bounded by AcquireTimeout) when the cap is
	// reached instead of returning ErrExhausted immediately.
	Block bool

	// EndpointOverride routes every endpoint to a fixed base URL
	// (LocalStack and tests).
	EndpointOverride string

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// Validator overrides the default HTTPS reachability probe.
	Validator Validator
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Endpoints          map[string]EndpointStats `json:"endpoints"`
	Created            int64                    `json:"created"`
	Removed            int64                    `json:"removed"`
	Exhaustions        int64                    `json:"exhaustions"`
	ValidationFailures int64                    `json:"validation_failures"`
}

// EndpointStats holds per-endpoint connection counts.
type EndpointStats struct {
	Active int `json:"active"`
	Idle   int `json:"idle"`
}

// waiter receives an idle connection from a releaser, or nil when the
// releaser's slot transferred and the waiter should dial its own. Either
// token carries ownership of one cap slot.
type waiter chan *Conn

type endpoint struct {
	key     string
	service string
	region  string

	mu      sync.Mutex
	count   int // active + idle, never exceeds MaxPerEndpoint
	idle    []*Conn
	waiters []waiter

	breaker *resilience.CircuitBreaker
}

// Pool manages connections for all endpoints.
type Pool struct {
	cfg       Config
	validator Validator
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu        sync.Mutex
	endpoints map[string]*endpoint
	closed    bool

	nextID             atomic.Uint64
	created            atomic.Int64
	removed            atomic.Int64
	exhaustions        atomic.Int64
	validationFailures atomic.Int64

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a pool and starts the keep-alive sweeper.
func New(cfg Config) *Pool {
	if cfg.MaxPerEndpoint <= 0 {
		cfg.MaxPerEndpoint = 10
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 300 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = 5 * time.Second
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 60 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &observability.Metrics{}
	}

	validator := cfg.Validator
	if validator == nil {
		validator = NewHTTPValidator(cfg.ValidateTimeout, cfg.EndpointOverride)
	}

	p := &Pool{
		cfg:       cfg,
		validator: validator,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		endpoints: make(map[string]*endpoint),
		stopCh:    make(chan struct{}),
	}

	go p.sweepLoop()

	return p
}

// Acquire returns a connection for the endpoint, reusing a validated idle
// one, creating a new one under the cap, or waiting for a release when
// blocking is enabled.
func (p *Pool) Acquire(ctx context.Context, service, region string) (*Conn, error) {
	ep, err := p.endpoint(service, region)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(p.cfg.AcquireTimeout)

	for {
		conn, w, err := p.tryAcquire(ep)
		if err != nil {
			p.exhaustions.Add(1)
			p.metrics.RecordPoolAcquire(ctx, ep.key, "exhausted")
			return nil, err
		}

		if w != nil {
			// Cap reached: wait for a released connection, or a transferred
			// slot (nil conn) that lets us dial our own
			conn, err = p.wait(ctx, ep, w, deadline)
			if err != nil {
				p.exhaustions.Add(1)
				p.metrics.RecordPoolAcquire(ctx, ep.key, "exhausted")
				return nil, err
			}
		}

		if conn != nil {
			// Reused idle connection: check liveness before handing it out
			if err := p.validate(ctx, ep, conn); err != nil {
				p.destroy(ep, conn)
				continue
			}
			p.checkout(conn)
			p.metrics.RecordPoolAcquire(ctx, ep.key, "reused")
			return conn, nil
		}

		// Under the cap: create a fresh connection
		conn, err = p.dial(ctx, ep)
		if err != nil {
			p.release(ep, nil) // return the reserved slot
			p.metrics.RecordPoolAcquire(ctx, ep.key, "dial_failed")
			return nil, err
		}
		p.checkout(conn)
		p.metrics.RecordPoolAcquire(ctx, ep.key, "created")
		return conn, nil
	}
}

// Release marks the connection idle and returns it to the pool. A broken
// connection is removed instead.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	ep, err := p.endpoint(conn.service, conn.region)
	if err != nil {
		return
	}

	if conn.broken.Load() {
		p.destroy(ep, conn)
		return
	}

	conn.state = StateIdle
	conn.lastUsedAt = time.Now()
	p.release(ep, conn)
}

// Validate runs the liveness check against the connection's endpoint.
func (p *Pool) Validate(ctx context.Context, conn *Conn) error {
	ep, err := p.endpoint(conn.service, conn.region)
	if err != nil {
		return err
	}
	return p.validate(ctx, ep, conn)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	endpoints := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		endpoints = append(endpoints, ep)
	}
	p.mu.Unlock()

	stats := Stats{
		Endpoints:          make(map[string]EndpointStats, len(endpoints)),
		Created:            p.created.Load(),
		Removed:            p.removed.Load(),
		Exhaustions:        p.exhaustions.Load(),
		ValidationFailures: p.validationFailures.Load(),
	}

	for _, ep := range endpoints {
		ep.mu.Lock()
		stats.Endpoints[ep.key] = EndpointStats{
			Active: ep.count - len(ep.idle),
			Idle:   len(ep.idle),
		}
		ep.mu.Unlock()
	}
	return stats
}

// Close stops the sweeper and drops all idle connections.
func (p *Pool) Close() {
	p.stopped.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	p.closed = true
	endpoints := p.endpoints
	p.endpoints = make(map[string]*endpoint)
	p.mu.Unlock()

	for _, ep := range endpoints {
		ep.mu.Lock()
		for _, conn := range ep.idle {
			conn.client.CloseIdleConnections()
		}
		ep.idle = nil
		for _, w := range ep.waiters {
			close(w)
		}
		ep.waiters = nil
		ep.mu.Unlock()
	}

	p.logger.Info("connection pool closed")
}

func (p *Pool) endpoint(service, region string) (*endpoint, error) {
	key := service + ":" + region

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	ep, ok := p.endpoints[key]
	if !ok {
		ep = &endpoint{
			key:     key,
			service: service,
			region:  region,
			breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
				Name:             key,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
				OnStateChange: func(from, to resilience.State) {
					p.logger.Warn("endpoint circuit breaker state changed",
						"endpoint", key, "from", from.String(), "to", to.String())
				},
			}),
		}
		p.endpoints[key] = ep
	}
	return ep, nil
}

// tryAcquire returns, in order of preference: an idle connection, a nil
// conn with a reserved slot (create your own), or a waiter when the cap is
// reached and blocking is enabled.
func (p *Pool) tryAcquire(ep *endpoint) (*Conn, waiter, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if n := len(ep.idle); n > 0 {
		conn := ep.idle[n-1]
		ep.idle = ep.idle[:n-1]
		return conn, nil, nil
	}

	if ep.count < p.cfg.MaxPerEndpoint {
		ep.count++ // reserve the slot; dial happens outside the lock
		return nil, nil, nil
	}

	if !p.cfg.Block {
		return nil, nil, fmt.Errorf("%w: %s", ErrExhausted, ep.key)
	}

	w := make(waiter, 1)
	ep.waiters = append(ep.waiters, w)
	return nil, w, nil
}

// wait blocks on the waiter until a connection or a transferred slot
// arrives.
func (p *Pool) wait(ctx context.Context, ep *endpoint, w waiter, deadline time.Time) (*Conn, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case conn, ok := <-w:
		if !ok {
			return nil, ErrClosed
		}
		return conn, nil
	case <-timer.C:
		p.abandonWaiter(ep, w)
		return nil, fmt.Errorf("%w: %s (acquire timeout)", ErrExhausted, ep.key)
	case <-ctx.Done():
		p.abandonWaiter(ep, w)
		return nil, ctx.Err()
	}
}

// abandonWaiter removes w from the queue. When w is no longer queued, a
// releaser already handed it a token; the handoff happens under ep.mu, so
// by the time the scan misses the token is guaranteed to be buffered (or
// the channel closed by Close) and it is drained and put back into
// rotation. Without that guarantee a token sent between the scan and the
// drain would strand its slot in an unread channel.
func (p *Pool) abandonWaiter(ep *endpoint, w waiter) {
	ep.mu.Lock()
	for i, queued := range ep.waiters {
		if queued == w {
			ep.waiters = append(ep.waiters[:i], ep.waiters[i+1:]...)
			ep.mu.Unlock()
			return
		}
	}
	conn, ok := <-w
	ep.mu.Unlock()

	if !ok {
		return
	}
	if conn != nil {
		conn.state = StateIdle
	}
	p.release(ep, conn)
}

// release hands the connection, or its freed slot when conn is nil, to the
// oldest waiter, or returns it to the idle set. The waiter send happens
// under ep.mu (the channel is buffered, so it never blocks) to keep the
// queue removal and the handoff atomic with respect to abandonWaiter.
func (p *Pool) release(ep *endpoint, conn *Conn) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if len(ep.waiters) > 0 {
		w := ep.waiters[0]
		ep.waiters = ep.waiters[1:]
		w <- conn // slot ownership transfers with the token
		return
	}

	if conn == nil {
		ep.count--
		return
	}

	ep.idle = append(ep.idle, conn)
}

// dial creates and validates a new connection through the endpoint's
// circuit breaker, with a bounded retry for transient failures.
func (p *Pool) dial(ctx context.Context, ep *endpoint) (*Conn, error) {
	retryCfg := resilience.RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      0.1,
	}

	conn, err := resilience.RetryIfWithResult(ctx, retryCfg, resilience.IsRetryable,
		func(ctx context.Context) (*Conn, error) {
			var conn *Conn
			err := ep.breaker.Execute(ctx, func(ctx context.Context) error {
				c := p.newConn(ep)
				if err := p.validator.Validate(ctx, ep.service, ep.region, c.client); err != nil {
					p.validationFailures.Add(1)
					return fmt.Errorf("%w: %v", ErrValidationFailed, err)
				}
				conn = c
				return nil
			})
			return conn, err
		})
	if err != nil {
		return nil, err
	}

	p.created.Add(1)
	p.logger.Debug("created pooled connection", "endpoint", ep.key, "id", conn.id)
	return conn, nil
}

func (p *Pool) newConn(ep *endpoint) *Conn {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   p.cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: p.cfg.ConnectTimeout,
		MaxIdleConns:        2,
		IdleConnTimeout:     p.cfg.MaxIdle,
	}

	now := time.Now()
	return &Conn{
		id:          p.nextID.Add(1),
		endpointKey: ep.key,
		service:     ep.service,
		region:      ep.region,
		client:      &http.Client{Transport: transport},
		createdAt:   now,
		lastUsedAt:  now,
	}
}

func (p *Pool) checkout(conn *Conn) {
	conn.state = StateActive
	conn.lastUsedAt = time.Now()
	atomic.AddInt64(&conn.requestCount, 1)
}

// validate runs the liveness probe through the endpoint circuit breaker.
func (p *Pool) validate(ctx context.Context, ep *endpoint, conn *Conn) error {
	err := ep.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.validator.Validate(ctx, ep.service, ep.region, conn.client)
	})
	if err != nil {
		p.validationFailures.Add(1)
		if p.metrics.PoolValidationFail != nil {
			p.metrics.PoolValidationFail.Add(ctx, 1)
		}
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return nil
}

// destroy removes the connection and frees its slot.
func (p *Pool) destroy(ep *endpoint, conn *Conn) {
	conn.client.CloseIdleConnections()
	p.removed.Add(1)
	p.release(ep, nil)
}

// sweepLoop validates idle connections and expires stale ones.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.KeepAliveInterval)
	defer cancel()

	p.mu.Lock()
	endpoints := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		endpoints = append(endpoints, ep)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, ep := range endpoints {
		ep.mu.Lock()
		idle := ep.idle
		ep.idle = nil
		ep.mu.Unlock()

		for _, conn := range idle {
			if now.Sub(conn.lastUsedAt) > p.cfg.MaxIdle {
				p.logger.Debug("expiring idle connection", "endpoint", ep.key, "id", conn.id)
				p.destroy(ep, conn)
				continue
			}
			if err := p.validate(ctx, ep, conn); err != nil {
				p.logger.Debug("removing idle connection after failed validation",
					"endpoint", ep.key, "id", conn.id, "error", err)
				p.destroy(ep, conn)
				continue
			}
			p.release(ep, conn)
		}
	}
}
