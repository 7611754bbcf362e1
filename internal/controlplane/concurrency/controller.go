// Package concurrency enforces multi-scope execution caps. Every running
// task holds one Permit spanning the global cap, its group cap, its
// environment cap, and the stricter production cap when applicable.
package concurrency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrRateLimited is returned when a permit cannot be granted under the
// configured strategy.
var ErrRateLimited = errors.New("concurrency limit exceeded")

// Strategy selects the behaviour when a cap is saturated.
type Strategy string

const (
	// StrategyReject fails immediately.
	StrategyReject Strategy = "reject"
	// StrategyWait blocks up to AcquireTimeout.
	StrategyWait Strategy = "wait"
	// StrategyQueue enqueues FIFO up to QueueMaxLength, then rejects.
	StrategyQueue Strategy = "queue"
)

// Limits holds the per-scope caps. A value <= 0 means unlimited.
type Limits struct {
	Global      int `json:"global" yaml:"global"`
	Group       int `json:"group" yaml:"group"`
	Environment int `json:"environment" yaml:"environment"`
	Production  int `json:"production" yaml:"production"`
}

// Config configures the controller.
type Config struct {
	Strategy       Strategy      `json:"strategy" yaml:"strategy"`
	Limits         Limits        `json:"limits" yaml:"limits"`
	AcquireTimeout time.Duration `json:"acquire_timeout" yaml:"acquire_timeout"`
	QueueMaxLength int           `json:"queue_max_length" yaml:"queue_max_length"`
}

// DefaultConfig caps global concurrency at 100 with wait semantics.
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyWait,
		Limits:         Limits{Global: 100, Group: 20, Environment: 50, Production: 5},
		AcquireTimeout: 30 * time.Second,
		QueueMaxLength: 256,
	}
}

// Permit is a granted acquisition. Release returns the counted slots; it is
// idempotent and must be called on every exit path.
type Permit struct {
	c     *Controller
	group string
	env   string
	prod  bool
	once  sync.Once
}

// Release returns the permit's slots and wakes eligible waiters.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() { p.c.release(p) })
}

type waiter struct {
	group string
	env   string
	prod  bool
	ready chan *Permit
}

// Controller owns the in-memory counters, keyed by scope. Counters are
// reconstructible from configuration at startup; nothing is persisted.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	global  int
	groups  map[string]int
	envs    map[string]int
	prod    int
	waiters []*waiter
}

// NewController creates a controller from config.
func NewController(cfg Config) *Controller {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyReject
	}
	return &Controller{
		cfg:    cfg,
		groups: make(map[string]int),
		envs:   make(map[string]int),
	}
}

// Acquire grants one permit covering all applicable scopes, or fails with
// ErrRateLimited per the configured strategy. Permits are not reentrant:
// a task holds exactly one.
func (c *Controller) Acquire(ctx context.Context, group, environment string) (*Permit, error) {
	prod := strings.EqualFold(environment, "production")

	c.mu.Lock()
	if c.grantLocked(group, environment, prod) {
		c.mu.Unlock()
		return &Permit{c: c, group: group, env: environment, prod: prod}, nil
	}

	switch c.cfg.Strategy {
	case StrategyReject:
		c.mu.Unlock()
		return nil, ErrRateLimited

	case StrategyWait:
		w := &waiter{group: group, env: environment, prod: prod, ready: make(chan *Permit, 1)}
		c.waiters = append(c.waiters, w)
		c.mu.Unlock()

		timeout := c.cfg.AcquireTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case p := <-w.ready:
			return p, nil
		case <-timer.C:
			c.abandon(w)
			return nil, ErrRateLimited
		case <-ctx.Done():
			c.abandon(w)
			return nil, ctx.Err()
		}

	case StrategyQueue:
		if len(c.waiters) >= c.cfg.QueueMaxLength {
			c.mu.Unlock()
			return nil, ErrRateLimited
		}
		w := &waiter{group: group, env: environment, prod: prod, ready: make(chan *Permit, 1)}
		c.waiters = append(c.waiters, w)
		c.mu.Unlock()

		select {
		case p := <-w.ready:
			return p, nil
		case <-ctx.Done():
			c.abandon(w)
			return nil, ctx.Err()
		}

	default:
		c.mu.Unlock()
		return nil, ErrRateLimited
	}
}

// grantLocked checks every applicable cap and, if all fit, takes the slots.
func (c *Controller) grantLocked(group, environment string, prod bool) bool {
	if l := c.cfg.Limits.Global; l > 0 && c.global >= l {
		return false
	}
	if l := c.cfg.Limits.Group; l > 0 && group != "" && c.groups[group] >= l {
		return false
	}
	if l := c.cfg.Limits.Environment; l > 0 && environment != "" && c.envs[environment] >= l {
		return false
	}
	if l := c.cfg.Limits.Production; l > 0 && prod && c.prod >= l {
		return false
	}

	c.global++
	if group != "" {
		c.groups[group]++
	}
	if environment != "" {
		c.envs[environment]++
	}
	if prod {
		c.prod++
	}
	return true
}

func (c *Controller) release(p *Permit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.global > 0 {
		c.global--
	}
	if p.group != "" && c.groups[p.group] > 0 {
		c.groups[p.group]--
		if c.groups[p.group] == 0 {
			delete(c.groups, p.group)
		}
	}
	if p.env != "" && c.envs[p.env] > 0 {
		c.envs[p.env]--
		if c.envs[p.env] == 0 {
			delete(c.envs, p.env)
		}
	}
	if p.prod && c.prod > 0 {
		c.prod--
	}

	c.wakeLocked()
}

// wakeLocked grants permits to queued waiters, in FIFO order, for every
// waiter whose scopes now fit.
func (c *Controller) wakeLocked() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if c.grantLocked(w.group, w.env, w.prod) {
			w.ready <- &Permit{c: c, group: w.group, env: w.env, prod: w.prod}
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}

// abandon removes a waiter that gave up. If the grant raced the timeout the
// granted permit is released again.
func (c *Controller) abandon(w *waiter) {
	c.mu.Lock()
	for i, cand := range c.waiters {
		if cand == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	select {
	case p := <-w.ready:
		p.Release()
	default:
	}
}

// Running returns the current global running count.
func (c *Controller) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global
}

// QueueDepth returns the number of queued waiters.
func (c *Controller) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
