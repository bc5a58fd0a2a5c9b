package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"overseer/internal/logging"
)

var (
	// ErrCheckoutTimeout reports that no agent freed up within the window.
	ErrCheckoutTimeout = errors.New("agent checkout timed out")
	// ErrPoolShutdown reports a checkout against a stopped pool.
	ErrPoolShutdown = errors.New("agent pool is shut down")
)

// Agent is one pooled warm agent.
type Agent interface {
	ID() string
	Dispose() error
}

// Factory creates warm agents for the pool.
type Factory func(id string) (Agent, error)

// PoolConfig tunes the agent pool.
type PoolConfig struct {
	MinSize          int
	MaxSize          int
	WarmupInterval   time.Duration
	IdleTimeout      time.Duration
	CheckoutTimeout  time.Duration
	RecycleAfterUses int
}

type pooledAgent struct {
	agent     Agent
	uses      int
	idleSince time.Time
}

// Pool keeps warm agents ready for delegation so spawn latency stays off the
// critical path. Checkouts are FIFO over idle agents, growing to MaxSize on
// demand; callers past capacity queue until the checkout timeout.
type Pool struct {
	mu      sync.Mutex
	cfg     PoolConfig
	factory Factory

	idle    []*pooledAgent
	inUse   map[string]*pooledAgent
	waiters []chan *pooledAgent
	seq     int
	closed  bool
	stop    chan struct{}
	warmWG  sync.WaitGroup

	checkouts int64
	created   int64
	recycled  int64
	disposed  int64
}

// NewPool builds an empty pool. Call Initialize to prewarm it.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 8
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 10 * time.Second
	}
	if cfg.RecycleAfterUses <= 0 {
		cfg.RecycleAfterUses = 20
	}
	return &Pool{
		cfg:   cfg,
		inUse: make(map[string]*pooledAgent),
		stop:  make(chan struct{}),
	}
}

// Initialize installs the factory, prewarms MinSize agents, and starts the
// background warmup loop.
func (p *Pool) Initialize(factory Factory) error {
	p.mu.Lock()
	p.factory = factory
	for p.sizeLocked() < p.cfg.MinSize {
		if _, err := p.createLocked(); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("pool prewarm failed: %w", err)
		}
	}
	p.mu.Unlock()

	if p.cfg.WarmupInterval > 0 {
		p.warmWG.Add(1)
		go p.warmLoop()
	}
	logging.Hierarchy("agent pool initialized: min=%d max=%d", p.cfg.MinSize, p.cfg.MaxSize)
	return nil
}

// warmLoop tops the pool back up to MinSize and retires agents idle past the
// idle timeout, never dropping below MinSize.
func (p *Pool) warmLoop() {
	defer p.warmWG.Done()
	ticker := time.NewTicker(p.cfg.WarmupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return
			}
			for p.sizeLocked() < p.cfg.MinSize {
				if _, err := p.createLocked(); err != nil {
					logging.Get(logging.CategoryHierarchy).Warn("pool warmup create failed: %v", err)
					break
				}
			}
			if p.cfg.IdleTimeout > 0 {
				cutoff := time.Now().Add(-p.cfg.IdleTimeout)
				removable := p.sizeLocked() - p.cfg.MinSize
				kept := make([]*pooledAgent, 0, len(p.idle))
				for _, pa := range p.idle {
					if removable > 0 && pa.idleSince.Before(cutoff) {
						p.disposeLocked(pa)
						removable--
						continue
					}
					kept = append(kept, pa)
				}
				p.idle = kept
			}
			p.mu.Unlock()
		}
	}
}

func (p *Pool) sizeLocked() int { return len(p.idle) + len(p.inUse) }

// createLocked builds a fresh idle agent. Caller holds mu.
func (p *Pool) createLocked() (*pooledAgent, error) {
	p.seq++
	id := fmt.Sprintf("pooled-%d", p.seq)
	agent, err := p.factory(id)
	if err != nil {
		p.seq--
		return nil, err
	}
	pa := &pooledAgent{agent: agent, idleSince: time.Now()}
	p.idle = append(p.idle, pa)
	p.created++
	logging.HierarchyDebug("pool created agent %s", id)
	return pa, nil
}

func (p *Pool) disposeLocked(pa *pooledAgent) {
	if err := pa.agent.Dispose(); err != nil {
		logging.Get(logging.CategoryHierarchy).Warn("agent %s dispose failed: %v", pa.agent.ID(), err)
	}
	p.disposed++
}

// Checkout leases an agent: oldest idle first, then a fresh agent while under
// MaxSize, then a FIFO wait until one frees up or the checkout timeout fires.
func (p *Pool) Checkout(ctx context.Context) (Agent, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	if len(p.idle) > 0 {
		pa := p.idle[0]
		p.idle = p.idle[1:]
		p.inUse[pa.agent.ID()] = pa
		p.checkouts++
		p.mu.Unlock()
		return pa.agent, nil
	}
	if p.sizeLocked() < p.cfg.MaxSize && p.factory != nil {
		pa, err := p.createLocked()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.idle = p.idle[:len(p.idle)-1] // createLocked parked it idle
		p.inUse[pa.agent.ID()] = pa
		p.checkouts++
		p.mu.Unlock()
		return pa.agent, nil
	}

	waiter := make(chan *pooledAgent, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.CheckoutTimeout)
	defer timer.Stop()
	select {
	case pa, ok := <-waiter:
		if !ok {
			return nil, ErrPoolShutdown
		}
		return pa.agent, nil
	case <-timer.C:
		p.removeWaiter(waiter)
		// A handoff may have raced the timer.
		select {
		case pa, ok := <-waiter:
			if ok {
				return pa.agent, nil
			}
		default:
		}
		return nil, ErrCheckoutTimeout
	case <-ctx.Done():
		p.removeWaiter(waiter)
		select {
		case pa, ok := <-waiter:
			if ok {
				return pa.agent, nil
			}
		default:
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(w chan *pooledAgent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.waiters {
		if existing == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// CheckinResult reports how a lease went.
type CheckinResult struct {
	Success bool
}

// Checkin returns a leased agent. Failed or worn-out agents are disposed and
// replaced rather than going back idle.
func (p *Pool) Checkin(id string, res CheckinResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pa, ok := p.inUse[id]
	if !ok {
		return fmt.Errorf("agent %q is not checked out", id)
	}
	delete(p.inUse, id)
	pa.uses++

	if !res.Success || pa.uses >= p.cfg.RecycleAfterUses {
		p.disposeLocked(pa)
		p.recycled++
		logging.HierarchyDebug("recycled agent %s after %d uses (success=%v)", id, pa.uses, res.Success)
		if p.factory != nil && !p.closed {
			fresh, err := p.createLocked()
			if err != nil {
				logging.Get(logging.CategoryHierarchy).Warn("recycle replacement failed: %v", err)
				return nil
			}
			p.idle = p.idle[:len(p.idle)-1]
			p.handBackLocked(fresh)
		}
		return nil
	}

	pa.idleSince = time.Now()
	p.handBackLocked(pa)
	return nil
}

// handBackLocked routes a free agent to the oldest waiter or parks it idle.
func (p *Pool) handBackLocked(pa *pooledAgent) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.inUse[pa.agent.ID()] = pa
		p.checkouts++
		w <- pa
		return
	}
	p.idle = append(p.idle, pa)
}

// Shutdown disposes every agent and rejects pending waiters.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	for _, pa := range p.idle {
		p.disposeLocked(pa)
	}
	p.idle = nil
	for id, pa := range p.inUse {
		p.disposeLocked(pa)
		delete(p.inUse, id)
	}
	p.mu.Unlock()

	p.warmWG.Wait()
	logging.Hierarchy("agent pool shut down")
}

// PoolStats is a point-in-time pool snapshot.
type PoolStats struct {
	Size        int     `json:"size"`
	Idle        int     `json:"idle"`
	InUse       int     `json:"inUse"`
	Checkouts   int64   `json:"checkouts"`
	Created     int64   `json:"created"`
	Recycled    int64   `json:"recycled"`
	Disposed    int64   `json:"disposed"`
	HitRate     float64 `json:"hitRate"`     // checkouts served without a create
	Utilization float64 `json:"utilization"` // in-use share of current size
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		Size:      p.sizeLocked(),
		Idle:      len(p.idle),
		InUse:     len(p.inUse),
		Checkouts: p.checkouts,
		Created:   p.created,
		Recycled:  p.recycled,
		Disposed:  p.disposed,
	}
	if p.checkouts > 0 {
		s.HitRate = float64(p.checkouts-p.created) / float64(p.checkouts) * 100
		if s.HitRate < 0 {
			s.HitRate = 0
		}
	}
	if s.Size > 0 {
		s.Utilization = float64(s.InUse) / float64(s.Size) * 100
	}
	return s
}
