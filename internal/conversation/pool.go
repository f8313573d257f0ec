package conversation

import (
	"context"
	"errors"
	"sync"

	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/metrics"
)

// pool holds at most one live driver per kind. An instance is created by the
// first conversation of its kind and torn down when the last one releases it.
type pool struct {
	factory   *driver.Factory
	mu        sync.Mutex
	instances map[driver.Kind]*instance
}

type instance struct {
	drv   driver.Driver
	refs  int
	err   error
	ready chan struct{}
}

func newPool(factory *driver.Factory) *pool {
	return &pool{
		factory:   factory,
		instances: make(map[driver.Kind]*instance),
	}
}

// acquire returns the live driver for kind, constructing it if needed, and
// takes a reference on it. Concurrent acquires of a kind under construction
// wait for that construction instead of starting their own.
func (p *pool) acquire(ctx context.Context, kind driver.Kind, settings driver.Settings) (driver.Driver, error) {
	p.mu.Lock()
	inst, ok := p.instances[kind]
	if ok {
		inst.refs++
		p.mu.Unlock()
		select {
		case <-inst.ready:
		case <-ctx.Done():
			p.drop(ctx, kind, inst)
			return nil, ctx.Err()
		}
		if inst.err != nil {
			return nil, inst.err
		}
		return inst.drv, nil
	}

	inst = &instance{refs: 1, ready: make(chan struct{})}
	p.instances[kind] = inst
	p.mu.Unlock()

	drv, err := p.factory.New(ctx, kind, settings)

	p.mu.Lock()
	inst.drv, inst.err = drv, err
	if err != nil && p.instances[kind] == inst {
		delete(p.instances, kind)
	}
	close(inst.ready)
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	metrics.SetDriverInstances(string(kind), 1)
	return drv, nil
}

// drop gives back a reference taken by an acquire that stopped waiting. The
// instance is torn down if that was the last reference to a built driver.
func (p *pool) drop(ctx context.Context, kind driver.Kind, inst *instance) {
	p.mu.Lock()
	inst.refs--
	var stale driver.Driver
	if inst.refs <= 0 && p.instances[kind] == inst {
		select {
		case <-inst.ready:
			delete(p.instances, kind)
			stale = inst.drv
		default:
		}
	}
	p.mu.Unlock()

	if stale != nil {
		metrics.SetDriverInstances(string(kind), 0)
		_ = stale.Teardown(context.WithoutCancel(ctx))
	}
}

// release drops one reference on drv and tears it down when none remain.
func (p *pool) release(ctx context.Context, kind driver.Kind, drv driver.Driver) error {
	p.mu.Lock()
	inst, ok := p.instances[kind]
	if !ok || inst.drv != drv {
		p.mu.Unlock()
		return nil
	}
	inst.refs--
	if inst.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.instances, kind)
	p.mu.Unlock()

	metrics.SetDriverInstances(string(kind), 0)
	return drv.Teardown(ctx)
}

// teardownAll tears down every constructed instance regardless of references.
func (p *pool) teardownAll(ctx context.Context) error {
	p.mu.Lock()
	var live []*instance
	for kind, inst := range p.instances {
		select {
		case <-inst.ready:
			if inst.drv != nil {
				live = append(live, inst)
			}
			delete(p.instances, kind)
			metrics.SetDriverInstances(string(kind), 0)
		default:
			// Still being built by an Open that holds the admission gate.
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, inst := range live {
		if err := inst.drv.Teardown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// live reports whether an instance of kind exists.
func (p *pool) live(kind driver.Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.instances[kind]
	return ok
}

// size returns the number of kinds with an instance.
func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}
