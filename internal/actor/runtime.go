// Package actor is an in-process actor runtime: a registry mapping
// (kind, id) to at most one live worker, a mailbox goroutine per active
// worker so commands execute turn-based without locking, and a
// self-rearming tick timer with idle-window deactivation.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Kind names a class of entity actor.
type Kind string

// Key identifies one actor instance.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

// Worker is one entity's synchronization state holder. Activate loads
// durable state from the store and may fail fatally; Tick runs one poll
// cycle; Deactivate flushes durable state back before the instance is
// discarded. All three run on the actor's own goroutine, one at a time.
type Worker interface {
	Activate(ctx context.Context) error
	Tick(ctx context.Context)
	Deactivate(ctx context.Context)
}

// Factory builds the worker for a key. It runs before Activate and may
// reject malformed keys.
type Factory func(key Key) (Worker, error)

var (
	// ErrRuntimeClosed is returned once Shutdown has begun.
	ErrRuntimeClosed = errors.New("actor: runtime is shut down")
	// ErrMailboxFull is returned when an actor's command buffer is
	// saturated; callers may retry later.
	ErrMailboxFull = errors.New("actor: mailbox full")
	// errDeactivated signals internally that a command raced a
	// deactivation and was discarded.
	errDeactivated = errors.New("actor: deactivated")
)

// Runtime owns every active actor instance.
type Runtime struct {
	syncDelay time.Duration

	mu        sync.Mutex
	factories map[Kind]Factory
	active    map[Key]*mailbox
	closed    bool
	wg        sync.WaitGroup
}

// NewRuntime creates a runtime whose actors tick every syncDelay and
// deactivate after an idle window of three sync delays.
func NewRuntime(syncDelay time.Duration) *Runtime {
	return &Runtime{
		syncDelay: syncDelay,
		factories: make(map[Kind]Factory),
		active:    make(map[Key]*mailbox),
	}
}

// Register installs the factory for a kind. Must be called before any
// actor of that kind is activated.
func (rt *Runtime) Register(kind Kind, factory Factory) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.factories[kind] = factory
}

func (rt *Runtime) idleWindow() time.Duration {
	return 3 * rt.syncDelay
}

// SignalInterest activates the actor if needed and refreshes its
// last-interest timestamp. Re-signaling an already-active actor is a
// no-op beyond the timestamp update. Activation failures surface to the
// caller.
func (rt *Runtime) SignalInterest(ctx context.Context, key Key) error {
	for {
		mb, err := rt.ensure(key)
		if err != nil {
			return err
		}
		ok := mb.post(func(ctx context.Context, alive bool) {
			if alive {
				mb.lastInterest = time.Now()
			}
		})
		if ok {
			return nil
		}
		if !rt.Active(key) {
			// Raced a deactivation; activate a fresh instance.
			continue
		}
		return ErrMailboxFull
	}
}

// Invoke runs fn inside the actor's turn, activating the actor if
// needed, and returns fn's error. Used for entity-specific sync
// triggers; fn receives the live worker, which callers type-assert.
func (rt *Runtime) Invoke(ctx context.Context, key Key, fn func(ctx context.Context, w Worker) error) error {
	for {
		mb, err := rt.ensure(key)
		if err != nil {
			return err
		}
		done := make(chan error, 1)
		ok := mb.post(func(ctx context.Context, alive bool) {
			if !alive {
				done <- errDeactivated
				return
			}
			mb.lastInterest = time.Now()
			done <- fn(ctx, mb.worker)
		})
		if !ok {
			if !rt.Active(key) {
				// Raced a deactivation; activate a fresh instance.
				continue
			}
			return ErrMailboxFull
		}
		select {
		case err := <-done:
			if errors.Is(err, errDeactivated) {
				continue
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Active reports whether an actor instance is currently live.
func (rt *Runtime) Active(key Key) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	mb, ok := rt.active[key]
	return ok && !mb.stopped
}

// Shutdown deactivates every live actor, flushing their durable state,
// and waits for their goroutines to finish.
func (rt *Runtime) Shutdown(ctx context.Context) {
	rt.mu.Lock()
	rt.closed = true
	mbs := make([]*mailbox, 0, len(rt.active))
	for _, mb := range rt.active {
		mbs = append(mbs, mb)
	}
	rt.mu.Unlock()

	for _, mb := range mbs {
		mb := mb
		mb.post(func(ctx context.Context, alive bool) {
			if alive {
				mb.deactivate(ctx)
			}
		})
	}
	rt.wg.Wait()
}

// ensure returns the live mailbox for a key, activating a new instance
// when none exists. Concurrent callers for the same key share one
// activation and one activation error.
func (rt *Runtime) ensure(key Key) (*mailbox, error) {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil, ErrRuntimeClosed
	}
	if mb, ok := rt.active[key]; ok {
		rt.mu.Unlock()
		<-mb.ready
		if mb.activationErr != nil {
			return nil, mb.activationErr
		}
		return mb, nil
	}
	factory, ok := rt.factories[key.Kind]
	if !ok {
		rt.mu.Unlock()
		return nil, fmt.Errorf("actor: no factory registered for kind %q", key.Kind)
	}
	mb := &mailbox{
		rt:    rt,
		key:   key,
		cmds:  make(chan command, 64),
		ready: make(chan struct{}),
	}
	rt.active[key] = mb
	rt.wg.Add(1)
	rt.mu.Unlock()

	go mb.run(factory)

	<-mb.ready
	if mb.activationErr != nil {
		return nil, mb.activationErr
	}
	return mb, nil
}

// command executes in the actor's turn. alive is false when the command
// is being discarded because the actor deactivated first.
type command func(ctx context.Context, alive bool)

type mailbox struct {
	rt    *Runtime
	key   Key
	cmds  chan command
	ready chan struct{}

	// set once before ready closes
	worker        Worker
	activationErr error

	// guarded by rt.mu
	stopped bool

	// owned by the mailbox goroutine
	lastInterest time.Time
	timer        *time.Timer
	done         bool
}

func (mb *mailbox) run(factory Factory) {
	defer mb.rt.wg.Done()
	ctx := context.Background()

	worker, err := factory(mb.key)
	if err == nil {
		err = worker.Activate(ctx)
	}
	if err != nil {
		mb.activationErr = err
		mb.remove()
		close(mb.ready)
		mb.drain(ctx)
		return
	}

	mb.worker = worker
	mb.lastInterest = time.Now()
	close(mb.ready)

	// Immediate first tick, then the self-rearming delay loop.
	mb.tick(ctx)

	for !mb.done {
		cmd := <-mb.cmds
		cmd(ctx, true)
	}
	mb.drain(ctx)
}

// tick runs one poll cycle unless the idle window has lapsed, in which
// case the actor deactivates without polling.
func (mb *mailbox) tick(ctx context.Context) {
	if time.Since(mb.lastInterest) > mb.rt.idleWindow() {
		mb.deactivate(ctx)
		return
	}
	mb.worker.Tick(ctx)
	if !mb.done {
		mb.arm()
	}
}

func (mb *mailbox) arm() {
	mb.timer = time.AfterFunc(mb.rt.syncDelay, func() {
		mb.post(func(ctx context.Context, alive bool) {
			if alive {
				mb.tick(ctx)
			}
		})
	})
}

func (mb *mailbox) deactivate(ctx context.Context) {
	mb.remove()
	if mb.timer != nil {
		mb.timer.Stop()
	}
	mb.worker.Deactivate(ctx)
	mb.done = true
	log.Printf("actor: %s deactivated", mb.key)
}

// remove unregisters the mailbox so no further commands can be posted.
func (mb *mailbox) remove() {
	mb.rt.mu.Lock()
	if mb.rt.active[mb.key] == mb {
		delete(mb.rt.active, mb.key)
	}
	mb.stopped = true
	mb.rt.mu.Unlock()
}

// drain discards buffered commands that raced deactivation, letting
// their callers observe the discard instead of blocking.
func (mb *mailbox) drain(ctx context.Context) {
	for {
		select {
		case cmd := <-mb.cmds:
			cmd(ctx, false)
		default:
			return
		}
	}
}

// post enqueues a command unless the mailbox is stopped or full.
func (mb *mailbox) post(cmd command) bool {
	mb.rt.mu.Lock()
	defer mb.rt.mu.Unlock()
	if mb.stopped {
		return false
	}
	select {
	case mb.cmds <- cmd:
		return true
	default:
		return false
	}
}
