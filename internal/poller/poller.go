// Package poller drives one or more power stations on a fixed cadence: it
// refreshes telemetry, applies queued controls and tracks availability.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/privatejack/internal/ble"
	"github.com/chaz8081/privatejack/internal/ble/protocol"
)

// Refresher is the part of ble.Client the poller needs.
type Refresher interface {
	Address() string
	Refresh(ctx context.Context) (*ble.Snapshot, error)
	Send(ctx context.Context, ctl protocol.Control) (ble.Ack, error)
	Close(ctx context.Context) error
}

var _ Refresher = (*ble.Client)(nil)

// ErrQueueFull is returned by Enqueue when too many controls are pending.
var ErrQueueFull = errors.New("poller: command queue full")

// Update is published after every poll cycle. A failed cycle carries no
// snapshot so callers never show stale values.
type Update struct {
	Address   string
	Available bool
	Snapshot  *ble.Snapshot
	Err       error
	At        time.Time
}

// Options configures a Poller.
type Options struct {
	Interval  time.Duration // 30s when zero
	Settle    time.Duration // pause between controls and the refresh that follows
	QueueSize int           // 16 when zero
	OnUpdate  func(Update)
	OnCommand func(ctl protocol.Control, err error)
	Logger    *slog.Logger
}

// Poller runs the cycle for one device. The device link is never touched
// concurrently: everything happens on the Run goroutine.
type Poller struct {
	r    Refresher
	opts Options
	log  *slog.Logger
	wake chan struct{}

	mu        sync.Mutex
	pending   []protocol.Control
	available bool
	last      *ble.Snapshot
	lastErr   error
}

// New returns a poller for r.
func New(r Refresher, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		r:    r,
		opts: opts,
		log:  opts.Logger.With("address", r.Address()),
		wake: make(chan struct{}, 1),
	}
}

// Address returns the device address.
func (p *Poller) Address() string { return p.r.Address() }

// Enqueue queues ctl for the next cycle and wakes the loop.
func (p *Poller) Enqueue(ctl protocol.Control) error {
	if err := ctl.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	if len(p.pending) >= p.opts.QueueSize {
		p.mu.Unlock()
		return ErrQueueFull
	}
	p.pending = append(p.pending, ctl)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued controls.
func (p *Poller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Available reports whether the last cycle succeeded.
func (p *Poller) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Last returns the latest snapshot, or nil and the cause while unavailable.
func (p *Poller) Last() (*ble.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.available {
		return nil, p.lastErr
	}
	return p.last, nil
}

// Run polls immediately and then every Interval until ctx is done, at which
// point the link is closed. Cancellation is not an error.
func (p *Poller) Run(ctx context.Context) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.r.Close(closeCtx); err != nil {
			p.log.Warn("[POLL] close failed", "error", err)
		}
	}()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.log.Info("[POLL] started", "interval", p.opts.Interval)
	for {
		p.Cycle(ctx)
		select {
		case <-ctx.Done():
			p.log.Info("[POLL] stopped")
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Cycle runs one poll: queued controls first, then a refresh. All
// reconnects in a cycle share one attempt budget, and once the device
// proves unreachable the rest of the cycle is skipped.
func (p *Poller) Cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx = ble.WithAttemptBudget(ctx)
	if cmds := p.takePending(); len(cmds) > 0 {
		if !p.Available() {
			// controls need a live link
			if err := p.refresh(ctx); err != nil {
				p.abandon(cmds, err)
				return
			}
		}
		for i, ctl := range cmds {
			if err := p.send(ctx, ctl); err != nil {
				p.abandon(cmds[i+1:], err)
				return
			}
		}
		if err := sleep(ctx, p.opts.Settle); err != nil {
			return
		}
	}
	p.refresh(ctx)
}

func (p *Poller) takePending() []protocol.Control {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmds := p.pending
	p.pending = nil
	return cmds
}

// send writes ctl, reconnecting once if the link was down. It returns an
// error only when that reconnect failed.
func (p *Poller) send(ctx context.Context, ctl protocol.Control) error {
	_, err := p.r.Send(ctx, ctl)
	if errors.Is(err, ble.ErrNotConnected) && ctx.Err() == nil {
		if rerr := p.refresh(ctx); rerr != nil {
			p.report(ctl, rerr)
			return rerr
		}
		_, err = p.r.Send(ctx, ctl)
	}
	p.report(ctl, err)
	return nil
}

// abandon fails controls the cycle could not reach the device for.
func (p *Poller) abandon(cmds []protocol.Control, cause error) {
	for _, ctl := range cmds {
		p.report(ctl, cause)
	}
}

func (p *Poller) report(ctl protocol.Control, err error) {
	if err != nil {
		p.log.Warn("[POLL] control failed", "control", ctl.String(), "error", err)
	} else {
		p.log.Info("[POLL] control applied", "control", ctl.String())
	}
	if p.opts.OnCommand != nil {
		p.opts.OnCommand(ctl, err)
	}
}

func (p *Poller) refresh(ctx context.Context) error {
	snap, err := p.r.Refresh(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	u := Update{Address: p.r.Address(), At: time.Now()}
	p.mu.Lock()
	wasAvailable := p.available
	if err != nil {
		p.available, p.last, p.lastErr = false, nil, err
		u.Err = err
	} else {
		p.available, p.last, p.lastErr = true, snap, nil
		u.Available, u.Snapshot, u.At = true, snap, snap.At
	}
	p.mu.Unlock()

	switch {
	case err != nil && wasAvailable:
		p.log.Warn("[POLL] device unavailable", "error", err)
	case err != nil:
		p.log.Debug("[POLL] refresh failed", "error", err)
	case !wasAvailable:
		p.log.Info("[POLL] device available", "properties", len(snap.Props))
	}
	if p.opts.OnUpdate != nil {
		p.opts.OnUpdate(u)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (u Update) String() string {
	if !u.Available {
		return fmt.Sprintf("%s unavailable: %v", u.Address, u.Err)
	}
	return fmt.Sprintf("%s %d properties", u.Address, len(u.Snapshot.Props))
}
