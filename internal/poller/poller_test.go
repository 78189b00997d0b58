package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/privatejack/internal/ble"
	"github.com/chaz8081/privatejack/internal/ble/keys"
	"github.com/chaz8081/privatejack/internal/ble/protocol"
)

type fakeRefresher struct {
	address string

	mu        sync.Mutex
	calls     []string
	fail      int // fail this many refreshes
	linked    bool
	sent      []protocol.Control
	closed    int
	refreshed chan struct{}
}

func newFake(address string) *fakeRefresher {
	return &fakeRefresher{address: address, refreshed: make(chan struct{}, 64)}
}

func (f *fakeRefresher) Address() string { return f.address }

func (f *fakeRefresher) Refresh(ctx context.Context) (*ble.Snapshot, error) {
	f.mu.Lock()
	defer func() {
		f.mu.Unlock()
		f.refreshed <- struct{}{}
	}()
	f.calls = append(f.calls, "refresh")
	if f.fail > 0 {
		f.fail--
		f.linked = false
		return nil, ble.ErrTimeout
	}
	f.linked = true
	return &ble.Snapshot{
		Address: f.address,
		Props:   protocol.Properties{"rb": int64(74)},
		At:      time.Now(),
	}, nil
}

func (f *fakeRefresher) Send(ctx context.Context, ctl protocol.Control) (ble.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "send:"+ctl.String())
	if !f.linked {
		return ble.Ack{}, ble.ErrNotConnected
	}
	f.sent = append(f.sent, ctl)
	return ble.Ack{Control: ctl}, nil
}

func (f *fakeRefresher) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.linked = false
	return nil
}

func (f *fakeRefresher) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestCycleTracksAvailability(t *testing.T) {
	f := newFake("dev")
	f.fail = 1
	var updates []Update
	p := New(f, Options{OnUpdate: func(u Update) { updates = append(updates, u) }})

	p.Cycle(context.Background())
	assert.False(t, p.Available())
	snap, err := p.Last()
	assert.Nil(t, snap, "no stale data while unavailable")
	assert.ErrorIs(t, err, ble.ErrTimeout)

	p.Cycle(context.Background())
	assert.True(t, p.Available())
	snap, err = p.Last()
	require.NoError(t, err)
	v, _ := snap.Props.Int("rb")
	assert.Equal(t, int64(74), v)

	require.Len(t, updates, 2)
	assert.False(t, updates[0].Available)
	assert.Nil(t, updates[0].Snapshot)
	assert.True(t, updates[1].Available)
	assert.Contains(t, updates[0].String(), "unavailable")
}

func TestCycleAppliesPendingThenRefreshes(t *testing.T) {
	f := newFake("dev")
	var results []error
	p := New(f, Options{OnCommand: func(_ protocol.Control, err error) { results = append(results, err) }})

	require.NoError(t, p.Enqueue(protocol.Switch(protocol.SetACOutput, true)))
	require.NoError(t, p.Enqueue(protocol.Switch(protocol.SetUPS, false)))
	assert.Equal(t, 2, p.Pending())

	p.Cycle(context.Background())
	assert.Equal(t, []string{"refresh", "send:ac=1", "send:ups=0", "refresh"}, f.snapshot())
	assert.Equal(t, []error{nil, nil}, results)
	assert.Zero(t, p.Pending())
}

func TestSendRetriesAfterLinkLoss(t *testing.T) {
	f := newFake("dev")
	p := New(f, Options{})
	p.Cycle(context.Background())

	f.mu.Lock()
	f.linked = false // dropped between cycles
	f.mu.Unlock()

	require.NoError(t, p.Enqueue(protocol.Switch(protocol.SetACOutput, false)))
	p.Cycle(context.Background())
	assert.Equal(t, []string{"refresh", "send:ac=0", "refresh", "send:ac=0", "refresh"}, f.snapshot())
	assert.Len(t, f.sent, 1)
}

func TestEnqueueValidates(t *testing.T) {
	p := New(newFake("dev"), Options{QueueSize: 1})
	assert.Error(t, p.Enqueue(protocol.Control{Setting: protocol.SetLightMode, Value: 9}))
	require.NoError(t, p.Enqueue(protocol.Switch(protocol.SetACOutput, true)))
	assert.ErrorIs(t, p.Enqueue(protocol.Switch(protocol.SetACOutput, false)), ErrQueueFull)
}

func TestRunPollsAndClosesOnCancel(t *testing.T) {
	f := newFake("dev")
	p := New(f, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for range 3 {
		select {
		case <-f.refreshed:
		case <-time.After(2 * time.Second):
			t.Fatal("poller did not refresh on its interval")
		}
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.closed)
}

func TestEnqueueWakesRun(t *testing.T) {
	f := newFake("dev")
	p := New(f, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	<-f.refreshed // initial poll

	require.NoError(t, p.Enqueue(protocol.Switch(protocol.SetACOutput, true)))
	select {
	case <-f.refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue did not wake the loop")
	}
	assert.Contains(t, f.snapshot(), "send:ac=1")
}

func TestGroupRunsDevicesIndependently(t *testing.T) {
	a, b := newFake("AA"), newFake("BB")
	b.fail = 1000
	g := NewGroup(New(a, Options{Interval: 10 * time.Millisecond}), New(b, Options{Interval: 10 * time.Millisecond}))

	got, err := g.Get("aa")
	require.NoError(t, err)
	assert.Equal(t, "AA", got.Address())
	_, err = g.Get("zz")
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, g.Run(ctx))

	pa, _ := g.Get("AA")
	pb, _ := g.Get("BB")
	assert.True(t, pa.Available())
	assert.False(t, pb.Available())
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)
	assert.Len(t, g.Pollers(), 2)
}

func TestCycleSkipsWhenCancelled(t *testing.T) {
	f := newFake("dev")
	p := New(f, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Cycle(ctx)
	assert.Empty(t, f.snapshot())
}

func TestCycleStopsAfterUnreachableDevice(t *testing.T) {
	f := newFake("dev")
	f.fail = 1000
	var results []error
	var updates []Update
	p := New(f, Options{
		OnCommand: func(_ protocol.Control, err error) { results = append(results, err) },
		OnUpdate:  func(u Update) { updates = append(updates, u) },
	})

	require.NoError(t, p.Enqueue(protocol.Switch(protocol.SetACOutput, true)))
	require.NoError(t, p.Enqueue(protocol.Switch(protocol.SetUSBOutput, true)))
	p.Cycle(context.Background())

	assert.Equal(t, []string{"refresh"}, f.snapshot())
	require.Len(t, results, 2)
	for _, err := range results {
		assert.ErrorIs(t, err, ble.ErrTimeout)
	}
	require.Len(t, updates, 1)
	assert.False(t, updates[0].Available)
	assert.Zero(t, p.Pending())
}

func TestCycleStopsWhenReconnectForControlFails(t *testing.T) {
	f := newFake("dev")
	p := New(f, Options{})
	p.Cycle(context.Background())

	f.mu.Lock()
	f.linked, f.fail = false, 1000
	f.mu.Unlock()

	require.NoError(t, p.Enqueue(protocol.Switch(protocol.SetACOutput, true)))
	require.NoError(t, p.Enqueue(protocol.Switch(protocol.SetUSBOutput, true)))
	p.Cycle(context.Background())

	assert.Equal(t, []string{"refresh", "send:ac=1", "refresh"}, f.snapshot())
	assert.False(t, p.Available())
}

// deadAdapter is a BLE central whose connects always fail.
type deadAdapter struct {
	mu       sync.Mutex
	connects int
}

func (a *deadAdapter) Enable() error { return nil }

func (a *deadAdapter) Scan(ctx context.Context, match func(string) bool) ([]ble.Advertisement, error) {
	return nil, nil
}

func (a *deadAdapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	return nil, errors.New("out of range")
}

func TestCycleSharesOneConnectBudget(t *testing.T) {
	adapter := &deadAdapter{}
	opts := ble.ClientOptions{Retries: 2, Keys: ble.NewKeyCache(1)}
	c, err := ble.NewClient(adapter, ble.Target{
		Address: "C8:47:8C:12:34:56",
		Key:     keys.SessionKey("0123456789abcdef"),
	}, opts)
	require.NoError(t, err)

	var results []error
	p := New(c, Options{OnCommand: func(_ protocol.Control, err error) { results = append(results, err) }})
	require.NoError(t, p.Enqueue(protocol.Switch(protocol.SetACOutput, true)))
	require.NoError(t, p.Enqueue(protocol.Switch(protocol.SetUSBOutput, true)))

	p.Cycle(context.Background())
	assert.Equal(t, opts.Retries+1, adapter.connects)
	assert.False(t, p.Available())
	require.Len(t, results, 2)
	for _, err := range results {
		assert.ErrorIs(t, err, ble.ErrTransport)
	}

	// the next cycle gets a fresh budget
	p.Cycle(context.Background())
	assert.Equal(t, 2*(opts.Retries+1), adapter.connects)
}
