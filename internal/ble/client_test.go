package ble

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/privatejack/internal/ble/keys"
	"github.com/chaz8081/privatejack/internal/ble/protocol"
	"github.com/chaz8081/privatejack/internal/model"
)

func fixtureTarget(t testing.TB) Target {
	adv := fixtureAdvert(t)
	return Target{Address: adv.Address, Name: adv.Name, Advert: &adv}
}

func mustNewClient(t *testing.T, adapter Adapter, target Target, opts ClientOptions) *Client {
	t.Helper()
	c, err := NewClient(adapter, target, opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func rc4Responder(t *testing.T) func(int) func([]byte) [][]byte {
	return func(int) func([]byte) [][]byte {
		return statusResponder(t, protocol.EnvelopeRC4, mustHex(t, fixtureKey), mustHex(t, fixtureRC4Status))
	}
}

func TestNewClientValidates(t *testing.T) {
	if _, err := NewClient(nil, Target{Address: "x"}, testOpts()); err == nil {
		t.Error("nil adapter should be rejected")
	}
	if _, err := NewClient(newMockAdapter(), Target{}, testOpts()); err == nil {
		t.Error("empty address should be rejected")
	}
}

func TestRefreshEndToEnd(t *testing.T) {
	adapter := newMockAdapter()
	adapter.reply = rc4Responder(t)

	var mu sync.Mutex
	var states []State
	opts := testOpts()
	opts.TimeSync = true
	opts.OnState = func(_, to State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, to)
	}
	c := mustNewClient(t, adapter, fixtureTarget(t), opts)

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	tel := snap.Telemetry()
	if tel.Battery != 74 {
		t.Errorf("battery = %d, want 74", tel.Battery)
	}
	if tel.ACVoltage != 230 {
		t.Errorf("AC voltage = %v, want 230", tel.ACVoltage)
	}
	if !tel.AC || !tel.USB || tel.Car {
		t.Errorf("switches ac=%v usb=%v car=%v, want true true false", tel.AC, tel.USB, tel.Car)
	}
	if snap.Profile.Model.Code != 5 {
		t.Errorf("model = %v, want code 5 from the beacon", snap.Profile.Model)
	}
	if snap.Envelope != protocol.EnvelopeRC4 {
		t.Errorf("envelope = %v, want rc4", snap.Envelope)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %v, want connected", c.State())
	}

	k, ok := c.opts.Keys.Get(fixtureAddress)
	if !ok || k.String() != "MzQ1Njc4Gis8TV5vNipTWTFjNUI5QA==" {
		t.Errorf("cached key = %v %v, want the derived fixture key", k, ok)
	}

	// time sync then status query on the data characteristic
	if n := adapter.latestConnection().write.writeCount(); n != 2 {
		t.Errorf("writes = %d, want 2", n)
	}

	want := []State{StateConnecting, StateKeyDeriving, StateConnected, StatePolling, StateConnected}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	adapter := newMockAdapter()
	adapter.failConnect = 2
	c := mustNewClient(t, adapter, fixtureTarget(t), testOpts())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := adapter.connectAttempts(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %v, want connected", c.State())
	}

	// already up: no new attempt
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if got := adapter.connectAttempts(); got != 3 {
		t.Errorf("connect attempts after reconnect = %d, want 3", got)
	}
}

func TestConnectExhaustsBudget(t *testing.T) {
	adapter := newMockAdapter()
	adapter.failConnect = -1
	c := mustNewClient(t, adapter, fixtureTarget(t), testOpts())

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Connect() error = %v, want ErrTransport", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "connect" || te.Attempt != 3 {
		t.Errorf("error = %#v, want connect failure on attempt 3", te)
	}
	if got := adapter.connectAttempts(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
	if c.State() != StateError {
		t.Errorf("state = %v, want error", c.State())
	}

	// the budget is per call, so the next cycle gets three fresh attempts
	_ = c.Connect(context.Background())
	if got := adapter.connectAttempts(); got != 6 {
		t.Errorf("connect attempts after second call = %d, want 6", got)
	}
}

func TestAttemptBudgetSharedAcrossCalls(t *testing.T) {
	adapter := newMockAdapter()
	adapter.failConnect = -1
	c := mustNewClient(t, adapter, fixtureTarget(t), testOpts())

	ctx := WithAttemptBudget(context.Background())
	if _, err := c.Refresh(ctx); !errors.Is(err, ErrTransport) {
		t.Fatalf("Refresh() error = %v, want ErrTransport", err)
	}
	if err := c.Connect(ctx); !errors.Is(err, ErrBudgetSpent) {
		t.Errorf("Connect() error = %v, want ErrBudgetSpent", err)
	}
	if _, err := c.Refresh(ctx); !errors.Is(err, ErrBudgetSpent) {
		t.Errorf("second Refresh() error = %v, want ErrBudgetSpent", err)
	}
	if got := adapter.connectAttempts(); got != 3 {
		t.Errorf("connect attempts = %d, want 3 for the whole budget", got)
	}
}

func TestDisconnectOrdering(t *testing.T) {
	adapter := newMockAdapter()
	adapter.reply = rc4Responder(t)
	c := mustNewClient(t, adapter, fixtureTarget(t), testOpts())

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	adapter.log.reset()

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	got := adapter.log.snapshot()
	want := []string{"unsubscribe", "disconnect"}
	if !slices.Equal(got, want) {
		t.Errorf("teardown calls = %v, want %v", got, want)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}

	// closing twice is a no-op
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if n := len(adapter.log.snapshot()); n != 2 {
		t.Errorf("second Close made %d more calls", n-2)
	}
}

func TestSendUnsupportedCapabilityMakesNoTransportCalls(t *testing.T) {
	adapter := newMockAdapter()
	adapter.reply = rc4Responder(t)

	e1000p, _ := model.Lookup(5)
	e100p, _ := model.Lookup(16)
	tests := []struct {
		name    string
		model   model.Model
		control protocol.Control
	}{
		{"combined dc on split-dc model", e1000p, protocol.Switch(protocol.SetDCOutput, true)},
		{"ac on dc-only model", e100p, protocol.Switch(protocol.SetACOutput, true)},
		{"light on dc-only model", e100p, protocol.Control{Setting: protocol.SetLightMode, Value: protocol.LightHigh}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter.log.reset()
			target := fixtureTarget(t)
			target.Profile = model.Profile{Model: tt.model}
			c := mustNewClient(t, adapter, target, testOpts())

			_, err := c.Send(context.Background(), tt.control)
			if !errors.Is(err, model.ErrUnsupportedCapability) {
				t.Fatalf("Send() error = %v, want ErrUnsupportedCapability", err)
			}
			if calls := adapter.log.snapshot(); len(calls) != 0 {
				t.Errorf("transport calls = %v, want none", calls)
			}
		})
	}
}

func TestSendNotConnected(t *testing.T) {
	adapter := newMockAdapter()
	target := fixtureTarget(t)
	target.Profile = model.Classify("HT", 5)
	c := mustNewClient(t, adapter, target, testOpts())

	_, err := c.Send(context.Background(), protocol.Switch(protocol.SetACOutput, true))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() error = %v, want ErrNotConnected", err)
	}
	if calls := adapter.log.snapshot(); len(calls) != 0 {
		t.Errorf("transport calls = %v, want none", calls)
	}
}

func TestSendWritesControl(t *testing.T) {
	adapter := newMockAdapter()
	c := mustNewClient(t, adapter, fixtureTarget(t), testOpts())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ack, err := c.Send(context.Background(), protocol.Switch(protocol.SetACOutput, true))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ack.Envelope != protocol.EnvelopeRC4 {
		t.Errorf("envelope = %v, want rc4", ack.Envelope)
	}

	w := adapter.latestConnection().write
	w.mu.Lock()
	last := w.writes[len(w.writes)-1]
	w.mu.Unlock()
	dec, _ := protocol.NewCodecWith([]protocol.Envelope{protocol.EnvelopeRC4}, mustHex(t, fixtureKey))
	f, err := dec.Decode(last)
	if err != nil {
		t.Fatalf("decode written frame: %v", err)
	}
	if f.Action != protocol.ActionOutputAC || string(f.Body) != `{"oac":1}` {
		t.Errorf("written frame = %v %s", f.Action, f.Body)
	}
}

func TestSendRejectsBadValueBeforeIO(t *testing.T) {
	adapter := newMockAdapter()
	c := mustNewClient(t, adapter, fixtureTarget(t), testOpts())
	_, err := c.Send(context.Background(), protocol.Control{Setting: protocol.SetEnergySaving, Value: 7})
	if err == nil {
		t.Fatal("Send() accepted an invalid energy saving timeout")
	}
	if calls := adapter.log.snapshot(); len(calls) != 0 {
		t.Errorf("transport calls = %v, want none", calls)
	}
}

func TestRefreshTimeoutReconnects(t *testing.T) {
	adapter := newMockAdapter()
	adapter.reply = func(n int) func([]byte) [][]byte {
		if n == 1 {
			return nil // first link never answers
		}
		return statusResponder(t, protocol.EnvelopeRC4, mustHex(t, fixtureKey), mustHex(t, fixtureRC4Status))
	}
	c := mustNewClient(t, adapter, fixtureTarget(t), testOpts())

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if snap.Telemetry().Battery != 74 {
		t.Errorf("battery = %d, want 74", snap.Telemetry().Battery)
	}
	if got := adapter.connectAttempts(); got != 2 {
		t.Errorf("connect attempts = %d, want 2", got)
	}
	if n := adapter.log.count("unsubscribe"); n != 1 {
		t.Errorf("unsubscribe calls = %d, want 1 for the dead link", n)
	}
}

func TestRefreshTimeoutExhaustsBudget(t *testing.T) {
	adapter := newMockAdapter()
	c := mustNewClient(t, adapter, fixtureTarget(t), testOpts())

	_, err := c.Refresh(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Refresh() error = %v, want ErrTimeout", err)
	}
	if got := adapter.connectAttempts(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
	if c.State() != StateError {
		t.Errorf("state = %v, want error", c.State())
	}
	if _, ok := c.opts.Keys.Get(fixtureAddress); ok {
		t.Error("key should be invalidated after the budget is exhausted")
	}
	if got, want := adapter.log.count("disconnect"), 3; got != want {
		t.Errorf("disconnects = %d, want %d", got, want)
	}
}

func TestRefreshCancelReleasesLink(t *testing.T) {
	adapter := newMockAdapter()
	opts := testOpts()
	opts.ResponseTimeout = 5 * time.Second
	c := mustNewClient(t, adapter, fixtureTarget(t), opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.Refresh(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Refresh() error = %v, want context.Canceled", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	calls := adapter.log.snapshot()
	if len(calls) < 2 || !slices.Equal(calls[len(calls)-2:], []string{"unsubscribe", "disconnect"}) {
		t.Errorf("calls = %v, want to end with unsubscribe, disconnect", calls)
	}
}

func TestLinkLostFailsFast(t *testing.T) {
	adapter := newMockAdapter()
	c := mustNewClient(t, adapter, fixtureTarget(t), testOpts())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	adapter.latestConnection().SimulateDisconnect()
	if c.State() != StateError {
		t.Errorf("state = %v, want error", c.State())
	}
	_, err := c.Send(context.Background(), protocol.Switch(protocol.SetACOutput, false))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}

	// next cycle reconnects from scratch
	adapter.reply = rc4Responder(t)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() after loss error = %v", err)
	}
	if got := adapter.connectAttempts(); got != 2 {
		t.Errorf("connect attempts = %d, want 2", got)
	}
}

func TestDerivationErrorIsNotRetried(t *testing.T) {
	adapter := newMockAdapter()
	adv := fixtureAdvert(t)
	adv.ServiceData = nil
	c := mustNewClient(t, adapter, Target{Address: adv.Address, Advert: &adv}, testOpts())

	err := c.Connect(context.Background())
	if !errors.Is(err, keys.ErrDerivation) {
		t.Fatalf("Connect() error = %v, want ErrDerivation", err)
	}
	if got := adapter.connectAttempts(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
	if n := adapter.log.count("disconnect"); n != 1 {
		t.Errorf("disconnects = %d, want the opened link closed", n)
	}
	if c.State() != StateError {
		t.Errorf("state = %v, want error", c.State())
	}
}

func TestNoKeyAtAll(t *testing.T) {
	adapter := newMockAdapter()
	c := mustNewClient(t, adapter, Target{Address: fixtureAddress}, testOpts())
	if err := c.Connect(context.Background()); !errors.Is(err, ErrNoKey) {
		t.Fatalf("Connect() error = %v, want ErrNoKey", err)
	}
}

func TestConfiguredKeyWins(t *testing.T) {
	adapter := newMockAdapter()
	adapter.reply = rc4Responder(t)
	target := Target{
		Address: fixtureAddress,
		Profile: model.Classify("HT", 5),
		Key:     keys.SessionKey(mustHex(t, fixtureKey)),
	}
	c := mustNewClient(t, adapter, target, testOpts())
	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if snap.Props.Telemetry().Battery != 74 {
		t.Errorf("battery = %d", snap.Props.Telemetry().Battery)
	}
}

func TestAutoDetectEnvelope(t *testing.T) {
	adapter := newMockAdapter()
	key := mustHex(t, fixtureKey)
	adapter.reply = func(int) func([]byte) [][]byte {
		return statusResponder(t, protocol.EnvelopePortableAES, key, mustHex(t, fixturePortableAESStatus))
	}
	target := Target{Address: fixtureAddress, Profile: model.Classify("HT-new", 0), Key: key}
	c := mustNewClient(t, adapter, target, testOpts())

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if snap.Envelope != protocol.EnvelopePortableAES {
		t.Errorf("envelope = %v, want aes-portable", snap.Envelope)
	}
	if snap.Telemetry().Battery != 61 {
		t.Errorf("battery = %d, want 61", snap.Telemetry().Battery)
	}
	if got := adapter.connectAttempts(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
}

func TestCorruptFramesAreDropped(t *testing.T) {
	adapter := newMockAdapter()
	good := mustHex(t, fixtureRC4Status)
	bad := append([]byte(nil), good...)
	bad[10] ^= 0x01
	adapter.reply = func(int) func([]byte) [][]byte {
		inner := statusResponder(t, protocol.EnvelopeRC4, mustHex(t, fixtureKey), good)
		return func(data []byte) [][]byte {
			if r := inner(data); r != nil {
				return [][]byte{bad, {0x00, 0x01}, good}
			}
			return nil
		}
	}
	c := mustNewClient(t, adapter, fixtureTarget(t), testOpts())
	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(snap.Responses) != 1 {
		t.Errorf("responses = %d, want only the intact frame", len(snap.Responses))
	}
}

func TestHeartbeatWrittenBeforePoll(t *testing.T) {
	adapter := newMockAdapter()
	adapter.reply = rc4Responder(t)
	opts := testOpts()
	opts.Heartbeat = true
	c := mustNewClient(t, adapter, fixtureTarget(t), opts)

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	calls := adapter.log.snapshot()
	hb := slices.Index(calls, "write:heartbeat")
	data := slices.Index(calls, "write:data")
	if hb < 0 || data < 0 || hb > data {
		t.Errorf("calls = %v, want heartbeat before the status query", calls)
	}
}

func TestConcurrentExchangesAreSerialized(t *testing.T) {
	adapter := newMockAdapter()
	adapter.reply = rc4Responder(t)
	c := mustNewClient(t, adapter, fixtureTarget(t), testOpts())

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Refresh(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Refresh() error = %v", err)
		}
	}
	if got := adapter.connectAttempts(); got != 1 {
		t.Errorf("connect attempts = %d, want 1 shared link", got)
	}
}

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
	}
	for i, want := range delays {
		if got := backoffDelay(i, 2*time.Second, 8*time.Second); got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	if got := backoffDelay(100, time.Second, 30*time.Second); got != 30*time.Second {
		t.Errorf("backoffDelay(100) = %v, want 30s", got)
	}
	if got := backoffDelay(3, 0, time.Second); got != 0 {
		t.Errorf("zero base = %v, want 0", got)
	}
}
