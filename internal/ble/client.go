package ble

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/privatejack/internal/ble/keys"
	"github.com/chaz8081/privatejack/internal/ble/protocol"
	"github.com/chaz8081/privatejack/internal/capture"
	"github.com/chaz8081/privatejack/internal/model"
)

// Target identifies one power station and what is known about it before
// connecting. Key and Advert are both optional, but without either the
// link cannot be keyed.
type Target struct {
	Address string
	Name    string
	Profile model.Profile
	Key     keys.SessionKey
	Advert  *Advertisement
}

// ClientOptions configures the BLE client behavior.
type ClientOptions struct {
	Retries         int           // extra attempts per Connect or Refresh call
	RetryBackoff    time.Duration // delay before the first retry, doubled after that
	MaxBackoff      time.Duration
	ConnectTimeout  time.Duration // per attempt, 0 for none
	ResponseTimeout time.Duration // wait for the first correlated response
	CollectWindow   time.Duration // keep merging responses this long after the first
	WriteDelay      time.Duration // pause before every write
	DisconnectDelay time.Duration // pause after closing the link
	CommandSettle   time.Duration // pause between a control write and its refresh
	Heartbeat       bool          // poke the heartbeat characteristic before each poll
	TimeSync        bool          // send the host clock on every new link

	Keys     *KeyCache
	Recorder capture.Recorder
	Logger   *slog.Logger
	Rand     io.Reader
	Now      func() time.Time
	OnState  func(from, to State)
}

// DefaultClientOptions returns the timings the vendor app uses.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Retries:         2,
		RetryBackoff:    2 * time.Second,
		MaxBackoff:      8 * time.Second,
		ConnectTimeout:  20 * time.Second,
		ResponseTimeout: 5 * time.Second,
		CollectWindow:   2 * time.Second,
		WriteDelay:      100 * time.Millisecond,
		DisconnectDelay: 300 * time.Millisecond,
		CommandSettle:   500 * time.Millisecond,
		TimeSync:        true,
	}
}

// Snapshot is the result of one status refresh.
type Snapshot struct {
	Address   string
	Profile   model.Profile
	Envelope  protocol.Envelope
	Props     protocol.Properties
	Responses []protocol.Response
	At        time.Time
}

// Telemetry returns the typed portable view of the properties.
func (s *Snapshot) Telemetry() protocol.Telemetry { return s.Props.Telemetry() }

// Ack confirms a control frame was written.
type Ack struct {
	Control  protocol.Control
	Envelope protocol.Envelope
	At       time.Time
}

// link is everything tied to one GATT connection.
type link struct {
	conn      Connection
	write     Characteristic
	notify    Characteristic
	heartbeat Characteristic
	codec     *protocol.Codec
	frames    chan protocol.Frame
	down      chan struct{}
	downOnce  sync.Once
}

func (l *link) lose() { l.downOnce.Do(func() { close(l.down) }) }

// Client manages the link to one power station. Exchanges are serialized:
// Refresh, Send and Close wait for whatever is in flight.
type Client struct {
	adapter Adapter
	target  Target
	opts    ClientOptions
	log     *slog.Logger
	session string

	xmu sync.Mutex

	mu      sync.Mutex
	state   State
	link    *link
	profile model.Profile
}

// NewClient creates a client for target. Zero durations in opts mean no
// delay, except ResponseTimeout which falls back to the default.
func NewClient(adapter Adapter, target Target, opts ClientOptions) (*Client, error) {
	if adapter == nil {
		return nil, fmt.Errorf("ble: nil adapter")
	}
	if target.Address == "" {
		return nil, fmt.Errorf("ble: target has no address")
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultClientOptions().ResponseTimeout
	}
	if opts.MaxBackoff < opts.RetryBackoff {
		opts.MaxBackoff = opts.RetryBackoff
	}
	if opts.Keys == nil {
		opts.Keys = NewKeyCache(4)
	}
	if opts.Recorder == nil {
		opts.Recorder = capture.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if !target.Profile.Model.Known() && target.Profile.Model.Caps == 0 {
		// nothing known yet: allow everything until the beacon says otherwise
		target.Profile.Model = model.Unknown(target.Profile.Model.Code)
	}
	return &Client{
		adapter: adapter,
		target:  target,
		opts:    opts,
		log:     opts.Logger.With("address", target.Address),
		session: capture.NewSessionID(),
		profile: target.Profile,
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Profile returns the device profile, refined by the beacon once derived.
func (c *Client) Profile() model.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// Address returns the target address.
func (c *Client) Address() string { return c.target.Address }

// Connect opens and keys the link if it is not already up.
func (c *Client) Connect(ctx context.Context) error {
	c.xmu.Lock()
	defer c.xmu.Unlock()
	if c.ready() {
		return nil
	}
	return c.connect(ctx, c.newBudget(ctx))
}

// Refresh queries the full property set, reconnecting as needed within
// the retry budget.
func (c *Client) Refresh(ctx context.Context) (*Snapshot, error) {
	c.xmu.Lock()
	defer c.xmu.Unlock()

	b := c.newBudget(ctx)
	for {
		if !c.ready() {
			if err := c.connect(ctx, b); err != nil {
				return nil, err
			}
		}
		snap, err := c.poll(ctx)
		if err == nil {
			return snap, nil
		}
		if ctx.Err() != nil {
			c.teardown(StateIdle)
			return nil, ctx.Err()
		}
		c.record(capture.Event{Kind: capture.KindError, Err: err.Error()})
		if !retryable(err) {
			c.teardown(StateError)
			return nil, err
		}
		c.teardown(StateError)
		if b.spent() {
			c.opts.Keys.Invalidate(c.target.Address)
			return nil, fmt.Errorf("ble: refresh %s after %d attempts: %w", c.target.Address, b.used, err)
		}
		c.log.Warn("[BLE] refresh failed, reconnecting", "error", err, "attempt", b.used)
	}
}

// Send writes a control. The capability and value checks come before any
// transport call; a link that is not up fails with ErrNotConnected.
func (c *Client) Send(ctx context.Context, ctl protocol.Control) (Ack, error) {
	if err := ctl.Check(c.Profile().Model); err != nil {
		return Ack{}, err
	}
	if err := ctl.Validate(); err != nil {
		return Ack{}, err
	}
	f, err := ctl.Frame()
	if err != nil {
		return Ack{}, err
	}

	c.xmu.Lock()
	defer c.xmu.Unlock()
	env, err := c.writeLinked(ctx, f)
	if err != nil {
		return Ack{}, err
	}
	c.log.Info("[BLE] control sent", "control", ctl.String())
	return Ack{Control: ctl, Envelope: env, At: c.opts.Now()}, nil
}

// SendAndRefresh sends ctl, waits for the device to settle and refreshes.
func (c *Client) SendAndRefresh(ctx context.Context, ctl protocol.Control) (Ack, *Snapshot, error) {
	ack, err := c.Send(ctx, ctl)
	if err != nil {
		return ack, nil, err
	}
	if err := sleep(ctx, c.opts.CommandSettle); err != nil {
		return ack, nil, err
	}
	snap, err := c.Refresh(ctx)
	return ack, snap, err
}

// Write sends a prebuilt frame, such as a battery boundary or Wi-Fi
// credentials, without capability checks.
func (c *Client) Write(ctx context.Context, f protocol.Frame) error {
	c.xmu.Lock()
	defer c.xmu.Unlock()
	_, err := c.writeLinked(ctx, f)
	return err
}

func (c *Client) writeLinked(ctx context.Context, f protocol.Frame) (protocol.Envelope, error) {
	c.mu.Lock()
	l := c.link
	linked := c.state.Linked() && l != nil
	c.mu.Unlock()
	if !linked || isDown(l) {
		return 0, ErrNotConnected
	}
	env := l.codec.Envelope()
	if err := c.writeFrame(ctx, l, env, f); err != nil {
		c.teardown(StateError)
		return 0, err
	}
	return env, nil
}

// Close runs the disconnect sequence: stop notifications, close the link,
// wait DisconnectDelay. It is safe to call on an idle client.
func (c *Client) Close(ctx context.Context) error {
	c.xmu.Lock()
	defer c.xmu.Unlock()
	if c.State() == StateIdle {
		return nil
	}
	return c.teardown(StateIdle)
}

func (c *Client) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Linked() && c.link != nil && !isDown(c.link)
}

func isDown(l *link) bool {
	if l == nil {
		return true
	}
	select {
	case <-l.down:
		return true
	default:
		return false
	}
}

// budget counts connect attempts across one Connect or Refresh call, or
// across every call made with a WithAttemptBudget context.
type budget struct {
	used, max int
}

type budgetKey struct{}

// WithAttemptBudget returns a context whose Connect and Refresh calls on one
// client draw from a single budget of Retries+1 connect attempts instead of
// a fresh budget per call. Calls must not overlap.
func WithAttemptBudget(ctx context.Context) context.Context {
	return context.WithValue(ctx, budgetKey{}, &budget{})
}

func (c *Client) newBudget(ctx context.Context) *budget {
	if b, ok := ctx.Value(budgetKey{}).(*budget); ok {
		if b.max == 0 {
			b.max = c.opts.Retries + 1
		}
		return b
	}
	return &budget{max: c.opts.Retries + 1}
}

func (b *budget) take() (int, bool) {
	if b.used >= b.max {
		return b.used, false
	}
	b.used++
	return b.used, true
}

func (b *budget) spent() bool { return b.used >= b.max }

// retryable reports whether another connect attempt could change the outcome.
func retryable(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, protocol.ErrIntegrity)
}

// backoffDelay returns the delay before retry n (0-based): base doubled
// per retry, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

func (c *Client) connect(ctx context.Context, b *budget) error {
	c.mu.Lock()
	stale := c.link != nil
	c.mu.Unlock()
	if stale {
		c.teardown(StateError)
	}

	var last error
	for {
		n, ok := b.take()
		if !ok {
			if last == nil {
				return fmt.Errorf("ble: connect %s: %w", c.target.Address, ErrBudgetSpent)
			}
			c.opts.Keys.Invalidate(c.target.Address)
			return fmt.Errorf("ble: connect %s after %d attempts: %w", c.target.Address, n, last)
		}
		if n > 1 {
			delay := backoffDelay(n-2, c.opts.RetryBackoff, c.opts.MaxBackoff)
			c.log.Info("[BLE] reconnect backoff", "attempt", n, "delay", delay)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := c.dial(ctx, n)
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			c.teardown(StateIdle)
			return ctx.Err()
		}
		c.record(capture.Event{Kind: capture.KindError, Err: err.Error()})
		if !retryable(err) {
			return err
		}
		c.log.Warn("[BLE] connect attempt failed", "attempt", n, "of", b.max, "error", err)
	}
}

// dial makes one attempt at Idle/Error → Connecting → KeyDeriving → Connected.
// On failure the client is left in Error with nothing held open.
func (c *Client) dial(ctx context.Context, attempt int) error {
	addr := c.target.Address
	c.setState(StateConnecting)

	if err := c.adapter.Enable(); err != nil {
		c.setState(StateError)
		return &TransportError{Op: "enable", Address: addr, Attempt: attempt, Err: err}
	}

	cctx := ctx
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}
	conn, err := c.adapter.Connect(cctx, addr)
	if err != nil {
		c.setState(StateError)
		return &TransportError{Op: "connect", Address: addr, Attempt: attempt, Err: err}
	}

	l := &link{conn: conn, down: make(chan struct{})}
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
	conn.OnDisconnect(func() { c.linkLost(l) })

	c.setState(StateKeyDeriving)
	key, profile, err := c.resolveKey()
	if err != nil {
		c.teardown(StateError)
		return err
	}
	codec, err := protocol.NewCodec(profile, key, protocol.WithRand(c.opts.Rand))
	if err != nil {
		c.teardown(StateError)
		return err
	}
	l.codec = codec

	if l.write, err = conn.DiscoverCharacteristic(DataServiceUUID, WriteCharUUID); err != nil {
		c.teardown(StateError)
		return &TransportError{Op: "discover", Address: addr, Attempt: attempt, Err: err}
	}
	if l.notify, err = conn.DiscoverCharacteristic(DataServiceUUID, NotifyCharUUID); err != nil {
		c.teardown(StateError)
		return &TransportError{Op: "discover", Address: addr, Attempt: attempt, Err: err}
	}
	l.frames = make(chan protocol.Frame, 32)
	if err := l.notify.Subscribe(c.notificationHandler(l)); err != nil {
		l.notify = nil
		c.teardown(StateError)
		return &TransportError{Op: "subscribe", Address: addr, Attempt: attempt, Err: err}
	}

	c.mu.Lock()
	c.profile = profile
	c.mu.Unlock()
	c.setState(StateConnected)
	c.log.Info("[BLE] connected", "model", profile.Model, "kind", profile.Kind,
		"envelopes", codec.Candidates(), "key", key.Fingerprint(), "attempt", attempt)

	if c.opts.TimeSync {
		if err := c.writeFrame(ctx, l, codec.Envelope(), protocol.TimeSync(c.opts.Now())); err != nil {
			c.log.Warn("[BLE] time sync failed", "error", err)
		}
	}
	return nil
}

// resolveKey picks the session key: cache, configured key, then the beacon
// of the last seen advertisement.
func (c *Client) resolveKey() (keys.SessionKey, model.Profile, error) {
	c.mu.Lock()
	profile := c.profile
	c.mu.Unlock()
	addr := c.target.Address

	if k, ok := c.opts.Keys.Get(addr); ok {
		return k, profile, nil
	}
	if len(c.target.Key) > 0 {
		c.opts.Keys.Put(addr, c.target.Key)
		return c.target.Key, profile, nil
	}
	if c.target.Advert == nil {
		return nil, profile, fmt.Errorf("%w for %s: no configured key and no advertisement", ErrNoKey, addr)
	}

	d := Inspect(*c.target.Advert)
	if d.Err != nil {
		return nil, profile, fmt.Errorf("ble: derive key for %s: %w", addr, d.Err)
	}
	if !profile.Model.Known() {
		profile.Model = d.Profile.Model
	}
	if d.Profile.Kind == model.Box {
		profile.Kind = model.Box
	}
	c.opts.Keys.Put(addr, d.Key)
	c.log.Debug("[BLE] key derived from advertisement", "serial", d.Beacon.Serial, "key", d.Key.Fingerprint())
	return d.Key, profile, nil
}

// poll runs Connected → Polling → Connected around one status exchange.
func (c *Client) poll(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	c.setState(StatePolling)

	drain(l.frames)
	if c.opts.Heartbeat {
		c.heartbeat(l)
	}

	envs := []protocol.Envelope{l.codec.Envelope()}
	if !l.codec.Detected() {
		envs = l.codec.Candidates()
	}

	query := protocol.StatusQuery()
	var (
		first protocol.Response
		err   error
	)
	for _, env := range envs {
		if err = c.writeFrame(ctx, l, env, query); err != nil {
			return nil, err
		}
		first, err = c.await(ctx, l, c.opts.ResponseTimeout, statusResponse)
		if err == nil || !errors.Is(err, ErrTimeout) {
			break
		}
		if len(envs) > 1 {
			c.log.Debug("[BLE] no answer, trying next envelope", "envelope", env)
		}
	}
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Address:   c.target.Address,
		Profile:   c.Profile(),
		Envelope:  l.codec.Envelope(),
		Props:     protocol.Properties{},
		Responses: []protocol.Response{first},
	}
	snap.Props.Merge(first.Props)
	if c.opts.CollectWindow > 0 {
		deadline := time.Now().Add(c.opts.CollectWindow)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			r, err := c.await(ctx, l, remaining, statusResponse)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				break
			}
			snap.Responses = append(snap.Responses, r)
			snap.Props.Merge(r.Props)
		}
	}
	snap.At = c.opts.Now()
	c.setState(StateConnected)
	c.log.Debug("[BLE] refreshed", "properties", len(snap.Props), "responses", len(snap.Responses))
	return snap, nil
}

func statusResponse(r protocol.Response) bool { return len(r.Props) > 0 }

// await returns the next response satisfying match.
func (c *Client) await(ctx context.Context, l *link, timeout time.Duration, match func(protocol.Response) bool) (protocol.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return protocol.Response{}, ctx.Err()
		case <-l.down:
			return protocol.Response{}, &TransportError{Op: "notify", Address: c.target.Address, Err: errors.New("link lost")}
		case <-timer.C:
			return protocol.Response{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case f := <-l.frames:
			r := protocol.ParseResponse(f)
			if match(r) {
				return r, nil
			}
			c.log.Debug("[BLE] uncorrelated response", "response", r.String())
		}
	}
}

func (c *Client) writeFrame(ctx context.Context, l *link, env protocol.Envelope, f protocol.Frame) error {
	wire, err := l.codec.EncodeWith(env, f)
	if err != nil {
		return err
	}
	if err := sleep(ctx, c.opts.WriteDelay); err != nil {
		return err
	}
	if err := l.write.Write(wire); err != nil {
		return &TransportError{Op: "write", Address: c.target.Address, Err: err}
	}
	c.record(capture.Event{
		Direction: capture.Out,
		Kind:      capture.KindFrame,
		Envelope:  env.String(),
		Wire:      wire,
		Action:    uint8(f.Action),
	})
	return nil
}

func (c *Client) heartbeat(l *link) {
	if l.heartbeat == nil {
		ch, err := l.conn.DiscoverCharacteristic(HeartbeatServiceUUID, HeartbeatCharUUID)
		if err != nil {
			c.log.Debug("[BLE] no heartbeat characteristic", "error", err)
			return
		}
		l.heartbeat = ch
	}
	if err := l.heartbeat.Write([]byte{0x01}); err != nil {
		c.log.Debug("[BLE] heartbeat failed", "error", err)
	}
}

// notificationHandler opens, reassembles and queues inbound frames for l.
// Frames failing integrity checks are dropped here and never reach a caller.
func (c *Client) notificationHandler(l *link) func([]byte) {
	var (
		mu  sync.Mutex
		asm protocol.Assembler
	)
	return func(wire []byte) {
		wire = append([]byte(nil), wire...)
		plain, env, err := l.codec.Open(wire)
		if err != nil {
			c.log.Debug("[BLE] dropped frame", "len", len(wire), "error", err)
			c.record(capture.Event{Direction: capture.In, Kind: capture.KindFrame, Wire: wire, Err: err.Error()})
			return
		}
		f, err := protocol.UnmarshalPayload(plain[len(protocol.PrefixPortable):])
		c.record(capture.Event{
			Direction: capture.In,
			Kind:      capture.KindFrame,
			Envelope:  env.String(),
			Wire:      wire,
			Plain:     plain,
			Action:    uint8(f.Action),
		})
		if err != nil {
			c.log.Debug("[BLE] malformed frame", "error", err)
			return
		}

		mu.Lock()
		full, done, err := asm.Add(f)
		mu.Unlock()
		if err != nil {
			c.log.Debug("[BLE] bad fragment", "error", err)
			return
		}
		if !done {
			return
		}
		select {
		case l.frames <- full:
		default:
			c.log.Warn("[BLE] response queue full, dropping frame", "action", full.Action)
		}
	}
}

func (c *Client) linkLost(l *link) {
	c.mu.Lock()
	current := c.link == l
	c.mu.Unlock()
	if !current {
		return
	}
	c.log.Warn("[BLE] link lost")
	l.lose()
	c.setState(StateError)
}

// teardown stops notifications, closes the link and waits DisconnectDelay,
// in that order, then settles in final.
func (c *Client) teardown(final State) error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()

	if l == nil {
		if c.State() != final {
			c.setState(final)
		}
		return nil
	}

	c.setState(StateDisconnecting)
	var errs []error
	if l.notify != nil {
		if err := l.notify.Unsubscribe(); err != nil {
			c.log.Debug("[BLE] stop notify failed", "error", err)
			errs = append(errs, &TransportError{Op: "unsubscribe", Address: c.target.Address, Err: err})
		}
	}
	if err := l.conn.Disconnect(); err != nil {
		c.log.Debug("[BLE] disconnect failed", "error", err)
		errs = append(errs, &TransportError{Op: "disconnect", Address: c.target.Address, Err: err})
	}
	l.lose()
	time.Sleep(c.opts.DisconnectDelay)
	c.setState(final)
	return errors.Join(errs...)
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !from.CanTransition(to) {
		c.log.Warn("[BLE] unexpected state transition", "from", from, "to", to)
	}
	c.state = to
	c.mu.Unlock()

	c.log.Debug("[BLE] state", "from", from, "to", to)
	c.record(capture.Event{Kind: capture.KindState, From: from.String(), To: to.String()})
	if c.opts.OnState != nil {
		c.opts.OnState(from, to)
	}
}

func (c *Client) record(e capture.Event) {
	e.Timestamp = c.opts.Now()
	e.Session = c.session
	e.Address = c.target.Address
	c.opts.Recorder.Record(e)
}

func drain(ch chan protocol.Frame) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
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
