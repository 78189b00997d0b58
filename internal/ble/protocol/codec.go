package protocol

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/chaz8081/privatejack/internal/ble/crc"
	"github.com/chaz8081/privatejack/internal/ble/crypto"
	"github.com/chaz8081/privatejack/internal/model"
)

// Envelope is the encryption wrapper around a plain frame.
//
// RC4: every plain byte is XORed with a random security byte, the byte is
// appended, then the CRC, then the whole buffer is RC4 encrypted.
//
// AES: a random suffix (1 byte portable, 2 bytes box) and the CRC are
// appended to the plain frame, which is then PKCS#7 padded and encrypted
// with AES-128-CBC.
type Envelope uint8

const (
	EnvelopeRC4 Envelope = iota + 1
	EnvelopePortableAES
	EnvelopeBoxAES
)

func (e Envelope) String() string {
	switch e {
	case EnvelopeRC4:
		return "rc4"
	case EnvelopePortableAES:
		return "aes-portable"
	case EnvelopeBoxAES:
		return "aes-box"
	}
	return fmt.Sprintf("envelope(%d)", uint8(e))
}

// Prefix returns the magic bytes that open every plain frame.
func (e Envelope) Prefix() [2]byte {
	if e == EnvelopeBoxAES {
		return PrefixBox
	}
	return PrefixPortable
}

func (e Envelope) suffixLen() int {
	if e == EnvelopeBoxAES {
		return 2
	}
	return 1
}

// minimum decrypted length accepted by the firmware's own parser
func (e Envelope) minLen() int {
	if e == EnvelopeBoxAES {
		return 18
	}
	return 8
}

// EnvelopesFor lists the envelopes to try for a device, preferred first.
// Unknown models get RC4 then portable AES.
func EnvelopesFor(p model.Profile) []Envelope {
	switch p.FrameCipher() {
	case model.CipherRC4:
		return []Envelope{EnvelopeRC4}
	case model.CipherAES:
		if p.Kind == model.Box {
			return []Envelope{EnvelopeBoxAES}
		}
		return []Envelope{EnvelopePortableAES}
	}
	return []Envelope{EnvelopeRC4, EnvelopePortableAES}
}

// Option configures a Codec.
type Option func(*Codec)

// WithRand sets the source of security bytes and suffixes.
func WithRand(r io.Reader) Option {
	return func(c *Codec) { c.rand = r }
}

// Codec seals and opens frames for one device under one session key.
// It is safe for concurrent use.
type Codec struct {
	key  []byte
	rand io.Reader

	mu         sync.Mutex
	all        []Envelope
	candidates []Envelope
	misses     int
}

// detectMisses is how many frames in a row must fail to open under the
// detected envelope before detection starts over.
const detectMisses = 3

// NewCodec returns a codec for the given profile and key material.
func NewCodec(p model.Profile, key []byte, opts ...Option) (*Codec, error) {
	return NewCodecWith(EnvelopesFor(p), key, opts...)
}

// NewCodecWith returns a codec that tries envelopes in order until one opens
// a frame, then sticks to it.
func NewCodecWith(envelopes []Envelope, key []byte, opts ...Option) (*Codec, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("protocol: empty session key")
	}
	if len(envelopes) == 0 {
		return nil, fmt.Errorf("protocol: no envelope")
	}
	c := &Codec{
		key:        append([]byte(nil), key...),
		rand:       rand.Reader,
		all:        append([]Envelope(nil), envelopes...),
		candidates: append([]Envelope(nil), envelopes...),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Envelope returns the envelope used for outgoing frames.
func (c *Codec) Envelope() Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.candidates[0]
}

// Candidates returns the envelopes still in play, preferred first.
func (c *Codec) Candidates() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.candidates...)
}

// Detected reports whether the codec has settled on a single envelope.
func (c *Codec) Detected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates) == 1
}

// Reset forgets the detected envelope so the next frame is tried against
// every candidate again.
func (c *Codec) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append([]Envelope(nil), c.all...)
	c.misses = 0
}

// Encode seals f for the wire.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	return c.EncodeWith(c.Envelope(), f)
}

// EncodeWith seals f using env regardless of what has been detected.
func (c *Codec) EncodeWith(env Envelope, f Frame) ([]byte, error) {
	payload, err := f.MarshalPayload()
	if err != nil {
		return nil, err
	}
	prefix := env.Prefix()
	return c.Seal(env, append(prefix[:], payload...))
}

// Decode opens wire bytes and parses the plain frame.
func (c *Codec) Decode(wire []byte) (Frame, error) {
	plain, _, err := c.Open(wire)
	if err != nil {
		return Frame{}, err
	}
	return UnmarshalPayload(plain[len(PrefixPortable):])
}

// Seal wraps a plain frame, prefix included, in env.
func (c *Codec) Seal(env Envelope, plain []byte) ([]byte, error) {
	switch env {
	case EnvelopeRC4:
		s, err := c.securityByte()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, len(plain), len(plain)+1+crc.Size)
		for i, b := range plain {
			buf[i] = b ^ s
		}
		return crypto.RC4(c.key, crc.Append(append(buf, s)))
	case EnvelopePortableAES, EnvelopeBoxAES:
		suffix := make([]byte, env.suffixLen())
		if _, err := io.ReadFull(c.rand, suffix); err != nil {
			return nil, fmt.Errorf("protocol: random suffix: %w", err)
		}
		buf := append(append([]byte(nil), plain...), suffix...)
		return crypto.Block{}.Encrypt(c.key, crc.Append(buf))
	}
	return nil, fmt.Errorf("protocol: unknown envelope %d", env)
}

// Open unwraps wire bytes into the plain frame, prefix included, trying each
// candidate envelope. The first envelope that succeeds is kept until
// detectMisses frames in a row fail under it.
func (c *Codec) Open(wire []byte) ([]byte, Envelope, error) {
	c.mu.Lock()
	candidates := c.candidates
	c.mu.Unlock()

	var firstErr error
	for i, env := range candidates {
		plain, err := c.open(env, wire)
		if err == nil {
			c.mu.Lock()
			c.candidates = []Envelope{env}
			c.misses = 0
			c.mu.Unlock()
			return plain, env, nil
		}
		if i == 0 {
			firstErr = err
		}
	}

	c.mu.Lock()
	if len(c.candidates) == 1 && len(c.all) > 1 {
		c.misses++
		if c.misses >= detectMisses {
			c.candidates = append([]Envelope(nil), c.all...)
			c.misses = 0
		}
	}
	c.mu.Unlock()
	return nil, 0, firstErr
}

func (c *Codec) open(env Envelope, wire []byte) ([]byte, error) {
	prefix := env.Prefix()
	switch env {
	case EnvelopeRC4:
		dec, err := crypto.RC4(c.key, wire)
		if err != nil {
			return nil, err
		}
		if len(dec) < env.minLen() {
			return nil, fmt.Errorf("%w: %d byte frame", ErrIntegrity, len(dec))
		}
		if !crc.Verify(dec) {
			return nil, fmt.Errorf("%w: checksum mismatch", ErrIntegrity)
		}
		body := dec[:len(dec)-crc.Size]
		s := body[len(body)-1]
		plain := make([]byte, len(body)-1)
		for i := range plain {
			plain[i] = body[i] ^ s
		}
		if !bytes.HasPrefix(plain, prefix[:]) {
			return nil, fmt.Errorf("%w: bad magic %x", ErrIntegrity, plain[:min(2, len(plain))])
		}
		return plain, nil
	case EnvelopePortableAES, EnvelopeBoxAES:
		dec, err := crypto.Block{}.Decrypt(c.key, wire)
		if err != nil {
			return nil, fmt.Errorf("protocol: open %s: %w", env, err)
		}
		if len(dec) < env.minLen() {
			return nil, fmt.Errorf("%w: %d byte frame", ErrIntegrity, len(dec))
		}
		if !bytes.HasPrefix(dec, prefix[:]) {
			return nil, fmt.Errorf("%w: bad magic %x", ErrIntegrity, dec[:2])
		}
		if !crc.Verify(dec) {
			return nil, fmt.Errorf("%w: checksum mismatch", ErrIntegrity)
		}
		return dec[:len(dec)-env.suffixLen()-crc.Size], nil
	}
	return nil, fmt.Errorf("protocol: unknown envelope %d", env)
}

func (c *Codec) securityByte() (byte, error) {
	var b [1]byte
	for b[0] == 0 {
		if _, err := io.ReadFull(c.rand, b[:]); err != nil {
			return 0, fmt.Errorf("protocol: security byte: %w", err)
		}
	}
	return b[0], nil
}
