// Package crypto provides the two cipher families spoken by the power station
// firmware: an RC4 stream cipher (most portable models and the advertisement
// beacon) and AES-128-CBC with PKCS#7 padding (box models and a few portables).
//
// Both sit behind the Cipher interface so the frame codec can pick one per
// device model at connection setup.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rc4"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// BlockKeySize is the AES key length used by the firmware.
const BlockKeySize = 16

var (
	// ErrCipher reports ciphertext or key material the cipher cannot process.
	ErrCipher = errors.New("ble/crypto: malformed ciphertext")
	// ErrPadding reports a decrypted block whose PKCS#7 padding is invalid.
	ErrPadding = errors.New("ble/crypto: invalid padding")
)

// Cipher encrypts and decrypts whole frames under a session key.
type Cipher interface {
	Encrypt(key, plaintext []byte) ([]byte, error)
	Decrypt(key, ciphertext []byte) ([]byte, error)
}

// Stream is the RC4 variant. Encryption and decryption are the same operation.
type Stream struct{}

func (Stream) Encrypt(key, plaintext []byte) ([]byte, error)  { return RC4(key, plaintext) }
func (Stream) Decrypt(key, ciphertext []byte) ([]byte, error) { return RC4(key, ciphertext) }

// RC4 XORs data with the RC4 keystream for key. The key is used in full,
// whatever its length.
func RC4(key, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: rc4: %v", ErrCipher, err)
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// Block is the AES-128-CBC variant. The firmware reuses the key as the IV.
type Block struct{}

// BlockKey reduces key material to an AES-128 key: longer keys are truncated,
// shorter ones are padded with zero bytes.
func BlockKey(key []byte) []byte {
	k := make([]byte, BlockKeySize)
	copy(k, key)
	return k
}

func (Block) Encrypt(key, plaintext []byte) ([]byte, error) {
	k := BlockKey(key)
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	padded := pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, k).CryptBlocks(out, padded)
	return out, nil
}

func (Block) Decrypt(key, ciphertext []byte) ([]byte, error) {
	k := BlockKey(key)
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrCipher, len(ciphertext), block.BlockSize())
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, k).CryptBlocks(out, ciphertext)
	return unpad(out, block.BlockSize())
}

func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, fmt.Errorf("%w: pad length %d", ErrPadding, n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: inconsistent pad bytes", ErrPadding)
		}
	}
	return data[:len(data)-n], nil
}

// Fingerprint returns a short, stable identifier for key material so keys
// can be correlated in logs and capture files without being written out.
func Fingerprint(key []byte) string {
	sum := blake2b.Sum256(key)
	return hex.EncodeToString(sum[:6])
}

var (
	_ Cipher = Stream{}
	_ Cipher = Block{}
)
