// Package contentcrypt encrypts stored content under a single root secret.
//
// Every object gets a fresh random salt and nonce. The salt feeds HKDF-SHA256
// to derive an independent encryption key and MAC key, the plaintext is
// encrypted with XChaCha20 and the ciphertext is authenticated with keyed
// BLAKE3. The persisted layout is
//
//	[salt: 32] [nonce: 24] [tag: 32] [ciphertext: N]
//
// Decryption verifies the tag over the whole object before any plaintext is
// released to the caller.
package contentcrypt

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize    = 32
	SaltSize   = 32
	NonceSize  = chacha20.NonceSizeX
	TagSize    = 32
	HeaderSize = SaltSize + NonceSize + TagSize
)

const chunkSize = 64 << 10

var hkdfInfo = []byte("recapai.content.v1")

var (
	// ErrIntegrity is returned when stored content fails authentication,
	// is truncated, or does not match the nonce recorded for it.
	ErrIntegrity = errors.New("contentcrypt: integrity check failed")
	ErrKeySize   = errors.New("contentcrypt: root key must be 32 bytes")
)

// Cipher holds the root secret. It is safe for concurrent use.
type Cipher struct {
	root []byte
}

// New returns a Cipher for a 32-byte root secret.
func New(root []byte) (*Cipher, error) {
	if len(root) != KeySize {
		return nil, ErrKeySize
	}
	key := make([]byte, KeySize)
	copy(key, root)
	return &Cipher{root: key}, nil
}

// ParseKey decodes a base64 (standard or URL alphabet) root secret.
func ParseKey(encoded string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) != KeySize {
				return nil, ErrKeySize
			}
			return key, nil
		}
	}
	return nil, errors.New("contentcrypt: root key is not valid base64")
}

// Encrypt streams r into w as one encrypted object starting at w's current
// offset. It returns the nonce to be recorded alongside the object and the
// number of plaintext bytes consumed. Errors from r are returned unchanged so
// callers can enforce their own limits while streaming.
func (c *Cipher) Encrypt(w io.WriteSeeker, r io.Reader) ([]byte, int64, error) {
	start, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, fmt.Errorf("locate header: %w", err)
	}
	salt, nonce, err := randomHeader()
	if err != nil {
		return nil, 0, err
	}
	stream, mac, err := c.streams(salt, nonce)
	if err != nil {
		return nil, 0, err
	}
	var placeholder [TagSize]byte
	for _, part := range [][]byte{salt, nonce, placeholder[:]} {
		if _, err := w.Write(part); err != nil {
			return nil, 0, fmt.Errorf("write header: %w", err)
		}
	}

	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			stream.XORKeyStream(chunk, chunk)
			_, _ = mac.Write(chunk)
			if _, err := w.Write(chunk); err != nil {
				return nil, total, fmt.Errorf("write ciphertext: %w", err)
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, total, rerr
		}
	}

	end, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, total, fmt.Errorf("locate end: %w", err)
	}
	if _, err := w.Seek(start+SaltSize+NonceSize, io.SeekStart); err != nil {
		return nil, total, fmt.Errorf("seek tag: %w", err)
	}
	if _, err := w.Write(mac.Sum(nil)); err != nil {
		return nil, total, fmt.Errorf("write tag: %w", err)
	}
	if _, err := w.Seek(end, io.SeekStart); err != nil {
		return nil, total, fmt.Errorf("seek end: %w", err)
	}
	return nonce, total, nil
}

// Decrypt authenticates the object at src's current offset and returns a
// reader over its plaintext. When expectNonce is non-empty the stored nonce
// must match it. Nothing is decrypted until the tag has been verified over
// the full ciphertext.
func (c *Cipher) Decrypt(src io.ReadSeeker, expectNonce []byte) (io.Reader, error) {
	start, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("locate header: %w", err)
	}
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(src, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrIntegrity
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	salt := header[:SaltSize]
	nonce := header[SaltSize : SaltSize+NonceSize]
	tag := header[SaltSize+NonceSize:]
	if len(expectNonce) > 0 && subtle.ConstantTimeCompare(expectNonce, nonce) != 1 {
		return nil, ErrIntegrity
	}
	stream, mac, err := c.streams(salt, nonce)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(mac, src); err != nil {
		return nil, fmt.Errorf("read ciphertext: %w", err)
	}
	if subtle.ConstantTimeCompare(mac.Sum(nil), tag) != 1 {
		return nil, ErrIntegrity
	}
	if _, err := src.Seek(start+HeaderSize, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind ciphertext: %w", err)
	}
	return &decryptReader{src: src, stream: stream}, nil
}

// Seal encrypts a small in-memory payload into the same layout as Encrypt.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	salt, nonce, err := randomHeader()
	if err != nil {
		return nil, err
	}
	stream, mac, err := c.streams(salt, nonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, HeaderSize+len(plaintext))
	copy(out, salt)
	copy(out[SaltSize:], nonce)
	ct := out[HeaderSize:]
	stream.XORKeyStream(ct, plaintext)
	_, _ = mac.Write(ct)
	copy(out[SaltSize+NonceSize:], mac.Sum(nil))
	return out, nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	r, err := c.Decrypt(bytes.NewReader(sealed), nil)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// Overhead is the number of bytes Encrypt adds to every object.
func Overhead() int64 { return HeaderSize }

func (c *Cipher) streams(salt, nonce []byte) (*chacha20.Cipher, *blake3.Hasher, error) {
	keys := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.root, salt, hkdfInfo), keys); err != nil {
		return nil, nil, fmt.Errorf("derive keys: %w", err)
	}
	stream, err := chacha20.NewUnauthenticatedCipher(keys[:KeySize], nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("init stream cipher: %w", err)
	}
	mac, err := blake3.NewKeyed(keys[KeySize:])
	if err != nil {
		return nil, nil, fmt.Errorf("init mac: %w", err)
	}
	_, _ = mac.Write(salt)
	_, _ = mac.Write(nonce)
	return stream, mac, nil
}

func randomHeader() ([]byte, []byte, error) {
	buf := make([]byte, SaltSize+NonceSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, nil, fmt.Errorf("generate salt and nonce: %w", err)
	}
	return buf[:SaltSize], buf[SaltSize:], nil
}

type decryptReader struct {
	src    io.Reader
	stream *chacha20.Cipher
}

func (d *decryptReader) Read(p []byte) (int, error) {
	n, err := d.src.Read(p)
	if n > 0 {
		d.stream.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}
