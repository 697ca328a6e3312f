package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"recapai/pkg/contentcrypt"
)

// BlobStore encrypts objects on the way into a Backend and authenticates
// them on the way out.
type BlobStore struct {
	backend Backend
	cipher  *contentcrypt.Cipher
}

// PutResult describes a committed object.
type PutResult struct {
	Locator string
	Nonce   []byte
	Size    int64
}

func NewBlobStore(backend Backend, cipher *contentcrypt.Cipher) *BlobStore {
	return &BlobStore{backend: backend, cipher: cipher}
}

// Put streams r into a new encrypted object. On any error, including one
// returned by r, nothing is left at the locator. Reader errors are wrapped
// so callers can match them with errors.Is.
func (s *BlobStore) Put(ctx context.Context, ownerID, objectID string, r io.Reader) (PutResult, error) {
	locator, err := Locator(ownerID, objectID)
	if err != nil {
		return PutResult{}, err
	}
	pending, err := s.backend.Create(ctx, locator)
	if err != nil {
		return PutResult{}, fmt.Errorf("create object: %w", err)
	}
	nonce, size, err := s.cipher.Encrypt(pending, r)
	if err != nil {
		pending.Abort()
		return PutResult{}, fmt.Errorf("encrypt object: %w", err)
	}
	if err := ctx.Err(); err != nil {
		pending.Abort()
		return PutResult{}, err
	}
	if err := pending.Commit(ctx); err != nil {
		pending.Abort()
		return PutResult{}, fmt.Errorf("commit object: %w", err)
	}
	return PutResult{Locator: locator, Nonce: nonce, Size: size}, nil
}

// Get returns the plaintext of a stored object. A missing object yields
// ErrNotFound; content that fails authentication yields ErrCorrupted.
func (s *BlobStore) Get(ctx context.Context, locator string, nonce []byte) (io.ReadCloser, error) {
	if !validLocator(locator) {
		return nil, ErrLocator
	}
	rc, err := s.backend.Open(ctx, locator)
	if err != nil {
		return nil, err
	}
	plain, err := s.cipher.Decrypt(rc, nonce)
	if err != nil {
		_ = rc.Close()
		if errors.Is(err, contentcrypt.ErrIntegrity) {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return readCloser{Reader: plain, Closer: rc}, nil
}

// Delete removes a stored object. ErrNotFound is returned unchanged so
// callers can decide whether an absent object matters.
func (s *BlobStore) Delete(ctx context.Context, locator string) error {
	if !validLocator(locator) {
		return ErrLocator
	}
	return s.backend.Remove(ctx, locator)
}

// DeleteOwner removes every object stored for an owner.
func (s *BlobStore) DeleteOwner(ctx context.Context, ownerID string) error {
	return s.backend.RemovePrefix(ctx, OwnerPrefix(ownerID))
}

type readCloser struct {
	io.Reader
	io.Closer
}
