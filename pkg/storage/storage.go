// Package storage persists encrypted audio objects.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

var (
	ErrNotFound  = errors.New("storage: object not found")
	ErrCorrupted = errors.New("storage: object corrupted")
	ErrLocator   = errors.New("storage: invalid locator")
)

// Backend stores opaque byte objects by locator.
type Backend interface {
	// Create opens a pending object. Nothing is visible at locator until
	// Commit succeeds.
	Create(ctx context.Context, locator string) (PendingObject, error)
	Open(ctx context.Context, locator string) (io.ReadSeekCloser, error)
	// Remove returns ErrNotFound when nothing is stored at locator.
	Remove(ctx context.Context, locator string) error
	// RemovePrefix deletes every object under prefix.
	RemovePrefix(ctx context.Context, prefix string) error
}

// PendingObject is an object being written.
type PendingObject interface {
	io.Writer
	io.Seeker
	Commit(ctx context.Context) error
	// Abort discards the object. Safe to call after Commit.
	Abort()
}

var (
	safeOwnerPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	safeObjectPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,128}$`)
)

// OwnerPartition maps an owner id to a path segment. Ids that are not safe
// path segments are replaced by a digest; the "h." prefix cannot collide
// with a safe id because safe ids never contain a dot.
func OwnerPartition(ownerID string) string {
	if safeOwnerPattern.MatchString(ownerID) {
		return ownerID
	}
	sum := blake3.Sum256([]byte(ownerID))
	return "h." + hex.EncodeToString(sum[:16])
}

// Locator returns the storage key for one object.
func Locator(ownerID, objectID string) (string, error) {
	if !safeObjectPattern.MatchString(objectID) {
		return "", fmt.Errorf("%w: object id %q", ErrLocator, objectID)
	}
	return OwnerPrefix(ownerID) + objectID[:2] + "/" + objectID + ".blob", nil
}

// OwnerPrefix is the locator prefix shared by all of an owner's objects.
func OwnerPrefix(ownerID string) string {
	return "owners/" + OwnerPartition(ownerID) + "/"
}

func validLocator(locator string) bool {
	if locator == "" || strings.HasPrefix(locator, "/") || strings.Contains(locator, "\\") {
		return false
	}
	for _, part := range strings.Split(locator, "/") {
		if part == "." || part == ".." {
			return false
		}
	}
	return true
}
