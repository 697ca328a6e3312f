package app

import (
	"context"
	"errors"
	"io"

	"recapai/pkg/audit"
	"recapai/pkg/domain"
	"recapai/pkg/storage"
)

// ListRecordings returns the owner's stored audio, newest first.
func (a *App) ListRecordings(ctx context.Context, ownerID string) ([]domain.AudioBlob, error) {
	blobs, err := a.store.ListBlobsByOwner(ctx, ownerID)
	if err != nil {
		return nil, internal("list recordings", err)
	}
	return blobs, nil
}

func (a *App) ownedBlob(ctx context.Context, ownerID, blobID string) (domain.AudioBlob, error) {
	blob, ok, err := a.store.GetBlob(ctx, blobID)
	if err != nil {
		return blob, internal("load recording", err)
	}
	if !ok || blob.OwnerID != ownerID {
		return domain.AudioBlob{}, notFound(CodeRecordingNotFound, "recording not found")
	}
	return blob, nil
}

// OpenRecording authenticates a stored recording and returns its plaintext.
// The caller must close the reader.
func (a *App) OpenRecording(ctx context.Context, ownerID, blobID string) (domain.AudioBlob, io.ReadCloser, error) {
	blob, err := a.ownedBlob(ctx, ownerID, blobID)
	if err != nil {
		return blob, nil, err
	}
	rc, err := a.blobs.Get(ctx, blob.Locator, blob.Nonce)
	switch {
	case errors.Is(err, storage.ErrCorrupted):
		a.integrityFailed(ctx, ownerID, "blob", blobID)
		return blob, nil, &Error{Kind: KindIntegrity, Code: CodeIntegrity, Message: "recording failed integrity check", Err: err}
	case errors.Is(err, storage.ErrNotFound):
		return blob, nil, notFound(CodeRecordingNotFound, "recording not found")
	case err != nil:
		return blob, nil, internal("open recording", err)
	}
	a.record(ctx, audit.Event{Action: audit.ActionBlobRead, Outcome: audit.OutcomeSuccess,
		OwnerID: ownerID, ObjectType: "blob", ObjectID: blobID})
	return blob, rc, nil
}

// DeleteRecording removes an owner's recording. Tasks derived from it keep
// existing with the reference cleared.
func (a *App) DeleteRecording(ctx context.Context, ownerID, blobID string) error {
	blob, err := a.ownedBlob(ctx, ownerID, blobID)
	if err != nil {
		return err
	}
	removed, err := a.deleteBlob(ctx, blob)
	if err != nil {
		return internal("delete recording", err)
	}
	if removed {
		a.record(ctx, audit.Event{Action: audit.ActionBlobDeleted, Outcome: audit.OutcomeSuccess,
			OwnerID: ownerID, ObjectType: "blob", ObjectID: blobID})
	}
	return nil
}
