package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	modifyAttempts = 5
	modifyTimeout  = 15 * time.Second
)

// EditFunc changes a decoded document in place and returns the fields to write back. Returning
// no updates commits nothing. It runs again when the document changes before commit.
type EditFunc[T any] func(doc *Document[T]) ([]firestore.Update, error)

// editRejected carries an error raised by an EditFunc out of the transaction unclassified.
type editRejected struct{ err error }

func (e editRejected) Error() string { return e.err.Error() }
func (e editRejected) Unwrap() error { return e.err }

// Modify reads the document id, applies edit and writes the returned updates in one transaction.
// Errors from edit come back unchanged; store failures are classified like the other collection
// calls.
func (c *Collection[T]) Modify(ctx context.Context, id string, edit EditFunc[T]) (Document[T], error) {
	if edit == nil {
		return Document[T]{}, errors.New("firestore: edit function is nil")
	}
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return Document[T]{}, err
	}

	ctx, cancel := boundedContext(ctx, modifyTimeout)
	defer cancel()

	var result Document[T]
	err = client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := c.decodeSnapshot(snap)
		if err != nil {
			return editRejected{err: err}
		}
		updates, err := edit(&doc)
		if err != nil {
			return editRejected{err: err}
		}
		result = doc
		if len(updates) == 0 {
			return nil
		}
		return tx.Update(ref, updates)
	}, firestore.MaxAttempts(modifyAttempts))

	var rejected editRejected
	switch {
	case errors.As(err, &rejected):
		return Document[T]{}, rejected.err
	case err != nil:
		return Document[T]{}, WrapError(c.op("modify"), err)
	}
	return result, nil
}

// boundedContext caps ctx at limit unless its own deadline is already sooner.
func boundedContext(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= limit {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, limit)
}
