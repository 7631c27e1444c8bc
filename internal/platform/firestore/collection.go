package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot with its id and server timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// Encoder converts an entity into the value written to Firestore.
type Encoder[T any] func(value T) (any, error)

// Decoder converts a snapshot into an entity.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// Collection is a typed view over one top-level collection.
type Collection[T any] struct {
	provider *Provider
	name     string
	encode   Encoder[T]
	decode   Decoder[T]
}

// NewCollection binds a typed view to name. A nil encoder writes the value as-is and a nil
// decoder uses DataTo.
func NewCollection[T any](provider *Provider, name string, encode Encoder[T], decode Decoder[T]) *Collection[T] {
	if encode == nil {
		encode = func(value T) (any, error) { return value, nil }
	}
	if decode == nil {
		decode = func(snap *firestore.DocumentSnapshot) (T, error) {
			var target T
			err := snap.DataTo(&target)
			return target, err
		}
	}
	return &Collection[T]{
		provider: provider,
		name:     strings.TrimSpace(name),
		encode:   encode,
		decode:   decode,
	}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Get loads and decodes the document id.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.decodeSnapshot(snap)
}

// Set writes value under id, replacing the document unless merge options are supplied.
func (c *Collection[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	payload, err := c.encode(value)
	if err != nil {
		return fmt.Errorf("firestore: encode %s/%s: %w", c.name, id, err)
	}
	if _, err := ref.Set(ctx, payload, opts...); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// Create writes value under id and fails with a conflict when the document exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	payload, err := c.encode(value)
	if err != nil {
		return fmt.Errorf("firestore: encode %s/%s: %w", c.name, id, err)
	}
	if _, err := ref.Create(ctx, payload); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

// Patch applies field updates. The document must exist.
func (c *Collection[T]) Patch(ctx context.Context, id string, updates []firestore.Update, preconds ...firestore.Precondition) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Update(ctx, updates, preconds...); err != nil {
		return WrapError(c.op("patch"), err)
	}
	return nil
}

// Delete removes the document. Deleting a missing document succeeds.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return WrapError(c.op("delete"), err)
	}
	return nil
}

// List returns every document ordered by field ascending. An empty field lists in document id
// order.
func (c *Collection[T]) List(ctx context.Context, orderBy string) ([]Document[T], error) {
	return c.Query(ctx, func(q firestore.Query) firestore.Query {
		if field := strings.TrimSpace(orderBy); field != "" {
			return q.OrderBy(field, firestore.Asc)
		}
		return q.OrderBy(firestore.DocumentID, firestore.Asc)
	})
}

// Query runs a query built from the collection and decodes each result.
func (c *Collection[T]) Query(ctx context.Context, build func(firestore.Query) firestore.Query) ([]Document[T], error) {
	coll, err := c.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		doc, err := c.decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

// Ref returns the document reference for id, for transactions and batched writes.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("ref"), errors.New("firestore: document id is required"))
	}
	coll, err := c.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Decode converts a snapshot read elsewhere, typically inside a transaction.
func (c *Collection[T]) Decode(snap *firestore.DocumentSnapshot) (Document[T], error) {
	return c.decodeSnapshot(snap)
}

// Encode converts value into its stored form.
func (c *Collection[T]) Encode(value T) (any, error) {
	return c.encode(value)
}

func (c *Collection[T]) decodeSnapshot(snap *firestore.DocumentSnapshot) (Document[T], error) {
	data, err := c.decode(snap)
	if err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s/%s: %w", c.name, snap.Ref.ID, err)
	}
	return Document[T]{
		ID:         snap.Ref.ID,
		Data:       data,
		CreateTime: snap.CreateTime,
		UpdateTime: snap.UpdateTime,
	}, nil
}

func (c *Collection[T]) collectionRef(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	if c.name == "" {
		return nil, errors.New("firestore: collection name is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}
