package reqid

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// key is the context key for the request ID.
type key struct{}

type requestID struct {
	id   int64
	uuid uuid.UUID
}

// NewContext returns a copy of parent with a new random request ID stored.
// It also returns the numeric form of the ID.
func NewContext(parent context.Context) (context.Context, int64) {
	u := uuid.New()
	id := int64(binary.BigEndian.Uint64(u[:8]) & math.MaxInt64)
	return context.WithValue(parent, key{}, requestID{id: id, uuid: u}), id
}

// FromContext extracts the numeric request ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(key{}).(requestID)
	return v.id, ok
}

// UUIDFromContext extracts the request ID in its UUID form, as sent in
// response headers and logs.
func UUIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(key{}).(requestID)
	return v.uuid, ok
}
