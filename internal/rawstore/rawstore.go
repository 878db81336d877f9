// Package rawstore defines the archive used to keep raw API response bodies
// before parsing. Archiving is optional; a nil store disables it.
package rawstore

import "context"

// Store writes one raw response body and returns the URI it landed at.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}
