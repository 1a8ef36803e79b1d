package apps

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("app not found")

type Provider interface {
	// AppByKey resolves one registered application by its app key.
	AppByKey(ctx context.Context, appKey string) (App, error)
	// ListAppKeys returns the keys of all registered applications.
	ListAppKeys(ctx context.Context) ([]string, error)
}
