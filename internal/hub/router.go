package hub

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/italolelis/hub_downloader/internal/transfer"
)

// Backend is a single hub endpoint.
type Backend interface {
	transfer.RepositoryCatalog
	transfer.FileSource
}

// Router dispatches catalog and source calls on the repository platform.
type Router struct {
	backends map[string]Backend
}

func NewRouter(backends map[string]Backend) *Router {
	return &Router{backends: backends}
}

// Platforms returns the registered platform names, sorted.
func (r *Router) Platforms() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Supports reports whether a platform is registered.
func (r *Router) Supports(platform string) bool {
	_, ok := r.backends[platform]

	return ok
}

func (r *Router) ListFiles(ctx context.Context, repo transfer.Repository) ([]transfer.RemoteFile, error) {
	b, err := r.backend(repo.Platform)
	if err != nil {
		return nil, err
	}

	return b.ListFiles(ctx, repo)
}

func (r *Router) Open(ctx context.Context, repo transfer.Repository, path string, offset int64) (io.ReadCloser, error) {
	b, err := r.backend(repo.Platform)
	if err != nil {
		return nil, err
	}

	return b.Open(ctx, repo, path, offset)
}

func (r *Router) backend(platform string) (Backend, error) {
	b, ok := r.backends[platform]
	if !ok {
		return nil, &transfer.ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", platform)}
	}

	return b, nil
}
