package hub

import (
	"context"
	"io"

	"github.com/italolelis/hub_downloader/internal/telemetry"
	"github.com/italolelis/hub_downloader/internal/transfer"
)

// InstrumentedClient wraps a Backend with telemetry.
type InstrumentedClient struct {
	backend   Backend
	telemetry *telemetry.Telemetry
	platform  string
}

// NewInstrumentedClient creates a new instrumented hub client.
func NewInstrumentedClient(backend Backend, tel *telemetry.Telemetry, platform string) *InstrumentedClient {
	return &InstrumentedClient{
		backend:   backend,
		telemetry: tel,
		platform:  platform,
	}
}

// ListFiles lists repository files with telemetry.
func (c *InstrumentedClient) ListFiles(ctx context.Context, repo transfer.Repository) ([]transfer.RemoteFile, error) {
	var result []transfer.RemoteFile

	err := c.telemetry.InstrumentCatalogOperation(ctx, c.platform, "list_files", func(ctx context.Context) error {
		var err error
		result, err = c.backend.ListFiles(ctx, repo)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Open opens a remote file with telemetry. Only establishing the stream is measured.
func (c *InstrumentedClient) Open(ctx context.Context, repo transfer.Repository, path string, offset int64) (io.ReadCloser, error) {
	var result io.ReadCloser

	err := c.telemetry.InstrumentCatalogOperation(ctx, c.platform, "open_file", func(ctx context.Context) error {
		var err error
		result, err = c.backend.Open(ctx, repo, path, offset)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
