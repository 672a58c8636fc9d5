// Package fetcher ingests seed lists of prospect records from local
// files, HTTP, and FTP sources, in CSV, XLSX, and JSON formats.
package fetcher

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// Fetcher retrieves a seed file from a URI.
type Fetcher interface {
	// Download fetches the URI and returns the response body.
	Download(ctx context.Context, uri string) (io.ReadCloser, error)
}

// LocalFetcher reads seed files from the filesystem.
type LocalFetcher struct{}

// Download opens the file at path.
func (LocalFetcher) Download(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", path)
	}
	return f, nil
}
