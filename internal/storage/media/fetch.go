package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/aliskhannn/upload-queue/internal/model"
)

// Fetcher loads the data of items created from a source: http(s) urls are
// downloaded, anything else is treated as an object key in the bucket.
type Fetcher struct {
	storage *Storage
	client  *http.Client
	maxSize int64
}

// NewFetcher creates a Fetcher. maxSize bounds the number of bytes read
// from a single source; 0 means unlimited.
func NewFetcher(s *Storage, client *http.Client, maxSize int64) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}

	return &Fetcher{storage: s, client: client, maxSize: maxSize}
}

// Fetch returns the file behind source.
func (f *Fetcher) Fetch(ctx context.Context, source string) (model.File, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return f.download(ctx, source)
	}

	if f.storage == nil {
		return model.File{}, fmt.Errorf("no storage configured for object %q", source)
	}

	obj, err := f.storage.Load(ctx, source)
	if err != nil {
		return model.File{}, err
	}
	defer obj.Close()

	return f.read(obj, path.Base(source), "")
}

func (f *Fetcher) download(ctx context.Context, url string) (model.File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.File{}, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return model.File{}, fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.File{}, fmt.Errorf("failed to download: unexpected status %s", resp.Status)
	}

	name := path.Base(req.URL.Path)
	if name == "/" || name == "." {
		name = "download"
	}

	return f.read(resp.Body, name, resp.Header.Get("Content-Type"))
}

func (f *Fetcher) read(r io.Reader, name, mimeType string) (model.File, error) {
	if f.maxSize > 0 {
		r = io.LimitReader(r, f.maxSize+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return model.File{}, fmt.Errorf("failed to read %s: %w", name, err)
	}

	if f.maxSize > 0 && int64(len(data)) > f.maxSize {
		return model.File{}, &model.ItemError{
			Code:    model.ErrorCodeSizeAboveLimit,
			Message: "source is larger than " + humanize.Bytes(uint64(f.maxSize)),
			File:    name,
		}
	}

	return model.File{
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Data:     data,
	}, nil
}
