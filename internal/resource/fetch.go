package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var (
	ErrFetch       = errors.New("fetch sample")
	ErrEmptySample = errors.New("empty sample data")
)

const acceptAudio = "audio/wav,audio/*,*/*"

// Fetcher retrieves raw sample bytes from a URL or path.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// SourceFetcher fetches http(s) URLs over the network and everything else
// from an asset filesystem. When BaseURL is set, relative locations are
// resolved against it instead of the filesystem.
type SourceFetcher struct {
	Client  *http.Client
	FS      afero.Fs
	BaseURL string
}

// NewFetcher returns a fetcher reading local samples from fs (which may be
// nil when every location is remote).
func NewFetcher(fs afero.Fs, baseURL string) *SourceFetcher {
	return &SourceFetcher{
		Client:  &http.Client{Timeout: 30 * time.Second},
		FS:      fs,
		BaseURL: baseURL,
	}
}

func (f *SourceFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	switch {
	case isRemote(location):
		return f.fetchHTTP(ctx, location)
	case strings.HasPrefix(location, "file://"):
		return f.readFile(strings.TrimPrefix(location, "file://"))
	case f.BaseURL != "":
		u, err := url.Parse(f.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("%w: base url %q: %v", ErrFetch, f.BaseURL, err)
		}
		u.Path = path.Join(u.Path, location)
		return f.fetchHTTP(ctx, u.String())
	default:
		return f.readFile(location)
	}
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

func (f *SourceFetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", acceptAudio)
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: HTTP %d %s", ErrFetch, rawURL, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFetch, rawURL, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySample, rawURL)
	}
	return data, nil
}

func (f *SourceFetcher) readFile(name string) ([]byte, error) {
	if f.FS == nil {
		return nil, fmt.Errorf("%w: no asset filesystem for %q", ErrFetch, name)
	}
	data, err := afero.ReadFile(f.FS, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySample, name)
	}
	return data, nil
}
