package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"golang.org/x/net/context/ctxhttp"
)

// Fetcher reads a byte range of a firmware image. It may return fewer
// than n bytes but never zero without an error.
type Fetcher interface {
	Fetch(ctx context.Context, uri string, off int64, n int) ([]byte, error)
}

// FetcherFunc is the func form of Fetcher.
type FetcherFunc func(ctx context.Context, uri string, off int64, n int) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, uri string, off int64, n int) ([]byte, error) {
	return f(ctx, uri, off, n)
}

// SchemeFetcher dispatches on the URI scheme.
type SchemeFetcher map[string]Fetcher

// DefaultFetcher serves http, https and file URIs.
func DefaultFetcher() SchemeFetcher {
	h := &HTTPFetcher{Client: http.DefaultClient}
	return SchemeFetcher{"http": h, "https": h, "file": FileFetcher{}}
}

// Fetch implements Fetcher.
func (s SchemeFetcher) Fetch(ctx context.Context, uri string, off int64, n int) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	f := s[u.Scheme]
	if f == nil {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return f.Fetch(ctx, uri, off, n)
}

// Supports tells if the scheme of uri is served.
func (s SchemeFetcher) Supports(uri string) bool {
	u, err := url.Parse(uri)
	return err == nil && s[u.Scheme] != nil
}

// HTTPFetcher fetches chunks with Range requests. User info in the URI
// is sent as basic auth.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch implements Fetcher.
func (h *HTTPFetcher) Fetch(ctx context.Context, uri string, off int64, n int) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	user := u.User
	u.User = nil
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if user != nil {
		pass, _ := user.Password()
		req.SetBasicAuth(user.Username(), pass)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(n)-1))
	resp, err := ctxhttp.Do(ctx, h.Client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body io.Reader = resp.Body
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// range ignored by the server.
		if _, err := io.CopyN(io.Discard, body, off); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("fetch %s: %s", u.Redacted(), resp.Status)
	}
	return readChunk(body, n)
}

// FileFetcher reads file:// URIs.
type FileFetcher struct{}

// Fetch implements Fetcher.
func (FileFetcher) Fetch(ctx context.Context, uri string, off int64, n int) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readChunk(io.NewSectionReader(f, off, int64(n)), n)
}

func readChunk(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	switch {
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF) && got > 0:
		return buf[:got], nil
	case errors.Is(err, io.EOF):
		return nil, io.ErrUnexpectedEOF
	}
	return nil, err
}
