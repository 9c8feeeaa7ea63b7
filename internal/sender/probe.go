package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// preview is a preview URL that answered a probe.
type preview struct {
	URL         string
	ContentType string
}

type prober struct {
	client       *http.Client
	timeout      time.Duration
	downloadMax  int64
	downloadTime time.Duration
}

// first probes urls in order and returns the first one that answers.
// HEAD is tried first; a 405 falls back to a two-byte ranged GET.
func (p *prober) first(ctx context.Context, urls []string) (preview, error) {
	var lastErr error
	for _, u := range urls {
		if strings.TrimSpace(u) == "" {
			continue
		}
		pv, err := p.probe(ctx, u)
		if err == nil {
			return pv, nil
		}
		if ctx.Err() != nil {
			return preview{}, ctx.Err()
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no preview urls")
	}
	return preview{}, lastErr
}

func (p *prober) probe(ctx context.Context, u string) (preview, error) {
	resp, err := p.do(ctx, http.MethodHead, u, nil)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = p.do(ctx, http.MethodGet, u, http.Header{"Range": []string{"bytes=0-1"}})
	}
	if err != nil {
		return preview{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return preview{}, fmt.Errorf("probe %s: status %d", u, resp.StatusCode)
	}
	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return preview{URL: final, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (p *prober) do(ctx context.Context, method, u string, h http.Header) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, v := range h {
		req.Header[k] = v
	}
	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// download fetches the image for an upload by bytes.
func (p *prober) download(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.downloadTime)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.downloadMax+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > p.downloadMax {
		return nil, fmt.Errorf("download %s: larger than %d bytes", u, p.downloadMax)
	}
	return body, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
