// Package goodgame polls goodgame.ru through its public v2 API.
package goodgame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamwatch/internal/concurrency"
	"streamwatch/internal/source"
	logx "streamwatch/pkg/logx"
)

const (
	ServiceID      = "goodgame"
	defaultBaseURL = "https://api2.goodgame.ru"
	acceptHeader   = "application/vnd.goodgame.v2+json"
)

// Config tunes the client. Zero values pick the defaults.
type Config struct {
	BaseURL     string
	BatchSize   int
	Parallel    int
	RetryCount  int
	RetryDelay  time.Duration
	MaxInFlight int
	RatePerSec  float64
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.Parallel <= 0 {
		c.Parallel = 10
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = c.Parallel
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

type Source struct {
	cfg   Config
	http  *http.Client
	quota *concurrency.Quota
	log   logx.Logger
}

var _ source.Source = (*Source)(nil)

func New(cfg Config, client *http.Client, log logx.Logger) *Source {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Source{
		cfg:   cfg,
		http:  client,
		quota: concurrency.NewQuota(cfg.MaxInFlight, cfg.RatePerSec),
		log:   log.With(logx.String("comp", "source"), logx.String("service", ServiceID)),
	}
}

func (s *Source) ID() string     { return ServiceID }
func (s *Source) Name() string   { return "Goodgame" }
func (s *Source) BatchSize() int { return s.cfg.BatchSize }

var (
	reMatch      = regexp.MustCompile(`(?i)goodgame\.ru/`)
	reChannelURL = regexp.MustCompile(`(?i)goodgame\.ru/channel/([\w\-]+)`)
	reThumbSize  = regexp.MustCompile(`_240(\.jpg)$`)
)

func (s *Source) Match(u string) bool { return reMatch.MatchString(u) }

type apiStream struct {
	Key     string          `json:"key"`
	Status  string          `json:"status"`
	ID      json.Number     `json:"id"`
	Viewers json.RawMessage `json:"viewers"`
	URL     string          `json:"url"`
	Channel struct {
		Title string `json:"title"`
		URL   string `json:"url"`
		Thumb string `json:"thumb"`
		Games []struct {
			Title *string `json:"title"`
		} `json:"games"`
	} `json:"channel"`
}

type apiStreams struct {
	Embedded struct {
		Streams []apiStream `json:"streams"`
	} `json:"_embedded"`
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("goodgame: unexpected status %d", e.code) }

// GetStreams requests channels in chunks of BatchSize, Parallel chunks at a
// time. A chunk that keeps failing is reported as skipped.
func (s *Source) GetStreams(ctx context.Context, channelIDs []string) (source.Result, error) {
	var (
		mu  sync.Mutex
		res source.Result
	)
	chunks := chunk(channelIDs, s.cfg.BatchSize)
	_ = concurrency.BoundedPool(ctx, s.cfg.Parallel, chunks, func(ctx context.Context, ids []string) error {
		var body apiStreams
		err := concurrency.RetryWithBackoff(ctx, s.cfg.RetryCount, s.cfg.RetryDelay, func(ctx context.Context) error {
			q := url.Values{}
			q.Set("ids", strings.Join(ids, ","))
			q.Set("adult", "true")
			q.Set("hidden", "true")
			body = apiStreams{}
			return s.getJSON(ctx, "/v2/streams?"+q.Encode(), &body)
		})
		if err != nil {
			s.log.Debug("streams chunk skipped", logx.Int("channels", len(ids)), logx.Err(err))
			mu.Lock()
			res.SkippedChannelIDs = append(res.SkippedChannelIDs, ids...)
			mu.Unlock()
			return nil
		}
		streams := make([]source.RawStream, 0, len(body.Embedded.Streams))
		for _, st := range body.Embedded.Streams {
			if raw, ok := toRawStream(st); ok {
				streams = append(streams, raw)
			}
		}
		mu.Lock()
		res.Streams = append(res.Streams, streams...)
		mu.Unlock()
		return nil
	})
	if err := ctx.Err(); err != nil {
		return source.Result{}, err
	}
	return res, nil
}

func toRawStream(st apiStream) (source.RawStream, bool) {
	if st.Status != "Live" {
		return source.RawStream{}, false
	}
	var game string
	for _, g := range st.Channel.Games {
		if g.Title != nil && *g.Title != "" {
			game = *g.Title
			break
		}
	}

	var previews []string
	thumb := reThumbSize.ReplaceAllString(st.Channel.Thumb, "$1")
	if strings.HasPrefix(thumb, "//") {
		thumb = "https:" + thumb
	}
	if thumb != "" {
		previews = append(previews, thumb)
	}

	return source.RawStream{
		ID:           st.ID.String(),
		URL:          st.Channel.URL,
		Title:        st.Channel.Title,
		Game:         game,
		Previews:     previews,
		Viewers:      parseViewers(st.Viewers),
		ChannelID:    strings.ToLower(st.Key),
		ChannelTitle: st.Key,
	}, true
}

// parseViewers accepts both "12" and 12.
func parseViewers(raw json.RawMessage) *int {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

// GetExistsChannelIDs keeps every id that is not confirmed missing.
func (s *Source) GetExistsChannelIDs(ctx context.Context, channelIDs []string) ([]string, error) {
	var (
		mu  sync.Mutex
		out []string
	)
	_ = concurrency.BoundedPool(ctx, s.cfg.Parallel, channelIDs, func(ctx context.Context, id string) error {
		_, err := s.channelByID(ctx, id)
		if errors.Is(err, source.ErrChannelNotFound) {
			return nil
		}
		if err != nil {
			s.log.Debug("channel lookup failed; keeping channel", logx.String("channel", id), logx.Err(err))
		}
		mu.Lock()
		out = append(out, id)
		mu.Unlock()
		return nil
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindChannel accepts a channel url or a bare channel key.
func (s *Source) FindChannel(ctx context.Context, query string) (source.ChannelInfo, error) {
	id, err := channelIDFromURL(query)
	if errors.Is(err, source.ErrNotChannelURL) {
		id = strings.TrimSpace(query)
	} else if err != nil {
		return source.ChannelInfo{}, err
	}
	return s.channelByID(ctx, id)
}

func channelIDFromURL(u string) (string, error) {
	m := reChannelURL.FindStringSubmatch(u)
	if m == nil {
		return "", source.ErrNotChannelURL
	}
	return m[1], nil
}

func (s *Source) channelByID(ctx context.Context, id string) (source.ChannelInfo, error) {
	var st apiStream
	err := s.getJSON(ctx, "/v2/streams/"+url.PathEscape(id), &st)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return source.ChannelInfo{}, source.ErrChannelNotFound
	}
	if err != nil {
		return source.ChannelInfo{}, err
	}
	if st.Key == "" {
		return source.ChannelInfo{}, source.ErrChannelNotFound
	}
	return source.ChannelInfo{ID: strings.ToLower(st.Key), Title: st.Key, URL: st.URL}, nil
}

func (s *Source) getJSON(ctx context.Context, path string, out any) error {
	return s.quota.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.cfg.BaseURL, "/")+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", acceptHeader)
		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return &statusError{code: resp.StatusCode}
		}
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		return dec.Decode(out)
	})
}

func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}
