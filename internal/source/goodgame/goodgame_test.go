package goodgame

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"streamwatch/internal/source"
	logx "streamwatch/pkg/logx"
)

const streamsBody = `{"_embedded":{"streams":[
 {"key":"Alpha","status":"Live","id":101,"viewers":"42","channel":{"title":"alpha live","url":"https://goodgame.ru/channel/Alpha/","thumb":"//hls.goodgame.ru/previews/101_240.jpg","games":[{"title":null},{"title":"Chess"}]}},
 {"key":"Beta","status":"Dead","id":102,"viewers":"0","channel":{"title":"beta","url":"https://goodgame.ru/channel/Beta/","thumb":"","games":[]}}
]}}`

func newTestSource(t *testing.T, h http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, RetryDelay: time.Millisecond}, srv.Client(), logx.Nop())
}

func TestGetStreamsParsesLiveStreams(t *testing.T) {
	t.Parallel()
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != acceptHeader {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		if r.URL.Query().Get("ids") != "alpha,beta" {
			t.Errorf("ids = %q", r.URL.Query().Get("ids"))
		}
		_, _ = w.Write([]byte(streamsBody))
	})

	res, err := src.GetStreams(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("GetStreams error: %v", err)
	}
	if len(res.Streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(res.Streams))
	}
	st := res.Streams[0]
	if st.ID != "101" || st.ChannelID != "alpha" || st.ChannelTitle != "Alpha" {
		t.Fatalf("unexpected ids: %+v", st)
	}
	if st.Game != "Chess" {
		t.Fatalf("Game = %q", st.Game)
	}
	if len(st.Previews) != 1 || st.Previews[0] != "https://hls.goodgame.ru/previews/101.jpg" {
		t.Fatalf("Previews = %v", st.Previews)
	}
	if st.Viewers == nil || *st.Viewers != 42 {
		t.Fatalf("Viewers = %v", st.Viewers)
	}
	if len(res.SkippedChannelIDs) != 0 {
		t.Fatalf("skipped = %v", res.SkippedChannelIDs)
	}
}

func TestGetStreamsSkipsFailingChunk(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if strings.Contains(r.URL.Query().Get("ids"), "bad") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"_embedded":{"streams":[]}}`))
	})
	src.cfg.BatchSize = 1

	res, err := src.GetStreams(context.Background(), []string{"good", "bad"})
	if err != nil {
		t.Fatalf("GetStreams error: %v", err)
	}
	if len(res.SkippedChannelIDs) != 1 || res.SkippedChannelIDs[0] != "bad" {
		t.Fatalf("skipped = %v", res.SkippedChannelIDs)
	}
	// 1 call for the good chunk, 1 + 3 retries for the bad one.
	if calls.Load() != 5 {
		t.Fatalf("calls = %d, want 5", calls.Load())
	}
}

func TestFindChannel(t *testing.T) {
	t.Parallel()
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/streams/Alpha":
			_, _ = w.Write([]byte(`{"key":"Alpha","url":"https://goodgame.ru/channel/Alpha/"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	info, err := src.FindChannel(context.Background(), "https://goodgame.ru/channel/Alpha/")
	if err != nil {
		t.Fatalf("FindChannel error: %v", err)
	}
	if info.ID != "alpha" || info.Title != "Alpha" {
		t.Fatalf("unexpected channel: %+v", info)
	}

	if _, err := src.FindChannel(context.Background(), "nobody"); !errors.Is(err, source.ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestGetExistsChannelIDs(t *testing.T) {
	t.Parallel()
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/streams/gone":
			w.WriteHeader(http.StatusNotFound)
		case "/v2/streams/flaky":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte(`{"key":"here","url":"u"}`))
		}
	})
	ids, err := src.GetExistsChannelIDs(context.Background(), []string{"here", "gone", "flaky"})
	if err != nil {
		t.Fatalf("GetExistsChannelIDs error: %v", err)
	}
	got := map[string]bool{}
	for _, id := range ids {
		got[id] = true
	}
	if !got["here"] || !got["flaky"] || got["gone"] {
		t.Fatalf("ids = %v", ids)
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()
	src := New(Config{}, nil, logx.Nop())
	if !src.Match("https://GoodGame.ru/channel/x") {
		t.Fatalf("expected match")
	}
	if src.Match("https://twitch.tv/x") {
		t.Fatalf("unexpected match")
	}
}
