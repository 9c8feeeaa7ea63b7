package logx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSender struct {
	mu    sync.Mutex
	lines []string
	chats []int64
}

func (c *captureSender) SendLog(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.chats = append(c.chats, chatID)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) snapshot() ([]string, []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...), append([]int64(nil), c.chats...)
}

func waitLines(t *testing.T, c *captureSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lines, _ := c.snapshot(); len(lines) >= n {
			return lines
		}
		time.Sleep(10 * time.Millisecond)
	}
	lines, _ := c.snapshot()
	t.Fatalf("got %d operator lines, want %d: %q", len(lines), n, lines)
	return nil
}

func TestFormatOperatorLine(t *testing.T) {
	t.Parallel()
	got := formatOperatorLine([]byte(`{"level":"warn","comp":"sender","message":"delivery suspended","time":"x","caller":"a.go:1","err":"boom","chat_id":42}`))
	want := "[WARN] sender: delivery suspended\nchat_id=42\nerr=boom"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFormatOperatorLineRaw(t *testing.T) {
	t.Parallel()
	if got := formatOperatorLine([]byte("  not json \n")); got != "not json" {
		t.Fatalf("got %q", got)
	}
}

func TestOperatorSinkHonoursMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, ChatID: -100, RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Info("ignored")
	log.With(String("comp", "checker")).Warn("forwarded")

	lines := waitLines(t, sender, 1)
	_, chats := sender.snapshot()
	if chats[0] != -100 {
		t.Fatalf("chat = %d", chats[0])
	}
	if lines[0] != "[WARN] checker: forwarded" {
		t.Fatalf("line = %q", lines[0])
	}
}

func TestOperatorSinkFoldsRepeats(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level:    "warn",
		Telegram: TelegramConfig{Enabled: true, ChatID: 7, RatePerSec: 100},
	}, sender)
	defer svc.Close()

	for i := 0; i < 3; i++ {
		log.Warn("same")
	}
	log.Error("other")

	lines := waitLines(t, sender, 2)
	if lines[0] != "[WARN] same" {
		t.Fatalf("first = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "(previous line repeated 2 more times)\n[ERROR] other") {
		t.Fatalf("second = %q", lines[1])
	}
}

func TestSenderAttachedLater(t *testing.T) {
	svc, log := New(Config{
		Level:    "warn",
		Telegram: TelegramConfig{Enabled: true, ChatID: 1, RatePerSec: 10},
	}, nil)
	defer svc.Close()

	log.Warn("dropped")
	sender := &captureSender{}
	svc.SetSender(sender)
	log.Warn("kept")

	lines := waitLines(t, sender, 1)
	if lines[0] != "[WARN] kept" {
		t.Fatalf("line = %q", lines[0])
	}
}

func TestFileSinkAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	defer svc.Close()

	log.Debug("hidden")
	log.Info("visible", Int64("chat_id", 5))
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("now visible")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(raw)
	if strings.Contains(out, `"hidden"`) {
		t.Fatalf("debug line written at info level: %s", out)
	}
	for _, want := range []string{`"message":"visible"`, `"chat_id":5`, `"message":"now visible"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.With(String("k", "v")).Error("nothing", Err(nil))
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
