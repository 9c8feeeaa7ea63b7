package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers a plain-text line to an operator chat. The telegram
// transport implements it; logx does not import it.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, text string) error
}

const (
	operatorQueue   = 256
	operatorTimeout = 15 * time.Second
	maxOperatorLine = 3500
)

// keys never forwarded to the operator chat
var operatorSkip = map[string]bool{"time": true, "level": true, "message": true, "caller": true, "comp": true}

type operatorLine struct {
	chatID int64
	text   string
}

// operatorSink is a zerolog.LevelWriter forwarding selected lines to a chat.
// Writes never block; lines are dropped when the limiter or the queue is full.
// A line identical to the previous one is folded into a repeat counter.
type operatorSink struct {
	mu       sync.Mutex
	sender   Sender
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter
	last     string
	repeats  int

	queue  chan operatorLine
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newOperatorSink(sender Sender) *operatorSink {
	return &operatorSink{
		sender:   sender,
		minLevel: zerolog.WarnLevel,
		queue:    make(chan operatorLine, operatorQueue),
	}
}

func (o *operatorSink) setSender(s Sender) {
	o.mu.Lock()
	o.sender = s
	o.mu.Unlock()
}

func (o *operatorSink) configure(cfg TelegramConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	o.mu.Lock()
	o.chatID = cfg.ChatID
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	o.mu.Unlock()

	if cfg.Enabled {
		o.once.Do(o.start)
	}
}

func (o *operatorSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
}

func (o *operatorSink) stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

func (o *operatorSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-o.queue:
			o.mu.Lock()
			sender := o.sender
			o.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, operatorTimeout)
			_ = sender.SendLog(sctx, ln.chatID, ln.text)
			cancel()
		}
	}
}

func (o *operatorSink) Write(p []byte) (int, error) { return o.WriteLevel(zerolog.InfoLevel, p) }

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	n := len(p)
	o.mu.Lock()
	if o.chatID == 0 || o.sender == nil || o.limiter == nil || level < o.minLevel {
		o.mu.Unlock()
		return n, nil
	}
	line := formatOperatorLine(p)
	if line == "" {
		o.mu.Unlock()
		return n, nil
	}
	if line == o.last {
		o.repeats++
		o.mu.Unlock()
		return n, nil
	}
	text := line
	if o.repeats > 0 {
		text = fmt.Sprintf("(previous line repeated %d more times)\n%s", o.repeats, text)
	}
	if !o.limiter.Allow() {
		o.mu.Unlock()
		return n, nil
	}
	o.last, o.repeats = line, 0
	chatID := o.chatID
	o.mu.Unlock()

	select {
	case o.queue <- operatorLine{chatID: chatID, text: text}:
	default:
	}
	return n, nil
}

// formatOperatorLine renders a zerolog JSON line as
//
//	[WARN] sender: delivery suspended
//	chat_id=42
//	err=...
//
// with keys sorted. Non-JSON input is passed through trimmed.
func formatOperatorLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(strings.TrimSpace(string(p)), maxOperatorLine)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	if comp, _ := m["comp"].(string); comp != "" {
		b.WriteString(comp + ": ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		if !operatorSkip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n" + k + "=" + clip(fmt.Sprint(m[k]), limit))
	}
	return clip(b.String(), maxOperatorLine)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
