package sender

import (
	"context"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"streamwatch/internal/storage"
	"streamwatch/internal/transport"
)

type memStore struct {
	mu       sync.Mutex
	chats    map[int64]storage.Chat
	streams  map[string]storage.Stream
	pending  map[int64][]string
	messages map[int64][]storage.Message
	backoffs map[int64]storage.BackoffRecord
	changes  map[int64]map[int]bool
}

func newMemStore() *memStore {
	return &memStore{
		chats:    map[int64]storage.Chat{},
		streams:  map[string]storage.Stream{},
		pending:  map[int64][]string{},
		messages: map[int64][]storage.Message{},
		backoffs: map[int64]storage.BackoffRecord{},
		changes:  map[int64]map[int]bool{},
	}
}

func (s *memStore) GetChat(_ context.Context, id int64) (storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return storage.Chat{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStore) DeleteChat(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, id)
	delete(s.pending, id)
	delete(s.messages, id)
	return nil
}

func (s *memStore) ChangeChatID(_ context.Context, oldID, newID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[newID]; ok {
		return storage.ErrDuplicate
	}
	c := s.chats[oldID]
	c.ID = newID
	s.chats[newID] = c
	s.pending[newID] = s.pending[oldID]
	s.messages[newID] = s.messages[oldID]
	delete(s.chats, oldID)
	delete(s.pending, oldID)
	delete(s.messages, oldID)
	return nil
}

func (s *memStore) GetStream(_ context.Context, id string) (storage.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return storage.Stream{}, storage.ErrNotFound
	}
	return st, nil
}

func (s *memStore) SetStreamPreviewFileID(_ context.Context, id, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[id]
	st.TelegramPreviewFileID = fileID
	s.streams[id] = st
	return nil
}

func (s *memStore) PendingStreamIDs(_ context.Context, chatID int64, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.pending[chatID]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return append([]string(nil), ids...), nil
}

func (s *memStore) DropPendingStream(_ context.Context, chatID int64, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPendingLocked(chatID, streamID)
	return nil
}

func (s *memStore) dropPendingLocked(chatID int64, streamID string) {
	s.pending[chatID] = slices.DeleteFunc(s.pending[chatID], func(id string) bool { return id == streamID })
}

func (s *memStore) MessagesWithChanges(_ context.Context, chatID int64, limit int) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Message
	for _, m := range s.messages[chatID] {
		if m.HasChanges && !s.streams[m.StreamID].IsOffline {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MessagesForDelete(_ context.Context, chatID int64, limit int) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Message
	for _, m := range s.messages[chatID] {
		st, ok := s.streams[m.StreamID]
		if !ok || st.IsOffline {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CommitSentMessage(ctx context.Context, m storage.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPendingLocked(m.ChatID, m.StreamID)
	s.messages[m.ChatID] = append(s.messages[m.ChatID], m)
	return nil
}

func (s *memStore) UpdateMessageText(ctx context.Context, chatID int64, id int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages[chatID] {
		if m.ID == id {
			s.messages[chatID][i].Text = text
			s.messages[chatID][i].HasChanges = false
		}
	}
	return nil
}

func (s *memStore) DeleteMessage(ctx context.Context, chatID int64, id int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[chatID] = slices.DeleteFunc(s.messages[chatID], func(m storage.Message) bool { return m.ID == id })
	return nil
}

func (s *memStore) GetBackoff(_ context.Context, chatID int64) (storage.BackoffRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.backoffs[chatID]
	return rec, ok, nil
}

func (s *memStore) PutBackoff(_ context.Context, chatID int64, rec storage.BackoffRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoffs[chatID] = rec
	return nil
}

func (s *memStore) DeleteBackoff(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoffs, chatID)
	return nil
}

func (s *memStore) PruneBackoff(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.backoffs {
		if !rec.Active(now) {
			delete(s.backoffs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) messageIDs(chatID int64) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for _, m := range s.messages[chatID] {
		ids = append(ids, m.ID)
	}
	sort.Ints(ids)
	return ids
}

type call struct {
	op     string
	chatID int64
	source string
	text   string
	opt    *transport.SendOptions
	upload []byte
}

type fakeTransport struct {
	mu     sync.Mutex
	calls  []call
	nextID int

	sendErr   func(chatID int64) error
	photoErr  func(chatID int64, p transport.PhotoSource) error
	editErr   func(ref transport.MessageRef) error
	deleteErr func(ref transport.MessageRef) error
	// sent runs after every successful SendMessage.
	sent func()
	// photoGate, when set, is waited on inside SendPhoto.
	photoGate chan struct{}
	entered   chan struct{}
}

func (f *fakeTransport) record(c call) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	f.nextID++
	return 100 + f.nextID
}

func (f *fakeTransport) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		op := c.op
		if c.source != "" {
			op += ":" + c.source
		}
		out = append(out, op)
	}
	return out
}

func (f *fakeTransport) SendMessage(_ context.Context, chatID int64, text string, opt *transport.SendOptions) (transport.SentMessage, error) {
	id := f.record(call{op: "send", chatID: chatID, text: text, opt: opt})
	if f.sendErr != nil {
		if err := f.sendErr(chatID); err != nil {
			return transport.SentMessage{}, err
		}
	}
	if f.sent != nil {
		f.sent()
	}
	return transport.SentMessage{ID: id, ChatID: chatID}, nil
}

func (f *fakeTransport) SendPhoto(ctx context.Context, chatID int64, p transport.PhotoSource, caption string, opt *transport.SendOptions) (transport.SentMessage, error) {
	var upload []byte
	if p.Reader != nil {
		upload, _ = io.ReadAll(p.Reader)
	}
	id := f.record(call{op: "photo", chatID: chatID, source: p.String(), text: caption, opt: opt, upload: upload})
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.photoGate != nil {
		select {
		case <-f.photoGate:
		case <-ctx.Done():
			return transport.SentMessage{}, ctx.Err()
		}
	}
	if f.photoErr != nil {
		if err := f.photoErr(chatID, p); err != nil {
			return transport.SentMessage{}, err
		}
	}
	fileID := p.FileID
	if fileID == "" {
		fileID = "file-1"
	}
	return transport.SentMessage{ID: id, ChatID: chatID, PhotoFileID: fileID}, nil
}

func (f *fakeTransport) EditMessageText(_ context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.record(call{op: "edit_text", chatID: ref.ChatID, text: text, opt: opt})
	if f.editErr != nil {
		return f.editErr(ref)
	}
	return nil
}

func (f *fakeTransport) EditMessageCaption(_ context.Context, ref transport.MessageRef, caption string, opt *transport.SendOptions) error {
	f.record(call{op: "edit_caption", chatID: ref.ChatID, text: caption, opt: opt})
	if f.editErr != nil {
		return f.editErr(ref)
	}
	return nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, ref transport.MessageRef) error {
	f.record(call{op: "delete", chatID: ref.ChatID})
	if f.deleteErr != nil {
		return f.deleteErr(ref)
	}
	return nil
}
