// Package source defines the contract every streaming platform implements and
// the registry the poller and the subscription layer look sources up in.
package source

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrChannelNotFound = errors.New("source: channel not found")
	ErrNotChannelURL   = errors.New("source: not a channel url")
	ErrUnknownService  = errors.New("source: unknown service")
)

// RawStream is one live stream as reported by a platform. Ids are raw
// (not service-qualified).
type RawStream struct {
	ID           string
	URL          string
	Title        string
	Game         string
	IsRecord     bool
	Previews     []string
	Viewers      *int
	ChannelID    string
	ChannelTitle string
}

// Result is the outcome of one GetStreams call.
//
// Skipped channels failed transiently and should be retried next cycle;
// removed channels are confirmed gone upstream.
type Result struct {
	Streams           []RawStream
	SkippedChannelIDs []string
	RemovedChannelIDs []string
}

// ChannelInfo identifies a channel found by FindChannel.
type ChannelInfo struct {
	ID    string
	Title string
	URL   string
}

// Source is one streaming platform.
type Source interface {
	ID() string
	Name() string
	// BatchSize bounds how many channel ids one poll cycle step requests.
	BatchSize() int
	Match(url string) bool
	GetStreams(ctx context.Context, channelIDs []string) (Result, error)
	GetExistsChannelIDs(ctx context.Context, channelIDs []string) ([]string, error)
	FindChannel(ctx context.Context, query string) (ChannelInfo, error)
}

// Wrap qualifies a raw platform id with the service id.
func Wrap(serviceID, rawID string) string {
	return serviceID + ":" + rawID
}

// Unwrap strips the service prefix from a qualified id.
func Unwrap(id string) (serviceID, rawID string, ok bool) {
	i := strings.IndexByte(id, ':')
	if i <= 0 {
		return "", id, false
	}
	return id[:i], id[i+1:], true
}

// Registry holds the enabled sources in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []Source
	byID  map[string]Source
}

func NewRegistry(sources ...Source) *Registry {
	r := &Registry{byID: map[string]Source{}}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Source) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID()]; ok {
		return
	}
	r.byID[s.ID()] = s
	r.order = append(r.order, s)
}

func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Source(nil), r.order...)
}

// ForURL returns the first source whose Match accepts url.
func (r *Registry) ForURL(url string) (Source, bool) {
	for _, s := range r.All() {
		if s.Match(url) {
			return s, true
		}
	}
	return nil, false
}
