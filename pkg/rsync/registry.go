package rsync

import (
	"fmt"
	"slices"
	"sync"

	"github.com/conductorone/baton-rsync/pkg/dbsync"
)

// SyncSession is the static configuration of one registered table. It is immutable
// once registered.
type SyncSession struct {
	ID             string
	Table          string
	Index          string
	ChecksumField  string
	TimestampField string
	Component      string

	CountRangeQuery    dbsync.Query
	RowDataQuery       dbsync.Query
	RangeChecksumQuery dbsync.Query
	NoDataQuery        dbsync.Query

	store dbsync.RangeStore
	sink  Sink

	// frames serializes reconciliation steps of this session.
	frames sync.Mutex
}

func newSyncSession(id string, store dbsync.RangeStore, cfg RegistrationConfig, sink Sink) *SyncSession {
	return &SyncSession{
		ID:                 id,
		Table:              cfg.Table,
		Index:              cfg.Index,
		ChecksumField:      cfg.ChecksumField,
		TimestampField:     cfg.LastEvent,
		Component:          cfg.Component,
		CountRangeQuery:    *cfg.CountRangeQuery,
		RowDataQuery:       *cfg.RowDataQuery,
		RangeChecksumQuery: *cfg.RangeChecksumQuery,
		NoDataQuery:        *cfg.NoDataQuery,
		store:              store,
		sink:               sink,
	}
}

// Registry maps sync ids to sessions. Duplicate ids are rejected; the first
// registration stays in effect until removed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*SyncSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*SyncSession)}
}

func (r *Registry) Register(id string, s *SyncSession) error {
	if id == "" {
		return fmt.Errorf("%w: empty sync id", ErrInvalidConfig)
	}
	if s == nil {
		return fmt.Errorf("%w: session", ErrNilArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	r.sessions[id] = s
	return nil
}

func (r *Registry) Lookup(id string) (*SyncSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops id. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// IDs returns the registered ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

func (r *Registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.sessions)
}
