// Package artifact implements the versioned, indexed artifact store.
// Artifacts are keyed by session, type, and tag; updates merge data and
// bump the version; parent/child links form a tree whose deletes cascade.
// Expiry is enforced lazily on every read and by a periodic janitor sweep.
package artifact

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CreateInput is the payload for Store.Create.
type CreateInput struct {
	Type      models.ArtifactType
	SessionID string
	Data      map[string]interface{}
	Metadata  models.ArtifactMetadata
	// TTL, when positive, sets ExpiresAt relative to creation.
	TTL time.Duration
}

// Store is the in-memory artifact store. All mutation goes through its
// methods; queries return copies, never shared references.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]*models.Artifact

	bySession map[string]map[string]struct{}
	byType    map[models.ArtifactType]map[string]struct{}
	byTag     map[string]map[string]struct{}

	defaultTTL time.Duration
	created    uint64
	expired    uint64
}

// NewStore creates a store whose artifacts default to the given retention.
// A zero retention means artifacts never expire unless a TTL is set.
func NewStore(defaultTTL time.Duration) *Store {
	return &Store{
		artifacts:  make(map[string]*models.Artifact),
		bySession:  make(map[string]map[string]struct{}),
		byType:     make(map[models.ArtifactType]map[string]struct{}),
		byTag:      make(map[string]map[string]struct{}),
		defaultTTL: defaultTTL,
	}
}

// Create stores a new artifact and returns its ID. A ParentID must name an
// existing artifact in the same session.
func (s *Store) Create(in CreateInput) (string, error) {
	now := time.Now().UTC()
	a := &models.Artifact{
		ID:        uuid.New().String(),
		Type:      in.Type,
		SessionID: in.SessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
		Data:      cloneMap(in.Data),
		Metadata:  in.Metadata,
	}
	ttl := in.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		a.ExpiresAt = &exp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pid := in.Metadata.ParentID; pid != "" {
		parent, ok := s.artifacts[pid]
		if !ok {
			return "", fmt.Errorf("parent artifact %s not found", pid)
		}
		if parent.SessionID != in.SessionID {
			return "", fmt.Errorf("parent artifact %s belongs to another session", pid)
		}
		parent.ChildIDsAppend(a.ID)
	}

	s.artifacts[a.ID] = a
	s.index(a)
	s.created++
	return a.ID, nil
}

// Get returns a copy of the artifact, or nil if it does not exist or has
// expired. Expired artifacts are deleted on read.
func (s *Store) Get(id string) *models.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[id]
	if !ok {
		return nil
	}
	if a.Expired(time.Now().UTC()) {
		s.deleteLocked(id)
		s.expired++
		return nil
	}
	cp := *a
	cp.Data = cloneMap(a.Data)
	return &cp
}

// Update merges partial data and metadata into an artifact, bumping its
// version. Returns false if the artifact is missing or expired.
func (s *Store) Update(id string, partialData map[string]interface{}, tags []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[id]
	if !ok {
		return false
	}
	if a.Expired(time.Now().UTC()) {
		s.deleteLocked(id)
		s.expired++
		return false
	}

	if a.Data == nil {
		a.Data = make(map[string]interface{}, len(partialData))
	}
	for k, v := range partialData {
		a.Data[k] = v
	}
	for _, tag := range tags {
		if !contains(a.Metadata.Tags, tag) {
			a.Metadata.Tags = append(a.Metadata.Tags, tag)
			s.tagIndex(tag)[id] = struct{}{}
		}
	}
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	return true
}

// Delete removes an artifact, cascading to its children and detaching it
// from its parent. Returns false if the artifact does not exist.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[id]; !ok {
		return false
	}
	s.deleteLocked(id)
	return true
}

// deleteLocked removes one artifact and its subtree. Caller holds s.mu.
func (s *Store) deleteLocked(id string) {
	a, ok := s.artifacts[id]
	if !ok {
		return
	}

	// Detach from parent
	if pid := a.Metadata.ParentID; pid != "" {
		if parent, ok := s.artifacts[pid]; ok {
			parent.ChildIDsRemove(id)
		}
	}

	// Cascade to children
	for _, cid := range a.Metadata.ChildIDs {
		if child, ok := s.artifacts[cid]; ok {
			child.Metadata.ParentID = "" // avoid re-detach walk
			s.deleteLocked(cid)
		}
	}

	s.unindex(a)
	delete(s.artifacts, id)
}

// Query returns artifacts matching the query, newest-first by creation
// time. Expired artifacts are excluded unless IncludeExpired is set, even
// before the sweep has run.
func (s *Store) Query(q models.ArtifactQuery) []models.Artifact {
	now := time.Now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Narrow by the most selective available index.
	var candidates map[string]struct{}
	switch {
	case q.SessionID != "":
		candidates = s.bySession[q.SessionID]
	case q.Type != "":
		candidates = s.byType[q.Type]
	case len(q.Tags) > 0:
		candidates = s.byTag[q.Tags[0]]
	}

	var out []models.Artifact
	consider := func(a *models.Artifact) {
		if !q.IncludeExpired && a.Expired(now) {
			return
		}
		if q.SessionID != "" && a.SessionID != q.SessionID {
			return
		}
		if q.Type != "" && a.Type != q.Type {
			return
		}
		if q.Source != "" && a.Metadata.Source != q.Source {
			return
		}
		for _, tag := range q.Tags {
			if !contains(a.Metadata.Tags, tag) {
				return
			}
		}
		if !q.Since.IsZero() && a.CreatedAt.Before(q.Since) {
			return
		}
		if !q.Until.IsZero() && a.CreatedAt.After(q.Until) {
			return
		}
		cp := *a
		cp.Data = cloneMap(a.Data)
		out = append(out, cp)
	}

	if candidates != nil {
		for id := range candidates {
			if a, ok := s.artifacts[id]; ok {
				consider(a)
			}
		}
	} else {
		for _, a := range s.artifacts {
			consider(a)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Expired returns copies of every artifact past its expiry, for archival.
func (s *Store) Expired(now time.Time) []models.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Artifact
	for _, a := range s.artifacts {
		if a.Expired(now) {
			cp := *a
			cp.Data = cloneMap(a.Data)
			out = append(out, cp)
		}
	}
	return out
}

// Sweep deletes every expired artifact and returns how many went.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, a := range s.artifacts {
		if a.Expired(now) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		// cascade may have already removed it
		if _, ok := s.artifacts[id]; ok {
			s.deleteLocked(id)
			s.expired++
		}
	}
	if len(ids) > 0 {
		log.Debug().Int("swept", len(ids)).Msg("Artifact sweep")
	}
	return len(ids)
}

// Count returns the number of live artifacts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}

// Stats reports store counters for the status endpoint.
func (s *Store) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"artifacts": len(s.artifacts),
		"sessions":  len(s.bySession),
		"created":   s.created,
		"expired":   s.expired,
	}
}

// ── Index maintenance ────────────────────────────────────────

func (s *Store) index(a *models.Artifact) {
	s.sessionIndex(a.SessionID)[a.ID] = struct{}{}
	s.typeIndex(a.Type)[a.ID] = struct{}{}
	for _, tag := range a.Metadata.Tags {
		s.tagIndex(tag)[a.ID] = struct{}{}
	}
}

func (s *Store) unindex(a *models.Artifact) {
	delete(s.bySession[a.SessionID], a.ID)
	if len(s.bySession[a.SessionID]) == 0 {
		delete(s.bySession, a.SessionID)
	}
	delete(s.byType[a.Type], a.ID)
	if len(s.byType[a.Type]) == 0 {
		delete(s.byType, a.Type)
	}
	for _, tag := range a.Metadata.Tags {
		delete(s.byTag[tag], a.ID)
		if len(s.byTag[tag]) == 0 {
			delete(s.byTag, tag)
		}
	}
}

func (s *Store) sessionIndex(session string) map[string]struct{} {
	m, ok := s.bySession[session]
	if !ok {
		m = make(map[string]struct{})
		s.bySession[session] = m
	}
	return m
}

func (s *Store) typeIndex(t models.ArtifactType) map[string]struct{} {
	m, ok := s.byType[t]
	if !ok {
		m = make(map[string]struct{})
		s.byType[t] = m
	}
	return m
}

func (s *Store) tagIndex(tag string) map[string]struct{} {
	m, ok := s.byTag[tag]
	if !ok {
		m = make(map[string]struct{})
		s.byTag[tag] = m
	}
	return m
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
