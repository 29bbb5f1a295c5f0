package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gowebpki/jcs"
)

var (
	ErrChainBroken     = errors.New("hash chain is broken")
	ErrMutationAttempt = errors.New("mutation of existing record attempted")
)

const genesis = "genesis"

type link struct {
	rec  *Record
	prev string
	hash string
}

// MemoryStore is an append-only, hash-chained audit log held in memory.
// Each record is hashed over its canonical JSON form together with the
// previous record's hash.
type MemoryStore struct {
	mu    sync.RWMutex
	links []link
	byID  map[int64]int
	head  string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[int64]int), head: genesis}
}

func (s *MemoryStore) Append(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[r.ID]; ok {
		return fmt.Errorf("%w: record %d", ErrMutationAttempt, r.ID)
	}
	if n := len(s.links); n > 0 && r.ID <= s.links[n-1].rec.ID {
		return fmt.Errorf("audit record %d is out of sequence", r.ID)
	}

	rec := r.clone()
	hash, err := chainHash(rec, s.head)
	if err != nil {
		return err
	}
	s.byID[rec.ID] = len(s.links)
	s.links = append(s.links, link{rec: rec, prev: s.head, hash: hash})
	s.head = hash
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0)
	for _, l := range s.links {
		if !f.matches(l.rec) {
			continue
		}
		out = append(out, l.rec.clone())
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out, nil
}

// Head returns the hash of the most recent record.
func (s *MemoryStore) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}

// VerifyChain recomputes every hash in order.
func (s *MemoryStore) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prev := genesis
	for i, l := range s.links {
		if l.prev != prev {
			return fmt.Errorf("%w: record %d links to %s, expected %s", ErrChainBroken, i, l.prev, prev)
		}
		computed, err := chainHash(l.rec, prev)
		if err != nil {
			return fmt.Errorf("%w: record %d: %w", ErrChainBroken, i, err)
		}
		if computed != l.hash {
			return fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, i)
		}
		prev = l.hash
	}
	return nil
}

func chainHash(r *Record, prev string) (string, error) {
	raw, err := json.Marshal(struct {
		Record *Record `json:"record"`
		Prev   string  `json:"previous_hash"`
	}{r, prev})
	if err != nil {
		return "", fmt.Errorf("marshal audit record: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit record: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
