// Package nameserv implements the name server: a flat table of
// string-segment to endpoint bindings, resolved by longest-prefix
// match over '/'-separated path segments. Grounded on biscuit's
// hashtable.Hashtable_t for the locking discipline (one structure
// lock guarding a small element list is plenty here, since a RefOS
// name server holds a handful of mount points, not millions of keys);
// registration cookies use google/uuid rather than a cslot index,
// since revocation here only ever has to invalidate this package's own
// entry rather than a kernel capability slot.
package nameserv

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"refos/internal/defs"
	"refos/internal/kcap"
)

// Entry is one registered mount point.
type Entry struct {
	Segment  string
	Endpoint *kcap.Endpoint
	Cookie   uuid.UUID
	OwnerPID defs.Pid_t
}

// Server is the name server table.
type Server struct {
	mu      sync.Mutex
	entries []*Entry
}

// New returns an empty name server.
func New() *Server {
	return &Server{}
}

func normalize(segment string) string {
	return strings.Trim(segment, "/")
}

// Register binds segment to ep, replacing any existing entry for the
// same segment. Returns the new entry's revocation cookie.
func (s *Server) Register(segment string, ep *kcap.Endpoint, owner defs.Pid_t) uuid.UUID {
	segment = normalize(segment)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.Segment == segment {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	e := &Entry{Segment: segment, Endpoint: ep, Cookie: uuid.New(), OwnerPID: owner}
	s.entries = append(s.entries, e)
	// Longest segments first speeds up Resolve's scan without changing
	// its correctness, since Resolve already picks the longest match
	// among all candidates.
	sort.Slice(s.entries, func(i, j int) bool {
		return len(s.entries[i].Segment) > len(s.entries[j].Segment)
	})
	return e.Cookie
}

// Unregister removes the entry for segment, if present.
func (s *Server) Unregister(segment string) defs.Err_t {
	segment = normalize(segment)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.Segment == segment {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return defs.ESUCCESS
		}
	}
	return defs.EINVALIDPARAM
}

// UnregisterByOwner removes every entry owned by pid, for use when
// that process dies while still holding mount points.
func (s *Server) UnregisterByOwner(pid defs.Pid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.OwnerPID != pid {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

// Resolve finds the entry whose segment is the longest prefix of path
// that lands on a '/' boundary (or consumes the whole path), and
// returns the endpoint plus how many bytes of path it consumed so the
// caller can re-resolve the remainder against the child server.
func (s *Server) Resolve(path string) (*kcap.Endpoint, int, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	lead := len(path) - len(trimmed)

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Entry
	bestLen := -1
	for _, e := range s.entries {
		if e.Segment == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, e.Segment) {
			continue
		}
		rest := trimmed[len(e.Segment):]
		if rest != "" && rest[0] != '/' {
			continue // doesn't land on a segment boundary
		}
		if len(e.Segment) > bestLen {
			best = e
			bestLen = len(e.Segment)
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best.Endpoint, lead + bestLen, true
}
