package poller

import (
	"sync"

	"github.com/victornm/mutely/internal/domain"
)

// Roster is a NameLookup fed from participant notifications. It is safe for concurrent use.
type Roster struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewRoster() *Roster {
	return &Roster{names: make(map[string]string)}
}

// Set records or renames a participant. Inactive participants keep their name so events they
// logged before leaving still resolve.
func (r *Roster) Set(p domain.Participant) {
	r.mu.Lock()
	r.names[p.ID] = p.Name
	r.mu.Unlock()
}

func (r *Roster) SetAll(ps []domain.Participant) {
	r.mu.Lock()
	for _, p := range ps {
		r.names[p.ID] = p.Name
	}
	r.mu.Unlock()
}

func (r *Roster) ParticipantName(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.names[id]
	return n, ok
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}
