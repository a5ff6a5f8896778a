package app

import (
	"sort"
	"sync"

	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry tracks group membership and the transport of every client that
// has published. A group exists only while it has members.
type Registry struct {
	mu       sync.RWMutex
	groups   map[domain.GroupName]map[domain.ClientID]struct{}
	memberOf map[domain.ClientID]domain.GroupName
	clients  map[domain.ClientID]core.SignalConnection
}

func NewRegistry() *Registry {
	return &Registry{
		groups:   make(map[domain.GroupName]map[domain.ClientID]struct{}),
		memberOf: make(map[domain.ClientID]domain.GroupName),
		clients:  make(map[domain.ClientID]core.SignalConnection),
	}
}

// BindClient records the transport that reaches id.
func (r *Registry) BindClient(id domain.ClientID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = conn
	log.Debug().Str("module", "app.registry").Str("client_id", string(id)).Msg("bound client")
}

func (r *Registry) Client(id domain.ClientID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *Registry) UnbindClient(id domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	log.Debug().Str("module", "app.registry").Str("client_id", string(id)).Msg("unbound client")
}

// Join adds id to group, creating the group if needed, and returns the
// members that were present before. A client belongs to at most one group;
// joining another one moves it.
func (r *Registry) Join(group domain.GroupName, id domain.ClientID) []domain.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.memberOf[id]; ok && prev != group {
		r.removeLocked(prev, id)
	}

	members, ok := r.groups[group]
	if !ok {
		members = make(map[domain.ClientID]struct{})
		r.groups[group] = members
		log.Info().Str("module", "app.registry").Str("group", string(group)).Msg("group created")
	}
	existing := make([]domain.ClientID, 0, len(members))
	for m := range members {
		if m != id {
			existing = append(existing, m)
		}
	}
	members[id] = struct{}{}
	r.memberOf[id] = group

	log.Info().Str("module", "app.registry").
		Str("group", string(group)).
		Str("client_id", string(id)).
		Int("members", len(members)).
		Msg("joined group")
	return sortIDs(existing)
}

// Leave removes id from its group and returns the group and the members that
// remain. ok is false when id was not a member of any group.
func (r *Registry) Leave(id domain.ClientID) (group domain.GroupName, remaining []domain.ClientID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, ok = r.memberOf[id]
	if !ok {
		return "", nil, false
	}
	r.removeLocked(group, id)

	for m := range r.groups[group] {
		remaining = append(remaining, m)
	}
	log.Info().Str("module", "app.registry").
		Str("group", string(group)).
		Str("client_id", string(id)).
		Int("members", len(remaining)).
		Msg("left group")
	return group, sortIDs(remaining), true
}

func (r *Registry) removeLocked(group domain.GroupName, id domain.ClientID) {
	delete(r.memberOf, id)
	members := r.groups[group]
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, group)
		log.Info().Str("module", "app.registry").Str("group", string(group)).Msg("group removed")
	}
}

func (r *Registry) Members(group domain.GroupName) []domain.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ClientID, 0, len(r.groups[group]))
	for m := range r.groups[group] {
		out = append(out, m)
	}
	return sortIDs(out)
}

// Groups returns the names of all non-empty groups in lexical order.
func (r *Registry) Groups() []domain.GroupName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.GroupName, 0, len(r.groups))
	for g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

func sortIDs(ids []domain.ClientID) []domain.ClientID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
