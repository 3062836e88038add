package notify

import (
	"sync"
	"time"

	"eventrelay/internal/config"
	"eventrelay/internal/metrics"
)

// Sender is the transport side of a session: the adapter that can push a
// frame to the client and tear the connection down.
type Sender interface {
	WriteFrame(frame Frame) error
	Close(reason string)
}

// Wildcard subscription matching every event type.
const SubscribeAll = "all"

// Session is one live client connection. All mutable fields are guarded by
// the owning registry's lock; transports interact through the registry, not
// the struct.
type Session struct {
	ID        string
	UserID    string
	TenantID  string
	Transport string

	ConnectedAt    time.Time
	LastActivityAt time.Time

	subscriptions    map[string]struct{}
	missedHeartbeats int
	unhealthy        bool

	sender Sender
}

func (s *Session) subscribedTo(eventType string) bool {
	if _, ok := s.subscriptions[SubscribeAll]; ok {
		return true
	}
	_, ok := s.subscriptions[eventType]
	return ok
}

// Registry tracks live sessions and enforces the per-user and per-tenant
// caps at admit time. Mutations serialize on the write lock; lookups and
// recipient selection take the read lock.
type Registry struct {
	mu sync.RWMutex

	cfg config.SessionConfig

	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	byTenant map[string]map[string]*Session
}

func NewRegistry(cfg config.SessionConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		sessions: map[string]*Session{},
		byUser:   map[string]map[string]*Session{},
		byTenant: map[string]map[string]*Session{},
	}
}

// Add admits a session. Returns false when the user or tenant cap would be
// exceeded; the session is not registered and the caller should close the
// connection.
func (r *Registry) Add(id, userID, tenantID, transport string, subscriptions []string, sender Sender) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byUser[userID]) >= r.cfg.MaxPerUser {
		return nil, false
	}
	if len(r.byTenant[tenantID]) >= r.cfg.MaxPerTenant {
		return nil, false
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             id,
		UserID:         userID,
		TenantID:       tenantID,
		Transport:      transport,
		ConnectedAt:    now,
		LastActivityAt: now,
		subscriptions:  map[string]struct{}{},
		sender:         sender,
	}
	if len(subscriptions) == 0 {
		s.subscriptions[SubscribeAll] = struct{}{}
	}
	for _, sub := range subscriptions {
		s.subscriptions[sub] = struct{}{}
	}

	r.sessions[id] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = map[string]*Session{}
	}
	r.byUser[userID][id] = s
	if r.byTenant[tenantID] == nil {
		r.byTenant[tenantID] = map[string]*Session{}
	}
	r.byTenant[tenantID][id] = s

	metrics.ActiveConnections.WithLabelValues(transport).Inc()
	return s, true
}

// Remove drops a session from every index. Safe to call twice.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	delete(r.byUser[s.UserID], id)
	if len(r.byUser[s.UserID]) == 0 {
		delete(r.byUser, s.UserID)
	}
	delete(r.byTenant[s.TenantID], id)
	if len(r.byTenant[s.TenantID]) == 0 {
		delete(r.byTenant, s.TenantID)
	}
	metrics.ActiveConnections.WithLabelValues(s.Transport).Dec()
}

func (r *Registry) LookupByTenant(tenantID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byTenant[tenantID]))
	for _, s := range r.byTenant[tenantID] {
		out = append(out, s)
	}
	return out
}

func (r *Registry) LookupByUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// SelectRecipients applies the tenant gate, then the subscription filter,
// then an optional user target. An event without a tenant id is not
// deliverable to anyone.
func (r *Registry) SelectRecipients(tenantID, userID, eventType string) []*Session {
	if tenantID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.byTenant[tenantID] {
		if s.unhealthy {
			continue
		}
		if userID != "" && s.UserID != userID {
			continue
		}
		if !s.subscribedTo(eventType) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Touch records client activity and resets the missed heartbeat counter.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivityAt = time.Now().UTC()
		s.missedHeartbeats = 0
	}
}

// MissHeartbeat counts a failed heartbeat write and reports the new total.
func (r *Registry) MissHeartbeat(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return 0
	}
	s.missedHeartbeats++
	if s.missedHeartbeats >= 3 {
		s.unhealthy = true
	}
	return s.missedHeartbeats
}

// MarkUnhealthy flags a session for removal on the next reap or dispatch.
func (r *Registry) MarkUnhealthy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.unhealthy = true
	}
}

// Subscriptions returns a copy of the session's current subscription set.
func (r *Registry) Subscriptions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.subscriptions))
	for k := range s.subscriptions {
		out = append(out, k)
	}
	return out
}

// SetSubscriptions replaces the session's subscription set.
func (r *Registry) SetSubscriptions(id string, subscriptions []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.subscriptions = map[string]struct{}{}
	for _, sub := range subscriptions {
		s.subscriptions[sub] = struct{}{}
	}
}

// ReapStale closes and removes sessions that are unhealthy, have missed 3 or
// more heartbeats, or have been idle longer than maxIdle. Returns how many
// were dropped.
func (r *Registry) ReapStale(maxIdle time.Duration) int {
	now := time.Now().UTC()

	r.mu.Lock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.unhealthy || s.missedHeartbeats >= 3 || now.Sub(s.LastActivityAt) > maxIdle {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		r.removeLocked(s.ID)
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.sender.Close("stale connection")
	}
	return len(stale)
}

// Stats summarizes the registry for the ws get_stats control message and the
// monitoring dashboard.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byTransport := map[string]int{}
	for _, s := range r.sessions {
		byTransport[s.Transport]++
	}
	return map[string]any{
		"total_connections": len(r.sessions),
		"unique_users":      len(r.byUser),
		"unique_tenants":    len(r.byTenant),
		"by_transport":      byTransport,
	}
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
