package ws

// Registry indexes live sessions three ways: the full set, by user, and by
// subscribed text channel. It carries no lock of its own; the hub mutex
// guards every method.
type Registry struct {
	sessions  map[*Session]struct{}
	byUser    map[string]map[*Session]struct{}
	byChannel map[string]map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[*Session]struct{}),
		byUser:    make(map[string]map[*Session]struct{}),
		byChannel: make(map[string]map[*Session]struct{}),
	}
}

// Attach registers an authenticated session under its user. Call only after
// the identity snapshot is populated.
func (r *Registry) Attach(s *Session, userID string) {
	r.sessions[s] = struct{}{}
	bucket := r.byUser[userID]
	if bucket == nil {
		bucket = make(map[*Session]struct{})
		r.byUser[userID] = bucket
	}
	bucket[s] = struct{}{}
}

// Detach removes the session and all of its channel bindings. Reports
// whether the user's session set became empty.
func (r *Registry) Detach(s *Session) bool {
	delete(r.sessions, s)

	for channelID := range s.joined {
		r.removeFromChannel(s, channelID)
	}
	s.joined = make(map[string]struct{})

	if s.userID == "" {
		return false
	}
	bucket := r.byUser[s.userID]
	if bucket == nil {
		return false
	}
	delete(bucket, s)
	if len(bucket) == 0 {
		delete(r.byUser, s.userID)
		return true
	}
	return false
}

// ChannelAdd binds session and channel bidirectionally.
func (r *Registry) ChannelAdd(s *Session, channelID string) {
	s.joined[channelID] = struct{}{}
	bucket := r.byChannel[channelID]
	if bucket == nil {
		bucket = make(map[*Session]struct{})
		r.byChannel[channelID] = bucket
	}
	bucket[s] = struct{}{}
}

func (r *Registry) ChannelRemove(s *Session, channelID string) {
	delete(s.joined, channelID)
	r.removeFromChannel(s, channelID)
}

func (r *Registry) removeFromChannel(s *Session, channelID string) {
	bucket := r.byChannel[channelID]
	if bucket == nil {
		return
	}
	delete(bucket, s)
	if len(bucket) == 0 {
		delete(r.byChannel, channelID)
	}
}

func (r *Registry) SessionsOfUser(userID string) []*Session {
	bucket := r.byUser[userID]
	if len(bucket) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(bucket))
	for s := range bucket {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *Registry) SessionsOfChannel(channelID string) []*Session {
	bucket := r.byChannel[channelID]
	if len(bucket) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(bucket))
	for s := range bucket {
		sessions = append(sessions, s)
	}
	return sessions
}

// All returns every attached (authenticated) session.
func (r *Registry) All() []*Session {
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
