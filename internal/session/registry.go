package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RegistryConfig configures session creation.
type RegistryConfig struct {
	// NewLink builds the upstream link for a new session.
	NewLink func(logger *slog.Logger) Uplink

	Resolver TokenResolver
	Sink     TickSink // may be nil
	Logger   *slog.Logger

	AutoReconnect bool
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Registry finds or creates one Session per credential. Session
// containers are constructed fresh at creation time and never shared
// across sessions.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// FindOrCreate returns the session for a credential, creating it on
// first use.
func (r *Registry) FindOrCreate(userID, credential string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[credential]; ok {
		return s
	}

	s := New(Config{
		UserID:        userID,
		Credential:    credential,
		Link:          r.cfg.NewLink(r.logger.With("uid", userID)),
		Resolver:      r.cfg.Resolver,
		Sink:          r.cfg.Sink,
		Logger:        r.logger,
		AutoReconnect: r.cfg.AutoReconnect,
		ReconnectBase: r.cfg.ReconnectBase,
		ReconnectMax:  r.cfg.ReconnectMax,
	})
	r.sessions[credential] = s
	r.logger.Info("session created", "uid", userID, "sessions", len(r.sessions))
	return s
}

// Get returns the session for a credential without creating one.
func (r *Registry) Get(credential string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[credential]
	return s, ok
}

// Evict closes and removes the session for a credential, if any.
func (r *Registry) Evict(ctx context.Context, credential string) {
	r.mu.Lock()
	s, ok := r.sessions[credential]
	delete(r.sessions, credential)
	r.mu.Unlock()

	if ok {
		if err := s.Close(ctx); err != nil {
			r.logger.Warn("session close on evict", "error", err)
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll tears down every session. Used at process shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		if err := s.Close(ctx); err != nil {
			r.logger.Warn("session close on shutdown", "error", err)
		}
	}
}
