package wasm

import (
	"log/slog"
	"sync"
	"time"

	"alfred-ai/internal/domain"
)

// Sandbox enforces capability-based restrictions on WASM plugin host
// function access. It is built from the tagged CapabilityGrant list parsed
// out of a PluginRegistration's Capabilities strings.
type Sandbox struct {
	grants      []domain.CapabilityGrant
	maxMemoryMB int
	execTimeout time.Duration
	logger      *slog.Logger

	storeMu sync.Mutex
	store   map[string]map[string][]byte // scope -> key -> value, for CapabilityStoreScope
}

// NewSandbox creates a Sandbox from a plugin's granted capabilities and the
// host-wide resource limits.
func NewSandbox(grants []domain.CapabilityGrant, maxMemoryMB int, execTimeout time.Duration, logger *slog.Logger) *Sandbox {
	if maxMemoryMB <= 0 {
		maxMemoryMB = 64
	}
	if execTimeout <= 0 {
		execTimeout = 30 * time.Second
	}
	return &Sandbox{
		grants:      grants,
		maxMemoryMB: maxMemoryMB,
		execTimeout: execTimeout,
		logger:      logger,
		store:       make(map[string]map[string][]byte),
	}
}

// MaxMemoryMB returns the memory limit in megabytes.
func (s *Sandbox) MaxMemoryMB() int {
	return s.maxMemoryMB
}

// ExecTimeout returns the execution timeout for guest function calls.
func (s *Sandbox) ExecTimeout() time.Duration {
	return s.execTimeout
}

// MemoryPages returns the number of WASM 64KB memory pages corresponding
// to the configured memory limit.
func (s *Sandbox) MemoryPages() uint32 {
	return uint32(s.maxMemoryMB) * 16 // 1 MB = 16 pages of 64KB
}

// AllowedHosts returns the hostnames this plugin may reach via http_fetch.
func (s *Sandbox) AllowedHosts() []string {
	return domain.AllowedHosts(s.grants)
}

// HostAllowed reports whether host was granted to this plugin.
func (s *Sandbox) HostAllowed(host string) bool {
	for _, h := range s.AllowedHosts() {
		if h == host {
			return true
		}
	}
	return false
}

// HasHostFunction reports whether the named extra host function was granted.
func (s *Sandbox) HasHostFunction(name string) bool {
	return domain.HasHostFunction(s.grants, name)
}

// StoreScopes returns the namespaces this plugin may read/write via
// store_get/store_set.
func (s *Sandbox) StoreScopes() []string {
	return domain.StoreScopes(s.grants)
}

// ScopeAllowed reports whether scope was granted to this plugin.
func (s *Sandbox) ScopeAllowed(scope string) bool {
	for _, sc := range s.StoreScopes() {
		if sc == scope {
			return true
		}
	}
	return false
}

// StoreGet reads a value previously written by StoreSet in the given scope.
func (s *Sandbox) StoreGet(scope, key string) ([]byte, bool) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	bucket, ok := s.store[scope]
	if !ok {
		return nil, false
	}
	v, ok := bucket[key]
	return v, ok
}

// StoreSet writes a value into the given scope's key-value space.
func (s *Sandbox) StoreSet(scope, key string, value []byte) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	bucket, ok := s.store[scope]
	if !ok {
		bucket = make(map[string][]byte)
		s.store[scope] = bucket
	}
	bucket[key] = value
}
