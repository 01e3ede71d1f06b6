package auth

import (
	"sync"
)

// KeyStore resolves bearer tokens to caller identities. Keys are loaded from
// configuration at startup; Put exists so admin tooling can rotate them at
// runtime.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]Identity
}

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]Identity)}
}

func (s *KeyStore) Put(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id.Key] = id
}

func (s *KeyStore) Resolve(token string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[token]
	return id, ok
}

func (s *KeyStore) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, token)
}
