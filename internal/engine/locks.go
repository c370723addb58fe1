package engine

import (
	"strings"
	"sync"
)

// keyedMutex serializes work per order id. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refMutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// txSet is the set of consumed payment transaction hashes, each owned by
// the order it funded. Hashes are compared lower-cased.
type txSet struct {
	mu    sync.Mutex
	owner map[string]string
}

func newTxSet() *txSet {
	return &txSet{owner: map[string]string{}}
}

// Claim reserves hash for orderID. ok is false when another order owns it;
// fresh is true when this call created the reservation.
func (s *txSet) Claim(hash, orderID string) (ok, fresh bool) {
	hash = strings.ToLower(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, taken := s.owner[hash]; taken {
		return owner == orderID, false
	}
	s.owner[hash] = orderID
	return true, true
}

// Release drops a reservation held by orderID.
func (s *txSet) Release(hash, orderID string) {
	hash = strings.ToLower(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner[hash] == orderID {
		delete(s.owner, hash)
	}
}

func (s *txSet) Owner(hash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owner[strings.ToLower(hash)]
	return owner, ok
}

func (s *txSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owner)
}

// seed marks hashes as consumed. Seeded hashes have no live owner, so no
// order can claim them again.
func (s *txSet) seed(hashes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		h = strings.ToLower(h)
		if _, ok := s.owner[h]; !ok {
			s.owner[h] = ""
		}
	}
}
