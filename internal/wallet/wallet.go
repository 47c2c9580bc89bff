// Package wallet abstracts the connected owner identity. Market data never
// needs a wallet; balances and open orders do, and they report absent rather
// than erroring while no wallet is connected.
package wallet

import "sync"

// Identity reports the currently connected owner, if any.
type Identity interface {
	// Connected reports whether an owner is attached.
	Connected() bool
	// Owner returns the owner's base58 address. ok is false when no wallet
	// is connected.
	Owner() (addr string, ok bool)
}

// Static is a fixed identity, set once from configuration. The zero value is
// a disconnected wallet.
type Static struct {
	addr string
}

// NewStatic creates an identity for a known owner address. An empty address
// yields a disconnected identity.
func NewStatic(addr string) *Static {
	return &Static{addr: addr}
}

func (s *Static) Connected() bool {
	return s != nil && s.addr != ""
}

func (s *Static) Owner() (string, bool) {
	if !s.Connected() {
		return "", false
	}
	return s.addr, true
}

// Switchable is an identity that can change at runtime, for connect and
// disconnect flows. Safe for concurrent use.
type Switchable struct {
	mu   sync.RWMutex
	addr string
}

// NewSwitchable creates a runtime-switchable identity, initially holding
// addr (empty for disconnected).
func NewSwitchable(addr string) *Switchable {
	return &Switchable{addr: addr}
}

// Connect attaches an owner address.
func (s *Switchable) Connect(addr string) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
}

// Disconnect detaches the current owner.
func (s *Switchable) Disconnect() {
	s.Connect("")
}

func (s *Switchable) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr != ""
}

func (s *Switchable) Owner() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == "" {
		return "", false
	}
	return s.addr, true
}
