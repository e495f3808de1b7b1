package payment

import (
	"sync"

	"rpcgate/pkg/models"
)

// StaticAddressPool allocates deposit addresses from a fixed, operator
// configured set per address type (§4.9: "viewing-only mode, the gateway
// holds viewing keys but no spending authority and so cannot mint fresh
// addresses on demand"). Addresses are handed out round-robin among the
// ones not currently in use.
type StaticAddressPool struct {
	mu        sync.Mutex
	addresses map[models.AddressType][]string
	inUse     map[string]bool
	next      map[models.AddressType]int
}

func NewStaticAddressPool(addresses map[models.AddressType][]string) *StaticAddressPool {
	cp := make(map[models.AddressType][]string, len(addresses))
	for t, addrs := range addresses {
		cp[t] = append([]string(nil), addrs...)
	}
	return &StaticAddressPool{
		addresses: cp,
		inUse:     make(map[string]bool),
		next:      make(map[models.AddressType]int),
	}
}

func (p *StaticAddressPool) Allocate(addressType models.AddressType) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool := p.addresses[addressType]
	if len(pool) == 0 {
		return "", false
	}
	start := p.next[addressType]
	for i := 0; i < len(pool); i++ {
		idx := (start + i) % len(pool)
		addr := pool[idx]
		if !p.inUse[addr] {
			p.inUse[addr] = true
			p.next[addressType] = idx + 1
			return addr, true
		}
	}
	return "", false
}

func (p *StaticAddressPool) Release(address string) {
	p.mu.Lock()
	delete(p.inUse, address)
	p.mu.Unlock()
}
