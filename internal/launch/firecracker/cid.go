package firecracker

import (
	"fmt"
	"sync"
)

// cidPool hands out vsock context ids, at most limit at a time.
type cidPool struct {
	mu    sync.Mutex
	next  uint32
	limit int
	inUse map[uint32]bool
}

func newCIDPool(base uint32, limit int) *cidPool {
	return &cidPool{
		next:  max(base, MinCID),
		limit: limit,
		inUse: make(map[uint32]bool),
	}
}

// allocate returns a free context id, scanning forward from the last one.
func (p *cidPool) allocate() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.inUse) >= p.limit {
		return 0, fmt.Errorf("no available CIDs (all %d slots in use)", p.limit)
	}
	for i := range uint32(p.limit + 1) {
		candidate := max(p.next+i, MinCID)
		if !p.inUse[candidate] {
			p.inUse[candidate] = true
			p.next = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", p.limit)
}

func (p *cidPool) release(cid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, cid)
}

func (p *cidPool) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
