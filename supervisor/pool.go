package supervisor

// pool tracks the supervisor's children and their idle/busy status. All
// methods are called under the supervisor's lock.
type pool struct {
	limit   int
	members []string // registration order
	busy    map[string]bool
	rr      int // round-robin cursor
}

func newPool(limit int) *pool {
	return &pool{limit: limit, busy: make(map[string]bool)}
}

func (p *pool) add(id string) {
	p.members = append(p.members, id)
}

func (p *pool) remove(id string) {
	for i, m := range p.members {
		if m == id {
			p.members = append(p.members[:i], p.members[i+1:]...)
			break
		}
	}
	delete(p.busy, id)
}

func (p *pool) contains(id string) bool {
	for _, m := range p.members {
		if m == id {
			return true
		}
	}
	return false
}

func (p *pool) size() int { return len(p.members) }

func (p *pool) full() bool { return len(p.members) >= p.limit }

func (p *pool) inFlight() int {
	n := 0
	for _, b := range p.busy {
		if b {
			n++
		}
	}
	return n
}

func (p *pool) idleCount() int { return len(p.members) - p.inFlight() }

// idleMembers returns idle children starting at the round-robin cursor so
// repeated picks spread across the pool.
func (p *pool) idleMembers() []string {
	n := len(p.members)
	if n == 0 {
		return nil
	}
	var idle []string
	for i := 0; i < n; i++ {
		id := p.members[(p.rr+i)%n]
		if !p.busy[id] {
			idle = append(idle, id)
		}
	}
	return idle
}

func (p *pool) markBusy(id string) {
	p.busy[id] = true
	// Advance the cursor past the chosen member.
	for i, m := range p.members {
		if m == id {
			p.rr = (i + 1) % len(p.members)
			break
		}
	}
}

func (p *pool) release(id string) {
	delete(p.busy, id)
}
