// Package writeback computes derived register values and writes them back to devices
// only when they differ from what was last sent.
package writeback

import (
	"context"
	"sync"

	"github.com/nexus-edge/plant-poller/internal/domain"
)

// Policy decides when a candidate value warrants a write.
type Policy int

const (
	// Changed writes whenever the candidate differs from the last sent value.
	Changed Policy = iota
	// Increasing writes only when the candidate is strictly greater than the last sent value.
	Increasing
)

func (p Policy) String() string {
	if p == Increasing {
		return "increasing"
	}
	return "changed"
}

// Planner remembers the last value sent per key. Gates are in-memory only.
type Planner struct {
	mu   sync.Mutex
	sent map[domain.Key]int64
}

// NewPlanner creates an empty planner.
func NewPlanner() *Planner {
	return &Planner{sent: make(map[domain.Key]int64)}
}

// Plan reports whether candidate should be written for key.
// A key with no prior value always plans a write, except that an Increasing key starts at zero.
func (p *Planner) Plan(key domain.Key, candidate int64, policy Policy) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	last, ok := p.sent[key]
	switch policy {
	case Increasing:
		return candidate > last
	default:
		return !ok || candidate != last
	}
}

// Confirm records that value reached the device.
func (p *Planner) Confirm(key domain.Key, value int64) {
	p.mu.Lock()
	p.sent[key] = value
	p.mu.Unlock()
}

// Last returns the last confirmed value for key.
func (p *Planner) Last(key domain.Key) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.sent[key]
	return v, ok
}

// Forget clears one gate.
func (p *Planner) Forget(key domain.Key) {
	p.mu.Lock()
	delete(p.sent, key)
	p.mu.Unlock()
}

// ForgetDevice clears every gate belonging to a device.
func (p *Planner) ForgetDevice(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.sent {
		if k.DeviceID == deviceID {
			delete(p.sent, k)
		}
	}
}

// Clear drops all gates.
func (p *Planner) Clear() {
	p.mu.Lock()
	p.sent = make(map[domain.Key]int64)
	p.mu.Unlock()
}

// Apply plans candidate and, when due, calls write and confirms on success.
// It reports whether a write was issued.
func (p *Planner) Apply(ctx context.Context, key domain.Key, candidate int64, policy Policy, write func(ctx context.Context, value int64) error) (bool, error) {
	if !p.Plan(key, candidate, policy) {
		return false, nil
	}
	if err := write(ctx, candidate); err != nil {
		return true, err
	}
	p.Confirm(key, candidate)
	return true, nil
}
