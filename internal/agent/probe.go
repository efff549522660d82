package agent

import (
	"sync"

	"licenseguard/internal/guard"
)

// MemoryProbe is an UnlockProbe that tracks state in memory. It stands in
// for a real platform probe in tests, and doubles as the reference for what
// an implementation must report: once Apply succeeds the diagnostic shows
// the content visible and mounted, and external interference is simulated
// by Strip.
type MemoryProbe struct {
	mu         sync.Mutex
	content    []byte
	mounted    bool
	stripped   bool
	locked     bool
	lockReason string
	lockRef    string
}

// Apply records the unlock content and marks the effect mounted.
func (p *MemoryProbe) Apply(content []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content = append([]byte(nil), content...)
	p.mounted = true
	p.stripped = false
	return nil
}

// Strip simulates an adversary removing the unlock effect.
func (p *MemoryProbe) Strip() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stripped = true
}

// Diagnostic reports the observable unlock state.
func (p *MemoryProbe) Diagnostic() guard.ClientDiagnostic {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := guard.ClientDiagnostic{
		ComputedDisplay:    "none",
		ComputedVisibility: "hidden",
		ComputedOpacity:    "0",
	}
	if p.mounted {
		// Unlock took effect: content visible, guard still present unless
		// an adversary stripped it while forcing visibility.
		d.ComputedDisplay = "block"
		d.ComputedVisibility = "visible"
		d.ComputedOpacity = "1"
		d.ScriptDidMount = !p.stripped
	}
	return d
}

// Lock records the terminal lock screen.
func (p *MemoryProbe) Lock(reason, reference string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked = true
	p.lockReason = reason
	p.lockRef = reference
}

// Locked reports whether Lock has been called, with its reason.
func (p *MemoryProbe) Locked() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked, p.lockReason
}

// Content returns the last applied unlock content.
func (p *MemoryProbe) Content() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.content...)
}
