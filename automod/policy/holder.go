package policy

import (
	"sync/atomic"
)

// Holds the live policy. Readers take one snapshot at the start of a unit of work and use it throughout, so a
// reload never changes the policy under an in-flight event.
type Holder struct {
	cur atomic.Pointer[Policy]
}

func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	h.Set(p)
	return h
}

func (h *Holder) Get() *Policy {
	return h.cur.Load()
}

func (h *Holder) Set(p *Policy) {
	h.cur.Store(p)
	policyVersion.Reset()
	policyVersion.WithLabelValues(p.Version).Set(1)
}
