// Package wallet is the port to the external credit ledger. The gate
// only emits credit instructions; balances live elsewhere.
package wallet

import (
	"context"
	"sync"
)

// CreditInstruction tells the external ledger to credit a user once a
// check-in is approved. Amount is in minor units.
type CreditInstruction struct {
	UserID       string `json:"user_id"`
	LocationRef  string `json:"location_ref"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	AuditEventID string `json:"audit_event_id,omitempty"`
}

// Creditor applies credit instructions. Implementations wrap whatever
// transport the surrounding system uses.
type Creditor interface {
	Credit(ctx context.Context, ins CreditInstruction) error
}

// Recorder is an in-process Creditor that remembers every instruction,
// for tests and the demo wiring.
type Recorder struct {
	mu           sync.Mutex
	instructions []CreditInstruction
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Credit(ctx context.Context, ins CreditInstruction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instructions = append(r.instructions, ins)
	return nil
}

// Instructions returns a copy of everything credited so far.
func (r *Recorder) Instructions() []CreditInstruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CreditInstruction, len(r.instructions))
	copy(out, r.instructions)
	return out
}

// TotalFor sums the credited amount for one user.
func (r *Recorder) TotalFor(userID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, ins := range r.instructions {
		if ins.UserID == userID {
			total += ins.Amount
		}
	}
	return total
}
