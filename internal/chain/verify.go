package chain

import (
	"fmt"

	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// Entry is one committed invoice as seen by VerifyChain.
type Entry struct {
	ICV    int64
	PIH    string
	Digest string
}

// VerifyChain checks that entries, in counter order, start at the seed and
// that each PIH is the previous entry's digest. It returns the first break as
// an *IntegrityError.
func VerifyChain(key types.ChainKey, entries []Entry) error {
	prev := InitialState(key).Head
	for _, e := range entries {
		if e.ICV != prev.ICV+1 {
			return &IntegrityError{Key: key, Expected: Link{PIH: prev.PIH, ICV: prev.ICV + 1}, Actual: Link{PIH: e.PIH, ICV: e.ICV},
				Reason: fmt.Sprintf("counter gap: expected icv %d, found %d", prev.ICV+1, e.ICV)}
		}
		if e.PIH != prev.PIH {
			return &IntegrityError{Key: key, Expected: Link{PIH: prev.PIH, ICV: e.ICV}, Actual: Link{PIH: e.PIH, ICV: e.ICV},
				Reason: fmt.Sprintf("icv %d does not link to its predecessor", e.ICV)}
		}
		prev = Link{PIH: e.Digest, ICV: e.ICV}
	}
	return nil
}

// HeadOf returns the head a verified entry list implies.
func HeadOf(key types.ChainKey, entries []Entry) Link {
	if len(entries) == 0 {
		return InitialState(key).Head
	}
	last := entries[len(entries)-1]
	return Link{PIH: last.Digest, ICV: last.ICV}
}
