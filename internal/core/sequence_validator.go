package core

import (
	"fmt"
)

// SequenceValidator checks that replayed facts arrive in contiguous global
// sequence order. Facts below the expected sequence were already applied
// (e.g. covered by the snapshot) and are skipped; a jump is a gap in the log.
// Not thread-safe, only accessed from the single-threaded core.
type SequenceValidator struct {
	expectedNext int64
	skipped      int64
	gaps         int64
}

func NewSequenceValidator(expectedNext int64) *SequenceValidator {
	return &SequenceValidator{expectedNext: expectedNext}
}

// Validate returns skip=true for an already-applied sequence and an error on a gap.
func (sv *SequenceValidator) Validate(sequence int64) (skip bool, err error) {
	switch {
	case sequence < sv.expectedNext:
		sv.skipped++
		return true, nil
	case sequence > sv.expectedNext:
		sv.gaps++
		return false, fmt.Errorf("sequence gap: expected=%d, got=%d", sv.expectedNext, sequence)
	}
	sv.expectedNext = sequence + 1
	return false, nil
}

// Expected returns the next sequence the validator will accept
func (sv *SequenceValidator) Expected() int64 {
	return sv.expectedNext
}

// SetExpected re-arms the validator (used on snapshot restore)
func (sv *SequenceValidator) SetExpected(seq int64) {
	sv.expectedNext = seq
}

func (sv *SequenceValidator) Skipped() int64 { return sv.skipped }
func (sv *SequenceValidator) Gaps() int64    { return sv.gaps }
