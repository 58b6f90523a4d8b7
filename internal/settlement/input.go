package settlement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	fpmath "SettledForward/internal/math"
)

// FairValueSlots is the width of the fair-value arrays shared by every
// redistribution engine with this calling convention. This engine reads
// slot 0 (underlying) and slot 1 (settlement leg) of the new values.
const FairValueSlots = 10

const (
	SlotUnderlying = 0
	SlotSettlement = 1
)

const (
	fairValuesSize = FairValueSlots * fpmath.SerializedSize

	// InputSize is the encoded length of an ExecuteInput.
	InputSize = 2*8 + 2*fairValuesSize

	// ResultSize is the encoded length of an ExecuteResult.
	ResultSize = 3 * 8
)

// FairValues holds serialized fixed-point prices, one per slot.
type FairValues [FairValueSlots][fpmath.SerializedSize]byte

// NewFairValues serializes vals into the leading slots; the rest stay zero.
func NewFairValues(vals ...fpmath.Decimal) FairValues {
	var fv FairValues
	for i, v := range vals {
		if i >= FairValueSlots {
			break
		}
		fv[i] = v.Serialize()
	}
	return fv
}

// At deserializes slot i.
func (fv FairValues) At(i int) fpmath.Decimal {
	return fpmath.Deserialize(fv[i])
}

// ExecuteInput is one settlement request: the current split of the pool and
// the old/new price observations.
type ExecuteInput struct {
	OldQuantity   [2]uint64
	OldFairValues FairValues
	NewFairValues FairValues
}

// Validate rejects any negative fair value, old or new. It runs before any
// arithmetic.
func (in ExecuteInput) Validate() error {
	for i := range in.OldFairValues {
		if v := in.OldFairValues.At(i); v.IsNegative() {
			return invalidInput("validate", fmt.Errorf("old fair value %d is negative: %s", i, v))
		}
	}
	for i := range in.NewFairValues {
		if v := in.NewFairValues.At(i); v.IsNegative() {
			return invalidInput("validate", fmt.Errorf("new fair value %d is negative: %s", i, v))
		}
	}
	return nil
}

// MarshalBinary encodes the input in declared field order, integers
// little-endian.
func (in ExecuteInput) MarshalBinary() ([]byte, error) {
	b := make([]byte, InputSize)
	binary.LittleEndian.PutUint64(b[0:8], in.OldQuantity[0])
	binary.LittleEndian.PutUint64(b[8:16], in.OldQuantity[1])

	off := 16
	for _, fv := range []*FairValues{&in.OldFairValues, &in.NewFairValues} {
		for i := range fv {
			copy(b[off:off+fpmath.SerializedSize], fv[i][:])
			off += fpmath.SerializedSize
		}
	}
	return b, nil
}

// UnmarshalBinary decodes an input produced by MarshalBinary.
func (in *ExecuteInput) UnmarshalBinary(b []byte) error {
	if len(b) != InputSize {
		return invalidInput("decode input", fmt.Errorf("input length %d, want %d", len(b), InputSize))
	}

	var out ExecuteInput
	out.OldQuantity[0] = binary.LittleEndian.Uint64(b[0:8])
	out.OldQuantity[1] = binary.LittleEndian.Uint64(b[8:16])

	off := 16
	for _, fv := range []*FairValues{&out.OldFairValues, &out.NewFairValues} {
		for i := range fv {
			copy(fv[i][:], b[off:off+fpmath.SerializedSize])
			off += fpmath.SerializedSize
		}
	}

	*in = out
	return nil
}

// ExecuteResult is the redistributed pool. NewQuantity[0] is the senior
// (long) side, NewQuantity[1] the junior (short) side; FeeQuantity is the
// rounding residual kept by the protocol.
type ExecuteResult struct {
	NewQuantity [2]uint64
	FeeQuantity uint64
}

// Total returns the sum of all three legs. A result produced by Execute
// always fits; a decoded one may not, which is a MathError.
func (r ExecuteResult) Total() (uint64, error) {
	sum, c1 := bits.Add64(r.NewQuantity[0], r.NewQuantity[1], 0)
	sum, c2 := bits.Add64(sum, r.FeeQuantity, 0)
	if c1|c2 != 0 {
		return 0, mathError("total", errors.New("result legs overflow uint64"))
	}
	return sum, nil
}

// MarshalBinary encodes the result in declared field order.
func (r ExecuteResult) MarshalBinary() ([]byte, error) {
	b := make([]byte, ResultSize)
	binary.LittleEndian.PutUint64(b[0:8], r.NewQuantity[0])
	binary.LittleEndian.PutUint64(b[8:16], r.NewQuantity[1])
	binary.LittleEndian.PutUint64(b[16:24], r.FeeQuantity)
	return b, nil
}

// UnmarshalBinary decodes a result produced by MarshalBinary.
func (r *ExecuteResult) UnmarshalBinary(b []byte) error {
	if len(b) != ResultSize {
		return invalidInput("decode result", fmt.Errorf("result length %d, want %d", len(b), ResultSize))
	}
	r.NewQuantity[0] = binary.LittleEndian.Uint64(b[0:8])
	r.NewQuantity[1] = binary.LittleEndian.Uint64(b[8:16])
	r.FeeQuantity = binary.LittleEndian.Uint64(b[16:24])
	return nil
}
