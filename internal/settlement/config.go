package settlement

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	stdmath "math"

	fpmath "SettledForward/internal/math"
)

// ConfigRecordSize is the persisted length of a Config: record tag, notional,
// is_linear, is_standard, strike.
const ConfigRecordSize = 8 + 8 + 1 + 1 + fpmath.SerializedSize

// configRecordTag identifies a persisted Config record.
var configRecordTag = recordTag("SettlementConfig")

func recordTag(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var tag [8]byte
	copy(tag[:], sum[:8])
	return tag
}

// Config is the per-instrument settlement configuration. It is created once
// at instrument initialization and never mutated afterwards.
type Config struct {
	Strike   fpmath.Decimal
	Notional uint64

	// IsLinear selects the linear payoff; false is the inverse payoff.
	IsLinear bool

	// IsStandard is true when the settlement leg is quoted quote-per-base.
	IsStandard bool
}

// NewConfig builds a Config from initialization parameters. Non-finite or
// unrepresentable strikes fail with MathError, negative strikes with
// InvalidInput.
func NewConfig(strike float64, notional uint64, isLinear, isStandard bool) (Config, error) {
	if stdmath.IsNaN(strike) || stdmath.IsInf(strike, 0) {
		return Config{}, mathError("initialize", fmt.Errorf("strike %v is not finite", strike))
	}
	if strike < 0 {
		return Config{}, invalidInput("initialize", fmt.Errorf("strike %v is negative", strike))
	}

	s, err := fpmath.FromFloat64(strike)
	if err != nil {
		return Config{}, mathError("initialize", err)
	}

	return Config{
		Strike:     s,
		Notional:   notional,
		IsLinear:   isLinear,
		IsStandard: isStandard,
	}, nil
}

// MarshalBinary encodes the persisted record layout.
func (c Config) MarshalBinary() ([]byte, error) {
	b := make([]byte, ConfigRecordSize)
	copy(b[0:8], configRecordTag[:])
	binary.LittleEndian.PutUint64(b[8:16], c.Notional)
	b[16] = boolByte(c.IsLinear)
	b[17] = boolByte(c.IsStandard)
	strike := c.Strike.Serialize()
	copy(b[18:], strike[:])
	return b, nil
}

// UnmarshalBinary decodes a persisted record, rejecting foreign tags,
// non-canonical booleans and negative strikes.
func (c *Config) UnmarshalBinary(b []byte) error {
	if len(b) != ConfigRecordSize {
		return invalidInput("decode config", fmt.Errorf("record length %d, want %d", len(b), ConfigRecordSize))
	}

	var tag [8]byte
	copy(tag[:], b[0:8])
	if tag != configRecordTag {
		return invalidInput("decode config", fmt.Errorf("unexpected record tag %x", tag))
	}

	isLinear, err := byteBool(b[16])
	if err != nil {
		return invalidInput("decode config", fmt.Errorf("is_linear: %w", err))
	}
	isStandard, err := byteBool(b[17])
	if err != nil {
		return invalidInput("decode config", fmt.Errorf("is_standard: %w", err))
	}

	var raw [fpmath.SerializedSize]byte
	copy(raw[:], b[18:])
	strike := fpmath.Deserialize(raw)
	if strike.IsNegative() {
		return invalidInput("decode config", fmt.Errorf("strike %s is negative", strike))
	}

	*c = Config{
		Strike:     strike,
		Notional:   binary.LittleEndian.Uint64(b[8:16]),
		IsLinear:   isLinear,
		IsStandard: isStandard,
	}
	return nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func byteBool(b byte) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid bool byte %d", b)
	}
}
