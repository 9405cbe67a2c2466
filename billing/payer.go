package billing

import (
	"fmt"
	"strings"
)

// =============================================================================
// PAYER - Who is responsible for (or attributed with) an amount
// =============================================================================

// Payer is one of the four ordered insurance slots or the patient.
// The zero value is PayerNone: nobody owes anything.
type Payer uint8

const (
	PayerNone Payer = iota
	PayerInsurance1
	PayerInsurance2
	PayerInsurance3
	PayerInsurance4
	PayerPatient
)

// InsurancePayers lists the insurance slots in priority order.
var InsurancePayers = [4]Payer{PayerInsurance1, PayerInsurance2, PayerInsurance3, PayerInsurance4}

// AllPayers lists every real payer in resolution order.
var AllPayers = [5]Payer{PayerInsurance1, PayerInsurance2, PayerInsurance3, PayerInsurance4, PayerPatient}

// Valid reports whether p names a real payer.
func (p Payer) Valid() bool { return p >= PayerInsurance1 && p <= PayerPatient }

// IsInsurance reports whether p is one of the insurance slots.
func (p Payer) IsInsurance() bool { return p >= PayerInsurance1 && p <= PayerInsurance4 }

// Slot returns the zero-based insurance slot (0..3). Only meaningful for insurances.
func (p Payer) Slot() int { return int(p) - 1 }

// Bit returns the persisted flag value (1, 2, 4, 8, 16). PayerNone maps to 0.
func (p Payer) Bit() int {
	if !p.Valid() {
		return 0
	}
	return 1 << (p - 1)
}

func (p Payer) String() string {
	switch p {
	case PayerInsurance1:
		return "Ins1"
	case PayerInsurance2:
		return "Ins2"
	case PayerInsurance3:
		return "Ins3"
	case PayerInsurance4:
		return "Ins4"
	case PayerPatient:
		return "Patient"
	default:
		return "None"
	}
}

// PayerFromBit is the inverse of Bit for single-bit values.
func PayerFromBit(bit int) (Payer, error) {
	for _, p := range AllPayers {
		if p.Bit() == bit {
			return p, nil
		}
	}
	return PayerNone, fmt.Errorf("not a single payer bit: %d", bit)
}

// ParsePayer accepts the String form plus a few common spellings.
func ParsePayer(s string) (Payer, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ins1", "insurance1", "insurance-1", "primary":
		return PayerInsurance1, nil
	case "ins2", "insurance2", "insurance-2", "secondary":
		return PayerInsurance2, nil
	case "ins3", "insurance3", "insurance-3":
		return PayerInsurance3, nil
	case "ins4", "insurance4", "insurance-4":
		return PayerInsurance4, nil
	case "patient":
		return PayerPatient, nil
	case "", "none":
		return PayerNone, nil
	}
	return PayerNone, fmt.Errorf("unknown payer %q", s)
}

// MarshalText makes payers readable in JSON.
func (p Payer) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText parses the String form.
func (p *Payer) UnmarshalText(b []byte) error {
	v, err := ParsePayer(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// =============================================================================
// PAYER SET - pendings / submits / zero payments / payments
// =============================================================================

// PayerSet is a set of payers. Its integer form uses the Payer.Bit values so
// it can be stored as the historical bitmask column.
type PayerSet uint8

// NewPayerSet builds a set from payers.
func NewPayerSet(payers ...Payer) PayerSet {
	var s PayerSet
	for _, p := range payers {
		s = s.With(p)
	}
	return s
}

// PayerSetFromBits accepts a stored bitmask, dropping unknown bits.
func PayerSetFromBits(bits int) PayerSet {
	return PayerSet(bits & 0x1f)
}

func (s PayerSet) Has(p Payer) bool { return p.Valid() && int(s)&p.Bit() != 0 }

// With returns s ∪ {p}.
func (s PayerSet) With(p Payer) PayerSet { return s | PayerSet(p.Bit()) }

// Without returns s \ {p}.
func (s PayerSet) Without(p Payer) PayerSet { return s &^ PayerSet(p.Bit()) }

func (s PayerSet) Union(o PayerSet) PayerSet      { return s | o }
func (s PayerSet) Difference(o PayerSet) PayerSet { return s &^ o }
func (s PayerSet) IsEmpty() bool                  { return s == 0 }
func (s PayerSet) Bits() int                      { return int(s) }

// Payers lists members in resolution order.
func (s PayerSet) Payers() []Payer {
	out := make([]Payer, 0, 5)
	for _, p := range AllPayers {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s PayerSet) String() string {
	names := make([]string, 0, 5)
	for _, p := range s.Payers() {
		names = append(names, p.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}
