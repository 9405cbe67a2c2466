package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayer_BitValuesArePersistenceCompatible(t *testing.T) {
	assert.Equal(t, 1, PayerInsurance1.Bit())
	assert.Equal(t, 2, PayerInsurance2.Bit())
	assert.Equal(t, 4, PayerInsurance3.Bit())
	assert.Equal(t, 8, PayerInsurance4.Bit())
	assert.Equal(t, 16, PayerPatient.Bit())
	assert.Equal(t, 0, PayerNone.Bit())

	for _, p := range AllPayers {
		back, err := PayerFromBit(p.Bit())
		require.NoError(t, err)
		assert.Equal(t, p, back)
	}
	_, err := PayerFromBit(3)
	assert.Error(t, err, "combined bits are not a single owner")
}

func TestParsePayer(t *testing.T) {
	cases := map[string]Payer{
		"ins1":    PayerInsurance1,
		"Ins2":    PayerInsurance2,
		"primary": PayerInsurance1,
		"patient": PayerPatient,
		"":        PayerNone,
	}
	for in, want := range cases {
		got, err := ParsePayer(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePayer("ins9")
	assert.Error(t, err)
}

func TestPayerSet_UnionAndDifference(t *testing.T) {
	// GIVEN: submits {Ins1, Ins2} and payments {Ins1}
	submits := NewPayerSet(PayerInsurance1, PayerInsurance2)
	payments := NewPayerSet(PayerInsurance1)

	// THEN: set algebra matches OR / AND-NOT on the persisted bits
	assert.Equal(t, 3, submits.Bits())
	assert.Equal(t, []Payer{PayerInsurance2}, submits.Difference(payments).Payers())
	assert.Equal(t, submits, submits.Union(payments))
	assert.True(t, submits.Without(PayerInsurance1).Without(PayerInsurance2).IsEmpty())
	assert.False(t, submits.Has(PayerPatient))
	assert.Equal(t, "{Ins1,Ins2}", submits.String())

	assert.Equal(t, NewPayerSet(AllPayers[:]...), PayerSetFromBits(0xff))
}
