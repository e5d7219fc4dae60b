package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoney_ToDecimal(t *testing.T) {
	m := NewMoney(1_050, "CRD") // 10.50 CRD
	d := m.ToDecimal()
	assert.Equal(t, "10.5", d.String())
}

func TestFromDecimal(t *testing.T) {
	d := decimal.NewFromFloat(10.50)
	cents := FromDecimal(d)
	assert.Equal(t, int64(1_050), cents)
}

func TestParseAmount(t *testing.T) {
	cents, err := ParseAmount("10.50")
	require.NoError(t, err)
	assert.Equal(t, int64(1_050), cents)

	_, err = ParseAmount("0")
	assert.Error(t, err)

	_, err = ParseAmount("-4.20")
	assert.Error(t, err)

	_, err = ParseAmount("1.005")
	assert.Error(t, err)

	_, err = ParseAmount("ten")
	assert.Error(t, err)
}

func TestMoney_ToProtocolUnits(t *testing.T) {
	// 100.00 CRD at 0.10 tokens per credit -> 10 tokens.
	m := NewMoney(10_000, "CRD")
	ratio := decimal.NewFromFloat(0.10)

	units := m.ToProtocolUnits(ratio)
	assert.Equal(t, "10", units.String())
}

func TestMoney_ToProtocolUnits_Precision(t *testing.T) {
	// 10.50 CRD at 0.925555 tokens per credit.
	m := NewMoney(1_050, "CRD")
	ratio := decimal.NewFromFloat(0.925555)

	units := m.ToProtocolUnits(ratio)
	assert.Equal(t, "9.7183275", units.String())
}
