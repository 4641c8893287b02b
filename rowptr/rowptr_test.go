package rowptr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowPointerRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		page     PageIndex
		offset   PageOffset
		squashed SquashedOffset
	}{
		{"committed zero", 0, 0, CommittedState},
		{"tx zero", 0, 0, TxState},
		{"large page", 1 << 40, 1234, CommittedState},
		{"max offset", 5, 0xFFFF, TxState},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := New(false, c.page, c.offset, c.squashed)
			assert.Equal(t, c.page, p.PageIndex())
			assert.Equal(t, c.offset, p.PageOffset())
			assert.Equal(t, c.squashed, p.SquashedOffset())
			assert.False(t, p.IsReserved())
		})
	}
}

func TestRowPointerEqualIgnoresReservedBit(t *testing.T) {
	p := New(false, 3, 7, CommittedState)
	reserved := p.WithReservedBit(true)
	require.True(t, reserved.IsReserved())
	assert.True(t, p.Equal(reserved))
	assert.NotEqual(t, p, reserved)
}

func TestRowPointerStringDistinguishesState(t *testing.T) {
	committed := New(false, 1, 1, CommittedState)
	tx := New(false, 1, 1, TxState)
	assert.NotEqual(t, committed.String(), tx.String())
}
