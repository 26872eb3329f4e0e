package extmem

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

const simBase = 0x60000000

func cleanBank(t *testing.T, words uint32) *Bank {
	t.Helper()
	bank, err := BringUp(NewSim(Region{Base: simBase, Words: words}))
	require.NoError(t, err)
	return bank
}

func TestBringUpClean(t *testing.T) {
	sim := NewSim(Region{Base: simBase, Words: 2048})
	bank, err := BringUp(sim)
	require.NoError(t, err)
	require.Equal(t, int64(8192), bank.Size())

	// the region is cleared after validation
	for _, off := range []uint32{0, 4 * 1000, 4 * 2047} {
		w, err := sim.ReadWord(simBase + off)
		require.NoError(t, err)
		require.Zero(t, w)
	}
}

func TestBringUpStuckBit(t *testing.T) {
	sim := NewSim(Region{Base: simBase, Words: 512})
	sim.StuckAddr = simBase + 4*100
	sim.StuckMask = 0x00020000

	bank, err := BringUp(sim)
	require.Nil(t, bank)
	var be *BringUpError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "aaaa5555", be.Pattern)
	require.Equal(t, sim.StuckAddr, be.Addr)
	require.Equal(t, uint32(0xAAAA5555), be.Want)
	require.Equal(t, uint32(0xAAA85555), be.Got)
}

func TestBringUpAddressAlias(t *testing.T) {
	sim := NewSim(Region{Base: simBase, Words: 512})
	sim.AliasMask = 0x40 // offsets 0x00 and 0x40 land on one cell

	// constant patterns cannot see the fold; the address-in-address
	// sweep does
	bank, err := BringUp(sim)
	require.Nil(t, bank)
	var be *BringUpError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "address", be.Pattern)
	require.Equal(t, uint32(simBase), be.Addr)
	require.Equal(t, uint32(simBase+0x40), be.Got)
}

func TestBringUpInitFailure(t *testing.T) {
	sim := NewSim(Region{Base: simBase, Words: 64})
	sim.FailInit = true

	bank, err := BringUp(sim)
	require.Nil(t, bank)
	var be *BringUpError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "init", be.Pattern)
	require.Error(t, be.Unwrap())
}

func TestBringUpDeterministic(t *testing.T) {
	sim := NewSim(Region{Base: simBase, Words: 512})
	sim.StuckAddr = simBase + 4*31
	sim.StuckMask = 0x1

	_, err1 := BringUp(sim)
	_, err2 := BringUp(sim)
	var e1, e2 *BringUpError
	require.ErrorAs(t, err1, &e1)
	require.ErrorAs(t, err2, &e2)
	require.Equal(t, *e1, *e2)

	// and a healthy controller passes a second bring-up the same way
	healthy := NewSim(Region{Base: simBase, Words: 512})
	_, err1 = BringUp(healthy)
	_, err2 = BringUp(healthy)
	require.NoError(t, err1)
	require.NoError(t, err2)
}

func TestBankWindowRoundTrip(t *testing.T) {
	bank := cleanBank(t, 2048)
	win, err := bank.Window(100, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(1000), win.Size())

	data := make([]byte, 237)
	for i := range data {
		data[i] = byte(i*3 + 1)
	}
	n, err := win.WriteAt(data, 5) // unaligned on purpose
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	got := make([]byte, len(data))
	n, err = win.ReadAt(got, 5)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, got)

	// the bytes around the write are still zero
	edge := make([]byte, len(data)+10)
	_, err = win.ReadAt(edge, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 0}, edge[:5])
	require.Equal(t, []byte{0, 0, 0, 0, 0}, edge[5+len(data):])

	// reads stop at the window even though the bank goes on
	short := make([]byte, 64)
	n, err = win.ReadAt(short, 990)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 10, n)
	_, err = win.ReadAt(short, 1000)
	require.ErrorIs(t, err, io.EOF)

	// writes refuse to spill past the window
	n, err = win.WriteAt(make([]byte, 50), 980)
	require.ErrorIs(t, err, ErrNoSpace)
	require.Equal(t, 20, n)
}

func TestBankSelftestSpareStripe(t *testing.T) {
	bank := cleanBank(t, 2048)

	marker := []byte("image-in-use")
	_, err := bank.WriteAt(marker, 0)
	require.NoError(t, err)

	require.NoError(t, bank.Selftest(1024, 256))

	got := make([]byte, len(marker))
	_, err = bank.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, marker, got)

	stripe := make([]byte, 256)
	_, err = bank.ReadAt(stripe, 1024)
	require.NoError(t, err)
	for i, b := range stripe {
		require.Zero(t, b, "stripe byte %d not cleared", i)
	}

	require.Error(t, bank.Selftest(3, 8))
	require.Error(t, bank.Selftest(0, bank.Size()+4))
}
