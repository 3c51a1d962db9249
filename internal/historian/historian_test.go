package historian

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

func entryWithID(id uint64) domain.HistorianEntry {
	return domain.HistorianEntry{
		PositionID: id,
		SrcToken:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ChainID:    137,
		DestToken:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Reason:     domain.CloseReasonUser,
	}
}

func TestStoreRejectsNullOwner(t *testing.T) {
	h := New()
	err := h.Store(common.Address{}, entryWithID(1))
	require.ErrorIs(t, err, domain.ErrNullAddress)
}

func TestStoreIncrementsCount(t *testing.T) {
	h := New()
	owner := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	require.NoError(t, h.Store(owner, entryWithID(1)))
	_, count := h.GetData(owner)
	assert.Equal(t, 1, count)
}

func TestCountSaturatesAtCapacity(t *testing.T) {
	h := New()
	owner := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	for i := 1; i <= Capacity+1; i++ {
		require.NoError(t, h.Store(owner, entryWithID(uint64(i))))
	}

	_, count := h.GetData(owner)
	assert.Equal(t, Capacity, count)
}

func TestWraparoundOverwritesOldestSlot(t *testing.T) {
	h := New()
	owner := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	for i := 1; i <= Capacity; i++ {
		require.NoError(t, h.Store(owner, entryWithID(uint64(i))))
	}
	entries, _ := h.GetData(owner)
	require.Equal(t, uint64(1), entries[0].PositionID)

	// The 201st write lands on slot 0, replacing the first entry.
	require.NoError(t, h.Store(owner, entryWithID(uint64(Capacity+1))))

	entries, count := h.GetData(owner)
	assert.Equal(t, Capacity, count)
	assert.Equal(t, uint64(Capacity+1), entries[0].PositionID)
	assert.Equal(t, uint64(2), entries[1].PositionID)
}

func TestOwnersAreIsolated(t *testing.T) {
	h := New()
	a := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	require.NoError(t, h.Store(a, entryWithID(1)))

	_, count := h.GetData(b)
	assert.Equal(t, 0, count)
}
