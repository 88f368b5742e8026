package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reactorstore/reactorstore/internal/nvme/transport"
)

func TestParseWorkloadAcceptsAllSpecValues(t *testing.T) {
	for _, s := range []string{"read", "write", "randread", "randwrite", "rw", "randrw"} {
		w, err := parseWorkload(s)
		require.NoError(t, err)
		require.Equal(t, workload(s), w)
	}
}

func TestParseWorkloadRejectsUnknown(t *testing.T) {
	_, err := parseWorkload("sequential")
	require.Error(t, err)
}

func TestParseHexMask(t *testing.T) {
	mask, err := parseHexMask("0x5")
	require.NoError(t, err)
	require.EqualValues(t, 0x5, mask)

	mask, err = parseHexMask("A")
	require.NoError(t, err)
	require.EqualValues(t, 0xA, mask)

	_, err = parseHexMask("not-hex")
	require.Error(t, err)
}

func TestPickIsReadHonorsFixedWorkloads(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	require.True(t, pickIsRead(workloadRead, 0, rng))
	require.True(t, pickIsRead(workloadRandRead, 0, rng))
	require.False(t, pickIsRead(workloadWrite, 100, rng))
	require.False(t, pickIsRead(workloadRandWrite, 100, rng))
}

func TestPickIsReadHonorsMixPercentAtExtremes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		require.True(t, pickIsRead(workloadRW, 100, rng))
		require.False(t, pickIsRead(workloadRandRW, 0, rng))
	}
}

func TestPickOffsetSequentialIsAlwaysZero(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		require.EqualValues(t, 0, pickOffset(workloadRead, true, 4096, 1000, rng))
		require.EqualValues(t, 0, pickOffset(workloadWrite, false, 4096, 1000, rng))
	}
}

func TestPickOffsetRandomStaysWithinBlockCount(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var blockCount uint64 = 100
	for i := 0; i < 200; i++ {
		off := pickOffset(workloadRandRW, true, 4096, blockCount, rng)
		require.True(t, off >= 0)
		require.True(t, uint64(off) < blockCount*512)
	}
}

func TestOpenBackendSelectsFileForPCIeAndMemoryOtherwise(t *testing.T) {
	tmpFile := t.TempDir() + "/disk.img"
	pcieTrid, err := transport.ParseTrid("trtype:PCIe traddr:" + tmpFile)
	require.NoError(t, err)
	be, err := openBackend(pcieTrid, 1024*1024)
	require.NoError(t, err)
	require.NoError(t, be.Close())

	tcpTrid, err := transport.ParseTrid("trtype:TCP adrfam:IPv4 traddr:10.0.0.1 trsvcid:4420")
	require.NoError(t, err)
	be2, err := openBackend(tcpTrid, 1024*1024)
	require.NoError(t, err)
	require.NoError(t, be2.Close())
}
