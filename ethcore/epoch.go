// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package ethcore

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/sha3"
)

const (
	// EpochLength is the number of blocks an epoch spans.
	EpochLength = 30000

	datasetInitBytes   = 1 << 30 // bytes in dataset at genesis
	datasetGrowthBytes = 1 << 23 // dataset growth per epoch
	cacheInitBytes     = 1 << 24 // bytes in cache at genesis
	cacheGrowthBytes   = 1 << 17 // cache growth per epoch
	mixBytes           = 128     // width of mix
	hashBytes          = 64      // hash length in bytes

	// maxSeedEpoch bounds the reverse seed lookup. Way past any realistic
	// chain height before this code is retired.
	maxSeedEpoch = 4096
)

// EpochContext carries the per-epoch state every worker needs before it can
// search: the dataset and light cache sizes and the seed the DAG is generated
// from. Expensive to derive, so contexts are built once per epoch and shared
// by all workers through a small cache.
type EpochContext struct {
	Epoch     int
	Seed      common.Hash
	DAGSize   uint64
	LightSize uint64
}

var (
	epochOnce  sync.Once
	epochCache *lru.Cache // epoch -> *EpochContext
)

// EpochContextFor returns the shared context for the given epoch, computing
// and caching it on first use.
func EpochContextFor(epoch int) *EpochContext {
	epochOnce.Do(func() {
		// A pool flapping between two jobs must not recompute contexts.
		epochCache, _ = lru.New(4)
	})
	if ctx, ok := epochCache.Get(epoch); ok {
		return ctx.(*EpochContext)
	}
	ctx := &EpochContext{
		Epoch:     epoch,
		Seed:      SeedHash(epoch),
		DAGSize:   datasetSize(epoch),
		LightSize: cacheSize(epoch),
	}
	epochCache.Add(epoch, ctx)
	return ctx
}

// SeedHash derives the seed for generating a verification cache and the
// mining dataset of the given epoch.
func SeedHash(epoch int) common.Hash {
	var seed common.Hash
	if epoch <= 0 {
		return seed
	}
	keccak := sha3.NewLegacyKeccak256()
	for i := 0; i < epoch; i++ {
		keccak.Reset()
		keccak.Write(seed[:])
		keccak.Sum(seed[:0])
	}
	return seed
}

// EpochFromSeed recovers the epoch number a pool-delivered seed hash belongs
// to, or -1 if it matches no epoch within the lookup bound.
func EpochFromSeed(seed common.Hash) int {
	var acc common.Hash
	if seed == acc {
		return 0
	}
	keccak := sha3.NewLegacyKeccak256()
	for i := 1; i <= maxSeedEpoch; i++ {
		keccak.Reset()
		keccak.Write(acc[:])
		keccak.Sum(acc[:0])
		if acc == seed {
			return i
		}
	}
	return -1
}

// cacheSize returns the size of the ethash verification cache for the epoch.
func cacheSize(epoch int) uint64 {
	size := uint64(cacheInitBytes + cacheGrowthBytes*epoch - hashBytes)
	for !isPrime(size / hashBytes) {
		size -= 2 * hashBytes
	}
	return size
}

// datasetSize returns the size of the full ethash dataset for the epoch.
func datasetSize(epoch int) uint64 {
	size := uint64(datasetInitBytes + datasetGrowthBytes*epoch - mixBytes)
	for !isPrime(size / mixBytes) {
		size -= 2 * mixBytes
	}
	return size
}

func isPrime(n uint64) bool {
	return new(big.Int).SetUint64(n).ProbablyPrime(1)
}
