package coordinator

import (
	"encoding/binary"
	"math/rand"

	"github.com/spaolacci/murmur3"

	"github.com/mini-dynamo/bboard/pkg/types"
)

// permute returns a random permutation of reps, seeded from the
// murmur3 hash of seed. Quorum membership for a given operation is
// therefore a function of its seed (the assigned message id for
// writes, an operation counter for reads and sync pulls) instead of
// global mutable rand state — the same write always lands on the same
// quorum, which makes failures reproducible.
func permute(reps []types.ReplicaInfo, seed uint64) []types.ReplicaInfo {
	out := make([]types.ReplicaInfo, len(reps))
	copy(out, reps)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seed)
	rng := rand.New(rand.NewSource(int64(murmur3.Sum64(buf[:]))))
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
