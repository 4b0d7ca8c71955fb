package coordinator

import (
	"testing"

	"github.com/mini-dynamo/bboard/pkg/types"
)

func replicas(n int) []types.ReplicaInfo {
	out := make([]types.ReplicaInfo, n)
	for i := range out {
		out[i] = types.ReplicaInfo{ID: i, Addr: "127.0.0.1:0"}
	}
	return out
}

func TestPermuteDeterministic(t *testing.T) {
	reps := replicas(5)
	a := permute(reps, 42)
	b := permute(reps, 42)
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("same seed gave different orders: %v vs %v", a, b)
		}
	}
}

func TestPermuteIsPermutation(t *testing.T) {
	reps := replicas(7)
	out := permute(reps, 99)
	if len(out) != len(reps) {
		t.Fatalf("length changed: %d", len(out))
	}
	seen := make(map[int]bool)
	for _, rep := range out {
		if seen[rep.ID] {
			t.Fatalf("duplicate replica %d in permutation", rep.ID)
		}
		seen[rep.ID] = true
	}
}

func TestPermuteDoesNotMutateInput(t *testing.T) {
	reps := replicas(4)
	permute(reps, 7)
	for i, rep := range reps {
		if rep.ID != i {
			t.Fatalf("input slice was mutated: %v", reps)
		}
	}
}

func TestPermuteVariesAcrossSeeds(t *testing.T) {
	reps := replicas(6)
	base := permute(reps, 0)
	for seed := uint64(1); seed <= 32; seed++ {
		out := permute(reps, seed)
		for i := range out {
			if out[i].ID != base[i].ID {
				return
			}
		}
	}
	t.Fatal("33 seeds all produced the same order")
}
