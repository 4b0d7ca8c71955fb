package coordinator

import "testing"

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	r := NewRegistry()
	if id := r.Register("127.0.0.1:9001"); id != 0 {
		t.Fatalf("first id should be 0, got %d", id)
	}
	if id := r.Register("127.0.0.1:9002"); id != 1 {
		t.Fatalf("second id should be 1, got %d", id)
	}
	all := r.All()
	if len(all) != 2 || all[0].ID != 0 || all[1].ID != 1 {
		t.Fatalf("registry out of assignment order: %v", all)
	}
}

func TestSetLastKnownVersionMonotone(t *testing.T) {
	r := NewRegistry()
	r.Register("127.0.0.1:9001")
	r.SetLastKnownVersion(0, 5)
	r.SetLastKnownVersion(0, 3)
	rep, ok := r.Get(0)
	if !ok || rep.LastKnownVersion != 5 {
		t.Fatalf("version went backwards: %v", rep)
	}
}

func TestGetOutOfRange(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get(0); ok {
		t.Fatal("empty registry should not resolve id 0")
	}
	if _, ok := r.Get(-1); ok {
		t.Fatal("negative ids should not resolve")
	}
}
