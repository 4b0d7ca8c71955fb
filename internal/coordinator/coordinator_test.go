package coordinator

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/mini-dynamo/bboard/internal/config"
	"github.com/mini-dynamo/bboard/internal/netutil"
	"github.com/mini-dynamo/bboard/internal/wire"
	"github.com/mini-dynamo/bboard/pkg/types"
)

func testConfig(pol types.Policy, nw, nr int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.IsPrimary = true
	cfg.Policy = pol
	cfg.Nw, cfg.Nr = nw, nr
	cfg.Address = "127.0.0.1"
	cfg.CoordinatorPort = 0
	return cfg
}

func TestQuorumSizesRaisedToFloor(t *testing.T) {
	cases := []struct {
		n, nw, nr      int
		wantNw, wantNr int
	}{
		{5, 0, 0, 3, 3},
		{5, 1, 2, 3, 3},
		{5, 4, 3, 4, 3},
		{5, 9, 9, 5, 5},
		{3, 2, 2, 2, 2},
		{1, 0, 0, 1, 1},
	}
	for _, tc := range cases {
		c := New(testConfig(types.PolicyQuorum, tc.nw, tc.nr), netutil.NewDialer())
		for i := 0; i < tc.n; i++ {
			c.registry.Register(fmt.Sprintf("127.0.0.1:%d", 20000+i))
		}
		nw, nr := c.quorumSizes()
		if nw != tc.wantNw || nr != tc.wantNr {
			t.Errorf("n=%d nw=%d nr=%d: got (%d,%d), want (%d,%d)",
				tc.n, tc.nw, tc.nr, nw, nr, tc.wantNw, tc.wantNr)
		}
	}
}

func TestQuorumSizesNoReplicas(t *testing.T) {
	c := New(testConfig(types.PolicyQuorum, 2, 2), netutil.NewDialer())
	if nw, nr := c.quorumSizes(); nw != 0 || nr != 0 {
		t.Fatalf("empty registry should yield (0,0), got (%d,%d)", nw, nr)
	}
}

// fakeReplica is a minimal replication-listener stand-in: it applies
// update streams, answers version queries, and records what it saw.
type fakeReplica struct {
	ln      net.Listener
	mu      sync.Mutex
	applied []string
}

func newFakeReplica(t *testing.T) *fakeReplica {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake replica listen: %v", err)
	}
	f := &fakeReplica{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeReplica) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if trimmed == wire.EncodeVersionQuery() {
			f.mu.Lock()
			n := len(f.applied)
			f.mu.Unlock()
			fmt.Fprintf(conn, "%d\n", n)
			return
		}
		f.mu.Lock()
		f.applied = append(f.applied, trimmed)
		f.mu.Unlock()
		if err != nil {
			break
		}
	}
	fmt.Fprintln(conn, wire.ReplyOK)
}

func (f *fakeReplica) port() int {
	_, portStr, _ := net.SplitHostPort(f.ln.Addr().String())
	p, _ := strconv.Atoi(portStr)
	return p
}

func (f *fakeReplica) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.applied))
	copy(out, f.applied)
	return out
}

func startCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()
	c := New(cfg, netutil.NewDialer())
	if err := c.Start(); err != nil {
		t.Fatalf("coordinator start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestRegisterRepliesPolicyAndID(t *testing.T) {
	c := startCoordinator(t, testConfig(types.PolicySequential, 0, 0))
	d := netutil.NewDialer()

	r1 := newFakeReplica(t)
	reply, err := d.Exchange(c.Addr(), wire.EncodeRegister(r1.port()))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reply != "sequential::0" {
		t.Fatalf("unexpected registration reply %q", reply)
	}

	r2 := newFakeReplica(t)
	reply, err = d.Exchange(c.Addr(), wire.EncodeRegister(r2.port()))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reply != "sequential::1" {
		t.Fatalf("unexpected registration reply %q", reply)
	}
}

func TestSequentialWriteFansOutToAll(t *testing.T) {
	c := startCoordinator(t, testConfig(types.PolicySequential, 0, 0))
	d := netutil.NewDialer()

	r1, r2 := newFakeReplica(t), newFakeReplica(t)
	for _, f := range []*fakeReplica{r1, r2} {
		if _, err := d.Exchange(c.Addr(), wire.EncodeRegister(f.port())); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	reply, err := d.Exchange(c.Addr(), "POST::Weather::Alice::Sunny")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if reply != "0" {
		t.Fatalf("expected success code 0, got %q", reply)
	}

	want := "POST::Weather::Alice::Sunny::1"
	for i, f := range []*fakeReplica{r1, r2} {
		seen := f.seen()
		if len(seen) != 1 || seen[0] != want {
			t.Errorf("replica %d applied %v, want [%s]", i, seen, want)
		}
	}
	next, _ := c.Counters()
	if next != 1 {
		t.Errorf("next_message_id should be 1, got %d", next)
	}
}

func TestWriteRejectsStampedFrame(t *testing.T) {
	c := startCoordinator(t, testConfig(types.PolicySequential, 0, 0))
	d := netutil.NewDialer()
	reply, err := d.Exchange(c.Addr(), "POST::T::a::b::7")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if reply != "1" {
		t.Fatalf("pre-stamped frame should fail, got %q", reply)
	}
}

func TestPolicyQuery(t *testing.T) {
	c := startCoordinator(t, testConfig(types.PolicyRYW, 0, 0))
	reply, err := netutil.NewDialer().Exchange(c.Addr(), wire.EncodePolicy())
	if err != nil {
		t.Fatalf("policy query: %v", err)
	}
	if reply != "ryw" {
		t.Fatalf("expected ryw, got %q", reply)
	}
}

func TestRYWTokenDialogAssignsID(t *testing.T) {
	c := startCoordinator(t, testConfig(types.PolicyRYW, 0, 0))
	d := netutil.NewDialer()

	r1 := newFakeReplica(t)
	if _, err := d.Exchange(c.Addr(), wire.EncodeRegister(r1.port())); err != nil {
		t.Fatalf("register: %v", err)
	}

	reply, err := d.Exchange(c.Addr(), wire.EncodeAcquireLock())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if reply != wire.EncodeGrantLock() {
		t.Fatalf("expected GRANT_LOCK, got %q", reply)
	}

	reply, err = d.ExchangeLines(c.Addr(), wire.EncodeUnlock(), []string{"POST::T::a::b"})
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if reply != "0::1" {
		t.Fatalf("expected 0::1, got %q", reply)
	}
	if seen := r1.seen(); len(seen) != 1 || seen[0] != "POST::T::a::b::1" {
		t.Fatalf("fan-out after unlock saw %v", seen)
	}

	// Token is back with the coordinator: a second acquire succeeds.
	reply, err = d.Exchange(c.Addr(), wire.EncodeAcquireLock())
	if err != nil || reply != wire.EncodeGrantLock() {
		t.Fatalf("re-acquire failed: %q, %v", reply, err)
	}
	if _, err := d.ExchangeLines(c.Addr(), wire.EncodeUnlock(), []string{"POST::U::a::b"}); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
}

func TestUnlockWithoutGrantFails(t *testing.T) {
	c := startCoordinator(t, testConfig(types.PolicyRYW, 0, 0))
	reply, err := netutil.NewDialer().ExchangeLines(c.Addr(), wire.EncodeUnlock(), []string{"POST::T::a::b"})
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if reply != "1" {
		t.Fatalf("unlock without grant should fail, got %q", reply)
	}
}
