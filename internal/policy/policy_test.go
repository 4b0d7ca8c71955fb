package policy

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/mini-dynamo/bboard/internal/board"
	"github.com/mini-dynamo/bboard/internal/netutil"
	"github.com/mini-dynamo/bboard/internal/wire"
	"github.com/mini-dynamo/bboard/pkg/types"
)

// fakeCoord is a scripted coordinator: respond maps the first frame of
// each connection to a one-line reply. Every frame seen is recorded.
type fakeCoord struct {
	ln      net.Listener
	mu      sync.Mutex
	frames  []string
	respond func(first string) string
}

func newFakeCoord(t *testing.T, respond func(first string) string) *fakeCoord {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake coordinator listen: %v", err)
	}
	fc := &fakeCoord{ln: ln, respond: respond}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fc.serve(conn)
		}
	}()
	return fc
}

func (fc *fakeCoord) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return
	}
	first := strings.TrimRight(line, "\r\n")
	fc.record(first)
	if first == wire.EncodeUnlock() {
		// The UNLOCK dialog carries the bare message frame next.
		next, err := br.ReadString('\n')
		if err == nil {
			fc.record(strings.TrimRight(next, "\r\n"))
		}
	}
	fmt.Fprintf(conn, "%s\n", fc.respond(first))
}

func (fc *fakeCoord) record(frame string) {
	fc.mu.Lock()
	fc.frames = append(fc.frames, frame)
	fc.mu.Unlock()
}

func (fc *fakeCoord) recorded() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]string, len(fc.frames))
	copy(out, fc.frames)
	return out
}

func testDeps(t *testing.T, coordAddr string) Deps {
	t.Helper()
	return Deps{
		Store:     board.New(),
		Dialer:    netutil.NewDialer(),
		CoordAddr: coordAddr,
		SelfID:    3,
	}
}

func mustParse(t *testing.T, line string) wire.Frame {
	t.Helper()
	f, err := wire.Parse(line)
	if err != nil {
		t.Fatalf("parse %q: %v", line, err)
	}
	return f
}

func TestSequentialPostForwardsRawFrame(t *testing.T) {
	fc := newFakeCoord(t, func(string) string { return "0" })
	p := New(types.PolicySequential, testDeps(t, fc.ln.Addr().String()))

	got := p.Post(mustParse(t, "POST::Weather::Alice::Sunny"))
	if got != "0" {
		t.Fatalf("expected success code 0, got %q", got)
	}
	frames := fc.recorded()
	if len(frames) != 1 || frames[0] != "POST::Weather::Alice::Sunny" {
		t.Fatalf("coordinator saw %v", frames)
	}
}

func TestSequentialReadServedLocally(t *testing.T) {
	// No coordinator at all: local reads must not need one.
	deps := testDeps(t, "127.0.0.1:1")
	deps.Store.Insert(&types.Message{ID: 1, Kind: types.KindPost, Title: "T", Author: "a", Body: "b"})
	p := New(types.PolicySequential, deps)

	msgs, err := p.Read(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 1 {
		t.Fatalf("unexpected page: %v", msgs)
	}
	if _, err := p.Choose(1); err != nil {
		t.Fatalf("choose failed: %v", err)
	}
}

func TestQuorumReadRunsQuorumStepFirst(t *testing.T) {
	fc := newFakeCoord(t, func(first string) string {
		if strings.HasPrefix(first, wire.TagQuorumRead) {
			return wire.ReplyOK
		}
		return "1"
	})
	deps := testDeps(t, fc.ln.Addr().String())
	deps.Store.Insert(&types.Message{ID: 1, Kind: types.KindPost, Title: "T", Author: "a", Body: "b"})
	p := New(types.PolicyQuorum, deps)

	msgs, err := p.Read(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("unexpected page: %v", msgs)
	}
	frames := fc.recorded()
	if len(frames) != 1 || frames[0] != "QUORUM_READ::3" {
		t.Fatalf("coordinator saw %v, want [QUORUM_READ::3]", frames)
	}
}

func TestQuorumReadRefusedBlocksLocalRead(t *testing.T) {
	fc := newFakeCoord(t, func(string) string { return "1" })
	p := New(types.PolicyQuorum, testDeps(t, fc.ln.Addr().String()))

	if _, err := p.Read(0); err == nil {
		t.Fatal("refused quorum step must surface as an error")
	}
	if _, err := p.Choose(1); err == nil {
		t.Fatal("refused quorum step must surface as an error")
	}
}

func TestRYWPostRunsTokenDialog(t *testing.T) {
	fc := newFakeCoord(t, func(first string) string {
		switch first {
		case wire.EncodeAcquireLock():
			return wire.EncodeGrantLock()
		case wire.EncodeUnlock():
			return "0::7"
		default:
			return "1"
		}
	})
	p := New(types.PolicyRYW, testDeps(t, fc.ln.Addr().String()))

	got := p.Post(mustParse(t, "POST::T::a::b"))
	if got != "0" {
		t.Fatalf("expected success code 0, got %q", got)
	}
	want := []string{wire.EncodeAcquireLock(), wire.EncodeUnlock(), "POST::T::a::b"}
	frames := fc.recorded()
	if len(frames) != len(want) {
		t.Fatalf("coordinator saw %v, want %v", frames, want)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("coordinator saw %v, want %v", frames, want)
		}
	}
}

func TestRYWPostFailsWithoutGrant(t *testing.T) {
	fc := newFakeCoord(t, func(string) string { return wire.ReplyWait })
	p := New(types.PolicyRYW, testDeps(t, fc.ln.Addr().String()))
	if got := p.Post(mustParse(t, "POST::T::a::b")); got != "1" {
		t.Fatalf("expected failure code 1, got %q", got)
	}
}

func TestRYWReadPollsCheckUntilOK(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	fc := newFakeCoord(t, func(first string) string {
		if !strings.HasPrefix(first, wire.TagCheck) {
			return "1"
		}
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return wire.ReplyWait
		}
		return wire.ReplyOK
	})
	p := New(types.PolicyRYW, testDeps(t, fc.ln.Addr().String()))

	if _, err := p.Read(0); err != nil {
		t.Fatalf("read should settle after WAITs: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 CHECK polls, got %d", calls)
	}
}
