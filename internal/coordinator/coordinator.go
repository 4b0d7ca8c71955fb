// Package coordinator implements the control plane hosted on the
// primary: replica registration, write propagation (all-replica or
// quorum fan-out), read-quorum assembly, the read-your-writes token,
// and the periodic quorum sync task. The coordinator holds no
// bulletin-board state of its own — only the replica registry and a
// pair of counters.
package coordinator

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/mini-dynamo/bboard/internal/config"
	"github.com/mini-dynamo/bboard/internal/netutil"
	"github.com/mini-dynamo/bboard/internal/wire"
	"github.com/mini-dynamo/bboard/pkg/types"
)

const (
	connQueueCap = 10
	workerCount  = 5
)

// Coordinator is the single long-running control actor on the primary.
// One instance serves all three policies; the policy tag selects which
// handlers are live (quorum assembly, the token, the sync timer).
type Coordinator struct {
	cfg      *config.Config
	policy   types.Policy
	registry *Registry
	dialer   *netutil.Dialer

	// mu guards the counters and the token state. The registry is not
	// under mu: it is guarded separately by its own lock.
	mu           sync.Mutex
	nextID       int
	lastSent     int
	tokenGranted bool
	tokenCond    *sync.Cond
	opSeq        uint64

	ln     net.Listener
	queue  chan net.Conn
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a coordinator for the policy named in cfg. Call Start to
// bind the listener and spin up the worker pool.
func New(cfg *config.Config, d *netutil.Dialer) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		policy:   cfg.Policy,
		registry: NewRegistry(),
		dialer:   d,
		queue:    make(chan net.Conn, connQueueCap),
		stopCh:   make(chan struct{}),
	}
	c.tokenCond = sync.NewCond(&c.mu)
	return c
}

// Start binds the coordinator listener and launches the acceptor, the
// fixed worker pool, and (quorum only) the periodic sync task.
func (c *Coordinator) Start() error {
	ln, err := net.Listen("tcp", c.cfg.CoordinatorListenAddr())
	if err != nil {
		return fmt.Errorf("coordinator: listen %s: %w", c.cfg.CoordinatorListenAddr(), err)
	}
	c.ln = ln

	for i := 0; i < workerCount; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.wg.Add(1)
	go c.acceptLoop()

	if c.policy == types.PolicyQuorum {
		c.wg.Add(1)
		go c.syncLoop(c.cfg.SyncIntervalOrDefault())
	}

	log.Printf("coordinator: %s policy, listening on %s", c.policy, ln.Addr())
	return nil
}

// Stop closes the listener and waits for in-flight work to drain.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	if c.ln != nil {
		c.ln.Close()
	}
	c.mu.Lock()
	c.tokenCond.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()
}

// Addr returns the bound coordinator address, useful when the
// configured port was 0.
func (c *Coordinator) Addr() string {
	return c.ln.Addr().String()
}

// Policy returns the consistency policy this coordinator drives.
func (c *Coordinator) Policy() types.Policy { return c.policy }

// Replicas returns a snapshot of the replica registry.
func (c *Coordinator) Replicas() []types.ReplicaInfo { return c.registry.All() }

// Counters returns next_message_id and last_sent for the status surface.
func (c *Coordinator) Counters() (nextMessageID, lastSent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID, c.lastSent
}

func (c *Coordinator) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				log.Printf("coordinator: accept: %v", err)
			}
			return
		}
		select {
		case c.queue <- conn:
		case <-c.stopCh:
			conn.Close()
			return
		}
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case conn := <-c.queue:
			c.serve(conn)
		}
	}
}

// serve reads one tagged frame and dispatches it. Protocol errors drop
// the connection without a reply; they never crash the process.
func (c *Coordinator) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}
	f, err := wire.Parse(line)
	if err != nil {
		log.Printf("coordinator: dropping connection from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	if f.Tag == wire.TagAcquireLock {
		// A token wait can block until an arbitrary later UNLOCK. Park
		// it on its own goroutine so waiters can never occupy the whole
		// pool and starve the UNLOCK that would release them.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleAcquireLock(conn)
		}()
		return
	}

	defer conn.Close()
	switch f.Tag {
	case wire.TagPost, wire.TagReply:
		c.handleWrite(conn, f)
	case wire.TagRegister:
		c.handleRegister(conn, f)
	case wire.TagPolicy:
		fmt.Fprintf(conn, "%s\n", c.policy)
	case wire.TagQuorumRead:
		c.handleQuorumRead(conn, f)
	case wire.TagCheck:
		c.handleCheck(conn, f)
	case wire.TagUnlock:
		c.handleUnlock(conn, r)
	default:
		log.Printf("coordinator: unexpected frame %q from %s", f.Tag, conn.RemoteAddr())
	}
}

// handleRegister assigns the next sequential replica id. The dial
// address is the connection's peer ip joined with the advertised port.
// The reply carries the policy tag so the replica configures itself
// consistently with the primary.
func (c *Coordinator) handleRegister(conn net.Conn, f wire.Frame) {
	port, err := wire.DecodeInt(f)
	if err != nil {
		fmt.Fprintln(conn, "1")
		return
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		fmt.Fprintln(conn, "1")
		return
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	id := c.registry.Register(addr)
	log.Printf("coordinator: registered replica %d at %s", id, addr)
	fmt.Fprintf(conn, "%s%s%d\n", c.policy, wire.Sep, id)
}

// quorumSizes computes the effective Nw/Nr against the current
// registry size. Either parameter at zero or below ⌊N/2⌋+1 is raised
// to that floor, then clamped to N. With both at the floor, Nr+Nw > N
// holds and read-after-write follows from quorum intersection.
func (c *Coordinator) quorumSizes() (nw, nr int) {
	n := c.registry.Len()
	if n == 0 {
		return 0, 0
	}
	floor := n/2 + 1
	nw, nr = c.cfg.Nw, c.cfg.Nr
	if nw <= 0 || nw < floor {
		nw = floor
	}
	if nr <= 0 || nr < floor {
		nr = floor
	}
	if nw > n {
		nw = n
	}
	if nr > n {
		nr = n
	}
	return nw, nr
}

func (c *Coordinator) nextOpSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opSeq++
	return c.opSeq
}

// handleWrite serves a POST/REPLY forwarded by a replica's policy
// layer: assign the next id, stamp it onto the frame, and propagate
// per policy. The reply is the integer success code for the client.
func (c *Coordinator) handleWrite(conn net.Conn, f wire.Frame) {
	dm, err := wire.DecodeMessage(f)
	if err != nil || dm.HasID {
		// The write path never accepts pre-stamped frames.
		fmt.Fprintln(conn, "1")
		return
	}
	if err := dm.ValidateFields(); err != nil {
		log.Printf("coordinator: rejecting write: %v", err)
		fmt.Fprintln(conn, "1")
		return
	}
	_, code := c.commitWrite(f)
	fmt.Fprintf(conn, "%d\n", code)
}

// commitWrite assigns ++next_message_id, stamps the frame, and fans it
// out to the policy's target set. It returns the assigned id and the
// success code. Failed writes are not rolled back at replicas that
// already applied them; under quorum the sync loop heals the
// divergence, under sequential it is an accepted limitation.
func (c *Coordinator) commitWrite(f wire.Frame) (id, code int) {
	c.mu.Lock()
	c.nextID++
	id = c.nextID
	c.mu.Unlock()

	stamped := wire.Frame{
		Tag:    f.Tag,
		Fields: append(append([]string(nil), f.Fields...), strconv.Itoa(id)),
	}

	targets := c.registry.All()
	if c.policy == types.PolicyQuorum {
		nw, _ := c.quorumSizes()
		targets = permute(targets, uint64(id))[:nw]
	}

	if err := c.fanOut(stamped.String(), id, targets); err != nil {
		log.Printf("coordinator: write %d failed: %v", id, err)
		return id, 1
	}
	return id, 0
}

// fanOut sends the stamped frame to every target replica and waits for
// OK from each before returning. Replicas already known to hold the
// new id are skipped. All legs run concurrently; the first failure is
// returned after every leg has joined.
func (c *Coordinator) fanOut(frame string, id int, targets []types.ReplicaInfo) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(targets))
	for _, rep := range targets {
		if rep.LastKnownVersion >= id {
			continue
		}
		wg.Add(1)
		go func(rep types.ReplicaInfo) {
			defer wg.Done()
			reply, err := c.dialer.ExchangeLines(rep.Addr, "", []string{frame})
			if err != nil {
				errCh <- fmt.Errorf("replica %d: %w", rep.ID, err)
				return
			}
			if reply != wire.ReplyOK {
				errCh <- fmt.Errorf("replica %d rejected update %d: %s", rep.ID, id, reply)
				return
			}
			c.registry.SetLastKnownVersion(rep.ID, id)
		}(rep)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// handleQuorumRead assembles a read quorum of size Nr, queries each
// member's version, and directs the freshest member to transfer its
// full range to the requesting replica. Only after that push succeeds
// does the requester get OK and serve its local read.
func (c *Coordinator) handleQuorumRead(conn net.Conn, f wire.Frame) {
	reqID, err := wire.DecodeInt(f)
	if err != nil {
		fmt.Fprintln(conn, "1")
		return
	}
	requester, ok := c.registry.Get(reqID)
	if !ok {
		fmt.Fprintln(conn, "1")
		return
	}

	_, nr := c.quorumSizes()
	members := permute(c.registry.All(), c.nextOpSeq())[:nr]

	type verReply struct {
		rep types.ReplicaInfo
		ver int
		err error
	}
	replies := make([]verReply, len(members))
	var wg sync.WaitGroup
	for i, rep := range members {
		wg.Add(1)
		go func(i int, rep types.ReplicaInfo) {
			defer wg.Done()
			line, err := c.dialer.Exchange(rep.Addr, wire.EncodeVersionQuery())
			if err != nil {
				replies[i] = verReply{rep: rep, err: err}
				return
			}
			ver, err := strconv.Atoi(line)
			replies[i] = verReply{rep: rep, ver: ver, err: err}
		}(i, rep)
	}
	wg.Wait()

	best, found := verReply{}, false
	for _, vr := range replies {
		if vr.err != nil {
			log.Printf("coordinator: version query replica %d: %v", vr.rep.ID, vr.err)
			continue
		}
		c.registry.SetLastKnownVersion(vr.rep.ID, vr.ver)
		if !found || vr.ver > best.ver {
			best, found = vr, true
		}
	}
	if !found {
		fmt.Fprintln(conn, "1")
		return
	}

	if best.rep.ID != reqID {
		if err := c.transfer(best.rep, requester); err != nil {
			log.Printf("coordinator: quorum read transfer for replica %d: %v", reqID, err)
			fmt.Fprintln(conn, "1")
			return
		}
		c.registry.SetLastKnownVersion(reqID, best.ver)
	}
	fmt.Fprintln(conn, wire.ReplyOK)
}

// transfer tells src to push its full range to dst's replication
// listener and waits for src to confirm the push completed.
func (c *Coordinator) transfer(src, dst types.ReplicaInfo) error {
	host, portStr, err := net.SplitHostPort(dst.Addr)
	if err != nil {
		return fmt.Errorf("bad replica address %q: %w", dst.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("bad replica port %q: %w", portStr, err)
	}
	reply, err := c.dialer.Exchange(src.Addr, wire.EncodeTransfer(host, port))
	if err != nil {
		return err
	}
	if reply != wire.ReplyOK {
		return fmt.Errorf("replica %d refused transfer: %s", src.ID, reply)
	}
	return nil
}

// handleCheck serves the RYW read precondition. If the checker is
// behind the latest update known applied anywhere, the missing range
// is pushed to it first — the checker only ever sees OK once its local
// store can satisfy read-your-writes. WAIT is returned when no
// up-to-date source exists yet or when the push fails.
func (c *Coordinator) handleCheck(conn net.Conn, f wire.Frame) {
	repID, err := strconv.Atoi(f.Fields[0])
	if err != nil {
		fmt.Fprintln(conn, "1")
		return
	}
	ver, err := strconv.Atoi(f.Fields[1])
	if err != nil {
		fmt.Fprintln(conn, "1")
		return
	}

	latest := 0
	var src types.ReplicaInfo
	haveSrc := false
	for _, rep := range c.registry.All() {
		if rep.LastKnownVersion > latest {
			latest = rep.LastKnownVersion
		}
		if rep.ID != repID && (!haveSrc || rep.LastKnownVersion > src.LastKnownVersion) {
			src, haveSrc = rep, true
		}
	}
	if ver >= latest {
		fmt.Fprintln(conn, wire.ReplyOK)
		return
	}
	if !haveSrc || src.LastKnownVersion < latest {
		fmt.Fprintln(conn, wire.ReplyWait)
		return
	}

	checker, ok := c.registry.Get(repID)
	if !ok {
		fmt.Fprintln(conn, "1")
		return
	}
	if err := c.transfer(src, checker); err != nil {
		log.Printf("coordinator: check push to replica %d: %v", repID, err)
		fmt.Fprintln(conn, wire.ReplyWait)
		return
	}
	c.registry.SetLastKnownVersion(repID, latest)
	fmt.Fprintln(conn, wire.ReplyOK)
}

// handleAcquireLock blocks until the token is held by the coordinator,
// grants it, and replies GRANT_LOCK. Concurrent requesters serialize
// on the condition variable.
func (c *Coordinator) handleAcquireLock(conn net.Conn) {
	defer conn.Close()

	c.mu.Lock()
	for c.tokenGranted {
		select {
		case <-c.stopCh:
			c.mu.Unlock()
			return
		default:
		}
		c.tokenCond.Wait()
	}
	c.tokenGranted = true
	c.mu.Unlock()

	if _, err := fmt.Fprintf(conn, "%s\n", wire.EncodeGrantLock()); err != nil {
		// Grantee died before hearing the grant; take the token back.
		log.Printf("coordinator: grant lost: %v", err)
		c.releaseToken()
	}
}

func (c *Coordinator) releaseToken() {
	c.mu.Lock()
	c.tokenGranted = false
	c.tokenCond.Signal()
	c.mu.Unlock()
}

// handleUnlock receives the token holder's new message frame (no id —
// the coordinator assigns it while the token is still held, which is
// what makes concurrent RYW writers collision-free), fans it out to
// every replica including the grantee, replies with the success code
// and the assigned id, and finally returns the token.
func (c *Coordinator) handleUnlock(conn net.Conn, r *bufio.Reader) {
	defer c.releaseToken()

	c.mu.Lock()
	granted := c.tokenGranted
	c.mu.Unlock()
	if !granted {
		log.Printf("coordinator: UNLOCK from %s with no grant outstanding", conn.RemoteAddr())
		fmt.Fprintln(conn, "1")
		return
	}

	line, err := r.ReadString('\n')
	if err != nil {
		fmt.Fprintln(conn, "1")
		return
	}
	f, err := wire.Parse(line)
	if err != nil || (f.Tag != wire.TagPost && f.Tag != wire.TagReply) {
		log.Printf("coordinator: bad frame after UNLOCK: %v", err)
		fmt.Fprintln(conn, "1")
		return
	}
	dm, err := wire.DecodeMessage(f)
	if err != nil || dm.HasID {
		fmt.Fprintln(conn, "1")
		return
	}
	if err := dm.ValidateFields(); err != nil {
		log.Printf("coordinator: rejecting token write: %v", err)
		fmt.Fprintln(conn, "1")
		return
	}

	id, code := c.commitWrite(f)
	if code != 0 {
		fmt.Fprintln(conn, "1")
		return
	}
	fmt.Fprintf(conn, "0%s%d\n", wire.Sep, id)
}
