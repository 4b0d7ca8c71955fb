// Package replica implements a bulletin-board server process: the
// local message store, the client-facing listener, and the
// coordinator-facing listener that applies propagated updates, answers
// version queries, and performs replica-to-replica transfers.
package replica

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mini-dynamo/bboard/internal/board"
	"github.com/mini-dynamo/bboard/internal/config"
	"github.com/mini-dynamo/bboard/internal/netutil"
	"github.com/mini-dynamo/bboard/internal/policy"
	"github.com/mini-dynamo/bboard/internal/wire"
	"github.com/mini-dynamo/bboard/pkg/types"
)

const (
	connQueueCap = 10
	workerCount  = 5

	registerAttempts   = 20
	registerRetryDelay = 250 * time.Millisecond
)

// Replica hosts one copy of the bulletin board. Each listener has its
// own bounded queue and fixed worker pool: client work can block on
// coordinator dialogs that loop back to this process's replication
// listener, so the two kinds of traffic must not share workers.
type Replica struct {
	cfg    *config.Config
	store  *board.Store
	dialer *netutil.Dialer

	id  int
	pol policy.Policy

	clientLn net.Listener
	replLn   net.Listener
	clientQ  chan net.Conn
	replQ    chan net.Conn
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a replica around cfg. Call Start to bind listeners and
// register with the coordinator.
func New(cfg *config.Config, d *netutil.Dialer) *Replica {
	return &Replica{
		cfg:     cfg,
		store:   board.New(),
		dialer:  d,
		clientQ: make(chan net.Conn, connQueueCap),
		replQ:   make(chan net.Conn, connQueueCap),
		stopCh:  make(chan struct{}),
	}
}

// Start binds both listeners, registers with the coordinator (which
// assigns this replica's id and dictates its policy), and launches the
// acceptors and worker pools.
func (r *Replica) Start() error {
	clientLn, err := net.Listen("tcp", r.cfg.ClientAddr())
	if err != nil {
		return fmt.Errorf("replica: listen client %s: %w", r.cfg.ClientAddr(), err)
	}
	replLn, err := net.Listen("tcp", r.cfg.ReplicationListenAddr())
	if err != nil {
		clientLn.Close()
		return fmt.Errorf("replica: listen replication %s: %w", r.cfg.ReplicationListenAddr(), err)
	}
	r.clientLn, r.replLn = clientLn, replLn

	if err := r.register(); err != nil {
		clientLn.Close()
		replLn.Close()
		return err
	}

	for i := 0; i < workerCount; i++ {
		r.wg.Add(2)
		go r.worker(r.clientQ, r.serveClient)
		go r.worker(r.replQ, r.serveReplication)
	}
	r.wg.Add(2)
	go r.acceptLoop(r.clientLn, r.clientQ)
	go r.acceptLoop(r.replLn, r.replQ)

	log.Printf("replica %d: clients on %s, replication on %s",
		r.id, clientLn.Addr(), replLn.Addr())
	return nil
}

// Stop closes both listeners and waits for workers to drain.
func (r *Replica) Stop() {
	close(r.stopCh)
	if r.clientLn != nil {
		r.clientLn.Close()
	}
	if r.replLn != nil {
		r.replLn.Close()
	}
	r.wg.Wait()
}

// register dials the coordinator, advertises this replica's
// replication port, and adopts the policy tag and replica id from the
// reply. The coordinator's tag is authoritative — the replica builds
// its policy only from that tag; the Policy in its own config is not
// consulted.
func (r *Replica) register() error {
	_, portStr, err := net.SplitHostPort(r.replLn.Addr().String())
	if err != nil {
		return fmt.Errorf("replica: own replication address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("replica: own replication port: %w", err)
	}
	frame := wire.EncodeRegister(port)
	coordAddr := r.cfg.CoordinatorDialAddr()

	var lastErr error
	for attempt := 0; attempt < registerAttempts; attempt++ {
		reply, err := r.dialer.Exchange(coordAddr, frame)
		if err != nil {
			lastErr = err
			time.Sleep(registerRetryDelay)
			continue
		}
		parts := strings.Split(reply, wire.Sep)
		if len(parts) != 2 {
			return fmt.Errorf("replica: bad registration reply %q", reply)
		}
		tag, ok := types.ParsePolicy(parts[0])
		if !ok {
			log.Printf("replica: coordinator advertised unknown policy %q, defaulting to sequential", parts[0])
		}
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("replica: bad replica id in registration reply %q", reply)
		}
		r.id = id
		r.pol = policy.New(tag, policy.Deps{
			Store:     r.store,
			Dialer:    r.dialer,
			CoordAddr: coordAddr,
			SelfID:    id,
		})
		log.Printf("replica %d: registered with %s, policy %s", id, coordAddr, tag)
		return nil
	}
	return fmt.Errorf("replica: register with %s: %w", coordAddr, lastErr)
}

func (r *Replica) acceptLoop(ln net.Listener, queue chan net.Conn) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
			default:
				log.Printf("replica %d: accept: %v", r.id, err)
			}
			return
		}
		select {
		case queue <- conn:
		case <-r.stopCh:
			conn.Close()
			return
		}
	}
}

func (r *Replica) worker(queue chan net.Conn, serve func(net.Conn)) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case conn := <-queue:
			serve(conn)
		}
	}
}

// ID returns the id the coordinator assigned at registration.
func (r *Replica) ID() int { return r.id }

// Policy returns the consistency policy adopted from the coordinator.
func (r *Replica) Policy() types.Policy { return r.pol.Name() }

// Store exposes the local message store for the status surface and
// tests.
func (r *Replica) Store() *board.Store { return r.store }

// ClientAddr returns the bound client-facing address, useful when the
// configured port was 0.
func (r *Replica) ClientAddr() string { return r.clientLn.Addr().String() }

// ReplicationAddr returns the bound coordinator-facing address.
func (r *Replica) ReplicationAddr() string { return r.replLn.Addr().String() }
