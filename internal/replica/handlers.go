package replica

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/mini-dynamo/bboard/internal/wire"
	"github.com/mini-dynamo/bboard/pkg/types"
)

// serveClient handles one client request per connection: POST, REPLY,
// READ, or CHOOSE, each routed through the active policy. The
// connection closes after the reply in every case.
func (r *Replica) serveClient(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	f, err := wire.Parse(line)
	if err != nil {
		// Invalid commands get a failure code, then a clean close.
		log.Printf("replica %d: bad client frame: %v", r.id, err)
		fmt.Fprintln(conn, "1")
		return
	}

	switch f.Tag {
	case wire.TagPost, wire.TagReply:
		dm, err := wire.DecodeMessage(f)
		if err != nil || dm.HasID {
			// Clients never send ids; a stamped frame here is bogus.
			fmt.Fprintln(conn, "1")
			return
		}
		if err := dm.ValidateFields(); err != nil {
			log.Printf("replica %d: rejecting write: %v", r.id, err)
			fmt.Fprintln(conn, "1")
			return
		}
		fmt.Fprintln(conn, r.pol.Post(f))

	case wire.TagRead:
		page, err := wire.DecodeInt(f)
		var msgs []*types.Message
		if err == nil && page >= 0 {
			msgs, err = r.pol.Read(page)
			if err != nil {
				log.Printf("replica %d: read precondition failed: %v", r.id, err)
				msgs = nil
			}
		}
		w := bufio.NewWriter(conn)
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\n", wire.EncodeMessage(m))
		}
		fmt.Fprint(w, "\n")
		w.Flush()

	case wire.TagChoose:
		id, err := wire.DecodeInt(f)
		if err == nil {
			if m, cerr := r.pol.Choose(id); cerr == nil {
				fmt.Fprintf(conn, "%s\n", wire.EncodeMessage(m))
				return
			}
		}
		fmt.Fprintf(conn, "Does not exist: no message with id %s\n", f.Fields[0])

	default:
		log.Printf("replica %d: unexpected client frame %q", r.id, f.Tag)
		fmt.Fprintln(conn, "1")
	}
}

// serveReplication handles one coordinator- or peer-originated
// exchange: an update stream to apply, a version query, an update pull
// for the sync loop, or a transfer order.
func (r *Replica) serveReplication(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return
	}
	if strings.TrimRight(line, "\r\n") == "" {
		// An empty push (source had nothing to send) still gets its ack.
		fmt.Fprintln(conn, wire.ReplyOK)
		return
	}
	f, err := wire.Parse(line)
	if err != nil {
		log.Printf("replica %d: dropping replication connection: %v", r.id, err)
		return
	}

	switch f.Tag {
	case wire.TagPost, wire.TagReply:
		// Fan-out, transfer push, or sync broadcast: a stream of
		// stamped message frames terminated by a blank line.
		if err := r.applyStream(f, br); err != nil {
			log.Printf("replica %d: apply update: %v", r.id, err)
			fmt.Fprintln(conn, "1")
			return
		}
		fmt.Fprintln(conn, wire.ReplyOK)

	case wire.TagVersionQuery:
		fmt.Fprintf(conn, "%d\n", r.store.Version())

	case wire.TagSendUpdates:
		start, err := wire.DecodeInt(f)
		w := bufio.NewWriter(conn)
		if err == nil {
			for _, m := range r.store.RangeFrom(start) {
				fmt.Fprintf(w, "%s\n", wire.EncodeMessage(m))
			}
		}
		fmt.Fprint(w, "\n")
		w.Flush()

	case wire.TagTransfer:
		host, port, err := wire.DecodeTransfer(f)
		if err != nil {
			fmt.Fprintln(conn, "1")
			return
		}
		dest := net.JoinHostPort(host, strconv.Itoa(port))
		if err := r.pushRange(dest); err != nil {
			log.Printf("replica %d: transfer to %s: %v", r.id, dest, err)
			fmt.Fprintln(conn, "1")
			return
		}
		fmt.Fprintln(conn, wire.ReplyOK)

	default:
		log.Printf("replica %d: unexpected replication frame %q", r.id, f.Tag)
	}
}

// applyStream applies the first already-parsed frame, then keeps
// reading stamped frames until the blank-line terminator or EOF.
// Later lines are still applied after an earlier one fails — a sync
// broadcast must not lose the rest of its batch to one reply whose
// parent this replica happens to be missing — but the first error is
// reported so the sender sees the stream did not land cleanly.
func (r *Replica) applyStream(first wire.Frame, br *bufio.Reader) error {
	firstErr := r.apply(first)
	for {
		line, err := br.ReadString('\n')
		if strings.TrimRight(line, "\r\n") == "" {
			return firstErr
		}
		f, perr := wire.Parse(line)
		if perr != nil {
			return perr
		}
		if f.Tag != wire.TagPost && f.Tag != wire.TagReply {
			return fmt.Errorf("replica: unexpected %q inside update stream", f.Tag)
		}
		if aerr := r.apply(f); aerr != nil && firstErr == nil {
			firstErr = aerr
		}
		if err != nil {
			return firstErr // EOF after a complete final line
		}
	}
}

// apply inserts one stamped update into the local store. Updates
// already present are skipped, which makes fan-out, transfer, and the
// sync broadcast all idempotent.
func (r *Replica) apply(f wire.Frame) error {
	dm, err := wire.DecodeMessage(f)
	if err != nil {
		return err
	}
	if !dm.HasID {
		return fmt.Errorf("replica: update frame carries no id: %s", f.String())
	}
	if r.store.Has(dm.ID) {
		return nil
	}
	return r.store.Insert(&types.Message{
		ID:       dm.ID,
		Kind:     dm.Kind,
		Title:    dm.Title,
		Author:   dm.Author,
		Body:     dm.Body,
		ParentID: dm.ParentID,
	})
}

// pushRange streams this replica's full store to dest's replication
// listener and waits for its OK. This is the replica-to-replica leg of
// the coordinator's quorum-read and check-push protocols.
func (r *Replica) pushRange(dest string) error {
	msgs := r.store.RangeFrom(1)
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = wire.EncodeMessage(m)
	}
	reply, err := r.dialer.ExchangeLines(dest, "", lines)
	if err != nil {
		return err
	}
	if reply != wire.ReplyOK {
		return fmt.Errorf("destination replied %s", reply)
	}
	return nil
}
