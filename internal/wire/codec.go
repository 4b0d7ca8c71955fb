// Package wire implements the line-delimited, "::"-field-separated
// frame format used on both the client-facing and the
// replica<->coordinator TCP connections. Every frame is exactly one
// line, terminated by "\n"; callers read with a bufio.Scanner/Reader
// and write with a trailing newline.
//
// The codec is a literal wire contract, not a style choice, so it is
// hand-rolled over net/bufio rather than built on a serialization
// library — see DESIGN.md.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mini-dynamo/bboard/pkg/types"
)

// Sep is the field separator used throughout the wire protocol.
const Sep = "::"

// Tags for every frame shape the protocol defines.
const (
	TagPost         = "POST"
	TagReply        = "REPLY"
	TagRead         = "READ"
	TagChoose       = "CHOOSE"
	TagRegister     = "REGISTER"
	TagPolicy       = "POLICY"
	TagVersionQuery = "VERSION_QUERY"
	TagCheck        = "CHECK"
	TagQuorumRead   = "QUORUM_READ"
	TagAcquireLock  = "ACQUIRE_LOCK"
	TagGrantLock    = "GRANT_LOCK"
	TagUnlock       = "UNLOCK"
	TagTransfer     = "SERVER_TO_SERVER_TRANSFER"
	TagSendUpdates  = "SEND_UPDATES"
)

// ReplyOK / ReplyWait are the two non-numeric reply bodies the
// protocol uses outside of success codes and versions.
const (
	ReplyOK   = "OK"
	ReplyWait = "WAIT"
)

var (
	// ErrMalformed means the line had no tag at all.
	ErrMalformed = errors.New("wire: malformed frame")
	// ErrUnknownTag means the leading tag isn't one the codec knows.
	ErrUnknownTag = errors.New("wire: unknown tag")
	// ErrFieldCount means the tag is known but the field count doesn't match.
	ErrFieldCount = errors.New("wire: field count mismatch")
	// ErrForbiddenChar means a title/author/body contains the separator or a newline.
	ErrForbiddenChar = errors.New("wire: field contains forbidden separator or newline")
)

// fieldCounts lists, per tag, every field count (after the tag) the
// protocol accepts. POST and REPLY accept two shapes: the bare client
// request (no id) and the stamped record (id appended).
var fieldCounts = map[string][]int{
	TagPost:         {3, 4},
	TagReply:        {4, 5},
	TagRead:         {1},
	TagChoose:       {1},
	TagRegister:     {1},
	TagPolicy:       {0},
	TagVersionQuery: {0},
	TagCheck:        {2},
	TagQuorumRead:   {1},
	TagAcquireLock:  {0},
	TagGrantLock:    {0},
	TagUnlock:       {0},
	TagTransfer:     {2},
	TagSendUpdates:  {1},
}

// Frame is a parsed, not-yet-interpreted wire line: a tag plus its
// trailing fields.
type Frame struct {
	Tag    string
	Fields []string
}

// Parse splits a raw line (newline already stripped by the reader,
// but a trailing \r is tolerated) into a Frame and validates its
// field count against the leading tag.
func Parse(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, Sep)
	if len(parts) == 0 || parts[0] == "" {
		return Frame{}, ErrMalformed
	}
	f := Frame{Tag: parts[0], Fields: parts[1:]}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the frame's field count against its tag. Unknown
// tags and tags with mismatched arity are rejected here so callers
// never have to defensively re-check len(Fields).
func (f Frame) Validate() error {
	counts, ok := fieldCounts[f.Tag]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTag, f.Tag)
	}
	for _, c := range counts {
		if len(f.Fields) == c {
			return nil
		}
	}
	return fmt.Errorf("%w: tag %q expects %v fields, got %d", ErrFieldCount, f.Tag, counts, len(f.Fields))
}

// String re-serializes a Frame to its wire form (no trailing newline;
// callers append one when writing to a connection).
func (f Frame) String() string {
	if len(f.Fields) == 0 {
		return f.Tag
	}
	return f.Tag + Sep + strings.Join(f.Fields, Sep)
}

// ValidateField rejects a title/author/body that would corrupt the
// frame boundaries it is embedded in.
func ValidateField(s string) error {
	if strings.Contains(s, Sep) || strings.ContainsAny(s, "\r\n") {
		return ErrForbiddenChar
	}
	return nil
}

// --- Encoding ---

// EncodePostRequest builds the client-facing POST request frame
// (no id — the receiving side assigns one).
func EncodePostRequest(title, author, body string) string {
	return Frame{Tag: TagPost, Fields: []string{title, author, body}}.String()
}

// EncodeReplyRequest builds the client-facing REPLY request frame.
func EncodeReplyRequest(parentID int, title, author, body string) string {
	return Frame{Tag: TagReply, Fields: []string{strconv.Itoa(parentID), title, author, body}}.String()
}

// EncodeMessage serializes a stored message (id always present) —
// used for READ/CHOOSE responses, coordinator fan-out, and
// replica-to-replica transfer.
func EncodeMessage(m *types.Message) string {
	switch m.Kind {
	case types.KindReply:
		return Frame{Tag: TagReply, Fields: []string{
			strconv.Itoa(m.ParentID), m.Title, m.Author, m.Body, strconv.Itoa(m.ID),
		}}.String()
	default:
		return Frame{Tag: TagPost, Fields: []string{
			m.Title, m.Author, m.Body, strconv.Itoa(m.ID),
		}}.String()
	}
}

func EncodeRead(page int) string       { return Frame{Tag: TagRead, Fields: []string{strconv.Itoa(page)}}.String() }
func EncodeChoose(id int) string       { return Frame{Tag: TagChoose, Fields: []string{strconv.Itoa(id)}}.String() }
func EncodeRegister(port int) string   { return Frame{Tag: TagRegister, Fields: []string{strconv.Itoa(port)}}.String() }
func EncodePolicy() string             { return Frame{Tag: TagPolicy}.String() }
func EncodeVersionQuery() string       { return Frame{Tag: TagVersionQuery}.String() }
// EncodeCheck builds the RYW read precondition frame. It carries the
// checker's replica id alongside its version so the coordinator can
// push missing updates to the checker before answering OK.
func EncodeCheck(replicaID, version int) string {
	return Frame{Tag: TagCheck, Fields: []string{strconv.Itoa(replicaID), strconv.Itoa(version)}}.String()
}
func EncodeQuorumRead(replicaID int) string {
	return Frame{Tag: TagQuorumRead, Fields: []string{strconv.Itoa(replicaID)}}.String()
}
func EncodeAcquireLock() string { return Frame{Tag: TagAcquireLock}.String() }
func EncodeGrantLock() string   { return Frame{Tag: TagGrantLock}.String() }
func EncodeUnlock() string      { return Frame{Tag: TagUnlock}.String() }
func EncodeTransfer(destIP string, destPort int) string {
	return Frame{Tag: TagTransfer, Fields: []string{destIP, strconv.Itoa(destPort)}}.String()
}
func EncodeSendUpdates(startID int) string {
	return Frame{Tag: TagSendUpdates, Fields: []string{strconv.Itoa(startID)}}.String()
}

// --- Decoding ---

// DecodedMessage is a tag-agnostic view over a parsed POST/REPLY
// frame, covering both the bare client request and the stamped form.
type DecodedMessage struct {
	Kind     types.Kind
	Title    string
	Author   string
	Body     string
	ParentID int
	ID       int
	HasID    bool
}

// ValidateFields rejects a decoded message whose free-text fields
// contain the separator or a newline. Every write path runs this
// before a frame is forwarded or stamped. On a frame produced by Parse
// it can only catch an embedded "\r": Parse has already split on
// every "::", so a field with an embedded separator shows up as extra
// fields instead, and such a frame fails the arity check or looks
// stamped (rejected by the callers' HasID check or by DecodeMessage's
// id parse).
func (dm DecodedMessage) ValidateFields() error {
	for _, s := range []string{dm.Title, dm.Author, dm.Body} {
		if err := ValidateField(s); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMessage interprets a Frame tagged POST or REPLY. It returns
// ErrUnknownTag for anything else.
func DecodeMessage(f Frame) (DecodedMessage, error) {
	switch f.Tag {
	case TagPost:
		dm := DecodedMessage{Kind: types.KindPost, Title: f.Fields[0], Author: f.Fields[1], Body: f.Fields[2]}
		if len(f.Fields) == 4 {
			id, err := strconv.Atoi(f.Fields[3])
			if err != nil {
				return DecodedMessage{}, fmt.Errorf("wire: bad id in POST frame: %w", err)
			}
			dm.ID, dm.HasID = id, true
		}
		return dm, nil
	case TagReply:
		parentID, err := strconv.Atoi(f.Fields[0])
		if err != nil {
			return DecodedMessage{}, fmt.Errorf("wire: bad parent_id in REPLY frame: %w", err)
		}
		dm := DecodedMessage{
			Kind: types.KindReply, ParentID: parentID,
			Title: f.Fields[1], Author: f.Fields[2], Body: f.Fields[3],
		}
		if len(f.Fields) == 5 {
			id, err := strconv.Atoi(f.Fields[4])
			if err != nil {
				return DecodedMessage{}, fmt.Errorf("wire: bad id in REPLY frame: %w", err)
			}
			dm.ID, dm.HasID = id, true
		}
		return dm, nil
	default:
		return DecodedMessage{}, fmt.Errorf("%w: %q", ErrUnknownTag, f.Tag)
	}
}

// DecodeInt parses a single-field frame's lone integer (used for
// READ, CHOOSE, REGISTER, QUORUM_READ, SEND_UPDATES).
func DecodeInt(f Frame) (int, error) {
	if len(f.Fields) != 1 {
		return 0, fmt.Errorf("%w: expected exactly one integer field", ErrFieldCount)
	}
	return strconv.Atoi(f.Fields[0])
}

// DecodeTransfer splits a SERVER_TO_SERVER_TRANSFER frame's fields.
func DecodeTransfer(f Frame) (ip string, port int, err error) {
	if len(f.Fields) != 2 {
		return "", 0, fmt.Errorf("%w: transfer frame expects ip and port", ErrFieldCount)
	}
	port, err = strconv.Atoi(f.Fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("wire: bad port in transfer frame: %w", err)
	}
	return f.Fields[0], port, nil
}
