package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/conductorone/baton-rsync/pkg/types/keyrange"
)

var (
	ErrMalformed   = errors.New("wire: malformed frame")
	ErrUnknownKind = errors.New("wire: unknown message kind")
)

// Kind is the operation requested by an inbound frame.
type Kind string

const (
	KindChecksumFail Kind = "checksum_fail"
	KindNoData       Kind = "no_data"
)

func (k Kind) Valid() bool {
	switch k {
	case KindChecksumFail, KindNoData:
		return true
	default:
		return false
	}
}

// Frame is a decoded inbound message: "<sessionId> <kind> <jsonPayload>".
type Frame struct {
	SessionID string
	Kind      Kind
	Range     keyrange.Range
	ID        int64
}

type framePayload struct {
	Begin *keyrange.Key `json:"begin"`
	End   *keyrange.Key `json:"end"`
	ID    *int64        `json:"id"`
}

// Decode parses an inbound frame. It has no side effects.
func Decode(data []byte) (Frame, error) {
	sessionID, rest, ok := bytes.Cut(data, []byte{' '})
	if !ok || len(sessionID) == 0 {
		return Frame{}, fmt.Errorf("%w: missing session id", ErrMalformed)
	}

	kind, payload, ok := bytes.Cut(rest, []byte{' '})
	if len(kind) == 0 {
		return Frame{}, fmt.Errorf("%w: missing message kind", ErrMalformed)
	}

	k := Kind(kind)
	if !k.Valid() {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if !ok {
		return Frame{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	}

	var p framePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if p.Begin == nil || p.End == nil || p.ID == nil {
		return Frame{}, fmt.Errorf("%w: payload requires begin, end and id", ErrMalformed)
	}

	return Frame{
		SessionID: string(sessionID),
		Kind:      k,
		Range:     keyrange.New(*p.Begin, *p.End),
		ID:        *p.ID,
	}, nil
}

// Encode renders f back into its text form.
func (f Frame) Encode() ([]byte, error) {
	payload, err := json.Marshal(struct {
		Begin keyrange.Key `json:"begin"`
		End   keyrange.Key `json:"end"`
		ID    int64        `json:"id"`
	}{f.Range.Begin, f.Range.End, f.ID})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(f.SessionID)
	buf.WriteByte(' ')
	buf.WriteString(string(f.Kind))
	buf.WriteByte(' ')
	buf.Write(payload)
	return buf.Bytes(), nil
}
