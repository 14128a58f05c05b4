package highway

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

var errBadMessage = errors.New("highway: malformed message")

// MessageKind tags a gossip message.
type MessageKind uint8

const (
	// MsgNewVertex carries a vertex to be added to the receiver's state.
	MsgNewVertex MessageKind = iota
	// MsgRequestDependency asks the receiver for a missing dependency.
	MsgRequestDependency
	// MsgLatestStateRequest carries the sender's panorama and asks the
	// receiver for everything it is missing.
	MsgLatestStateRequest
)

// Message is the gossip envelope exchanged between era peers. The
// encoding is canonical RLP: byte-identical between peers of the same
// era.
type Message struct {
	Kind       MessageKind
	Vertex     *Vertex     `rlp:"nil"`
	Dependency *Dependency `rlp:"nil"`
	Panorama   Panorama
}

// Encode serializes the message.
func (m *Message) Encode() []byte {
	enc, err := rlp.EncodeToBytes(m)
	if err != nil {
		panic("message encoding failed: " + err.Error())
	}
	return enc
}

// DecodeMessage parses a gossip message and checks that the payload
// matching its kind is present.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := rlp.DecodeBytes(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	switch m.Kind {
	case MsgNewVertex:
		if m.Vertex == nil {
			return nil, errBadMessage
		}
		if err := checkVertexShape(m.Vertex); err != nil {
			return nil, err
		}
	case MsgRequestDependency:
		if m.Dependency == nil {
			return nil, errBadMessage
		}
	case MsgLatestStateRequest:
		// An empty panorama is valid: it requests the full state.
	default:
		return nil, errBadMessage
	}
	return &m, nil
}

// checkVertexShape verifies that exactly the payload named by the kind
// is present.
func checkVertexShape(v *Vertex) error {
	switch v.Kind {
	case VertexUnit:
		if v.Unit == nil {
			return errBadMessage
		}
	case VertexEvidence:
		if v.Evidence == nil {
			return errBadMessage
		}
	case VertexEndorsement:
		if v.Endorsement == nil {
			return errBadMessage
		}
	case VertexPing:
		if v.Ping == nil {
			return errBadMessage
		}
	default:
		return errBadMessage
	}
	return nil
}
