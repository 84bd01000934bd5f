package wire

import (
	"encoding/json"
	"fmt"

	"github.com/conductorone/baton-rsync/pkg/types/keyrange"
)

// MessageType tags an outbound message.
type MessageType string

const (
	TypeIntegrityClear       MessageType = "integrity_clear"
	TypeIntegrityCheckGlobal MessageType = "integrity_check_global"
	TypeIntegrityCheckLeft   MessageType = "integrity_check_left"
	TypeIntegrityCheckRight  MessageType = "integrity_check_right"
	TypeState                MessageType = "state"
)

// Message is an outbound protocol message. Data is one of the *Data types below.
type Message struct {
	Component string
	Type      MessageType
	Data      any
}

type IntegrityClearData struct {
	ID int64 `json:"id"`
}

type IntegrityCheckData struct {
	Begin    keyrange.Key `json:"begin"`
	Checksum string       `json:"checksum"`
	End      keyrange.Key `json:"end"`
	ID       int64        `json:"id"`
}

type IntegrityCheckLeftData struct {
	Begin    keyrange.Key `json:"begin"`
	Checksum string       `json:"checksum"`
	End      keyrange.Key `json:"end"`
	ID       int64        `json:"id"`
	Tail     keyrange.Key `json:"tail"`
}

type StateData struct {
	Attributes map[string]any `json:"attributes"`
	Index      keyrange.Key   `json:"index"`
	Timestamp  int64          `json:"timestamp"`
}

func IntegrityClear(component string, id int64) Message {
	return Message{Component: component, Type: TypeIntegrityClear, Data: IntegrityClearData{ID: id}}
}

func IntegrityCheckGlobal(component string, r keyrange.Range, checksum string, id int64) Message {
	return Message{
		Component: component,
		Type:      TypeIntegrityCheckGlobal,
		Data:      IntegrityCheckData{Begin: r.Begin, End: r.End, Checksum: checksum, ID: id},
	}
}

func IntegrityCheckLeft(component string, r keyrange.Range, checksum string, id int64, tail keyrange.Key) Message {
	return Message{
		Component: component,
		Type:      TypeIntegrityCheckLeft,
		Data:      IntegrityCheckLeftData{Begin: r.Begin, End: r.End, Checksum: checksum, ID: id, Tail: tail},
	}
}

func IntegrityCheckRight(component string, r keyrange.Range, checksum string, id int64) Message {
	return Message{
		Component: component,
		Type:      TypeIntegrityCheckRight,
		Data:      IntegrityCheckData{Begin: r.Begin, End: r.End, Checksum: checksum, ID: id},
	}
}

func State(component string, index keyrange.Key, attributes map[string]any, timestamp int64) Message {
	return Message{
		Component: component,
		Type:      TypeState,
		Data:      StateData{Attributes: attributes, Index: index, Timestamp: timestamp},
	}
}

type envelope struct {
	Component string      `json:"component"`
	Data      any         `json:"data"`
	Type      MessageType `json:"type"`
}

// Encode renders m as {"component":...,"data":{...},"type":...}.
func Encode(m Message) ([]byte, error) {
	if m.Data == nil {
		return nil, fmt.Errorf("wire: %s message without data", m.Type)
	}
	b, err := json.Marshal(envelope{Component: m.Component, Data: m.Data, Type: m.Type})
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.Type, err)
	}
	return b, nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	return Encode(m)
}
