package socket

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
)

// AckType is the packet type the remote uses to answer a packet that carried an AckID.
const AckType = "ack"

// Packet is the envelope of every frame exchanged with the remote.
type Packet struct {
	Type string `json:"type"`
	// Payload is decoded into a specific type by the handler registered for Type.
	Payload json.RawMessage `json:"payload,omitempty"`
	// AckID is non-zero when the sender expects an ack packet carrying the same id.
	AckID int64 `json:"ack_id,omitempty"`
}

// NewPacket marshals payload into a packet of the given type.
func NewPacket(t string, payload any) (*Packet, error) {
	p := &Packet{Type: t}
	if payload == nil {
		return p, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		p.Payload = raw
		return p, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	p.Payload = b
	return p, nil
}

// DecodePacket reads a single packet from a websocket text frame.
func DecodePacket(t int, r io.Reader) (*Packet, error) {
	if t != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected message type: %d", t)
	}

	var packet Packet
	if err := json.NewDecoder(r).Decode(&packet); err != nil {
		return nil, fmt.Errorf("json.Decoder.Decode: %w", err)
	}
	return &packet, nil
}

// EncodePacket writes packet as a single text frame using the writer returned by f.
func EncodePacket(f func(t int) (io.WriteCloser, error), packet *Packet) error {
	w, err := f(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("NextWriter: %w", err)
	}
	defer w.Close()

	if err := json.NewEncoder(w).Encode(packet); err != nil {
		return fmt.Errorf("json.Encoder.Encode: %w", err)
	}

	return nil
}
