// Package packets defines the framing for the direct-connect side channel.
// Each frame is a fixed little-endian header followed by a JSON body. Only
// the protocol semantics matter (ordering, chunking, idempotence); the
// engine's own replication format is never reproduced here.
package packets

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// HeaderSize is the length in bytes of the frame header.
const HeaderSize = 8

// MaxFrameSize bounds how much a single frame may carry. Well above the
// configured chunk size plus JSON overhead; a frame larger than this is a
// protocol violation, not a bigger chunk.
const MaxFrameSize = 1 << 20

// Frame types.
const (
	// Hello is sent by the server immediately after accepting a connection.
	HelloType uint16 = 0x01
	// AuthRequest is sent by a client asking to be admitted.
	AuthRequestType uint16 = 0x02
	// AuthSuccess tells the peer its connection has been authenticated.
	AuthSuccessType uint16 = 0x03
	// Identify carries the peer's chosen display name.
	IdentifyType uint16 = 0x04

	// Stratum orients the client before the bulk payload arrives.
	StratumType uint16 = 0x10
	// WorldChunk carries one slice of the cached session state.
	WorldChunkType uint16 = 0x11
)

// Header precedes every frame body on the wire.
type Header struct {
	// Size of the JSON body in bytes, excluding the header itself.
	Size  uint32
	Type  uint16
	Flags uint16
}

type Hello struct {
	ServerName string `json:"serverName"`
	MaxPlayers int    `json:"maxPlayers"`
}

type AuthRequest struct {
	DisplayName string `json:"displayName"`
}

type AuthSuccess struct {
	ConnectionID string `json:"connectionId"`
	Message      string `json:"message"`
}

type Identify struct {
	DisplayName string `json:"displayName"`
}

type Stratum struct {
	Stratum string `json:"stratum"`
}

type WorldChunk struct {
	Index int    `json:"index"`
	Total int    `json:"total"`
	Data  string `json:"data"`
}

// WriteFrame encodes body and writes header plus body as a single write, so
// frames are never interleaved even when the writer is shared.
func WriteFrame(w io.Writer, frameType uint16, body interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding frame body: %w", err)
	}
	if len(encoded) > MaxFrameSize {
		return fmt.Errorf("frame body of %d bytes exceeds limit", len(encoded))
	}

	frame := new(bytes.Buffer)
	header := Header{Size: uint32(len(encoded)), Type: frameType}
	if err := binary.Write(frame, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("encoding frame header: %w", err)
	}
	frame.Write(encoded)

	if _, err := w.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame is a blocking call that returns the next frame's type and raw
// body.
func ReadFrame(r io.Reader) (uint16, []byte, error) {
	headerBytes := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return 0, nil, err
	}

	var header Header
	if err := binary.Read(bytes.NewReader(headerBytes), binary.LittleEndian, &header); err != nil {
		return 0, nil, fmt.Errorf("decoding frame header: %w", err)
	}
	if header.Size > MaxFrameSize {
		return 0, nil, fmt.Errorf("declared frame size %d exceeds limit", header.Size)
	}

	body := make([]byte, header.Size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return header.Type, body, nil
}

// Decode unmarshals a frame body previously returned by ReadFrame.
func Decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding frame body: %w", err)
	}
	return nil
}
