package packets

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteFrame_SingleWrite(t *testing.T) {
	var writes [][]byte
	w := writeRecorder{writes: &writes}

	if err := WriteFrame(w, StratumType, Stratum{Stratum: "caverns"}); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}

	if len(writes) != 1 {
		t.Fatalf("expected header and body in a single write, got %d writes", len(writes))
	}

	var header Header
	if err := binary.Read(bytes.NewReader(writes[0][:HeaderSize]), binary.LittleEndian, &header); err != nil {
		t.Fatalf("error decoding header: %v", err)
	}
	if header.Type != StratumType {
		t.Errorf("expected frame type %#x, got %#x", StratumType, header.Type)
	}
	if int(header.Size) != len(writes[0])-HeaderSize {
		t.Errorf("declared size %d does not match body length %d", header.Size, len(writes[0])-HeaderSize)
	}
}

type writeRecorder struct {
	writes *[][]byte
}

func (w writeRecorder) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	*w.writes = append(*w.writes, buf)
	return len(p), nil
}

func TestReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sent := WorldChunk{Index: 2, Total: 7, Data: strings.Repeat("x", 512)}

	if err := WriteFrame(&buf, WorldChunkType, sent); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}

	frameType, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if frameType != WorldChunkType {
		t.Errorf("expected frame type %#x, got %#x", WorldChunkType, frameType)
	}

	var received WorldChunk
	if err := Decode(body, &received); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if diff := cmp.Diff(sent, received); diff != "" {
		t.Errorf("chunk did not survive the round trip; diff:\n%s", diff)
	}
}

func TestReadFrame_RejectsOversizedDeclaration(t *testing.T) {
	var buf bytes.Buffer
	header := Header{Size: MaxFrameSize + 1, Type: WorldChunkType}
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		t.Fatal(err)
	}

	if _, _, err := ReadFrame(&buf); err == nil {
		t.Error("expected an error for a frame declaring an oversized body")
	}
}

func TestReadFrame_SequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := WriteFrame(&buf, WorldChunkType, WorldChunk{Index: i, Total: 3, Data: "chunk"}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		_, body, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame() error on frame %d: %v", i, err)
		}
		var chunk WorldChunk
		if err := Decode(body, &chunk); err != nil {
			t.Fatal(err)
		}
		if chunk.Index != i {
			t.Errorf("expected chunk index %d, got %d", i, chunk.Index)
		}
	}
}
