package session

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Blob is the serialized world state loaded from a save file. The first line
// of the file is a lightweight structured header carrying the stratum; the
// remainder is the opaque payload. A Blob is immutable after creation and is
// the only reliable source for client state transfer: the engine's own
// re-serialization path does not function headless.
type Blob struct {
	// Stratum classifies which world sub-layer a joining player should
	// initially observe.
	Stratum string
	Payload string
}

// ReadBlob loads and splits a save file into its stratum header and payload.
func ReadBlob(path string) (*Blob, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading save file: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("save file is empty")
	}

	contents := string(raw)
	stratum, payload, found := strings.Cut(contents, "\n")
	if !found || payload == "" {
		return nil, fmt.Errorf("save file %s has no payload after the stratum header", path)
	}

	return &Blob{
		Stratum: strings.TrimSpace(stratum),
		Payload: payload,
	}, nil
}
