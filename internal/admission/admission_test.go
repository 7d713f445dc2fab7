package admission

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus"

	"github.com/veilbreak/headless/internal/capability"
	"github.com/veilbreak/headless/internal/core"
	"github.com/veilbreak/headless/internal/events"
	"github.com/veilbreak/headless/internal/hostengine"
	"github.com/veilbreak/headless/internal/packets"
	"github.com/veilbreak/headless/internal/session"
)

type sentFrame struct {
	frameType uint16
	body      interface{}
}

type fakeSender struct {
	id     string
	addr   string
	frames []sentFrame

	// Fail writes after this many successful sends; -1 never fails.
	failAfter int
	closed    bool
}

func newFakeSender(id string) *fakeSender {
	return &fakeSender{id: id, addr: "198.51.100.9:52000", failAfter: -1}
}

func (s *fakeSender) ID() string      { return s.id }
func (s *fakeSender) Address() string { return s.addr }
func (s *fakeSender) Close() error    { s.closed = true; return nil }

func (s *fakeSender) SendFrame(frameType uint16, body interface{}) error {
	if s.failAfter >= 0 && len(s.frames) >= s.failAfter {
		return errors.New("connection reset by peer")
	}
	s.frames = append(s.frames, sentFrame{frameType: frameType, body: body})
	return nil
}

func (s *fakeSender) framesOfType(frameType uint16) []sentFrame {
	var matched []sentFrame
	for _, frame := range s.frames {
		if frame.frameType == frameType {
			matched = append(matched, frame)
		}
	}
	return matched
}

type allowAll struct{}

func (allowAll) Accept(connectionID, address string) error { return nil }

type denyAll struct{}

func (denyAll) Accept(connectionID, address string) error {
	return errors.New("not on the allowlist")
}

func testConfig(t *testing.T) *core.Config {
	t.Helper()

	cfg := &core.Config{MaxPlayers: 8}
	cfg.Events.LogPath = filepath.Join(t.TempDir(), "events.log")
	cfg.Transfer.ChunkSize = 10
	cfg.Transfer.BeginDelaySeconds = 0
	cfg.Admission.AuthFallbackDelaySeconds = 0
	cfg.Admission.AuthForceTimeoutSeconds = 5
	return cfg
}

func setUp(t *testing.T, cfg *core.Config, blob *session.Blob) (*Admitter, *hostengine.Engine) {
	t.Helper()

	sink, err := events.NewSink(cfg, logrus.New())
	if err != nil {
		t.Fatalf("error creating sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	engine := hostengine.New()
	caps := capability.NewService(engine, logrus.New())
	admitter := NewAdmitter(cfg, logrus.New(), sink, caps, func() *session.Blob { return blob })
	return admitter, engine
}

func networkController(t *testing.T, engine *hostengine.Engine) *hostengine.NetworkController {
	t.Helper()

	for _, module := range engine.Modules() {
		if object, ok := module.Lookup("NetworkController"); ok {
			return object.(*hostengine.NetworkController)
		}
	}
	t.Fatal("engine has no NetworkController")
	return nil
}

func readEvents(t *testing.T, cfg *core.Config) []map[string]string {
	t.Helper()

	f, err := os.Open(cfg.Events.LogPath)
	if err != nil {
		t.Fatalf("error opening event log: %v", err)
	}
	defer f.Close()

	var lines []map[string]string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := make(map[string]string)
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("invalid event line: %v", err)
		}
		lines = append(lines, line)
	}
	return lines
}

// admitFully ticks until the connection completes its transfer or the tick
// budget runs out.
func admitFully(t *testing.T, admitter *Admitter, start time.Time) time.Time {
	t.Helper()

	now := start
	for i := 0; i < 10; i++ {
		admitter.Tick(now)
		now = now.Add(time.Second)
	}
	return now
}

func TestAdmitter_FullAdmissionSequence(t *testing.T) {
	cfg := testConfig(t)
	blob := &session.Blob{Stratum: "stratum-2", Payload: strings.Repeat("a", 35)}
	admitter, _ := setUp(t, cfg, blob)

	sender := newFakeSender("conn-1")
	start := time.Now()
	admitter.HandleConnect(sender, start)
	admitFully(t, admitter, start)

	snapshots := admitter.Snapshots()
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(snapshots))
	}
	if snapshots[0].State != TransferComplete.String() {
		t.Fatalf("expected transfer_complete, got %s", snapshots[0].State)
	}

	// The wire sequence must be hello, auth success, stratum, then chunks.
	if sender.frames[0].frameType != packets.HelloType {
		t.Errorf("expected first frame hello, got %#x", sender.frames[0].frameType)
	}
	if len(sender.framesOfType(packets.AuthSuccessType)) != 1 {
		t.Error("expected exactly one auth success frame")
	}

	strata := sender.framesOfType(packets.StratumType)
	if len(strata) != 1 {
		t.Fatalf("expected exactly one stratum frame, got %d", len(strata))
	}
	if stratum := strata[0].body.(packets.Stratum); stratum.Stratum != "stratum-2" {
		t.Errorf("expected stratum-2, got %q", stratum.Stratum)
	}

	chunks := sender.framesOfType(packets.WorldChunkType)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks for a 35 byte payload at size 10, got %d", len(chunks))
	}
	var rebuilt strings.Builder
	for i, frame := range chunks {
		chunk := frame.body.(packets.WorldChunk)
		if chunk.Index != i {
			t.Errorf("chunk %d has index %d; indices must be strictly increasing with no gaps", i, chunk.Index)
		}
		if chunk.Total != 4 {
			t.Errorf("chunk %d declares total %d, want 4", i, chunk.Total)
		}
		rebuilt.WriteString(chunk.Data)
	}
	if rebuilt.String() != blob.Payload {
		t.Error("concatenated chunks do not reproduce the payload")
	}
}

func TestAdmitter_TransferHappensAtMostOnce(t *testing.T) {
	cfg := testConfig(t)
	blob := &session.Blob{Stratum: "s", Payload: "payload-bytes"}
	admitter, _ := setUp(t, cfg, blob)

	sender := newFakeSender("conn-1")
	start := time.Now()
	admitter.HandleConnect(sender, start)
	now := admitFully(t, admitter, start)

	sent := len(sender.frames)
	// Many more polls: a completed connection must be skipped, not re-sent.
	for i := 0; i < 20; i++ {
		admitter.Tick(now.Add(time.Duration(i) * time.Second))
	}
	if len(sender.frames) != sent {
		t.Errorf("expected no further frames after transfer completion; got %d new",
			len(sender.frames)-sent)
	}
}

func TestAdmitter_StateNeverSkipsAdmissionSteps(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admission.AuthFallbackDelaySeconds = 2
	blob := &session.Blob{Stratum: "s", Payload: "data"}
	admitter, _ := setUp(t, cfg, blob)

	sender := newFakeSender("conn-1")
	start := time.Now()
	admitter.HandleConnect(sender, start)

	states := []string{admitter.Snapshots()[0].State}
	now := start
	for i := 0; i < 8; i++ {
		admitter.Tick(now)
		now = now.Add(time.Second)
		states = append(states, admitter.Snapshots()[0].State)
	}

	// Transfer frames must never appear before authentication completed.
	sawAuth := false
	for _, frame := range sender.frames {
		if frame.frameType == packets.AuthSuccessType {
			sawAuth = true
		}
		if (frame.frameType == packets.StratumType || frame.frameType == packets.WorldChunkType) && !sawAuth {
			t.Fatal("transfer frame sent before authentication")
		}
	}

	// And the state sequence itself must be ordered, with no skips. The
	// transfer runs inside a single tick, so player_spawned may advance
	// straight to transfer_complete between snapshots.
	order := map[string]int{
		Connected.String():          0,
		Authenticating.String():     1,
		Authenticated.String():      2,
		PlayerSpawned.String():      3,
		TransferInProgress.String(): 4,
		TransferComplete.String():   5,
	}
	for i := 1; i < len(states); i++ {
		step := order[states[i]] - order[states[i-1]]
		throughTransfer := states[i-1] == PlayerSpawned.String() && states[i] == TransferComplete.String()
		if step < 0 || (step > 1 && !throughTransfer) {
			t.Fatalf("illegal state step %s -> %s", states[i-1], states[i])
		}
	}
}

func TestAdmitter_TwoConnectionsIndependentTransfers(t *testing.T) {
	cfg := testConfig(t)
	blob := &session.Blob{Stratum: "s", Payload: strings.Repeat("b", 25)}
	admitter, _ := setUp(t, cfg, blob)

	first := newFakeSender("conn-1")
	second := newFakeSender("conn-2")

	start := time.Now()
	admitter.HandleConnect(first, start)
	admitter.Tick(start)
	admitter.HandleConnect(second, start.Add(time.Second))
	admitFully(t, admitter, start.Add(time.Second))

	for name, sender := range map[string]*fakeSender{"first": first, "second": second} {
		chunks := sender.framesOfType(packets.WorldChunkType)
		if len(chunks) != 3 {
			t.Fatalf("%s connection: expected 3 chunks, got %d", name, len(chunks))
		}
		var indices []int
		for _, frame := range chunks {
			indices = append(indices, frame.body.(packets.WorldChunk).Index)
		}
		if diff := deep.Equal(indices, []int{0, 1, 2}); diff != nil {
			t.Errorf("%s connection chunk indices corrupted: %v", name, diff)
		}
	}

	var counts []string
	for _, event := range readEvents(t, cfg) {
		if event["type"] == events.PlayerConnect {
			counts = append(counts, event["playerCount"])
		}
	}
	if diff := deep.Equal(counts, []string{"1", "2"}); diff != nil {
		t.Errorf("expected playerCount 1 then 2: %v", diff)
	}
}

func TestAdmitter_DisconnectMidTransferReleasesEverything(t *testing.T) {
	cfg := testConfig(t)
	blob := &session.Blob{Stratum: "s", Payload: strings.Repeat("c", 100)}
	admitter, engine := setUp(t, cfg, blob)

	sender := newFakeSender("conn-1")
	// Allow hello, auth success, stratum, and two chunks; then the peer
	// goes away mid-transfer.
	sender.failAfter = 5

	start := time.Now()
	admitter.HandleConnect(sender, start)
	now := admitFully(t, admitter, start)

	snapshots := admitter.Snapshots()
	if len(snapshots) != 1 || snapshots[0].State != TransferInProgress.String() {
		t.Fatalf("expected a connection stuck in transfer_in_progress, got %+v", snapshots)
	}
	if snapshots[0].ChunksSent >= snapshots[0].ChunksTotal {
		t.Fatal("expected a partial transfer")
	}

	controller := networkController(t, engine)
	if _, bound := controller.PlayerFor("conn-1"); !bound {
		t.Fatal("expected a bound player object before disconnect")
	}

	admitter.HandleDisconnect("conn-1", now.Add(30*time.Second))

	if len(admitter.Snapshots()) != 0 {
		t.Error("disconnect must remove the connection and its transfer session")
	}
	if _, bound := controller.PlayerFor("conn-1"); bound {
		t.Error("disconnect must release the engine player object")
	}

	all := readEvents(t, cfg)
	last := all[len(all)-1]
	if last["type"] != events.PlayerDisconnect {
		t.Fatalf("expected a player_disconnect event, got %s", last["type"])
	}
	if last["connectedFor"] == "" {
		t.Error("expected a connectedFor duration on the disconnect event")
	}
	if last["playerCount"] != "0" {
		t.Errorf("expected post-disconnect playerCount 0, got %q", last["playerCount"])
	}
}

func TestAdmitter_ManualFallbackWhenAuthenticatorAbsent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admission.AuthFallbackDelaySeconds = 2
	admitter, _ := setUp(t, cfg, nil)

	sender := newFakeSender("conn-1")
	start := time.Now()
	admitter.HandleConnect(sender, start)

	admitter.Tick(start)                  // connected -> authenticating
	admitter.Tick(start.Add(time.Second)) // still inside the fallback delay
	if got := admitter.Snapshots()[0].State; got != Authenticating.String() {
		t.Fatalf("expected authenticating during the fallback delay, got %s", got)
	}

	admitter.Tick(start.Add(3 * time.Second))
	if got := admitter.Snapshots()[0].State; got != Authenticated.String() {
		t.Fatalf("expected authenticated after the fallback delay, got %s", got)
	}
	if len(sender.framesOfType(packets.AuthSuccessType)) != 1 {
		t.Error("manual fallback must send a synthesized auth success")
	}
}

func TestAdmitter_EngineAuthenticatorAccepts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admission.AuthFallbackDelaySeconds = 30
	admitter, engine := setUp(t, cfg, nil)
	networkController(t, engine).Authenticator = allowAll{}

	sender := newFakeSender("conn-1")
	start := time.Now()
	admitter.HandleConnect(sender, start)
	admitter.Tick(start)
	admitter.Tick(start.Add(time.Second))

	if got := admitter.Snapshots()[0].State; got != Authenticated.String() {
		t.Fatalf("expected the engine authenticator to admit immediately, got %s", got)
	}
	if len(sender.framesOfType(packets.AuthSuccessType)) != 0 {
		t.Error("no manual handshake should be sent when the engine authenticates")
	}
}

func TestAdmitter_RejectionFallsBackAfterDelay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admission.AuthFallbackDelaySeconds = 2
	admitter, engine := setUp(t, cfg, nil)
	networkController(t, engine).Authenticator = denyAll{}

	sender := newFakeSender("conn-1")
	start := time.Now()
	admitter.HandleConnect(sender, start)
	admitter.Tick(start)
	admitter.Tick(start.Add(time.Second))

	if got := admitter.Snapshots()[0].State; got != Authenticating.String() {
		t.Fatalf("expected rejection to hold the connection briefly, got %s", got)
	}

	admitter.Tick(start.Add(3 * time.Second))
	if got := admitter.Snapshots()[0].State; got != Authenticated.String() {
		t.Fatalf("expected the manual fallback after rejection, got %s", got)
	}
}

func TestAdmitter_IdentifyEmitsEventWithoutRetransfer(t *testing.T) {
	cfg := testConfig(t)
	blob := &session.Blob{Stratum: "s", Payload: "world"}
	admitter, _ := setUp(t, cfg, blob)

	sender := newFakeSender("conn-1")
	start := time.Now()
	admitter.HandleConnect(sender, start)
	now := admitFully(t, admitter, start)

	framesBefore := len(sender.frames)
	body, err := json.Marshal(packets.Identify{DisplayName: "Deep Digger"})
	if err != nil {
		t.Fatal(err)
	}
	admitter.HandleFrame("conn-1", packets.IdentifyType, body)
	admitter.Tick(now)

	if admitter.Snapshots()[0].DisplayName != "Deep Digger" {
		t.Errorf("expected display name update, got %q", admitter.Snapshots()[0].DisplayName)
	}
	if len(sender.frames) != framesBefore {
		t.Error("identification must not re-trigger the state transfer")
	}

	var identified bool
	for _, event := range readEvents(t, cfg) {
		if event["type"] == events.PlayerIdentified && event["displayName"] == "Deep Digger" {
			identified = true
		}
	}
	if !identified {
		t.Error("expected a player_identified event")
	}
}

func TestAdmitter_DisplayNamesNormalized(t *testing.T) {
	cfg := testConfig(t)
	blob := &session.Blob{Stratum: "s", Payload: "world"}
	admitter, _ := setUp(t, cfg, blob)

	sender := newFakeSender("conn-1")
	start := time.Now()
	admitter.HandleConnect(sender, start)
	admitFully(t, admitter, start)

	body, err := json.Marshal(packets.Identify{DisplayName: "  miner mcMinerface "})
	if err != nil {
		t.Fatal(err)
	}
	admitter.HandleFrame("conn-1", packets.IdentifyType, body)

	if got := admitter.Snapshots()[0].DisplayName; got != "Miner McMinerface" {
		t.Errorf("expected the stored name trimmed and title-cased, got %q", got)
	}

	var emitted string
	for _, event := range readEvents(t, cfg) {
		if event["type"] == events.PlayerIdentified {
			emitted = event["displayName"]
		}
	}
	if emitted != "Miner McMinerface" {
		t.Errorf("expected the identified event to carry the normalized name, got %q", emitted)
	}
}

func TestAdmitter_NoTransferWithoutBlob(t *testing.T) {
	cfg := testConfig(t)
	admitter, _ := setUp(t, cfg, nil)

	sender := newFakeSender("conn-1")
	start := time.Now()
	admitter.HandleConnect(sender, start)
	admitFully(t, admitter, start)

	if got := admitter.Snapshots()[0].State; got != PlayerSpawned.String() {
		t.Fatalf("expected the connection to wait in player_spawned, got %s", got)
	}
	if len(sender.framesOfType(packets.StratumType)) != 0 {
		t.Error("no stratum may be sent before a session blob is cached")
	}
}

func TestAdmitter_OneFaultyConnectionDoesNotStallOthers(t *testing.T) {
	cfg := testConfig(t)
	blob := &session.Blob{Stratum: "s", Payload: "world-data"}
	admitter, _ := setUp(t, cfg, blob)

	faulty := newFakeSender("conn-1")
	faulty.failAfter = 1 // greeting succeeds, everything after fails
	healthy := newFakeSender("conn-2")

	start := time.Now()
	admitter.HandleConnect(faulty, start)
	admitter.HandleConnect(healthy, start)
	admitFully(t, admitter, start)

	var healthyState string
	for _, snapshot := range admitter.Snapshots() {
		if snapshot.ID == "conn-2" {
			healthyState = snapshot.State
		}
	}
	if healthyState != TransferComplete.String() {
		t.Errorf("healthy connection should complete despite the faulty peer, got %s", healthyState)
	}
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		size    int
		want    int
	}{
		{name: "empty payload", payload: "", size: 10, want: 0},
		{name: "exact multiple", payload: strings.Repeat("x", 30), size: 10, want: 3},
		{name: "remainder chunk", payload: strings.Repeat("x", 31), size: 10, want: 4},
		{name: "single small chunk", payload: "xy", size: 10, want: 1},
		{name: "multi byte runes", payload: strings.Repeat("é", 5), size: 3, want: 2},
		{name: "mixed width text", payload: "pick⛏axe établi", size: 4, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := splitChunks(tt.payload, tt.size)
			if len(chunks) != tt.want {
				t.Fatalf("expected %d chunks, got %d", tt.want, len(chunks))
			}
			if strings.Join(chunks, "") != tt.payload {
				t.Error("chunks must concatenate back to the payload")
			}
			for i, chunk := range chunks {
				if !utf8.ValidString(chunk) {
					t.Errorf("chunk %d is not valid UTF-8; boundaries must fall on rune boundaries", i)
				}
				if count := utf8.RuneCountInString(chunk); count > tt.size {
					t.Errorf("chunk %d of %d characters exceeds size %d", i, count, tt.size)
				}
			}
		})
	}
}

// The chunks each pass through JSON encoding on the wire, so a boundary that
// split a rune would silently mangle the payload. Reassemble the transfer
// from actual frames to prove multi-byte text survives end to end.
func TestAdmitter_TransferPreservesMultiByteText(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transfer.ChunkSize = 3
	payload := strings.Repeat("é", 5) + "⛏ deep"
	blob := &session.Blob{Stratum: "s", Payload: payload}
	admitter, _ := setUp(t, cfg, blob)

	sender := newFakeSender("conn-1")
	start := time.Now()
	admitter.HandleConnect(sender, start)
	admitFully(t, admitter, start)

	chunks := sender.framesOfType(packets.WorldChunkType)
	if len(chunks) == 0 {
		t.Fatal("expected the transfer to run")
	}

	var rebuilt strings.Builder
	for i, frame := range chunks {
		var buf bytes.Buffer
		if err := packets.WriteFrame(&buf, frame.frameType, frame.body); err != nil {
			t.Fatalf("error writing chunk %d: %v", i, err)
		}
		_, body, err := packets.ReadFrame(&buf)
		if err != nil {
			t.Fatalf("error reading chunk %d: %v", i, err)
		}
		var chunk packets.WorldChunk
		if err := packets.Decode(body, &chunk); err != nil {
			t.Fatalf("error decoding chunk %d: %v", i, err)
		}
		rebuilt.WriteString(chunk.Data)
	}

	if rebuilt.String() != payload {
		t.Errorf("reassembled payload %q does not match sent payload %q", rebuilt.String(), payload)
	}
}
