package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilbreak/headless/internal/packets"
)

func listen(t *testing.T, maxConns int) (*Direct, string) {
	t.Helper()

	direct := NewDirect(logrus.New(), maxConns)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { _ = direct.Close() })

	// Let the OS choose the port.
	if err := direct.Listen(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("error starting listener: %v", err)
	}
	return direct, direct.LocalAddr().String()
}

func nextNotification(t *testing.T, direct *Direct, want NotificationKind) Notification {
	t.Helper()

	select {
	case notification := <-direct.Notifications():
		if notification.Kind != want {
			t.Fatalf("expected notification kind %d, got %d", want, notification.Kind)
		}
		return notification
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for notification kind %d", want)
		return Notification{}
	}
}

func TestDirect_ConnectAndDisconnectNotifications(t *testing.T) {
	direct, addr := listen(t, 0)

	peer, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("error dialing transport: %v", err)
	}

	connected := nextNotification(t, direct, PeerConnected)
	if connected.Conn.ID() == "" {
		t.Error("expected a server-assigned connection id")
	}

	_ = peer.Close()
	disconnected := nextNotification(t, direct, PeerDisconnected)
	if disconnected.Conn.ID() != connected.Conn.ID() {
		t.Errorf("disconnect id %s does not match connect id %s",
			disconnected.Conn.ID(), connected.Conn.ID())
	}
}

func TestDirect_FramesAreDelivered(t *testing.T) {
	direct, addr := listen(t, 0)

	peer, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("error dialing transport: %v", err)
	}
	defer peer.Close()

	nextNotification(t, direct, PeerConnected)

	if err := packets.WriteFrame(peer, packets.IdentifyType, packets.Identify{DisplayName: "miner"}); err != nil {
		t.Fatalf("error writing frame: %v", err)
	}

	frame := nextNotification(t, direct, FrameReceived)
	if frame.FrameType != packets.IdentifyType {
		t.Errorf("expected frame type %#x, got %#x", packets.IdentifyType, frame.FrameType)
	}

	var identify packets.Identify
	if err := packets.Decode(frame.Body, &identify); err != nil {
		t.Fatalf("error decoding frame body: %v", err)
	}
	if identify.DisplayName != "miner" {
		t.Errorf("expected display name miner, got %q", identify.DisplayName)
	}
}

func TestDirect_UniqueConnectionIDs(t *testing.T) {
	direct, addr := listen(t, 0)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		peer, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("error dialing transport: %v", err)
		}
		defer peer.Close()

		connected := nextNotification(t, direct, PeerConnected)
		if seen[connected.Conn.ID()] {
			t.Fatalf("connection id %s assigned twice", connected.Conn.ID())
		}
		seen[connected.Conn.ID()] = true
	}
}
