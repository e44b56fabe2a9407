package netstack

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

var (
	testGatewayIP  = net.IPv4(10, 0, 2, 2)
	testGuestIP    = net.IPv4(10, 0, 2, 15)
	testGatewayMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	testGuestMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0f}
)

func newTestNet(t *testing.T) *Net {
	t.Helper()
	n, err := New(Config{
		GatewayIP:  testGatewayIP,
		GatewayMAC: testGatewayMAC,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

// arpRequest builds a broadcast ARP who-has for the gateway.
func arpRequest() []byte {
	frame := make([]byte, 42)
	copy(frame[0:6], net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], testGuestMAC)
	binary.BigEndian.PutUint16(frame[12:], 0x0806) // ARP

	arp := frame[14:]
	binary.BigEndian.PutUint16(arp[0:], 1)      // ethernet
	binary.BigEndian.PutUint16(arp[2:], 0x0800) // IPv4
	arp[4] = 6
	arp[5] = 4
	binary.BigEndian.PutUint16(arp[6:], 1) // request
	copy(arp[8:14], testGuestMAC)
	copy(arp[14:18], testGuestIP.To4())
	copy(arp[24:28], testGatewayIP.To4())
	return frame
}

// waitFrame polls the doorbell until a frame arrives or the deadline
// passes.
func waitFrame(t *testing.T, n *Net) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if frame := n.ReadFrame(); frame != nil {
			return frame
		}
		fds := []unix.PollFd{{Fd: int32(n.PollFD()), Events: unix.POLLIN}}
		unix.Poll(fds, 100)
	}
	t.Fatal("no frame from the stack before the deadline")
	return nil
}

func TestARPReply(t *testing.T) {
	n := newTestNet(t)

	if err := n.WriteFrame(arpRequest()); err != nil {
		t.Fatal(err)
	}

	reply := waitFrame(t, n)
	if len(reply) < 42 {
		t.Fatalf("reply too short: %d bytes", len(reply))
	}
	if binary.BigEndian.Uint16(reply[12:]) != 0x0806 {
		t.Fatalf("reply is not ARP (ethertype 0x%04x)", binary.BigEndian.Uint16(reply[12:]))
	}

	arp := reply[14:]
	if op := binary.BigEndian.Uint16(arp[6:]); op != 2 {
		t.Errorf("ARP op = %d, want reply", op)
	}
	if got := net.HardwareAddr(arp[8:14]); got.String() != testGatewayMAC.String() {
		t.Errorf("sender MAC = %s, want %s", got, testGatewayMAC)
	}
	if got := net.IP(arp[14:18]); !got.Equal(testGatewayIP) {
		t.Errorf("sender IP = %s, want %s", got, testGatewayIP)
	}
}

func TestReadFrameEmpty(t *testing.T) {
	n := newTestNet(t)

	if frame := n.ReadFrame(); frame != nil {
		t.Errorf("ReadFrame on an idle stack returned %d bytes", len(frame))
	}
}

func TestWriteFrameOversized(t *testing.T) {
	n := newTestNet(t)

	if err := n.WriteFrame(make([]byte, 64*1024)); err == nil {
		t.Error("oversized frame should be rejected")
	}
}

func TestForwardListens(t *testing.T) {
	n, err := New(Config{
		GatewayIP:  testGatewayIP,
		GatewayMAC: testGatewayMAC,
		Forwards: []Forward{
			{HostAddr: "127.0.0.1:0", GuestIP: testGuestIP, GuestPort: 80},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })

	if len(n.listeners) != 1 {
		t.Fatalf("%d listeners, want 1", len(n.listeners))
	}
	conn, err := net.Dial("tcp", n.listeners[0].Addr().String())
	if err != nil {
		t.Fatalf("forward listener refused the connection: %v", err)
	}
	conn.Close()
}

func TestForwardBadAddress(t *testing.T) {
	_, err := New(Config{
		GatewayIP:  testGatewayIP,
		GatewayMAC: testGatewayMAC,
		Forwards: []Forward{
			{HostAddr: "not-an-address", GuestIP: testGuestIP, GuestPort: 80},
		},
	})
	if err == nil {
		t.Fatal("bad forward address should fail construction")
	}
}
