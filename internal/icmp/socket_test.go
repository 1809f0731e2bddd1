package icmp

import (
	"bytes"
	"errors"
	"net"
	"runtime"
	"testing"
	"time"
)

func TestDropOptions(t *testing.T) {
	pkt, err := BuildEchoRequest(0x1234, 9, 8)
	if err != nil {
		t.Fatalf("BuildEchoRequest() error = %v", err)
	}

	// 24-byte header: 20 fixed bytes plus one 4-byte option.
	buf := make([]byte, 128)
	buf[0] = 0x46
	buf[9] = 1
	copy(buf[12:16], net.IPv4(192, 0, 2, 7).To4())
	copy(buf[24:], pkt)

	n := dropOptions(buf, 24, len(pkt))
	if n != IPv4HeaderLen+len(pkt) {
		t.Fatalf("dropOptions() = %d, want %d", n, IPv4HeaderLen+len(pkt))
	}
	if buf[0] != 0x45 {
		t.Errorf("version/IHL = %#x, want 0x45", buf[0])
	}
	if !bytes.Equal(buf[IPv4HeaderLen:n], pkt) {
		t.Error("ICMP message not moved behind the fixed header")
	}
}

func TestDropOptions_PlainHeader(t *testing.T) {
	buf := make([]byte, 64)
	buf[0] = 0x45
	if n := dropOptions(buf, IPv4HeaderLen, 16); n != IPv4HeaderLen+16 {
		t.Errorf("dropOptions() = %d, want %d", n, IPv4HeaderLen+16)
	}
}

func TestRawConn_ZeroTimeout(t *testing.T) {
	conn, err := RawDialer{}.Dial("")
	if err != nil {
		t.Skipf("raw socket unavailable (needs root or CAP_NET_RAW): %v", err)
	}
	defer conn.Close()

	if _, err := conn.Recv(make([]byte, 128), 0); !errors.Is(err, ErrTimeout) {
		t.Errorf("Recv(0) error = %v, want ErrTimeout", err)
	}
}

func TestProcessIdentifier_Stable(t *testing.T) {
	if ProcessIdentifier() != ProcessIdentifier() {
		t.Error("ProcessIdentifier changed between calls")
	}
}

func TestRawDialer_InvalidBind(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("raw sockets not supported on this platform")
	}

	_, err := RawDialer{}.Dial("not-an-ip")
	if !errors.Is(err, ErrSocketUnavailable) {
		t.Errorf("Dial(invalid) error = %v, want ErrSocketUnavailable", err)
	}
}

func TestRawDialer_Loopback(t *testing.T) {
	conn, err := RawDialer{}.Dial("")
	if err != nil {
		t.Skipf("raw socket unavailable (needs root or CAP_NET_RAW): %v", err)
	}
	defer conn.Close()

	id := uint16(0x4d57)
	pkt, err := BuildEchoRequest(id, 1, 16)
	if err != nil {
		t.Fatalf("BuildEchoRequest() error = %v", err)
	}
	if err := conn.Send(pkt, net.ParseIP("127.0.0.1")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// The raw socket also sees our own request on loopback; skip anything
	// that is not the reply.
	buf := make([]byte, 1500)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := conn.Recv(buf, time.Until(deadline))
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		ip, hdr, err := ParseHeaders(buf[:n])
		if err != nil {
			continue
		}
		if hdr.IsEchoReply() && hdr.ID == id && hdr.Seq == 1 {
			if ip.Source() != "127.0.0.1" {
				t.Errorf("reply source = %s, want 127.0.0.1", ip.Source())
			}
			return
		}
	}
	t.Fatal("no echo reply from loopback")
}

func TestRawConn_SendRejectsIPv6(t *testing.T) {
	conn, err := RawDialer{}.Dial("")
	if err != nil {
		t.Skipf("raw socket unavailable: %v", err)
	}
	defer conn.Close()

	pkt, _ := BuildEchoRequest(1, 1, 0)
	if err := conn.Send(pkt, net.ParseIP("::1")); err == nil {
		t.Error("Send(::1) succeeded, want error")
	}
}

func TestRawConn_CloseTwice(t *testing.T) {
	conn, err := RawDialer{}.Dial("")
	if err != nil {
		t.Skipf("raw socket unavailable: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
