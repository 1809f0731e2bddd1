//go:build linux || darwin

package icmp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"
)

// rawConn reads whole IPv4 datagrams so replies can be matched on their
// source address and TTL.
type rawConn struct {
	pc     net.PacketConn
	raw    *ipv4.RawConn
	closed bool
}

func openRaw(bind string) (Conn, error) {
	addr := "0.0.0.0"
	if bind != "" {
		ip := net.ParseIP(bind).To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid bind address %q", ErrSocketUnavailable, bind)
		}
		addr = ip.String()
	}

	pc, err := net.ListenPacket("ip4:icmp", addr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v (raw ICMP needs root or CAP_NET_RAW)", ErrSocketUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSocketUnavailable, err)
	}

	raw, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: %v", ErrSocketUnavailable, err)
	}

	return &rawConn{pc: pc, raw: raw}, nil
}

func (c *rawConn) Send(pkt []byte, dst net.IP) error {
	ip := dst.To4()
	if ip == nil {
		return fmt.Errorf("send: %s is not an IPv4 address", dst)
	}
	if _, err := c.pc.WriteTo(pkt, &net.IPAddr{IP: ip}); err != nil {
		return fmt.Errorf("send to %s: %w", dst, err)
	}
	return nil
}

func (c *rawConn) Recv(buf []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, ErrTimeout
	}
	if err := c.raw.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}

	h, p, _, err := c.raw.ReadFrom(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("read: %w", err)
	}
	return dropOptions(buf, h.Len, len(p)), nil
}

func (c *rawConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close()
}
