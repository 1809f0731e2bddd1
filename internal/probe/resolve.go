package probe

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Resolver turns a host identifier into an IPv4 address.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (net.IP, error)
}

// NetResolver resolves names with the pure Go resolver.
type NetResolver struct {
	resolver *net.Resolver
}

// NewResolver creates a resolver whose DNS queries time out after timeout.
func NewResolver(timeout time.Duration) *NetResolver {
	return &NetResolver{
		resolver: &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: timeout}
				return d.DialContext(ctx, network, address)
			},
		},
	}
}

// LookupIPv4 returns host itself when it is an IPv4 literal, otherwise the
// first IPv4 address DNS returns.
func (r *NetResolver) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%s is not an IPv4 address", host)
	}

	ips, err := r.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("resolve %s: no IPv4 address", host)
}
