//go:build !linux && !darwin

package icmp

import (
	"fmt"
	"runtime"
)

func openRaw(string) (Conn, error) {
	return nil, fmt.Errorf("%w: raw ICMP sockets are not supported on %s", ErrSocketUnavailable, runtime.GOOS)
}
