package hypervisor

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	socketDialTimeout  = 500 * time.Millisecond
	socketPollInterval = 100 * time.Millisecond
)

// CheckSocket verifies that a Unix domain socket is connectable.
func CheckSocket(socketPath string) error {
	return checkAddr("unix", socketPath)
}

// CheckTCP verifies that a TCP endpoint accepts connections.
func CheckTCP(addr string) error {
	return checkAddr("tcp", addr)
}

func checkAddr(network, addr string) error {
	conn, err := net.DialTimeout(network, addr, socketDialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitForSocket polls until socketPath is connectable, exited is closed, or
// the timeout/context fires.
func WaitForSocket(ctx context.Context, socketPath string, timeout time.Duration, exited <-chan struct{}) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(socketPollInterval)
	defer tick.Stop()
	for {
		if CheckSocket(socketPath) == nil {
			return nil
		}
		select {
		case <-exited:
			return ErrExited
		case <-deadline.C:
			return fmt.Errorf("%w: %s after %s", ErrSocketTimeout, socketPath, timeout)
		case <-ctx.Done():
			return fmt.Errorf("wait for socket %s: %w", socketPath, ctx.Err())
		case <-tick.C:
		}
	}
}
