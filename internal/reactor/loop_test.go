//go:build linux

package reactor_test

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/tinyportmapper/internal/addr"
	"github.com/dantte-lp/tinyportmapper/internal/netutil"
	"github.com/dantte-lp/tinyportmapper/internal/reactor"
	"github.com/dantte-lp/tinyportmapper/internal/tcpconn"
)

func newRawTCPListener(t *testing.T) (fd int, addrStr string) {
	t.Helper()
	fd, err := netutil.NewSocket(unix.AF_INET, unix.SOCK_STREAM)
	if err != nil {
		t.Fatalf("create listener socket: %v", err)
	}
	if err := netutil.SetReuseAddr(fd); err != nil {
		t.Fatalf("SetReuseAddr: %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 0}); err != nil {
		t.Fatalf("bind listener: %v", err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		t.Fatalf("listen: %v", err)
	}
	sn, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	return fd, fmt.Sprintf("127.0.0.1:%d", sn.(*unix.SockaddrInet4).Port)
}

// TestCapacityCapClosesThirdConnection matches spec §8 scenario #6:
// with max_connections = 2, a third accepted socket is closed
// immediately while the first two remain open.
func TestCapacityCapClosesThirdConnection(t *testing.T) {
	remoteLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen remote: %v", err)
	}
	defer remoteLn.Close()
	go func() {
		for {
			c, err := remoteLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 512)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(buf[:n]); err != nil {
						return
					}
				}
			}(c)
		}
	}()

	remotePort := uint16(remoteLn.Addr().(*net.TCPAddr).Port)
	remote := addr.New(netip.MustParseAddr("127.0.0.1"), remotePort)

	listenerFD, forwarderAddr := newRawTCPListener(t)

	loop, err := reactor.New(reactor.Config{
		TCPListenerFD:  listenerFD,
		TCP:            tcpconn.Config{Remote: remote, FwdType: addr.Normal, BufferSize: 4096},
		TCPTimeout:     tcpconn.DefaultTimeout,
		SweepRatio:     tcpconn.DefaultSweepRatio,
		SweepMin:       tcpconn.DefaultSweepMin,
		MaxConnections: 2,
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	dial := func() net.Conn {
		c, err := net.DialTimeout("tcp", forwarderAddr, 2*time.Second)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return c
	}

	c1 := dial()
	defer c1.Close()
	c2 := dial()
	defer c2.Close()

	// Give the reactor a moment to accept and pair both connections
	// before the third arrives.
	time.Sleep(300 * time.Millisecond)

	c3 := dial()
	defer c3.Close()

	_ = c3.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	_, err = c3.Read(buf)
	if err == nil {
		t.Fatalf("expected the third connection to be closed by the forwarder")
	}

	// The first two connections must still be usable.
	if _, err := c1.Write([]byte("hi")); err != nil {
		t.Fatalf("write on first connection failed: %v", err)
	}
	_ = c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c1.Read(buf)
	if err != nil || string(buf[:n]) != "hi" {
		t.Fatalf("echo on first connection = (%q, %v), want (\"hi\", nil)", buf[:n], err)
	}
}
