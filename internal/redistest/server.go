// Package redistest provides test helpers to run a throwaway redis server
// and connect to it. Tests that use it are skipped if redis-server is not
// installed.
package redistest

import (
	"io"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// startupTimeout is the maximum time to wait for the server to accept
// connections.
const startupTimeout = 2 * time.Second

// Server is a redis-server process started for a test.
type Server struct {
	// Addr is the address the server listens on.
	Addr string

	cmd *exec.Cmd
}

// StartServer starts a redis-server without persistence on a free port
// and returns it once it accepts connections. The server is killed when
// the test completes. If w is not nil, the server's output is written to
// it.
func StartServer(t *testing.T, w io.Writer) *Server {
	t.Helper()

	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not found in $PATH")
	}

	addr := freeAddr(t)
	_, port, _ := net.SplitHostPort(addr)
	cmd := exec.Command("redis-server", "--port", port, "--save", "", "--appendonly", "no")
	cmd.Stdout, cmd.Stderr = w, w
	require.NoError(t, cmd.Start(), "start redis-server")

	srv := &Server{Addr: addr, cmd: cmd}
	t.Cleanup(srv.stop)

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, startupTimeout, 10*time.Millisecond, "redis-server accepts connections on %s", addr)

	t.Logf("redis-server listening on %s", addr)
	return srv
}

func (s *Server) stop() {
	s.cmd.Process.Kill()
	s.cmd.Wait()
}

// NewPool returns a redis pool of connections to the server. The pool is
// closed when the test completes.
func (s *Server) NewPool(t *testing.T) *redis.Pool {
	p := &redis.Pool{
		MaxIdle:     2,
		MaxActive:   10,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr, redis.DialConnectTimeout(time.Second))
		},
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen on a free port")
	defer l.Close()
	return l.Addr().String()
}
