package tunnel

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"

	"sshtunnel/internal/testutil"
)

// BenchmarkForwardRoundTrip measures one connection through a forward
// backed by a fake transport that dials the echo server directly.
func BenchmarkForwardRoundTrip(b *testing.B) {
	echo := testutil.StartEchoTCPServer(b, context.Background())
	d := &fakeDialer{}
	s, err := New(Config{
		SSH:    &SSHConfig{User: "bench", Host: "localhost"},
		Dialer: d,
		Logger: quietLogger(),
	})
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()

	f, err := s.AddForward(context.Background(), ForwardSpec{DestHost: "127.0.0.1", DestPort: echo.Addr().(*net.TCPAddr).Port})
	if err != nil {
		b.Fatal(err)
	}

	payload := make([]byte, 32*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := make([]byte, len(payload))

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c, err := net.Dial("tcp", f.LocalAddr)
		if err != nil {
			b.Fatal(err)
		}
		go func() {
			c.Write(payload) //nolint:errcheck
		}()
		if _, err := io.ReadFull(c, buf); err != nil {
			b.Fatal(err)
		}
		c.Close()
	}
}

func BenchmarkSplitBatch(b *testing.B) {
	cmds := []string{"uname -a", "uptime", "df -h", "free -m"}
	div := batchDivider()
	out := strings.Join([]string{"Linux x 6.1\n", "up 3 days\n", "/dev/sda1 50%\n", "Mem: 1024\n"}, div)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = splitBatch(cmds, out, div)
	}
}
