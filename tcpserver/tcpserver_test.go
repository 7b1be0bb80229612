package tcpserver

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if _, err := io.WriteString(c, line); err != nil {
				return
			}
		}
	})
}

func roundTrip(t *testing.T, addr, msg string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if _, err := io.WriteString(c, msg+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return line
}

func TestServer_ListenAndEcho(t *testing.T) {
	s := &Server{Handler: echoHandler()}
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer s.Close()
	addrs := s.Addrs()
	if len(addrs) != 1 {
		t.Fatalf("addrs=%v", addrs)
	}
	if got := roundTrip(t, addrs[0].String(), "hello"); got != "hello\n" {
		t.Fatalf("echo=%q", got)
	}
}

func TestServer_BindThenStart(t *testing.T) {
	s := &Server{Handler: echoHandler()}
	if err := s.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	// Bound but not started: accepting begins at Start.
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()
	addrs := s.Addrs()
	if len(addrs) != 1 {
		t.Fatalf("addrs=%v", addrs)
	}
	if got := roundTrip(t, addrs[0].String(), "ping"); got != "ping\n" {
		t.Fatalf("echo=%q", got)
	}
}

func TestServer_AddListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{Handler: echoHandler()}
	s.AddListener(ln)
	defer s.Close()
	if got := roundTrip(t, ln.Addr().String(), "x"); got != "x\n" {
		t.Fatalf("echo=%q", got)
	}
}

func TestServer_StopRefusesNewConns(t *testing.T) {
	s := &Server{Handler: echoHandler()}
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := s.Addrs()[0].String()
	s.Stop()
	if _, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		t.Fatal("expected dial failure after Stop")
	}
}

func TestServer_ShutdownWaitsForConns(t *testing.T) {
	release := make(chan struct{})
	s := &Server{Handler: HandlerFunc(func(ctx context.Context, c net.Conn) {
		defer c.Close()
		buf := make([]byte, 1)
		_, _ = c.Read(buf)
		<-release
		_, _ = c.Write([]byte("done"))
	})}
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := s.Addrs()[0].String()

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_, _ = c.Write([]byte("x"))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- s.Shutdown(ctx)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned while a connection was active")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	buf := make([]byte, 4)
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("in-flight conn cut off: %v", err)
	}
}

func TestServer_ShutdownContextExpires(t *testing.T) {
	s := &Server{Handler: HandlerFunc(func(ctx context.Context, c net.Conn) {
		defer c.Close()
		<-ctx.Done()
	})}
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := s.Addrs()[0].String()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); err == nil {
		t.Fatal("expected context error from Shutdown")
	}
	_ = s.Close()
}

func TestServer_ServeAfterStop(t *testing.T) {
	s := &Server{Handler: echoHandler()}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := s.Serve(ln); err != ErrServerStopped {
		t.Fatalf("Serve after Stop = %v, want ErrServerStopped", err)
	}
	if addrs := s.Addrs(); len(addrs) != 0 {
		t.Fatalf("stopped server still reports listeners: %v", addrs)
	}
}
