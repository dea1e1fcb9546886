package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type noopHandler struct{}

func (noopHandler) ServeConn(ctx context.Context, c net.Conn) {
	<-ctx.Done()
}

func Test_server_close(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(ServerOpts{Handler: noopHandler{}})
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeTCP(l) }()

	// A live connection the shutdown must tear down.
	c, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	time.Sleep(time.Millisecond * 50)
	s.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrServerClosed) {
			t.Fatalf("ServeTCP returned %v, want ErrServerClosed", err)
		}
	case <-time.After(time.Second * 5):
		t.Fatal("ServeTCP did not return after Close")
	}
}

func Test_server_rejects_after_close(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	s := NewServer(ServerOpts{Handler: noopHandler{}})
	s.Close()
	if err := s.ServeTCP(l); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("got %v, want ErrServerClosed", err)
	}
}
