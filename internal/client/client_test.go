package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"

	"github.com/snowfight/snowfight/internal/conn"
	"github.com/snowfight/snowfight/internal/security"
	"github.com/snowfight/snowfight/internal/server"
	"github.com/snowfight/snowfight/internal/wire"
)

// fakeServer returns a client connected through a pipe to a server side that
// has already written status.
func fakeServer(t *testing.T, status byte) (*Client, net.Conn, error) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })

	go remote.Write([]byte{status})
	logger, _ := test.NewNullLogger()
	c, err := New(local, logger)
	return c, remote, err
}

func write(t *testing.T, w io.Writer, id wire.ID, values ...interface{}) {
	t.Helper()
	data, err := wire.Encode(id, values...)
	if err != nil {
		t.Fatalf("Encode() returned an unexpected error: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write() returned an unexpected error: %v", err)
	}
}

func TestNew_Rejected(t *testing.T) {
	c, remote, err := fakeServer(t, wire.Rejected)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if c != nil {
		t.Error("expected no client for a rejected connection")
	}
	if _, err := remote.Write([]byte{0}); err == nil {
		t.Error("expected the rejected socket to be closed")
	}
}

func TestNew_StreamEndsBeforeStatus(t *testing.T) {
	local, remote := net.Pipe()
	remote.Close()
	if _, err := New(local, nil); err == nil || errors.Is(err, ErrRejected) {
		t.Errorf("expected a read error, got %v", err)
	}
}

type addPlayer struct{ Player int32 }

func TestClient_Dispatch(t *testing.T) {
	c, remote, err := fakeServer(t, wire.Accepted)
	if err != nil {
		t.Fatalf("New() returned an unexpected error: %v", err)
	}

	go func() {
		remote.Write([]byte{0, 0, 0, 3})
	}()
	number, err := c.ReadPlayerNumber()
	if err != nil {
		t.Fatalf("ReadPlayerNumber() returned an unexpected error: %v", err)
	}
	if number != 3 {
		t.Errorf("ReadPlayerNumber() want = 3, got = %d", number)
	}

	var mu sync.Mutex
	var got []interface{}
	c.AddServerAction(wire.AddPlayer, func(c *Client) error {
		player, err := c.In().ReadInt32()
		if err != nil {
			return err
		}
		mu.Lock()
		got = append(got, addPlayer{player})
		mu.Unlock()
		return nil
	})
	c.AddServerAction(wire.PlayerSyncTransform, func(c *Client) error {
		player, _ := c.In().ReadInt32()
		x, _ := c.In().ReadFloat32()
		y, _ := c.In().ReadFloat32()
		rotation, err := c.In().ReadFloat32()
		mu.Lock()
		got = append(got, player, x, y, rotation)
		mu.Unlock()
		return err
	})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned an unexpected error: %v", err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() want ErrAlreadyRunning, got %v", err)
	}
	if _, err := c.ReadPlayerNumber(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("ReadPlayerNumber() after Run() want ErrAlreadyRunning, got %v", err)
	}

	write(t, remote, wire.AddPlayer, int32(1))
	write(t, remote, wire.ReloadGameState) // no action bound
	write(t, remote, wire.PlayerSyncTransform, int32(1), float32(3), float32(4), float32(180))
	write(t, remote, wire.Leave, "Match over.")

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the receive loop to exit")
	}

	if err := c.Err(); err != nil {
		t.Errorf("expected a graceful end, got %v", err)
	}
	if reason := c.LeaveReason(); reason != "Match over." {
		t.Errorf("LeaveReason() want = Match over., got = %q", reason)
	}
	want := []interface{}{addPlayer{1}, int32(1), float32(3), float32(4), float32(180)}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("dispatched messages did not match: %v", diff)
	}
}

func TestClient_TruncatedMessage(t *testing.T) {
	c, remote, err := fakeServer(t, wire.Accepted)
	if err != nil {
		t.Fatalf("New() returned an unexpected error: %v", err)
	}
	c.AddServerAction(wire.RemovePlayer, func(c *Client) error {
		_, err := c.In().ReadInt32()
		return err
	})
	c.Run(context.Background())

	remote.Write([]byte{byte(wire.RemovePlayer), 0x00})
	remote.Close()

	<-c.Done()
	if err := c.Err(); err != io.ErrUnexpectedEOF {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestClient_ActionTable(t *testing.T) {
	c, _, err := fakeServer(t, wire.Accepted)
	if err != nil {
		t.Fatalf("New() returned an unexpected error: %v", err)
	}
	noop := func(*Client) error { return nil }

	if err := c.AddServerAction(wire.Leave, noop); !errors.Is(err, ErrIdentifierReserved) {
		t.Errorf("AddServerAction(-1) want ErrIdentifierReserved, got %v", err)
	}
	if err := c.AddServerAction(0, noop); !errors.Is(err, ErrIdentifierReserved) {
		t.Errorf("AddServerAction(0) want ErrIdentifierReserved, got %v", err)
	}
	if err := c.AddServerAction(wire.PlayerWins, noop); err != nil {
		t.Fatalf("AddServerAction() returned an unexpected error: %v", err)
	}
	if err := c.AddServerAction(wire.PlayerWins, noop); !errors.Is(err, ErrActionBound) {
		t.Errorf("second AddServerAction() want ErrActionBound, got %v", err)
	}
	if previous, err := c.ReplaceServerAction(wire.PlayerWins, noop); err != nil || previous == nil {
		t.Errorf("ReplaceServerAction() want the previous action, got err %v", err)
	}
	if c.RemoveServerAction(wire.PlayerWins) == nil {
		t.Error("RemoveServerAction() want the removed action")
	}
	if c.RemoveServerAction(wire.Leave) != nil {
		t.Error("RemoveServerAction() should not remove the leave action")
	}
}

func TestClient_RunStopsWithContext(t *testing.T) {
	c, remote, err := fakeServer(t, wire.Accepted)
	if err != nil {
		t.Fatalf("New() returned an unexpected error: %v", err)
	}
	c.MessageLogging = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() returned an unexpected error: %v", err)
	}
	write(t, remote, wire.ReloadGameState)

	// The receive loop is blocked waiting for the next message.
	cancel()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Run() ignored the cancelled context")
	}

	if err := c.Err(); err != nil {
		t.Errorf("expected a graceful end, got %v", err)
	}
	if err := c.Send(wire.KeyPress, int32(1), "W"); !errors.Is(err, conn.ErrClosed) {
		t.Errorf("expected ErrClosed after the context was cancelled, got %v", err)
	}
}

func TestClient_Disconnect(t *testing.T) {
	c, remote, err := fakeServer(t, wire.Accepted)
	if err != nil {
		t.Fatalf("New() returned an unexpected error: %v", err)
	}

	reason := make(chan string, 1)
	go func() {
		r := wire.NewReader(remote)
		if id, err := r.ReadID(); err != nil || id != wire.Leave {
			reason <- ""
			return
		}
		s, _ := r.ReadString()
		reason <- s
	}()

	if err := c.Disconnect("Closed the window."); err != nil {
		t.Fatalf("Disconnect() returned an unexpected error: %v", err)
	}
	if got := <-reason; got != "Closed the window." {
		t.Errorf("expected the server to read the leave reason, got %q", got)
	}
	if err := c.Send(wire.KeyPress, int32(1), "W"); !errors.Is(err, conn.ErrClosed) {
		t.Errorf("expected ErrClosed after Disconnect(), got %v", err)
	}
}

var (
	contextsOnce sync.Once
	serverSec    *security.Context
	clientSec    *security.Context
	contextsErr  error
)

func securityContexts(t *testing.T) (*security.Context, *security.Context) {
	t.Helper()
	contextsOnce.Do(func() {
		keystore, truststore, err := security.GenerateKeystores([]string{"127.0.0.1"}, "key", "trust")
		if err != nil {
			contextsErr = err
			return
		}
		if serverSec, contextsErr = security.NewContext(bytes.NewReader(keystore), "key", "TLSv1.3", nil); contextsErr != nil {
			return
		}
		clientSec, contextsErr = security.NewContext(bytes.NewReader(truststore), "trust", "TLSv1.3", nil)
	})
	if contextsErr != nil {
		t.Fatalf("failed to create security contexts: %v", contextsErr)
	}
	return serverSec, clientSec
}

func TestDialer_ServerShutdown(t *testing.T) {
	serverCtx, clientCtx := securityContexts(t)
	listener, err := serverCtx.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() returned an unexpected error: %v", err)
	}
	logger, _ := test.NewNullLogger()
	srv := server.New(listener, logger, server.Options{Output: io.Discard})
	go srv.Run(context.Background())
	defer srv.Shutdown()

	d := NewDialer(clientCtx, logger, 3, 10*time.Millisecond, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := d.Dial(ctx, listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial() returned an unexpected error: %v", err)
	}
	c.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for len(srv.Clients()) != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	srv.Shutdown()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the client to notice the shutdown")
	}
	if reason := c.LeaveReason(); reason != server.StoppedReason {
		t.Errorf("LeaveReason() want = %q, got = %q", server.StoppedReason, reason)
	}
}

func TestDialer_BreakerOpens(t *testing.T) {
	_, clientCtx := securityContexts(t)

	// Reserve a port and release it so nothing is listening there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() returned an unexpected error: %v", err)
	}
	address := listener.Addr().String()
	listener.Close()

	logger, _ := test.NewNullLogger()
	d := NewDialer(clientCtx, logger, 2, time.Millisecond, time.Minute)
	ctx := context.Background()

	if _, err := d.Dial(ctx, address); err == nil {
		t.Fatal("expected Dial() to fail with nothing listening")
	}
	if d.State() != gobreaker.StateClosed {
		t.Errorf("expected the breaker to stay closed after 2 failures, got %s", d.State())
	}
	if _, err := d.Dial(ctx, address); err == nil {
		t.Fatal("expected Dial() to fail with nothing listening")
	}
	if d.State() != gobreaker.StateOpen {
		t.Fatalf("expected the breaker to open after 3 failures, got %s", d.State())
	}
	if _, err := d.Dial(ctx, address); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected gobreaker.ErrOpenState, got %v", err)
	}
}
