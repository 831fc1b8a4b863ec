package ws

import (
	"context"
	"testing"
	"time"
)

func TestSweeperDropsStaleConnection(t *testing.T) {
	t.Parallel()

	env := startConn(t, nil)
	env.hub.ttl = 50 * time.Millisecond
	env.hub.sweepEvery = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !env.sock.isClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !env.sock.isClosed() {
		t.Fatal("stale connection was not swept")
	}
	<-env.done
}

func TestSweeperKeepsFreshConnection(t *testing.T) {
	t.Parallel()

	env := startConn(t, nil)
	env.hub.ttl = time.Minute

	env.hub.sweep()
	if env.sock.isClosed() {
		t.Fatal("fresh connection was swept")
	}
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	a := startConn(t, nil)
	b := newConn(a.hub, newFakeSocket())
	a.hub.add(b)
	defer a.hub.remove(b.uid)

	a.hub.Broadcast(map[string]any{"type": "full-text", "text": "maintenance soon"})

	for _, sock := range []*fakeSocket{a.sock, b.sock.(*fakeSocket)} {
		found := false
		for _, f := range sock.frames() {
			if f["type"] == "full-text" && f["text"] == "maintenance soon" {
				found = true
			}
		}
		if !found {
			t.Error("broadcast frame missing on a connection")
		}
	}
}

func TestCloseAllDisconnectsEverything(t *testing.T) {
	t.Parallel()

	env := startConn(t, nil)
	env.hub.CloseAll("server shutting down")

	deadline := time.Now().Add(2 * time.Second)
	for !env.sock.isClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !env.sock.isClosed() {
		t.Fatal("connection not closed")
	}
	<-env.done
}
