package ports

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
)

func TestListeningPorts_FindsOwnListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	want, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	got := ListeningPorts(context.Background(), int32(os.Getpid()))
	found := false
	for _, p := range got {
		if int(p) == want {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected to find listening port %d among %v", want, got)
	}
}

func TestListeningPorts_UnknownPIDReturnsEmptyNotError(t *testing.T) {
	got := ListeningPorts(context.Background(), 0)
	if len(got) != 0 {
		t.Fatalf("expected no ports for pid 0, got %v", got)
	}
}
