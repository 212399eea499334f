package directory

import (
	"fmt"
	"sync"
	"testing"

	"safechat/server/internal/protocol"
)

func TestDirectoryStress500Conns(t *testing.T) {
	d := New(0, 0, 0)
	const n = 500

	var wg sync.WaitGroup
	wg.Add(n)

	conns := make([]*Conn, n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			c := NewConn(fmt.Sprintf("10.0.%d.%d", i/200, i%200), DefaultSendBuffer)
			if err := d.Register(c); err != nil {
				t.Errorf("Register %d: %v", i, err)
				return
			}
			if err := d.Authenticate(c, int64(i+1), fmt.Sprintf("user-%d", i), fmt.Sprintf("tok-%d", i)); err != nil {
				t.Errorf("Authenticate %d: %v", i, err)
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()

	if got := d.ConnCount(); got != n {
		t.Fatalf("ConnCount = %d, want %d", got, n)
	}

	// All connection ids should be unique.
	seen := make(map[string]bool, n)
	for _, c := range conns {
		if c == nil {
			t.Fatal("missing conn after concurrent registration")
		}
		if seen[c.ID] {
			t.Fatalf("duplicate conn id %s", c.ID)
		}
		seen[c.ID] = true
	}

	// A broadcast should be accepted by every queue.
	env := protocol.NewSystemNotification("all hands")
	if sent := d.Broadcast(env); sent != n {
		t.Fatalf("Broadcast sent = %d, want %d", sent, n)
	}

	stats := d.Stats()
	if stats.Conns != n || stats.Users != n {
		t.Errorf("stats = %+v, want %d conns and users", stats, n)
	}
	if stats.Delivered != n {
		t.Errorf("stats delivered = %d, want %d", stats.Delivered, n)
	}

	// Tear everything down concurrently.
	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			d.Drop(conns[i])
		}(i)
	}
	wg.Wait()

	if got := d.ConnCount(); got != 0 {
		t.Errorf("ConnCount after drop = %d, want 0", got)
	}
}
