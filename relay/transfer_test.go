package relay

import (
	"testing"
	"time"
)

func TestTransferOfferAndResolve(t *testing.T) {
	table := newTransferTable(time.Minute)
	table.Offer("f1", "alice", "notes.txt", 4096, "multicast", []string{"bob", "carol"})

	transfer, ok := table.Resolve("f1")
	if !ok {
		t.Fatalf("expected transfer f1")
	}
	if transfer.Owner != "alice" || transfer.Filename != "notes.txt" || transfer.TotalSize != 4096 {
		t.Fatalf("unexpected transfer: %+v", transfer)
	}
	if len(transfer.ToUsers) != 2 {
		t.Fatalf("unexpected recipients: %v", transfer.ToUsers)
	}

	if _, ok := table.Resolve("missing"); ok {
		t.Fatalf("resolved a transfer that was never offered")
	}
}

func TestTransferSweepRemovesIdleEntries(t *testing.T) {
	table := newTransferTable(50 * time.Millisecond)
	table.Offer("f1", "alice", "a.bin", 1, "broadcast", nil)
	table.Offer("f2", "bob", "b.bin", 1, "broadcast", nil)

	if expired := table.Sweep(time.Now()); len(expired) != 0 {
		t.Fatalf("fresh entries swept: %v", expired)
	}

	expired := table.Sweep(time.Now().Add(time.Second))
	if len(expired) != 2 {
		t.Fatalf("expected both entries swept, got %v", expired)
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d", table.Len())
	}
}

func TestTransferResolveRefreshesActivity(t *testing.T) {
	table := newTransferTable(100 * time.Millisecond)
	table.Offer("f1", "alice", "a.bin", 1, "broadcast", nil)

	time.Sleep(60 * time.Millisecond)
	if _, ok := table.Resolve("f1"); !ok {
		t.Fatalf("transfer vanished early")
	}

	// Resolve reset the clock, so a sweep at the original deadline keeps it.
	if expired := table.Sweep(time.Now().Add(50 * time.Millisecond)); len(expired) != 0 {
		t.Fatalf("refreshed entry swept: %v", expired)
	}
}

func TestTransferDropOwner(t *testing.T) {
	table := newTransferTable(time.Minute)
	table.Offer("f1", "alice", "a.bin", 1, "broadcast", nil)
	table.Offer("f2", "alice", "b.bin", 1, "unicast", []string{"bob"})
	table.Offer("f3", "bob", "c.bin", 1, "broadcast", nil)

	table.DropOwner("alice")

	if _, ok := table.Resolve("f1"); ok {
		t.Fatalf("f1 should be gone with its owner")
	}
	if _, ok := table.Resolve("f3"); !ok {
		t.Fatalf("f3 belongs to bob and should remain")
	}
}
