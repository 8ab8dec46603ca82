package repo

import (
	"context"
	"testing"
	"time"
)

func TestMarkEventProcessed_Duplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := MarkEventProcessed(ctx, db, "store-1", "ev-1", "chat", time.Hour); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := MarkEventProcessed(ctx, db, "store-1", "ev-1", "chat", time.Hour); err != ErrDuplicate {
		t.Fatalf("second mark = %v, want ErrDuplicate", err)
	}

	// same event id for a different tenant is not a duplicate
	if err := MarkEventProcessed(ctx, db, "store-2", "ev-1", "chat", time.Hour); err != nil {
		t.Fatalf("other tenant: %v", err)
	}
}

func TestMarkEventProcessed_ExpiredRowDoesNotBlock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// A record whose window already lapsed must not dedup the next delivery.
	if err := MarkEventProcessed(ctx, db, "s", "ev-exp", "chat", -time.Minute); err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	if err := MarkEventProcessed(ctx, db, "s", "ev-exp", "chat", time.Hour); err != nil {
		t.Fatalf("re-mark after expiry = %v, want nil", err)
	}
	// Now inside the window, it dedups again.
	if err := MarkEventProcessed(ctx, db, "s", "ev-exp", "chat", time.Hour); err != ErrDuplicate {
		t.Fatalf("in-window mark = %v, want ErrDuplicate", err)
	}
}

func TestUnmarkEvent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := MarkEventProcessed(ctx, db, "s", "ev-1", "chat", time.Hour); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := UnmarkEvent(ctx, db, "s", "ev-1"); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	// Released record accepts the redelivery.
	if err := MarkEventProcessed(ctx, db, "s", "ev-1", "chat", time.Hour); err != nil {
		t.Fatalf("mark after unmark = %v, want nil", err)
	}
	// Unmarking a record that does not exist is a no-op.
	if err := UnmarkEvent(ctx, db, "s", "ghost"); err != nil {
		t.Fatalf("unmark missing = %v", err)
	}
}

func TestPurgeExpiredEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Fresh first: marking it later would sweep the expired row early.
	if err := MarkEventProcessed(ctx, db, "s", "fresh", "chat", time.Hour); err != nil {
		t.Fatalf("mark fresh: %v", err)
	}
	if err := MarkEventProcessed(ctx, db, "s", "old", "chat", -time.Minute); err != nil {
		t.Fatalf("mark old: %v", err)
	}

	n, err := PurgeExpiredEvents(ctx, db, time.Now().UTC())
	if err != nil {
		t.Fatalf("PurgeExpiredEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}

	// the fresh record still dedups
	if err := MarkEventProcessed(ctx, db, "s", "fresh", "chat", time.Hour); err != ErrDuplicate {
		t.Fatalf("fresh after purge = %v, want ErrDuplicate", err)
	}
	// the purged record can be processed again (window is bounded)
	if err := MarkEventProcessed(ctx, db, "s", "old", "chat", time.Hour); err != nil {
		t.Fatalf("old after purge = %v, want nil", err)
	}
}
