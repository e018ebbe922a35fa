package locks

import (
	"context"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	ok, holder, err := m.Acquire(ctx, "task-1", "conn-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if holder != "" {
		t.Errorf("winner should see no holder, got %q", holder)
	}

	ok, holder, err = m.Acquire(ctx, "task-1", "conn-b")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to fail while held")
	}
	if holder != "conn-a" {
		t.Errorf("holder = %q, want conn-a", holder)
	}

	if err := m.Release(ctx, "task-1", "conn-a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	ok, _, err = m.Acquire(ctx, "task-1", "conn-b")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestReleaseByNonOwnerIsNoOp(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if ok, _, _ := m.Acquire(ctx, "task-1", "conn-a"); !ok {
		t.Fatal("setup acquire failed")
	}

	// A stranger's release must not free the owner's lock.
	if err := m.Release(ctx, "task-1", "conn-b"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	ok, holder, err := m.Acquire(ctx, "task-1", "conn-b")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ok {
		t.Fatal("lock should still be held by conn-a")
	}
	if holder != "conn-a" {
		t.Errorf("holder = %q, want conn-a", holder)
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	m := NewMemory(WithTTL(20 * time.Millisecond))
	defer m.Close()
	ctx := context.Background()

	if ok, _, _ := m.Acquire(ctx, "task-1", "conn-a"); !ok {
		t.Fatal("setup acquire failed")
	}

	time.Sleep(50 * time.Millisecond)

	ok, _, err := m.Acquire(ctx, "task-1", "conn-b")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected acquire to succeed after TTL expiry")
	}
}

func TestLateReleaseDoesNotEraseSuccessor(t *testing.T) {
	m := NewMemory(WithTTL(20 * time.Millisecond))
	defer m.Close()
	ctx := context.Background()

	if ok, _, _ := m.Acquire(ctx, "task-1", "conn-a"); !ok {
		t.Fatal("setup acquire failed")
	}
	time.Sleep(50 * time.Millisecond)
	if ok, _, _ := m.Acquire(ctx, "task-1", "conn-b"); !ok {
		t.Fatal("successor acquire failed")
	}

	// conn-a's release arrives after its TTL expired and conn-b took over.
	if err := m.Release(ctx, "task-1", "conn-a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	ok, holder, err := m.Acquire(ctx, "task-1", "conn-c")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ok {
		t.Fatal("conn-b's lock should have survived the late release")
	}
	if holder != "conn-b" {
		t.Errorf("holder = %q, want conn-b", holder)
	}
}

func TestClosedManagerRejectsOperations(t *testing.T) {
	m := NewMemory()
	m.Close()
	ctx := context.Background()

	if _, _, err := m.Acquire(ctx, "task-1", "conn-a"); err != ErrClosed {
		t.Errorf("Acquire after close = %v, want ErrClosed", err)
	}
	if err := m.Release(ctx, "task-1", "conn-a"); err != ErrClosed {
		t.Errorf("Release after close = %v, want ErrClosed", err)
	}
}
