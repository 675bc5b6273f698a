package pages

import (
	"context"
	"testing"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

func newTestManager() *Manager {
	m := NewManager(nil, &config.Config{MaxPagesPerBrowser: 4})
	now := time.Now()
	m.pages["c1"] = &PageRef{
		ID:        "p1",
		ContextID: "c1",
		SessionID: "s1",
		createdAt: now,
		lastUsed:  now,
	}
	return m
}

func TestAcquireSerializesActionsOnOnePage(t *testing.T) {
	m := newTestManager()

	first, release, err := m.Acquire(context.Background(), "c1", "s1")
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	// The second acquire must wait behind the first, not fail fast.
	acquired := make(chan *PageRef, 1)
	go func() {
		ref, rel, err := m.Acquire(context.Background(), "c1", "s1")
		if err != nil {
			t.Errorf("Second acquire failed: %v", err)
			acquired <- nil
			return
		}
		rel()
		acquired <- ref
	}()

	select {
	case <-acquired:
		t.Fatal("Second acquire must block while an action is in flight")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	select {
	case ref := <-acquired:
		if ref != first {
			t.Error("Both acquisitions must resolve to the same page")
		}
	case <-time.After(time.Second):
		t.Fatal("Second acquire never resolved after release")
	}
}

func TestAcquireHonorsContextWhileWaiting(t *testing.T) {
	m := newTestManager()

	_, release, err := m.Acquire(context.Background(), "c1", "s1")
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = m.Acquire(ctx, "c1", "s1")
	if err == nil {
		t.Fatal("Expected timeout while waiting for the page")
	}
	if types.KindOf(err) != types.KindTimeout {
		t.Errorf("Expected timeout kind, got %s", types.KindOf(err))
	}
	if types.CodeOf(err) != "page_wait_canceled" {
		t.Errorf("Expected page_wait_canceled, got %s", types.CodeOf(err))
	}
}

func TestAcquireRejectsCrossSession(t *testing.T) {
	m := newTestManager()

	_, _, err := m.Acquire(context.Background(), "c1", "other")
	if types.KindOf(err) != types.KindPermissionDenied {
		t.Errorf("Expected permission_denied, got %v", err)
	}
}
