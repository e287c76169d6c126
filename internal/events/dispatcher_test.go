package events

import (
	"testing"

	"github.com/google/uuid"
)

func TestProcessEventsDrainsOnlyOnDemand(t *testing.T) {
	d := New(0)
	var received int

	d.EmitDocument(DocumentEvent{Kind: DocumentCreated, DocumentID: uuid.New()})
	d.EmitDocument(DocumentEvent{Kind: DocumentUpdated, DocumentID: uuid.New()})

	d.RegisterDocumentCallback(func(e DocumentEvent) { received++ })

	if received != 0 {
		t.Fatalf("callbacks must not fire before ProcessEvents, got %d", received)
	}

	n := d.ProcessEvents()
	if n != 2 {
		t.Fatalf("expected 2 processed, got %d", n)
	}
	if received != 2 {
		t.Fatalf("expected 2 callback invocations, got %d", received)
	}
}

func TestKindFilter(t *testing.T) {
	d := New(0)
	var createdCount, updatedCount int

	d.RegisterDocumentCallback(func(e DocumentEvent) { createdCount++ }, DocumentCreated)
	d.RegisterDocumentCallback(func(e DocumentEvent) { updatedCount++ }, DocumentUpdated)

	d.EmitDocument(DocumentEvent{Kind: DocumentCreated})
	d.EmitDocument(DocumentEvent{Kind: DocumentUpdated})
	d.EmitDocument(DocumentEvent{Kind: DocumentUpdated})

	d.ProcessEvents()

	if createdCount != 1 {
		t.Fatalf("expected 1 created callback, got %d", createdCount)
	}
	if updatedCount != 2 {
		t.Fatalf("expected 2 updated callbacks, got %d", updatedCount)
	}
}

func TestRegistrationDuringDrainIsDeferred(t *testing.T) {
	d := New(0)
	var late int

	d.RegisterDocumentCallback(func(e DocumentEvent) {
		// Registering mid-drain must not fire for the event already
		// being processed.
		d.RegisterDocumentCallback(func(e DocumentEvent) { late++ })
	})

	d.EmitDocument(DocumentEvent{Kind: DocumentCreated})
	d.ProcessEvents()

	if late != 0 {
		t.Fatalf("deferred registration must not have fired yet, got %d", late)
	}

	d.EmitDocument(DocumentEvent{Kind: DocumentCreated})
	d.ProcessEvents()

	if late != 1 {
		t.Fatalf("deferred registration should now be active, got %d", late)
	}
}

func TestQueueCapacityDropsOldest(t *testing.T) {
	d := New(2)
	var seen []int

	d.EmitSync(SyncEvent{Count: 1})
	d.EmitSync(SyncEvent{Count: 2})
	d.EmitSync(SyncEvent{Count: 3})

	d.RegisterSyncCallback(func(e SyncEvent) { seen = append(seen, e.Count) })
	d.ProcessEvents()

	if len(seen) != 2 || seen[0] != 2 || seen[1] != 3 {
		t.Fatalf("expected oldest event dropped, got %v", seen)
	}
}
