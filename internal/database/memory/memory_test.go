package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/assiminee/facegate/internal/database"
)

func TestTicketStore_CheckInIfUnused_ExactlyOnce(t *testing.T) {
	store := NewTicketStore()
	store.PutTicket(&database.Ticket{
		ID:          "tkt-1",
		SpectatorID: "alice",
		EventStart:  time.Now(),
		Status:      database.TicketUnused,
	})

	ctx := context.Background()
	const concurrent = 32

	var wg sync.WaitGroup
	wins := make(chan bool, concurrent)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.CheckInIfUnused(ctx, "tkt-1", time.Now())
			if err != nil {
				t.Errorf("CheckInIfUnused: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}

	ticket, err := store.GetTicket(ctx, "tkt-1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if ticket.Status != database.TicketCheckedIn {
		t.Errorf("expected status checked_in, got %s", ticket.Status)
	}
	if store.GetCheckIn("tkt-1") == nil {
		t.Error("expected a check-in record")
	}
}

func TestTicketStore_UnknownTicket(t *testing.T) {
	store := NewTicketStore()
	ctx := context.Background()

	if _, err := store.GetTicket(ctx, "missing"); err != database.ErrTicketNotFound {
		t.Errorf("expected ErrTicketNotFound, got %v", err)
	}
	if _, err := store.CheckInIfUnused(ctx, "missing", time.Now()); err != database.ErrTicketNotFound {
		t.Errorf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestTicketStore_ExpireOverdue(t *testing.T) {
	store := NewTicketStore()
	now := time.Now()

	store.PutTicket(&database.Ticket{
		ID: "past", EventStart: now.Add(-5 * time.Hour),
		WindowAfter: time.Hour, Status: database.TicketUnused,
	})
	store.PutTicket(&database.Ticket{
		ID: "future", EventStart: now.Add(2 * time.Hour),
		WindowAfter: time.Hour, Status: database.TicketUnused,
	})
	store.PutTicket(&database.Ticket{
		ID: "used", EventStart: now.Add(-5 * time.Hour),
		WindowAfter: time.Hour, Status: database.TicketCheckedIn,
	})

	n, err := store.ExpireOverdue(context.Background(), now)
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}

	past, _ := store.GetTicket(context.Background(), "past")
	if past.Status != database.TicketExpired {
		t.Errorf("expected past ticket expired, got %s", past.Status)
	}
	future, _ := store.GetTicket(context.Background(), "future")
	if future.Status != database.TicketUnused {
		t.Errorf("expected future ticket untouched, got %s", future.Status)
	}
}

func TestTemplateRepository_InsertRemoveDedupe(t *testing.T) {
	repo := NewTemplateRepository(4)
	ctx := context.Background()

	tpl := &database.StoredTemplate{
		ID:          "t1",
		SpectatorID: "alice",
		Embedding:   []float32{1, 0, 0, 0},
		Dim:         4,
		ImageHash:   "abc123",
		EnrolledAt:  time.Now(),
	}
	if err := repo.Insert(ctx, tpl); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if has, _ := repo.HasImageHash(ctx, "abc123"); !has {
		t.Error("expected image hash to be known")
	}
	if n, _ := repo.CountBySpectator(ctx, "alice"); n != 1 {
		t.Errorf("expected 1 template for alice, got %d", n)
	}

	results, err := repo.FindNearestBySpectator(ctx, []float32{1, 0, 0, 0}, "alice", 4)
	if err != nil {
		t.Fatalf("FindNearestBySpectator: %v", err)
	}
	if len(results) != 1 || results[0].Distance > 1e-6 {
		t.Errorf("unexpected results: %v", results)
	}

	if err := repo.Remove(ctx, "t1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := repo.Get(ctx, "t1"); err != database.ErrTemplateNotFound {
		t.Errorf("expected ErrTemplateNotFound after remove, got %v", err)
	}
	if n, _ := repo.CountBySpectator(ctx, "alice"); n != 0 {
		t.Errorf("expected 0 templates for alice after remove, got %d", n)
	}
	if err := repo.Remove(ctx, "t1"); err != database.ErrTemplateNotFound {
		t.Errorf("expected double remove to return ErrTemplateNotFound, got %v", err)
	}
}
