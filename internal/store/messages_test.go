package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/troupe/pkg/models"
)

func seedMessages(t *testing.T, s *Store, roleID string, n int) []models.Message {
	t.Helper()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	msgs := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		m := models.Message{
			ID:        fmt.Sprintf("m%03d", i),
			UserID:    "u1",
			RoleID:    roleID,
			Role:      models.MessageRoleUser,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveMessage(context.Background(), &m); err != nil {
			t.Fatalf("SaveMessage(%d) error = %v", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestListMessagesAscendingOrder(t *testing.T) {
	s := newTestStore(t)
	seedMessages(t, s, "r1", 5)

	page, err := s.ListMessages(context.Background(), "u1", "r1", 10, "")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page.Messages) != 5 {
		t.Fatalf("messages = %d, want 5", len(page.Messages))
	}
	if page.HasMore {
		t.Error("HasMore = true, want false")
	}
	for i, m := range page.Messages {
		if want := fmt.Sprintf("m%03d", i); m.ID != want {
			t.Errorf("messages[%d].ID = %q, want %q", i, m.ID, want)
		}
	}
}

func TestListMessagesTieBreakByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	// Same timestamp: ordering must still be stable, by id.
	for _, id := range []string{"b", "a", "c"} {
		err := s.SaveMessage(ctx, &models.Message{
			ID: id, UserID: "u1", RoleID: "r1", Role: models.MessageRoleUser,
			Content: id, CreatedAt: at,
		})
		if err != nil {
			t.Fatalf("SaveMessage(%s) error = %v", id, err)
		}
	}

	page, err := s.ListMessages(ctx, "u1", "r1", 10, "")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	got := []string{}
	for _, m := range page.Messages {
		got = append(got, m.ID)
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSaveMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := models.Message{
		ID: "dup", UserID: "u1", RoleID: "r1",
		Role: models.MessageRoleUser, Content: "original",
		CreatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := s.SaveMessage(ctx, &first); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}

	second := first
	second.Content = "changed"
	if err := s.SaveMessage(ctx, &second); err != nil {
		t.Fatalf("SaveMessage() duplicate error = %v", err)
	}

	page, err := s.ListMessages(ctx, "u1", "r1", 10, "")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(page.Messages))
	}
	if page.Messages[0].Content != "original" {
		t.Errorf("Content = %q, want the first write to win", page.Messages[0].Content)
	}
}

func TestListMessagesPagination(t *testing.T) {
	s := newTestStore(t)
	seedMessages(t, s, "r1", 10)
	ctx := context.Background()

	// Newest page.
	page, err := s.ListMessages(ctx, "u1", "r1", 4, "")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page.Messages) != 4 || !page.HasMore {
		t.Fatalf("page = %d msgs hasMore=%v, want 4 msgs hasMore=true", len(page.Messages), page.HasMore)
	}
	if page.Messages[0].ID != "m006" || page.Messages[3].ID != "m009" {
		t.Fatalf("newest page = %s..%s, want m006..m009", page.Messages[0].ID, page.Messages[3].ID)
	}

	// Walk back from the oldest message of the first page.
	page2, err := s.ListMessages(ctx, "u1", "r1", 4, page.Messages[0].ID)
	if err != nil {
		t.Fatalf("ListMessages() second page error = %v", err)
	}
	if page2.Messages[0].ID != "m002" || page2.Messages[3].ID != "m005" {
		t.Fatalf("second page = %s..%s, want m002..m005", page2.Messages[0].ID, page2.Messages[3].ID)
	}
	if !page2.HasMore {
		t.Error("second page HasMore = false, want true")
	}

	// Before the oldest message: empty page, no more.
	page3, err := s.ListMessages(ctx, "u1", "r1", 4, "m000")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page3.Messages) != 0 || page3.HasMore {
		t.Errorf("page before oldest = %d msgs hasMore=%v, want empty and false", len(page3.Messages), page3.HasMore)
	}
}

func TestListMessagesZeroLimit(t *testing.T) {
	s := newTestStore(t)
	seedMessages(t, s, "r1", 3)

	page, err := s.ListMessages(context.Background(), "u1", "r1", 0, "")
	if err != nil {
		t.Fatalf("ListMessages(limit=0) error = %v", err)
	}
	if len(page.Messages) != 0 || page.HasMore {
		t.Errorf("limit=0 page = %d msgs hasMore=%v, want empty", len(page.Messages), page.HasMore)
	}
}

func TestMessagesRoleIsolation(t *testing.T) {
	s := newTestStore(t)
	seedMessages(t, s, "r1", 3)
	ctx := context.Background()

	err := s.SaveMessage(ctx, &models.Message{
		ID: "other", UserID: "u1", RoleID: "r2",
		Role: models.MessageRoleUser, Content: "other role",
	})
	if err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}

	page, err := s.ListMessages(ctx, "u1", "r1", 10, "")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	for _, m := range page.Messages {
		if m.RoleID != "r1" {
			t.Errorf("message %s leaked from role %s", m.ID, m.RoleID)
		}
	}
	if len(page.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(page.Messages))
	}
}

func TestClearMessages(t *testing.T) {
	s := newTestStore(t)
	seedMessages(t, s, "r1", 3)
	seedMessages(t, s, "r2", 2)
	ctx := context.Background()

	n, err := s.ClearMessages(ctx, "u1", "r1")
	if err != nil {
		t.Fatalf("ClearMessages() error = %v", err)
	}
	if n != 3 {
		t.Errorf("cleared = %d, want 3", n)
	}

	page, err := s.ListMessages(ctx, "u1", "r2", 10, "")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page.Messages) != 2 {
		t.Errorf("other role messages = %d, want 2 untouched", len(page.Messages))
	}
}

func TestSearchMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	contents := []string{"quarterly report draft", "lunch plans", "final report sent"}
	for i, c := range contents {
		err := s.SaveMessage(ctx, &models.Message{
			ID: fmt.Sprintf("s%d", i), UserID: "u1", RoleID: "r1",
			Role: models.MessageRoleUser, Content: c,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveMessage() error = %v", err)
		}
	}

	hits, err := s.SearchMessages(ctx, "u1", "r1", "report", 10)
	if err != nil {
		t.Fatalf("SearchMessages() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].ID != "s2" {
		t.Errorf("hits[0].ID = %q, want newest first", hits[0].ID)
	}

	// LIKE metacharacters in the keyword must not act as wildcards.
	hits, err = s.SearchMessages(ctx, "u1", "r1", "100%", 10)
	if err != nil {
		t.Fatalf("SearchMessages() error = %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits for escaped keyword = %d, want 0", len(hits))
	}
}

func TestMigrateMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	batch := []models.Message{
		{ID: "b1", UserID: "u1", RoleID: "r1", Role: models.MessageRoleUser, Content: "one", CreatedAt: base},
		{ID: "b2", UserID: "u1", RoleID: "r1", Role: models.MessageRoleAssistant, Content: "two", CreatedAt: base.Add(time.Minute)},
		{ID: "b1", UserID: "u1", RoleID: "r1", Role: models.MessageRoleUser, Content: "dup", CreatedAt: base},
	}

	inserted, err := s.MigrateMessages(ctx, batch)
	if err != nil {
		t.Fatalf("MigrateMessages() error = %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2 (duplicate skipped)", inserted)
	}

	page, err := s.ListMessages(ctx, "u1", "r1", 10, "")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(page.Messages))
	}
	if page.Messages[0].ID != "b1" || page.Messages[1].ID != "b2" {
		t.Errorf("order = %s,%s want b1,b2", page.Messages[0].ID, page.Messages[1].ID)
	}
}
