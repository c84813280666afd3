package sqlite

import (
	"context"
	"regexp"
	"testing"

	"github.com/nextlevelbuilder/envoy/internal/providers"
	"github.com/nextlevelbuilder/envoy/internal/store"
	"github.com/nextlevelbuilder/envoy/internal/tools"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func spec(name, description string) tools.DynamicToolSpec {
	return tools.DynamicToolSpec{
		Name:        name,
		Description: description,
		Permission:  "compute",
		ScriptPath:  "/tmp/" + name + ".dart",
		InputSchema: map[string]interface{}{"type": "object"},
		TimeoutSecs: 30,
	}
}

func TestSaveTool_UpsertByName(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.SaveTool(ctx, spec("caesar", "first version")); err != nil {
		t.Fatal(err)
	}
	first, _ := s.LoadTools(ctx)
	created := first[0].CreatedAt

	updated := spec("caesar", "second version")
	updated.Permission = "network"
	if err := s.SaveTool(ctx, updated); err != nil {
		t.Fatal(err)
	}

	records, err := s.LoadTools(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("upsert created %d rows", len(records))
	}
	got := records[0]
	if got.Spec.Description != "second version" || got.Spec.Permission != "network" {
		t.Errorf("fields not replaced: %+v", got.Spec)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at must be set once: %v vs %v", got.CreatedAt, created)
	}
}

func TestSearchTools_MatchesNameAndDescription(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	s.SaveTool(ctx, spec("caesar_cipher", "encode text with a shift"))
	s.SaveTool(ctx, spec("weather_lookup", "fetch the current forecast"))

	hits, err := s.SearchTools(ctx, "cipher")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Name != "caesar_cipher" {
		t.Errorf("name match: %+v", hits)
	}

	hits, err = s.SearchTools(ctx, "forecast")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Name != "weather_lookup" {
		t.Errorf("description match: %+v", hits)
	}

	hits, _ = s.SearchTools(ctx, "quantum")
	if len(hits) != 0 {
		t.Errorf("no-match query returned %+v", hits)
	}
}

func TestEnsureSession_FreshIDFormat(t *testing.T) {
	s := openTest(t)
	id, err := s.EnsureSession(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(id) {
		t.Errorf("id %q is not 16 random bytes in lowercase hex", id)
	}
}

func TestEnsureSession_ResumeInitializesSortOrder(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, _ := s.EnsureSession(ctx, "")
	s.AppendMessage(ctx, id, providers.Message{Role: "user", Content: "one"})
	s.AppendMessage(ctx, id, providers.Message{Role: "assistant", Content: "two"})

	// Re-open the session: the counter must continue from the row count.
	got, err := s.EnsureSession(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("resume returned %q", got)
	}
	s.AppendMessage(ctx, id, providers.Message{Role: "user", Content: "three"})

	msgs, err := s.LoadMessages(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func TestSortOrder_Dense(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	id, _ := s.EnsureSession(ctx, "")
	for i := 0; i < 5; i++ {
		s.AppendMessage(ctx, id, providers.Message{Role: "user", Content: "m"})
	}

	rows, err := s.DB().Query(`SELECT sort_order FROM messages WHERE session_id = ? ORDER BY sort_order`, id)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	want := 0
	for rows.Next() {
		var got int
		rows.Scan(&got)
		if got != want {
			t.Errorf("sort_order = %d, want %d", got, want)
		}
		want++
	}
	if want != 5 {
		t.Errorf("row count = %d", want)
	}
}

func TestMessageRoundTrip_PreservesToolBlocks(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	id, _ := s.EnsureSession(ctx, "")

	msg := providers.Message{
		Role:    "assistant",
		Content: "calling",
		ToolCalls: []providers.ToolCall{{
			ID: "t1", Name: "echo",
			Arguments: map[string]interface{}{"text": "hi"},
		}},
	}
	if err := s.AppendMessage(ctx, id, msg); err != nil {
		t.Fatal(err)
	}
	s.AppendMessage(ctx, id, providers.Message{Role: "tool", ToolCallID: "t1", Content: "hi", IsError: false})

	msgs, _ := s.LoadMessages(ctx, id)
	if len(msgs) != 2 {
		t.Fatal("round trip lost messages")
	}
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].ID != "t1" {
		t.Errorf("tool calls lost: %+v", msgs[0])
	}
	if msgs[1].ToolCallID != "t1" {
		t.Errorf("tool result id lost: %+v", msgs[1])
	}
}

func TestDeleteSession_Cascades(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	id, _ := s.EnsureSession(ctx, "")
	s.AppendMessage(ctx, id, providers.Message{Role: "user", Content: "m"})

	if err := s.DeleteSession(ctx, id); err != nil {
		t.Fatal(err)
	}
	var count int
	s.DB().QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, id).Scan(&count)
	if count != 0 {
		t.Errorf("cascade delete left %d messages", count)
	}
	if err := s.DeleteSession(ctx, id); err != store.ErrNotFound {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestEnsureSession_UnknownIDCreatesFresh(t *testing.T) {
	s := openTest(t)
	id, err := s.EnsureSession(context.Background(), "doesnotexist")
	if err != nil {
		t.Fatal(err)
	}
	if id == "doesnotexist" {
		t.Error("unknown id must yield a fresh session")
	}
}
