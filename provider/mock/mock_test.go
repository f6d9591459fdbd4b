package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoCodeAlone/conductor/provider"
)

func TestMockProvider_Name(t *testing.T) {
	m := New()
	if got := m.Name(); got != "mock" {
		t.Errorf("Name() = %q, want %q", got, "mock")
	}
}

func TestMockProvider_Chat_DefaultResponse(t *testing.T) {
	m := New()
	resp, err := m.Chat(context.Background(), nil)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != defaultResponse {
		t.Errorf("Chat() content = %q, want %q", resp.Content, defaultResponse)
	}
}

func TestMockProvider_Chat_CyclesResponses(t *testing.T) {
	m := New("first", "second", "third")

	want := []string{"first", "second", "third", "first"}
	for i, w := range want {
		resp, err := m.Chat(context.Background(), nil)
		if err != nil {
			t.Fatalf("Chat() call %d error = %v", i, err)
		}
		if resp.Content != w {
			t.Errorf("Chat() call %d = %q, want %q", i, resp.Content, w)
		}
	}
}

func TestMockProvider_RecordsPrompts(t *testing.T) {
	m := New("ok")
	msgs := []provider.Message{
		{Role: provider.RoleSystem, Content: "be brief"},
		{Role: provider.RoleUser, Content: "hi"},
	}
	if _, err := m.Chat(context.Background(), msgs); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	got := m.Prompts()
	if len(got) != 1 || got[0] != "hi" {
		t.Errorf("Prompts() = %v, want [hi]", got)
	}
}

func TestMockProvider_Failing(t *testing.T) {
	boom := errors.New("boom")
	_, err := Failing(boom).Chat(context.Background(), nil)
	if !errors.Is(err, boom) {
		t.Errorf("Chat() error = %v, want %v", err, boom)
	}
}

func TestMockProvider_DelayHonoursContext(t *testing.T) {
	m := New("slow").WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Chat(ctx, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Chat() error = %v, want deadline exceeded", err)
	}
}
