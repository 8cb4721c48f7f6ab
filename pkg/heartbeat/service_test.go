package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsHeartbeatEmptyMissingFile(t *testing.T) {
	if !isHeartbeatEmpty("", false) {
		t.Fatal("missing file must be treated as empty")
	}
}

func TestIsHeartbeatEmptyBlank(t *testing.T) {
	if !isHeartbeatEmpty("", true) {
		t.Fatal("empty string must be treated as empty")
	}
	if !isHeartbeatEmpty("  \n  \n", true) {
		t.Fatal("whitespace-only content must be treated as empty")
	}
}

func TestIsHeartbeatEmptyHeadersAndComments(t *testing.T) {
	content := "# Heartbeat Tasks\n\n## Active\n\n<!-- comment -->\n"
	if !isHeartbeatEmpty(content, true) {
		t.Fatal("headers/comments-only content must be treated as empty")
	}
}

func TestIsHeartbeatEmptyCheckboxes(t *testing.T) {
	content := "# Tasks\n- [ ]\n* [x]\n"
	if !isHeartbeatEmpty(content, true) {
		t.Fatal("empty checkbox markers must be treated as empty")
	}
}

func TestIsHeartbeatNotEmptyWithTask(t *testing.T) {
	content := "# Tasks\n- [ ] Deploy v2.0\n"
	if isHeartbeatEmpty(content, true) {
		t.Fatal("a checkbox with text is actionable content")
	}
}

func TestIsHeartbeatNotEmptyPlainText(t *testing.T) {
	content := "# Tasks\n\nCheck the deployments\n"
	if isHeartbeatEmpty(content, true) {
		t.Fatal("plain text line is actionable content")
	}
}

func TestTriggerNowNoCallback(t *testing.T) {
	svc := NewService(t.TempDir(), time.Minute, true)
	resp, err := svc.TriggerNow(context.Background())
	if err != nil || resp != "" {
		t.Fatalf("expected no-op with no callback, got resp=%q err=%v", resp, err)
	}
}

func TestTriggerNowWithCallback(t *testing.T) {
	svc := NewService(t.TempDir(), time.Minute, true)
	svc.SetOnHeartbeat(func(_ context.Context, prompt string) (string, error) {
		if prompt != Prompt {
			t.Fatalf("unexpected prompt: %q", prompt)
		}
		return "HEARTBEAT_OK", nil
	})

	resp, err := svc.TriggerNow(context.Background())
	if err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	if resp != "HEARTBEAT_OK" {
		t.Fatalf("unexpected response: %q", resp)
	}
}

func TestTickSkipsWhenFileMissing(t *testing.T) {
	workspace := t.TempDir()
	svc := NewService(workspace, time.Minute, true)

	called := false
	svc.SetOnHeartbeat(func(_ context.Context, _ string) (string, error) {
		called = true
		return "HEARTBEAT_OK", nil
	})

	svc.tick(context.Background())
	if called {
		t.Fatal("callback must not fire when HEARTBEAT.md is absent")
	}
}

func TestTickFiresWithActionableContent(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "HEARTBEAT.md"), []byte("- [ ] water the plants\n"), 0644); err != nil {
		t.Fatalf("write HEARTBEAT.md: %v", err)
	}

	svc := NewService(workspace, time.Minute, true)
	called := false
	svc.SetOnHeartbeat(func(_ context.Context, _ string) (string, error) {
		called = true
		return "done", nil
	})

	svc.tick(context.Background())
	if !called {
		t.Fatal("callback must fire when HEARTBEAT.md has actionable content")
	}
}

func TestDisabledServiceNeverTicks(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "HEARTBEAT.md"), []byte("do something\n"), 0644); err != nil {
		t.Fatalf("write HEARTBEAT.md: %v", err)
	}

	svc := NewService(workspace, 10*time.Millisecond, false)
	called := false
	svc.SetOnHeartbeat(func(_ context.Context, _ string) (string, error) {
		called = true
		return "", nil
	})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if called {
		t.Fatal("disabled service must never invoke the callback")
	}
}
