package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestCalculateCostKnownModel(t *testing.T) {
	got := calculateCost("claude-sonnet-4-5-20250929", 1_000_000, 1_000_000, 0, 0)
	want := 3.0 + 15.0
	if got != want {
		t.Errorf("unexpected cost: got %v want %v", got, want)
	}
}

func TestCalculateCostUnknownModelFallsBackToSonnetPricing(t *testing.T) {
	got := calculateCost("some-unlisted-model", 1_000_000, 0, 0, 0)
	if got != 3.0 {
		t.Errorf("expected fallback sonnet input pricing of 3.0, got %v", got)
	}
}

func TestRecordAppendsJSONLWithComputedCost(t *testing.T) {
	workspace := t.TempDir()
	tr := NewTracker(workspace)

	tr.Record(TokenEvent{
		SessionKey:   "telegram:1",
		Model:        "claude-sonnet-4-5-20250929",
		InputTokens:  1000,
		OutputTokens: 500,
	})

	f, err := os.Open(filepath.Join(workspace, "metrics", "tokens.jsonl"))
	if err != nil {
		t.Fatalf("open tokens.jsonl: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one line in tokens.jsonl")
	}

	var ev TokenEvent
	if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
		t.Fatalf("unmarshal recorded event: %v", err)
	}
	if ev.SessionKey != "telegram:1" || ev.InputTokens != 1000 {
		t.Errorf("unexpected recorded event: %+v", ev)
	}
	if ev.CostUSD <= 0 {
		t.Errorf("expected a positive computed cost, got %v", ev.CostUSD)
	}
	if ev.Timestamp == "" {
		t.Error("expected a timestamp to be stamped in")
	}
}

func TestRecordAppendsMultipleEvents(t *testing.T) {
	workspace := t.TempDir()
	tr := NewTracker(workspace)

	tr.Record(TokenEvent{Model: "claude-sonnet-4-5-20250929", InputTokens: 10})
	tr.Record(TokenEvent{Model: "claude-sonnet-4-5-20250929", InputTokens: 20})

	data, err := os.ReadFile(filepath.Join(workspace, "metrics", "tokens.jsonl"))
	if err != nil {
		t.Fatalf("read tokens.jsonl: %v", err)
	}

	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 lines, got %d", lines)
	}
}
