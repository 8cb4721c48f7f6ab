package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, dir, name, frontmatter, body string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir skill dir: %v", err)
	}
	content := "---\n" + frontmatter + "\n---\n" + body
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write SKILL.md: %v", err)
	}
}

func TestListSkillsParsesFrontmatter(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "greeter", "name: greeter\ndescription: says hello", "Say hello to the user.")

	sl := NewSkillsLoader(t.TempDir(), "", dir)
	skills := sl.ListSkills()
	if len(skills) != 1 {
		t.Fatalf("expected 1 skill, got %d", len(skills))
	}
	if skills[0].Name != "greeter" || skills[0].Description != "says hello" {
		t.Errorf("unexpected skill: %+v", skills[0])
	}
}

func TestWorkspaceSkillShadowsBuiltin(t *testing.T) {
	builtin := t.TempDir()
	workspace := t.TempDir()
	writeSkill(t, builtin, "greeter", "name: greeter\ndescription: builtin version", "builtin body")
	writeSkill(t, filepath.Join(workspace, "skills"), "greeter", "name: greeter\ndescription: workspace version", "workspace body")

	sl := NewSkillsLoader(workspace, "", builtin)
	skills := sl.ListSkills()
	if len(skills) != 1 {
		t.Fatalf("expected 1 merged skill, got %d", len(skills))
	}
	if skills[0].Description != "workspace version" {
		t.Errorf("expected workspace skill to shadow builtin, got %q", skills[0].Description)
	}
}

func TestRequirementsAvailable(t *testing.T) {
	s := SkillInfo{Requires: Requirements{Bins: []string{"ls"}}}
	if !s.Available() {
		t.Error("expected 'ls' to be on PATH")
	}

	s2 := SkillInfo{Requires: Requirements{Bins: []string{"definitely-not-a-real-binary-xyz"}}}
	if s2.Available() {
		t.Error("expected an unavailable binary requirement to fail Available()")
	}

	s3 := SkillInfo{Requires: Requirements{Env: []string{"DEFINITELY_NOT_SET_XYZ"}}}
	os.Unsetenv("DEFINITELY_NOT_SET_XYZ")
	if s3.Available() {
		t.Error("expected an unset env requirement to fail Available()")
	}
}

func TestBuildSkillsSummarySkipsUnavailable(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "ready", "name: ready\ndescription: always works", "body")
	writeSkill(t, dir, "blocked", "name: blocked\ndescription: needs a missing bin\nmetadata:\n  nanobot:\n    requires:\n      bins: [definitely-not-a-real-binary-xyz]", "body")

	sl := NewSkillsLoader(t.TempDir(), "", dir)
	summary := sl.BuildSkillsSummary()
	if summary != "- **ready**: always works\n" {
		t.Errorf("unexpected summary: %q", summary)
	}
}

func TestLoadSkillsForContextStripsFrontmatterAndFilters(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "greeter", "name: greeter\ndescription: says hello", "Hello body.")
	writeSkill(t, dir, "other", "name: other\ndescription: unrelated", "Other body.")

	sl := NewSkillsLoader(t.TempDir(), "", dir)
	out := sl.LoadSkillsForContext([]string{"greeter"})

	if !contains(out, "## greeter") || !contains(out, "Hello body.") {
		t.Errorf("expected greeter content in output, got %q", out)
	}
	if contains(out, "Other body.") {
		t.Errorf("expected unrequested skill to be excluded, got %q", out)
	}
	if contains(out, "---") {
		t.Errorf("expected frontmatter to be stripped, got %q", out)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
