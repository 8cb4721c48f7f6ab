// Package skills loads SKILL.md capability definitions from the workspace,
// the user's global config dir, and the binary's built-in skills directory
// (spec.md §4.3 "skills extend the tool surface via documentation, not new
// Go tools").
package skills

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Requirements gates a skill's availability on the host environment: every
// named binary must be on PATH and every named environment variable must be
// set and non-empty.
type Requirements struct {
	Bins []string
	Env  []string
}

// SkillInfo is one discovered skill's metadata.
type SkillInfo struct {
	Name        string
	Description string
	Always      bool
	Path        string
	Requires    Requirements
}

// Available reports whether this skill's requirements are satisfied on this
// host.
func (s SkillInfo) Available() bool {
	for _, bin := range s.Requires.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	for _, env := range s.Requires.Env {
		if os.Getenv(env) == "" {
			return false
		}
	}
	return true
}

// SkillsLoader discovers skills across three directories, in shadowing
// priority order: workspace skills override global-config skills, which
// override built-in skills of the same name.
type SkillsLoader struct {
	workspaceDir string
	globalDir    string
	builtinDir   string
}

func NewSkillsLoader(workspace, globalDir, builtinDir string) *SkillsLoader {
	return &SkillsLoader{
		workspaceDir: filepath.Join(workspace, "skills"),
		globalDir:    globalDir,
		builtinDir:   builtinDir,
	}
}

// ListSkills returns the merged, shadow-resolved skill set sorted by name.
func (sl *SkillsLoader) ListSkills() []SkillInfo {
	merged := make(map[string]SkillInfo)

	// Lowest priority first so later writes shadow earlier ones.
	for _, dir := range []string{sl.builtinDir, sl.globalDir, sl.workspaceDir} {
		for _, info := range scanSkillsDir(dir) {
			merged[info.Name] = info
		}
	}

	out := make([]SkillInfo, 0, len(merged))
	for _, info := range merged {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func scanSkillsDir(dir string) []SkillInfo {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []SkillInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		skillFile := filepath.Join(dir, e.Name(), "SKILL.md")
		data, err := os.ReadFile(skillFile)
		if err != nil {
			continue
		}
		info := parseSkillFile(e.Name(), skillFile, string(data))
		out = append(out, info)
	}
	return out
}

var frontmatterBlockRe = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n?`)

func parseSkillFile(dirName, path, content string) SkillInfo {
	info := SkillInfo{Name: dirName, Path: path}

	m := frontmatterBlockRe.FindStringSubmatch(content)
	if m == nil {
		return info
	}
	fm := parseYAMLish(m[1])

	if v, ok := fm["name"]; ok && v != "" {
		info.Name = v
	}
	if v, ok := fm["description"]; ok {
		info.Description = v
	}
	if v, ok := fm["always"]; ok {
		info.Always = v == "true"
	}
	if v, ok := fm["metadata.nanobot.always"]; ok {
		info.Always = info.Always || v == "true"
	}
	if v, ok := fm["metadata.nanobot.requires.bins"]; ok {
		info.Requires.Bins = splitCSV(v)
	}
	if v, ok := fm["metadata.nanobot.requires.env"]; ok {
		info.Requires.Env = splitCSV(v)
	}
	return info
}

func splitCSV(s string) []string {
	s = strings.Trim(s, "[]")
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"'`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseYAMLish does a minimal, indentation-aware flatten of a 2-level-deep
// YAML frontmatter block into dotted keys ("metadata.nanobot.always") —
// enough for the skill/specialist frontmatter shape used here without
// pulling in a full YAML parser for a handful of scalar fields.
func parseYAMLish(block string) map[string]string {
	out := make(map[string]string)
	var stack []string
	var indents []int

	for _, rawLine := range strings.Split(block, "\n") {
		if strings.TrimSpace(rawLine) == "" || strings.HasPrefix(strings.TrimSpace(rawLine), "#") {
			continue
		}
		indent := len(rawLine) - len(strings.TrimLeft(rawLine, " "))
		line := strings.TrimSpace(rawLine)

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, `"'`)

		for len(indents) > 0 && indent <= indents[len(indents)-1] {
			stack = stack[:len(stack)-1]
			indents = indents[:len(indents)-1]
		}

		fullKey := key
		if len(stack) > 0 {
			fullKey = strings.Join(stack, ".") + "." + key
		}

		if value == "" {
			stack = append(stack, key)
			indents = append(indents, indent)
			continue
		}
		out[fullKey] = value
	}
	return out
}

// BuildSkillsSummary renders a short bullet list of available (requirement-
// satisfied) skills, for embedding in the system prompt.
func (sl *SkillsLoader) BuildSkillsSummary() string {
	var b strings.Builder
	for _, s := range sl.ListSkills() {
		if !s.Available() {
			continue
		}
		if s.Description != "" {
			b.WriteString("- **" + s.Name + "**: " + s.Description + "\n")
		} else {
			b.WriteString("- **" + s.Name + "**\n")
		}
	}
	return b.String()
}

// LoadSkillsForContext returns the full SKILL.md bodies (frontmatter
// stripped) for the given skill names, concatenated.
func (sl *SkillsLoader) LoadSkillsForContext(names []string) string {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var parts []string
	for _, s := range sl.ListSkills() {
		if !wanted[s.Name] || !s.Available() {
			continue
		}
		data, err := os.ReadFile(s.Path)
		if err != nil {
			continue
		}
		body := frontmatterBlockRe.ReplaceAllString(string(data), "")
		parts = append(parts, "## "+s.Name+"\n\n"+strings.TrimSpace(body))
	}
	return strings.Join(parts, "\n\n")
}
