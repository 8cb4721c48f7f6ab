// Package heartbeat implements the periodic self-trigger (spec.md §4.10): a
// tick that reads workspace/HEARTBEAT.md and, if it has actionable content,
// invokes the agent with a fixed prompt.
package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sipeed/oxibot/pkg/logger"
)

// DefaultInterval is the fallback tick period when none is configured.
const DefaultInterval = 30 * time.Minute

// Prompt is sent to the agent on every non-skipped tick.
const Prompt = `Read HEARTBEAT.md in your workspace (if it exists).
Follow any instructions or tasks listed there.
If nothing needs attention, reply with just: HEARTBEAT_OK`

const okToken = "HEARTBEATOK"

// OnHeartbeatFunc is invoked on each non-skipped tick. It typically wraps
// AgentLoop.ProcessHeartbeat.
type OnHeartbeatFunc func(ctx context.Context, prompt string) (string, error)

var checkboxLine = regexp.MustCompile(`^[-*] \[[ xX]\]$`)

// Service runs the periodic tick.
type Service struct {
	workspace string
	interval  time.Duration
	enabled   bool
	onTick    OnHeartbeatFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService constructs the heartbeat service. interval <= 0 selects
// DefaultInterval.
func NewService(workspace string, interval time.Duration, enabled bool) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{workspace: workspace, interval: interval, enabled: enabled}
}

// SetOnHeartbeat sets the tick callback. Must be called before Start.
func (s *Service) SetOnHeartbeat(fn OnHeartbeatFunc) {
	s.onTick = fn
}

func (s *Service) heartbeatFile() string {
	return filepath.Join(s.workspace, "HEARTBEAT.md")
}

func (s *Service) readHeartbeatFile() (string, bool) {
	data, err := os.ReadFile(s.heartbeatFile())
	if err != nil {
		return "", false
	}
	return string(data), true
}

// isHeartbeatEmpty reports whether content has no actionable lines: every
// line is blank, a "#"-heading, an HTML comment, or an (un)checked empty
// checkbox marker (spec.md §8 invariant).
func isHeartbeatEmpty(content string, exists bool) bool {
	if !exists || content == "" {
		return true
	}
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#"):
		case strings.HasPrefix(trimmed, "<!--"):
		case checkboxLine.MatchString(trimmed):
		default:
			return false
		}
	}
	return true
}

// Start runs the tick loop until ctx is cancelled or Stop is called. If the
// service is disabled, it parks until shutdown without ever ticking.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	if !s.enabled {
		logger.InfoCF("heartbeat", "disabled", nil)
		go func() {
			defer close(s.done)
			<-runCtx.Done()
		}()
		return nil
	}

	logger.InfoCF("heartbeat", "service started", map[string]interface{}{"interval": s.interval.String()})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick(runCtx)
			case <-runCtx.Done():
				logger.InfoCF("heartbeat", "service shutting down", nil)
				return
			}
		}
	}()

	return nil
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Service) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	return nil
}

func (s *Service) tick(ctx context.Context) {
	content, exists := s.readHeartbeatFile()
	if isHeartbeatEmpty(content, exists) {
		logger.DebugCF("heartbeat", "no tasks, HEARTBEAT.md empty", nil)
		return
	}

	logger.InfoCF("heartbeat", "checking for tasks", nil)
	if s.onTick == nil {
		return
	}

	response, err := s.onTick(ctx, Prompt)
	if err != nil {
		logger.ErrorCF("heartbeat", "tick execution failed", map[string]interface{}{"error": err.Error()})
		return
	}

	normalized := strings.ReplaceAll(strings.ToUpper(response), "_", "")
	if strings.Contains(normalized, okToken) {
		logger.InfoCF("heartbeat", "ok, no action needed", nil)
	} else {
		logger.InfoCF("heartbeat", "completed task", nil)
	}
}

// TriggerNow runs a single tick immediately, bypassing the HEARTBEAT.md
// skip predicate and the interval timer — for CLI/manual invocation.
func (s *Service) TriggerNow(ctx context.Context) (string, error) {
	if s.onTick == nil {
		return "", nil
	}
	return s.onTick(ctx, Prompt)
}
