package skills

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	execTimeout        = 60 * time.Second
	execMaxOutputBytes = 64 * 1024
)

// Command patterns denied regardless of arguments.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(mkfs|shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bmkfifo\b`),
	regexp.MustCompile(`\beval\s*\$`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
}

// ExecSkill runs shell commands in the workspace.
type ExecSkill struct {
	workspace string
	timeout   time.Duration
}

func NewExecSkill(workspace string) *ExecSkill {
	return &ExecSkill{workspace: workspace, timeout: execTimeout}
}

func (s *ExecSkill) Name() string { return "exec" }
func (s *ExecSkill) Description() string {
	return "Run a shell command in the workspace. Output is truncated past 64KB."
}
func (s *ExecSkill) Tags() []string { return []string{"shell", "exec", "command", "run"} }

func (s *ExecSkill) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (s *ExecSkill) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}
	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return ErrorResult("command blocked by policy: " + re.String())
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.workspace
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if len(output) > execMaxOutputBytes {
		output = output[:execMaxOutputBytes] + "\n[output truncated]"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", s.timeout, output))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, output))
	}
	if output == "" {
		return SilentResult("(no output)")
	}
	return SilentResult(output)
}
