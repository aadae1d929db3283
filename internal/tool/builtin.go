package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ClockTool reports the current server time.
type ClockTool struct{}

// NewClockTool creates the clock tool.
func NewClockTool() *ClockTool {
	return &ClockTool{}
}

func (t *ClockTool) Name() string        { return "clock" }
func (t *ClockTool) Description() string { return "Returns the current server time." }
func (t *ClockTool) Authority() Authority {
	return AuthorityServer
}

func (t *ClockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA timezone name, defaults to UTC"}
		}
	}`)
}

func (t *ClockTool) Run(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
	}

	loc := time.UTC
	if params.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(params.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", params.Timezone)
		}
	}

	return &Result{Output: time.Now().In(loc).Format(time.RFC3339)}, nil
}

// GlobTool matches files under the working directory with a glob pattern.
type GlobTool struct {
	workDir string
}

// NewGlobTool creates the glob tool rooted at workDir.
func NewGlobTool(workDir string) *GlobTool {
	return &GlobTool{workDir: workDir}
}

func (t *GlobTool) Name() string { return "glob" }
func (t *GlobTool) Description() string {
	return "Finds files matching a glob pattern (supports ** for recursive matching)."
}
func (t *GlobTool) Authority() Authority { return AuthorityServer }

func (t *GlobTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Glob pattern, e.g. internal/**/*.go"},
			"limit": {"type": "integer", "description": "Maximum number of results, defaults to 100"}
		},
		"required": ["pattern"]
	}`)
}

func (t *GlobTool) Run(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
	var params struct {
		Pattern string `json:"pattern"`
		Limit   int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Limit <= 0 {
		params.Limit = 100
	}

	fsys := os.DirFS(t.workDir)
	matches, err := doublestar.Glob(fsys, params.Pattern)
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", params.Pattern, err)
	}

	if len(matches) > params.Limit {
		matches = matches[:params.Limit]
	}
	for i, m := range matches {
		matches[i] = filepath.ToSlash(m)
	}

	if len(matches) == 0 {
		return &Result{Output: "no files matched"}, nil
	}
	return &Result{Output: strings.Join(matches, "\n")}, nil
}
