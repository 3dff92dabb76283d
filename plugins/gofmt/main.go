// Command gofmt-plugin is a mender collaborator that finds Go files gofmt
// would change and proposes the formatted file as the fix. Build it with
//
//	go build -o plugins/gofmt/bin/gofmt-plugin ./plugins/gofmt
//
// The scanner and fixer manifests both run this binary.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/format"
	"go/scanner"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/protocol"
)

const modelID = "gofmt"

var skipDirs = map[string]bool{".git": true, "vendor": true, "node_modules": true, "testdata": true}

func main() {
	var req protocol.Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		_ = json.NewEncoder(os.Stdout).Encode(errResp(fmt.Sprintf("invalid request JSON: %v", err), false))
		return
	}
	_ = json.NewEncoder(os.Stdout).Encode(handle(req))
}

func handle(req protocol.Request) protocol.Response {
	switch strings.TrimSpace(req.Command) {
	case protocol.CommandHealth:
		return protocol.Response{Status: "ok", Logs: []protocol.LogEntry{info("gofmt plugin ready")}}
	case protocol.CommandScan:
		return scan(req.Workspace, req.Filter)
	case protocol.CommandPropose:
		if req.Issue == nil {
			return errResp("propose requires an issue", false)
		}
		return propose(req.Workspace, *req.Issue)
	default:
		return errResp(fmt.Sprintf("unknown command: %s", req.Command), false)
	}
}

// scan reports every .go file that does not parse (category syntax) or that
// gofmt would rewrite (category format).
func scan(ws string, filter *issue.Filter) protocol.Response {
	if ws == "" {
		return errResp("scan requires a workspace", false)
	}
	var issues []issue.Issue
	err := filepath.WalkDir(ws, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != ws && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" {
			return nil
		}
		rel, err := filepath.Rel(ws, path)
		if err != nil {
			return err
		}
		if is, ok := check(path, filepath.ToSlash(rel)); ok {
			issues = append(issues, is)
		}
		return nil
	})
	if err != nil {
		return errResp(fmt.Sprintf("walk workspace: %v", err), true)
	}

	issues = filter.Apply(issues)
	return protocol.Response{
		Status: "ok",
		Issues: issues,
		Logs:   []protocol.LogEntry{info(fmt.Sprintf("%d file(s) need attention", len(issues)))},
	}
}

func check(path, rel string) (issue.Issue, bool) {
	src, err := os.ReadFile(path)
	if err != nil {
		return issue.Issue{}, false
	}
	formatted, err := format.Source(src)
	if err != nil {
		is := issue.Issue{
			ID:          rel + ":syntax",
			File:        rel,
			Category:    "syntax",
			Severity:    issue.SeverityHigh,
			Description: err.Error(),
			Language:    "go",
		}
		var list scanner.ErrorList
		if errors.As(err, &list) && len(list) > 0 {
			is.Location = issue.Location{Line: list[0].Pos.Line, Column: list[0].Pos.Column}
			is.Description = list[0].Msg
		}
		return is, true
	}
	if string(formatted) == string(src) {
		return issue.Issue{}, false
	}
	return issue.Issue{
		ID:          rel + ":format",
		File:        rel,
		Category:    "format",
		Severity:    issue.SeverityLow,
		Description: "file is not gofmt-formatted",
		Language:    "go",
	}, true
}

// propose returns the whole formatted file. Syntax errors are outside what
// gofmt can repair, so they are refused without retry.
func propose(ws string, is issue.Issue) protocol.Response {
	path := filepath.Join(ws, filepath.FromSlash(is.File))
	src, err := os.ReadFile(path)
	if err != nil {
		return errResp(fmt.Sprintf("read %s: %v", is.File, err), false)
	}
	formatted, err := format.Source(src)
	if err != nil {
		return errResp(fmt.Sprintf("gofmt cannot repair %s: %v", is.File, err), false)
	}
	return protocol.Response{
		Status: "ok",
		Candidate: &issue.Candidate{
			File:       is.File,
			Proposed:   string(formatted),
			Language:   "go",
			ModelID:    modelID,
			Confidence: 1,
		},
	}
}

func errResp(message string, retry bool) protocol.Response {
	return protocol.Response{
		Status: "error",
		Error:  message,
		Retry:  &retry,
		Logs:   []protocol.LogEntry{{Level: "error", Message: message}},
	}
}

func info(message string) protocol.LogEntry {
	return protocol.LogEntry{Level: "info", Message: message}
}
