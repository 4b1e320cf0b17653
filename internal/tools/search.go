package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// SearchCodebaseTool scans workspace files for a pattern.
type SearchCodebaseTool struct {
	Root string
}

func (t *SearchCodebaseTool) Name() string { return "search_codebase" }
func (t *SearchCodebaseTool) Description() string {
	return "Search workspace files for a regular expression and return matching lines."
}
func (t *SearchCodebaseTool) Capability() Capability { return CapCodeIntelligence }

func (t *SearchCodebaseTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"pattern": map[string]any{
			"type":        "string",
			"description": "Regular expression to search for",
		},
		"glob": map[string]any{
			"type":        "string",
			"description": "Optional filename glob, e.g. *.go",
		},
		"max_results": map[string]any{
			"type":        "integer",
			"description": "Result cap, default 50",
		},
	}, []string{"pattern"})
}

type searchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "target": true, ".idea": true,
}

func (t *SearchCodebaseTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Pattern    string `json:"pattern"`
		Glob       string `json:"glob"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if params.Pattern == "" {
		return nil, errors.New("pattern is required")
	}
	if params.MaxResults <= 0 || params.MaxResults > 500 {
		params.MaxResults = 50
	}
	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return nil, err
	}

	root := t.Root
	if root == "" {
		root = "."
	}

	var matches []searchMatch
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if params.Glob != "" {
			if ok, _ := filepath.Match(params.Glob, d.Name()); !ok {
				return nil
			}
		}
		rel, _ := filepath.Rel(root, path)
		found, err := scanFile(path, rel, re, params.MaxResults-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= params.MaxResults {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, fs.SkipAll) && ctx.Err() == nil {
		return nil, walkErr
	}

	return json.Marshal(map[string]any{
		"matches": matches,
		"count":   len(matches),
	})
}

func scanFile(path, rel string, re *regexp.Regexp, budget int) ([]searchMatch, error) {
	if budget <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []searchMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.ContainsRune(line, 0) {
			return matches, nil // binary file
		}
		if re.MatchString(line) {
			matches = append(matches, searchMatch{Path: rel, Line: lineNo, Text: strings.TrimSpace(line)})
			if len(matches) >= budget {
				return matches, nil
			}
		}
	}
	return matches, scanner.Err()
}
