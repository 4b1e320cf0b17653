package artifacts

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// UnifiedDiff renders a line-based unified diff between two contents.
// Applying the result to oldContent yields newContent.
func UnifiedDiff(oldPath, newPath, oldContent, newContent string) string {
	if oldContent == newContent {
		return ""
	}
	if oldPath == "" {
		oldPath = newPath
	}

	dmp := diffmatchpatch.New()
	oldChars, newChars, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(oldChars, newChars, false), lines)

	var body strings.Builder
	var oldCount, newCount int
	for _, diff := range diffs {
		for _, line := range splitLines(diff.Text) {
			switch diff.Type {
			case diffmatchpatch.DiffDelete:
				body.WriteString("-" + line + "\n")
				oldCount++
			case diffmatchpatch.DiffInsert:
				body.WriteString("+" + line + "\n")
				newCount++
			case diffmatchpatch.DiffEqual:
				body.WriteString(" " + line + "\n")
				oldCount++
				newCount++
			}
		}
	}

	var out strings.Builder
	fmt.Fprintf(&out, "--- a/%s\n", oldPath)
	fmt.Fprintf(&out, "+++ b/%s\n", newPath)
	fmt.Fprintf(&out, "@@ -1,%d +1,%d @@\n", oldCount, newCount)
	out.WriteString(body.String())
	return out.String()
}

// ApplyUnifiedDiff replays a diff produced by UnifiedDiff against content.
// It exists so the artifact invariant (prior + diff = current) is checkable.
func ApplyUnifiedDiff(oldContent, diff string) (string, error) {
	lines := strings.Split(diff, "\n")
	var out strings.Builder
	oldLines := splitLines(oldContent)
	oldIdx := 0

	started := false
	for _, line := range lines {
		if strings.HasPrefix(line, "@@") {
			started = true
			continue
		}
		if !started {
			continue
		}
		switch {
		case strings.HasPrefix(line, "-"):
			want := line[1:]
			if oldIdx >= len(oldLines) || oldLines[oldIdx] != want {
				return "", fmt.Errorf("diff does not apply at line %d", oldIdx+1)
			}
			oldIdx++
		case strings.HasPrefix(line, "+"):
			out.WriteString(line[1:] + "\n")
		case strings.HasPrefix(line, " "):
			want := line[1:]
			if oldIdx >= len(oldLines) || oldLines[oldIdx] != want {
				return "", fmt.Errorf("diff does not apply at line %d", oldIdx+1)
			}
			out.WriteString(want + "\n")
			oldIdx++
		}
	}

	result := out.String()
	// The renderer is line-terminated; trim the synthetic trailing newline
	// when the old content did not end with one.
	if !strings.HasSuffix(oldContent, "\n") || result == "" {
		result = strings.TrimSuffix(result, "\n")
	}
	return result, nil
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
