package git

import (
	"fmt"
	"strconv"
	"strings"
)

// Hunk is one @@-delimited block of a file diff. Lines keep their leading
// '+', '-' or ' ' marker.
type Hunk struct {
	OldStart int      `json:"old_start"`
	OldCount int      `json:"old_count"`
	NewStart int      `json:"new_start"`
	NewCount int      `json:"new_count"`
	Lines    []string `json:"lines"`
}

// FileDiff is the parsed diff of a single file. FileA/FileB are the old and
// new paths with the a/ b/ prefixes stripped; /dev/null maps to "".
type FileDiff struct {
	FileA string `json:"file_a"`
	FileB string `json:"file_b"`
	Hunks []Hunk `json:"hunks"`
}

// ParseDiff consumes unified diff text and yields one FileDiff per file.
// Malformed or empty input yields an empty slice.
func ParseDiff(text string) []FileDiff {
	files := []FileDiff{}
	if strings.TrimSpace(text) == "" {
		return files
	}

	var current *FileDiff
	var hunk *Hunk

	flushHunk := func() {
		if current != nil && hunk != nil {
			current.Hunks = append(current.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if current != nil {
			files = append(files, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			fileA, fileB := parseGitHeader(line)
			current = &FileDiff{FileA: fileA, FileB: fileB, Hunks: []Hunk{}}

		case strings.HasPrefix(line, "--- "):
			if current != nil {
				current.FileA = stripPathPrefix(strings.TrimPrefix(line, "--- "))
			}

		case strings.HasPrefix(line, "+++ "):
			if current != nil {
				current.FileB = stripPathPrefix(strings.TrimPrefix(line, "+++ "))
			}

		case strings.HasPrefix(line, "@@ "):
			if current == nil {
				continue
			}
			flushHunk()
			if h, ok := parseHunkHeader(line); ok {
				hunk = &h
			}

		case hunk != nil && len(line) > 0 && (line[0] == '+' || line[0] == '-' || line[0] == ' ' || line[0] == '\\'):
			hunk.Lines = append(hunk.Lines, line)
		}
	}
	flushFile()
	return files
}

// SerializeDiff renders parsed file diffs back to unified diff text. It is
// the inverse of ParseDiff for diffs without index/mode decoration.
func SerializeDiff(files []FileDiff) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n", orDevNull(f.FileA, f.FileB), orDevNull(f.FileB, f.FileA))
		if f.FileA == "" {
			b.WriteString("--- /dev/null\n")
		} else {
			fmt.Fprintf(&b, "--- a/%s\n", f.FileA)
		}
		if f.FileB == "" {
			b.WriteString("+++ /dev/null\n")
		} else {
			fmt.Fprintf(&b, "+++ b/%s\n", f.FileB)
		}
		for _, h := range f.Hunks {
			fmt.Fprintf(&b, "@@ -%s +%s @@\n", formatRange(h.OldStart, h.OldCount), formatRange(h.NewStart, h.NewCount))
			for _, line := range h.Lines {
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// parseGitHeader extracts the two paths from a "diff --git a/X b/Y" line.
func parseGitHeader(line string) (string, string) {
	rest := strings.TrimPrefix(line, "diff --git ")
	parts := strings.SplitN(rest, " b/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return strings.TrimPrefix(parts[0], "a/"), parts[1]
}

func stripPathPrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "/dev/null" {
		return ""
	}
	p = strings.TrimPrefix(p, "a/")
	p = strings.TrimPrefix(p, "b/")
	return p
}

// parseHunkHeader parses "@@ -oldStart[,oldCount] +newStart[,newCount] @@".
// Omitted counts default to 1.
func parseHunkHeader(line string) (Hunk, bool) {
	rest := strings.TrimPrefix(line, "@@ ")
	end := strings.Index(rest, " @@")
	if end < 0 {
		return Hunk{}, false
	}
	ranges := strings.Fields(rest[:end])
	if len(ranges) != 2 || !strings.HasPrefix(ranges[0], "-") || !strings.HasPrefix(ranges[1], "+") {
		return Hunk{}, false
	}
	oldStart, oldCount, ok := parseRange(ranges[0][1:])
	if !ok {
		return Hunk{}, false
	}
	newStart, newCount, ok := parseRange(ranges[1][1:])
	if !ok {
		return Hunk{}, false
	}
	return Hunk{
		OldStart: oldStart, OldCount: oldCount,
		NewStart: newStart, NewCount: newCount,
		Lines: []string{},
	}, true
}

func parseRange(r string) (int, int, bool) {
	start, count := r, "1"
	if idx := strings.Index(r, ","); idx >= 0 {
		start, count = r[:idx], r[idx+1:]
	}
	s, err := strconv.Atoi(start)
	if err != nil {
		return 0, 0, false
	}
	c, err := strconv.Atoi(count)
	if err != nil {
		return 0, 0, false
	}
	return s, c, true
}

func formatRange(start, count int) string {
	if count == 1 {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

func orDevNull(p, fallback string) string {
	if p == "" {
		return fallback
	}
	return p
}
