// internal/diff/hunks.go
package diff

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// LineKind indicates whether a line was added, removed, or is context
type LineKind int

const (
	Context LineKind = iota
	Addition
	Deletion
)

// Line is a single line in a body-level diff.
type Line struct {
	Kind LineKind
	Text string
}

// Hunk is a contiguous run of added and removed lines with its position
// in each body, 1-based.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Hunks computes line-level hunks between two bodies via longest common
// subsequence. Used to break a Modified file change down to lines.
func Hunks(left, right []byte) []Hunk {
	oldLines := splitLines(left)
	newLines := splitLines(right)

	lcs := lcsMatrix(oldLines, newLines)

	// Backtrack into an edit script, oldest line first.
	type op struct {
		kind     LineKind
		text     string
		oldIndex int
		newIndex int
	}
	var script []op
	i, j := len(oldLines), len(newLines)
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && bytes.Equal(oldLines[i-1], newLines[j-1]):
			script = append(script, op{Context, string(oldLines[i-1]), i, j})
			i--
			j--
		case j > 0 && (i == 0 || lcs[i][j-1] >= lcs[i-1][j]):
			script = append(script, op{Addition, string(newLines[j-1]), i, j})
			j--
		default:
			script = append(script, op{Deletion, string(oldLines[i-1]), i, j})
			i--
		}
	}
	for a, b := 0, len(script)-1; a < b; a, b = a+1, b-1 {
		script[a], script[b] = script[b], script[a]
	}

	// Group consecutive non-context ops into hunks.
	var hunks []Hunk
	var current *Hunk
	for _, o := range script {
		if o.kind == Context {
			if current != nil {
				hunks = append(hunks, *current)
				current = nil
			}
			continue
		}
		if current == nil {
			current = &Hunk{OldStart: o.oldIndex, NewStart: o.newIndex}
		}
		current.Lines = append(current.Lines, Line{Kind: o.kind, Text: o.text})
		if o.kind == Addition {
			current.NewLines++
		} else {
			current.OldLines++
		}
	}
	if current != nil {
		hunks = append(hunks, *current)
	}
	return hunks
}

func splitLines(body []byte) [][]byte {
	if len(body) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(body, []byte{'\n'}), []byte{'\n'})
}

func lcsMatrix(oldLines, newLines [][]byte) [][]int {
	matrix := make([][]int, len(oldLines)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(newLines)+1)
	}

	for i := 1; i <= len(oldLines); i++ {
		for j := 1; j <= len(newLines); j++ {
			if bytes.Equal(oldLines[i-1], newLines[j-1]) {
				matrix[i][j] = matrix[i-1][j-1] + 1
			} else {
				matrix[i][j] = max(matrix[i-1][j], matrix[i][j-1])
			}
		}
	}

	return matrix
}

// Unified renders a change's bodies as a unified text diff with three
// lines of context, for terminal output.
func Unified(change FileChange) string {
	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(change.LeftBody)),
		B:        difflib.SplitLines(string(change.RightBody)),
		FromFile: fmt.Sprintf("a/%s", change.Name),
		ToFile:   fmt.Sprintf("b/%s", change.Name),
		Context:  3,
	}

	out, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(out, "\n")
}

// Format returns a compact textual form of hunks, like the unified form
// above but without context lines.
func Format(hunks []Hunk) string {
	var buf bytes.Buffer

	for _, hunk := range hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			switch line.Kind {
			case Addition:
				buf.WriteString("+ ")
			case Deletion:
				buf.WriteString("- ")
			case Context:
				buf.WriteString("  ")
			}
			buf.WriteString(line.Text)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}
