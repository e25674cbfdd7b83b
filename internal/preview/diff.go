package preview

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

// lineOp is one line of a line-level edit script: ' ' kept, '-' removed, '+' added.
type lineOp struct {
	kind byte
	text string
}

// diffLines computes a line-level edit script from original to updated.
func diffLines(original, updated string) []lineOp {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(original, updated)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []lineOp
	for _, d := range diffs {
		kind := byte(' ')
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = '-'
		case diffmatchpatch.DiffInsert:
			kind = '+'
		}
		for _, line := range splitLines(d.Text) {
			ops = append(ops, lineOp{kind: kind, text: line})
		}
	}

	// removals precede additions within a change block
	for i := 0; i < len(ops); {
		if ops[i].kind == ' ' {
			i++
			continue
		}
		j := i
		for j < len(ops) && ops[j].kind != ' ' {
			j++
		}
		block := ops[i:j]
		sort.SliceStable(block, func(a, b int) bool { return block[a].kind == '-' && block[b].kind == '+' })
		i = j
	}
	return ops
}

// splitLines splits s after every newline, keeping the terminators.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// buildHunks groups an edit script into unified diff hunks with the given
// number of context lines around each change.
func buildHunks(ops []lineOp, context int) []*diff.Hunk {
	n := len(ops)
	origAt := make([]int, n+1)
	newAt := make([]int, n+1)
	for i, op := range ops {
		origAt[i+1], newAt[i+1] = origAt[i], newAt[i]
		if op.kind != '+' {
			origAt[i+1]++
		}
		if op.kind != '-' {
			newAt[i+1]++
		}
	}

	var hunks []*diff.Hunk
	for i := 0; i < n; {
		if ops[i].kind == ' ' {
			i++
			continue
		}

		start := max(0, i-context)
		end := i
		for j := i; j < n; {
			if ops[j].kind != ' ' {
				j++
				end = j
				continue
			}
			k := j
			for k < n && ops[k].kind == ' ' {
				k++
			}
			if k == n || k-j > 2*context {
				break
			}
			j = k
		}
		stop := min(n, end+context)

		hunks = append(hunks, newHunk(ops[start:stop], origAt[start], origAt[stop], newAt[start], newAt[stop]))
		i = stop
	}
	return hunks
}

func newHunk(ops []lineOp, origFrom, origTo, newFrom, newTo int) *diff.Hunk {
	var body strings.Builder
	var origNoNewlineAt int32
	for i, op := range ops {
		body.WriteByte(op.kind)
		body.WriteString(op.text)
		// a missing final newline on the last line is rendered by the printer
		if !strings.HasSuffix(op.text, "\n") && i < len(ops)-1 {
			body.WriteByte('\n')
			if op.kind == '-' {
				origNoNewlineAt = int32(body.Len())
			}
		}
	}

	h := &diff.Hunk{
		OrigStartLine:   int32(origFrom + 1),
		OrigLines:       int32(origTo - origFrom),
		NewStartLine:    int32(newFrom + 1),
		NewLines:        int32(newTo - newFrom),
		OrigNoNewlineAt: origNoNewlineAt,
		Body:            []byte(body.String()),
	}
	// an empty range names the line before it
	if h.OrigLines == 0 {
		h.OrigStartLine = int32(origFrom)
	}
	if h.NewLines == 0 {
		h.NewStartLine = int32(newFrom)
	}
	return h
}

// unifiedDiff renders the change from original to updated as a unified
// diff and returns it with the added and removed line counts.
func unifiedDiff(path string, original, updated []byte, context int) (string, int, int, error) {
	ops := diffLines(string(original), string(updated))

	var additions, deletions int
	for _, op := range ops {
		switch op.kind {
		case '+':
			additions++
		case '-':
			deletions++
		}
	}

	hunks := buildHunks(ops, context)
	if len(hunks) == 0 {
		return "", 0, 0, nil
	}

	fd := &diff.FileDiff{
		OrigName: "a/" + strings.TrimPrefix(path, "/"),
		NewName:  "b/" + strings.TrimPrefix(path, "/"),
		Hunks:    hunks,
	}
	if original == nil {
		fd.OrigName = devNull
	}
	if updated == nil {
		fd.NewName = devNull
	}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", additions, deletions, err
	}
	return string(out), additions, deletions, nil
}
