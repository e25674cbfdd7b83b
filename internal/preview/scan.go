package preview

import (
	"bytes"
	"fmt"
	"regexp"
)

// securityPattern is one anti-pattern searched for in new content.
type securityPattern struct {
	issueType   string
	description string
	regex       *regexp.Regexp
}

var securityPatterns = []securityPattern{
	{
		issueType:   IssueHardcodedSecret,
		description: "hardcoded credential assignment",
		regex:       regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|api[_-]?key|access[_-]?token|auth[_-]?token|token|private[_-]?key|client[_-]?secret)\b["']?\s*[:=]\s*["'][^"'\s]{4,}["']`),
	},
	{
		issueType:   IssueHardcodedSecret,
		description: "AWS access key id",
		regex:       regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
	},
	{
		issueType:   IssueHardcodedSecret,
		description: "embedded private key",
		regex:       regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
	},
	{
		issueType:   IssueDynamicCode,
		description: "eval() call",
		regex:       regexp.MustCompile(`\beval\s*\(`),
	},
	{
		issueType:   IssueDynamicCode,
		description: "Function constructor",
		regex:       regexp.MustCompile(`\bnew\s+Function\s*\(`),
	},
	{
		issueType:   IssueDynamicCode,
		description: "exec() call",
		regex:       regexp.MustCompile(`(^|[^.\w])exec\s*\(`),
	},
	{
		issueType:   IssueDynamicCode,
		description: "string passed to timer",
		regex:       regexp.MustCompile("\\bset(Timeout|Interval)\\s*\\(\\s*[\"'`]"),
	},
	{
		issueType:   IssueDynamicCode,
		description: "shell command execution",
		regex:       regexp.MustCompile(`\bos\.system\s*\(|\bshell\s*=\s*True\b`),
	},
}

// scanContent reports every line of content matching a security pattern.
// A line yields at most one issue per pattern. Lines have no length limit.
func scanContent(path string, content []byte) []Issue {
	var issues []Issue
	line := 0
	for rest := content; len(rest) > 0; {
		line++
		text := rest
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			text, rest = rest[:i], rest[i+1:]
		} else {
			rest = nil
		}
		text = bytes.TrimSuffix(text, []byte{'\r'})

		for _, p := range securityPatterns {
			if p.regex.Match(text) {
				issues = append(issues, Issue{
					Type:     p.issueType,
					Severity: SeverityWarning,
					Detail:   fmt.Sprintf("%s at %s:%d", p.description, path, line),
					FilePath: path,
					Line:     line,
				})
			}
		}
	}
	return issues
}
