// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logparser implements the Log Parser (C5): a pure, stateless
// transform from a raw CI run log blob into a deterministic, ordered
// sequence of structured error records. It performs no I/O and holds no
// state across calls.
package logparser

import (
	"regexp"
	"strconv"
	"strings"
)

// Severity is a conservative classification of how serious a block is.
type Severity string

const (
	SeverityUnknown  Severity = "unknown"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ErrorType classifies the kind of failure a block represents.
type ErrorType string

const (
	ErrorTypeLint       ErrorType = "lint_error"
	ErrorTypeType       ErrorType = "type_error"
	ErrorTypeBuild      ErrorType = "build_failure"
	ErrorTypeTest       ErrorType = "test_failure"
	ErrorTypeDependency ErrorType = "dependency_error"
	ErrorTypeConfig     ErrorType = "config_error"
	ErrorTypeUnknown    ErrorType = "unknown"
)

// ErrorBlock is a single, contiguous diagnostic extracted from a log.
type ErrorBlock struct {
	Step      string
	File      string
	Line      int // 0 means "no line known"
	HasLine   bool
	ErrorType ErrorType
	Message   string
	Severity  Severity
}

// ansiEscape strips ANSI color/control sequences (CSI sequences).
var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

// timestampPrefix matches a leading RFC3339-ish timestamp abcxyz's CI
// runners commonly prepend to each line, e.g. "2024-01-02T15:04:05.000Z ".
var timestampPrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?Z?\s+`)

// Compile/lint-style "path:line:col severity message" lines, e.g.
//
//	src/app.ts:42:5 error 'React' is not defined
//	main.go:10:2: warning: unused import
var filePositionPattern = regexp.MustCompile(
	`^(?P<file>[\w./\-]+\.[\w]+):(?P<line>\d+)(?::(?P<col>\d+))?:?\s+(?P<severity>error|warning|warn)\b:?\s*(?P<message>.*)$`,
)

var moduleNotFoundPattern = regexp.MustCompile(`(?i)module\s+not\s+found|cannot\s+find\s+module|no\s+such\s+file\s+or\s+directory`)
var typeNotAssignablePattern = regexp.MustCompile(`(?i)type\s+'?.+'?\s+is\s+not\s+assignable`)
var assertionPattern = regexp.MustCompile(`(?i)assertionerror|expect\(received\)|assert(ion)?\s+failed`)
var stackTraceHeaderPattern = regexp.MustCompile(`(?i)^(traceback \(most recent call last\)|panic:|fatal error:|unhandled exception|exception in thread)`)
var dependencyPattern = regexp.MustCompile(`(?i)could not resolve dependency|no matching version found|npm err!|failed to fetch`)
var configPattern = regexp.MustCompile(`(?i)invalid configuration|config(uration)? error|unknown (option|flag|key)`)

// Parse extracts a deterministic, ordered sequence of ErrorBlocks from a
// raw log. Parse(x) == Parse(x) for any x; Parse("") returns an empty,
// non-nil slice.
func Parse(raw string) []ErrorBlock {
	lines := splitLines(raw)

	var blocks []ErrorBlock
	var current *ErrorBlock

	flush := func() {
		if current != nil {
			blocks = append(blocks, *current)
			current = nil
		}
	}

	for _, rawLine := range lines {
		line := clean(rawLine)
		if line == "" {
			continue
		}

		if m := matchFilePosition(line); m != nil {
			if current != nil && current.File == m.File && current.Line == m.Line {
				// Contiguous line sharing (file, line): keep the first
				// full message, drop this one as already represented.
				continue
			}
			flush()
			current = m
			continue
		}

		if header := matchStackTraceHeader(line); header != "" {
			flush()
			current = &ErrorBlock{
				Step:      "",
				ErrorType: classify(line),
				Message:   header,
				Severity:  SeverityError,
			}
			continue
		}

		// Non-positional diagnostic lines (dependency/config/assertion)
		// that don't carry a file:line.
		if isStandaloneDiagnostic(line) {
			flush()
			current = &ErrorBlock{
				ErrorType: classify(line),
				Message:   line,
				Severity:  severityOf(line),
			}
			continue
		}

		// A continuation line of the current block: ignore for block
		// identity but nothing else to do (first full message is kept).
	}
	flush()

	if blocks == nil {
		blocks = []ErrorBlock{}
	}
	return blocks
}

func splitLines(raw string) []string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "\n")
}

func clean(line string) string {
	line = ansiEscape.ReplaceAllString(line, "")
	line = timestampPrefix.ReplaceAllString(line, "")
	// Tolerate interleaved stdout/stderr prefixes some runners add.
	line = strings.TrimPrefix(line, "[stdout] ")
	line = strings.TrimPrefix(line, "[stderr] ")
	return strings.TrimRight(line, " \t")
}

func matchFilePosition(line string) *ErrorBlock {
	m := filePositionPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	idx := filePositionPattern.SubexpIndex
	lineNum, _ := strconv.Atoi(m[idx("line")])
	sev := SeverityError
	if strings.HasPrefix(strings.ToLower(m[idx("severity")]), "warn") {
		sev = SeverityWarning
	}
	return &ErrorBlock{
		File:      m[idx("file")],
		Line:      lineNum,
		HasLine:   true,
		ErrorType: classify(line),
		Message:   strings.TrimSpace(m[idx("message")]),
		Severity:  sev,
	}
}

func matchStackTraceHeader(line string) string {
	if stackTraceHeaderPattern.MatchString(line) {
		return line
	}
	return ""
}

func isStandaloneDiagnostic(line string) bool {
	return moduleNotFoundPattern.MatchString(line) ||
		typeNotAssignablePattern.MatchString(line) ||
		assertionPattern.MatchString(line) ||
		dependencyPattern.MatchString(line) ||
		configPattern.MatchString(line)
}

func classify(line string) ErrorType {
	switch {
	case dependencyPattern.MatchString(line) || moduleNotFoundPattern.MatchString(line):
		return ErrorTypeDependency
	case typeNotAssignablePattern.MatchString(line):
		return ErrorTypeType
	case assertionPattern.MatchString(line) || stackTraceHeaderPattern.MatchString(line):
		return ErrorTypeTest
	case configPattern.MatchString(line):
		return ErrorTypeConfig
	case strings.Contains(strings.ToLower(line), "lint"):
		return ErrorTypeLint
	case strings.Contains(strings.ToLower(line), "error"):
		return ErrorTypeBuild
	default:
		return ErrorTypeUnknown
	}
}

func severityOf(line string) Severity {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "fatal"), strings.Contains(lower, "panic"):
		return SeverityCritical
	case strings.Contains(lower, "warn"):
		return SeverityWarning
	default:
		return SeverityError
	}
}
