package tmux

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	ansiPattern = regexp.MustCompile(`\x1b(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)
	oscPattern  = regexp.MustCompile(`\x1b\][^\a\x1b]*(?:\a|\x1b\\)`)
)

// settleFallbackLines is how many trailing lines are returned when the
// command text is not found on screen
const settleFallbackLines = 10

// StripANSI removes terminal escape sequences from captured pane text
func StripANSI(s string) string {
	s = oscPattern.ReplaceAllString(s, "")
	return ansiPattern.ReplaceAllString(s, "")
}

// extractRecentOutput finds the last line containing command and returns the
// non-blank lines after it. If the command is not visible it returns the
// non-blank lines among the last few.
func extractRecentOutput(screen, command string) string {
	lines := strings.Split(screen, "\n")

	idx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.Contains(strings.TrimSpace(lines[i]), command) {
			idx = i
			break
		}
	}

	var from int
	if idx == -1 {
		from = len(lines) - settleFallbackLines
		if from < 0 {
			from = 0
		}
	} else {
		from = idx + 1
	}

	var result []string
	for _, line := range lines[from:] {
		if strings.TrimSpace(line) != "" {
			result = append(result, line)
		}
	}
	return strings.Join(result, "\n")
}

// markers brackets one dispatched command
type markers struct {
	begin string
	end   string
}

func newMarkers(token string) markers {
	return markers{
		begin: "__CB_BEGIN_" + token + "__",
		end:   "__CB_END_" + token + "__",
	}
}

// wrap builds the line sent to the shell. stmt must be a single statement,
// as produced by statement, or the END echo may never run.
func (m markers) wrap(stmt string) string {
	return "echo " + m.begin + "; " + stmt + "; echo " + m.end + ":$?"
}

// sentinelScan is the result of scanning one capture for the markers
type sentinelScan struct {
	started  bool
	finished bool
	exitCode int
	// body holds the lines after BEGIN, up to END when finished, with
	// trailing blank lines removed
	body []string
}

// scan looks for the last BEGIN marker line and the END line that follows it.
// Marker lines must match exactly; the echoed command line never does.
func (m markers) scan(screen string) sentinelScan {
	lines := strings.Split(strings.ReplaceAll(screen, "\r", ""), "\n")

	begin := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimRight(lines[i], " ") == m.begin {
			begin = i
			break
		}
	}
	if begin == -1 {
		return sentinelScan{}
	}

	result := sentinelScan{started: true}
	prefix := m.end + ":"
	end := len(lines)
	for i := begin + 1; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " ")
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		code, err := strconv.Atoi(strings.TrimPrefix(line, prefix))
		if err != nil {
			continue
		}
		result.finished = true
		result.exitCode = code
		end = i
		break
	}

	body := lines[begin+1 : end]
	for len(body) > 0 && strings.TrimSpace(body[len(body)-1]) == "" {
		body = body[:len(body)-1]
	}
	result.body = body
	return result
}
