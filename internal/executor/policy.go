package executor

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
)

// PolicyConfig lists the command restrictions read from the security section
type PolicyConfig struct {
	AllowedCommands []string
	BlockedCommands []string
	BlockedPatterns []string
	AllowedPaths    []string
	BlockedPaths    []string
}

// Policy decides whether a command may be submitted. A nil Policy allows
// everything.
type Policy struct {
	allowed      map[string]struct{}
	blocked      map[string]struct{}
	patterns     []*regexp.Regexp
	allowedPaths []string
	blockedPaths []string
}

// NewPolicy compiles cfg. Empty lists impose no restriction.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	p := &Policy{
		allowed: wordSet(cfg.AllowedCommands),
		blocked: wordSet(cfg.BlockedCommands),
	}
	for _, expr := range cfg.BlockedPatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling blocked pattern %q: %w", expr, err)
		}
		p.patterns = append(p.patterns, re)
	}
	for _, path := range cfg.AllowedPaths {
		p.allowedPaths = append(p.allowedPaths, filepath.Clean(path))
	}
	for _, path := range cfg.BlockedPaths {
		p.blockedPaths = append(p.blockedPaths, filepath.Clean(path))
	}
	return p, nil
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// Check returns a validation error if command or workingDir violates the
// policy. Every segment of a compound command (;, &&, ||, |) is checked.
func (p *Policy) Check(command, workingDir string) error {
	if p == nil {
		return nil
	}

	for _, re := range p.patterns {
		if re.MatchString(command) {
			return execution.Validationf("command matches blocked pattern %q", re.String())
		}
	}

	for _, word := range commandWords(command) {
		if _, ok := p.blocked[word]; ok {
			return execution.Validationf("command %q is blocked", word)
		}
		if len(p.allowed) > 0 {
			if _, ok := p.allowed[word]; !ok {
				return execution.Validationf("command %q is not in the allowed list", word)
			}
		}
	}

	if workingDir == "" {
		return nil
	}
	dir := filepath.Clean(workingDir)
	for _, blocked := range p.blockedPaths {
		if within(dir, blocked) {
			return execution.Validationf("working directory %q is blocked", workingDir)
		}
	}
	if len(p.allowedPaths) > 0 {
		for _, allowed := range p.allowedPaths {
			if within(dir, allowed) {
				return nil
			}
		}
		return execution.Validationf("working directory %q is outside the allowed paths", workingDir)
	}
	return nil
}

var segmentSeparator = regexp.MustCompile(`\|\||&&|[;|&\n]`)

// commandWords returns the program name of each segment of a compound
// command, without leading variable assignments or directories.
func commandWords(command string) []string {
	var words []string
	for _, segment := range segmentSeparator.Split(command, -1) {
		fields := strings.Fields(segment)
		for len(fields) > 0 && isAssignment(fields[0]) {
			fields = fields[1:]
		}
		if len(fields) == 0 {
			continue
		}
		word := strings.TrimLeft(fields[0], "({")
		if word == "" {
			continue
		}
		words = append(words, filepath.Base(word))
	}
	return words
}

func isAssignment(field string) bool {
	i := strings.IndexByte(field, '=')
	return i > 0 && !strings.ContainsAny(field[:i], "/'\"")
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
