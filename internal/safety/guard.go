// Package safety screens worker shell commands against a deny list
// before any subprocess is spawned.
package safety

import (
	"fmt"
	"regexp"

	"github.com/zjrosen/aio/internal/log"
)

// rule pairs a compiled pattern with the reason reported on a match.
type rule struct {
	re     *regexp.Regexp
	reason string
}

// builtinPatterns is the standing deny list. All patterns match
// case-insensitively against the whole command line.
var builtinPatterns = []struct {
	pattern string
	reason  string
}{
	{`rm\s+(-[a-z]+\s+)*(-[a-z]*[rf][a-z]*\s+)+("|')?(/|~/?|\*|\.\.)("|')?(\s|;|$)`,
		"recursive deletion of root, home, everything, or parent"},
	{`>\s*/dev/(sd|hd|nvme|vd|disk)`, "raw device write"},
	{`\bmkfs(\.\w+)?\b`, "filesystem format"},
	{`\bdd\s+[^|;&]*of=/dev/`, "dd onto a device"},
	{`git\s+push\s+[^|;&]*(--force\b|-f\b)`, "force push"},
	{`git\s+reset\s+--hard`, "hard reset"},
	{`git\s+clean\s+-[a-z]*f`, "aggressive git clean"},
	{`(cat|less|more|head|tail|grep|cp|mv|scp)\s+[^|;&]*\.env\b`, "credential file read"},
	{`>>?\s*[^|;&\s]*\.env\b`, "credential file write"},
	{`(curl|wget)\s+[^|;&]*\|\s*(sudo\s+)?\w*sh\b`, "remote script piped into a shell"},
	{`\bproduction\b`, "mentions production"},
}

// Verdict is the result of screening one command.
type Verdict struct {
	Blocked bool
	Pattern string // source of the rule that matched
	Reason  string // short explanation for the caller
}

// Guard screens commands against the built-in deny list plus any
// configured extras. A nil Guard allows everything.
type Guard struct {
	rules []rule
}

// NewGuard compiles the deny list. Extra patterns come from configuration
// and are rejected at startup rather than at check time.
func NewGuard(extraPatterns []string) (*Guard, error) {
	rules := make([]rule, 0, len(builtinPatterns)+len(extraPatterns))
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(`(?i)` + p.pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling deny pattern %q: %w", p.pattern, err)
		}
		rules = append(rules, rule{re: re, reason: p.reason})
	}
	for _, p := range extraPatterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compiling extra deny pattern %q: %w", p, err)
		}
		rules = append(rules, rule{re: re, reason: "matched configured deny pattern"})
	}
	return &Guard{rules: rules}, nil
}

// Check screens a command. The first matching rule wins.
func (g *Guard) Check(command string) Verdict {
	if g == nil {
		return Verdict{}
	}
	for _, r := range g.rules {
		if r.re.MatchString(command) {
			log.Warn(log.CatSafety, "Command blocked", "reason", r.reason, "command", command)
			return Verdict{
				Blocked: true,
				Pattern: r.re.String(),
				Reason:  r.reason,
			}
		}
	}
	return Verdict{}
}
