package subagent

import (
	"regexp"

	"github.com/nextlevelbuilder/haven/internal/skills"
)

// deniedSkills are never handed to a child run, regardless of what the
// caller asked for: no recursion, no run introspection, no direct
// user messaging.
var deniedSkills = map[string]bool{
	"spawn_task":   true,
	"check_tasks":  true,
	"send_message": true,
}

// defaultSkills is the baseline capability set when the caller gives no
// explicit allowlist.
var defaultSkills = []string{
	"read_file", "write_file", "list_files", "exec", "web_search", "web_fetch",
}

// keywordTags maps task phrasing to skill tags. A match pulls in every
// registered skill carrying that tag.
var keywordTags = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`(?i)\b(search|find|look\s+up|research|browse)\b`), "web"},
	{regexp.MustCompile(`(?i)\b(file|read|write|edit|save|list)\b`), "files"},
	{regexp.MustCompile(`(?i)\b(run|execute|command|shell|script|install)\b`), "shell"},
	{regexp.MustCompile(`(?i)\b(remember|memory|recall|memories)\b`), "memory"},
	{regexp.MustCompile(`(?i)\b(remind|schedule|later|tomorrow)\b`), "schedule"},
}

// DeriveCapabilities computes the skill set for a child run: the
// explicit allowlist when given, otherwise the default set widened by
// keyword matches against the task text; then the deny-list is
// subtracted and the result intersected with the live registry.
func DeriveCapabilities(task string, explicit []string, reg *skills.Registry) []string {
	allowed := make(map[string]bool)
	if len(explicit) > 0 {
		for _, name := range explicit {
			allowed[name] = true
		}
	} else {
		for _, name := range defaultSkills {
			allowed[name] = true
		}
		for _, kw := range keywordTags {
			if !kw.re.MatchString(task) {
				continue
			}
			for _, name := range reg.List() {
				for _, tag := range reg.Tags(name) {
					if tag == kw.tag {
						allowed[name] = true
					}
				}
			}
		}
	}

	var out []string
	for _, name := range reg.List() { // sorted
		if allowed[name] && !deniedSkills[name] {
			out = append(out, name)
		}
	}
	return out
}
