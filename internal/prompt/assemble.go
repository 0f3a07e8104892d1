package prompt

import (
	"fmt"
	"strings"

	"github.com/studiora/mentorcore/models"
)

// Combine formats retrieved chunks into a single block for prompt
// injection: numbered sections in input order with source attribution
// when the metadata carries one. Pure; empty input yields "".
func Combine(chunks []models.DocumentChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	sections := make([]string, 0, len(chunks))
	for i, c := range chunks {
		var b strings.Builder
		fmt.Fprintf(&b, "[Document %d]\n", i+1)
		if src := c.Source(); src != "" {
			if name := c.Filename(); name != "" && name != src {
				fmt.Fprintf(&b, "Source: %s (%s)\n", src, name)
			} else {
				fmt.Fprintf(&b, "Source: %s\n", src)
			}
		}
		b.WriteString(strings.TrimSpace(c.Content))
		sections = append(sections, b.String())
	}
	return strings.Join(sections, "\n\n---\n\n")
}
