// Package identity persists the human-readable identity documents:
// IDENTITY, USER_PROFILE and PREFERENCES, plus the end-of-session
// conversation memory and its rotating archive. Documents carry a small
// frontmatter (key: value pairs between "---" sentinels) ahead of a
// free-form body; the parser tolerates unknown keys and the writer never
// reorders or rewrites body content on minimal updates.
package identity

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// DOCUMENT GRAMMAR
// =============================================================================

const frontmatterSentinel = "---"

// Document is one parsed identity file.
type Document struct {
	Name        string
	Frontmatter map[string]string
	keyOrder    []string
	Body        string
}

// NewDocument creates an empty document with the given name.
func NewDocument(name string) *Document {
	return &Document{Name: name, Frontmatter: map[string]string{}}
}

// ParseDocument reads the frontmatter grammar. A document without a
// leading sentinel is all body. An opened but unterminated frontmatter
// block is corrupt.
func ParseDocument(name, raw string) (*Document, error) {
	doc := NewDocument(name)

	if !strings.HasPrefix(raw, frontmatterSentinel+"\n") && raw != frontmatterSentinel {
		doc.Body = raw
		return doc, nil
	}

	lines := strings.Split(raw, "\n")
	closed := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontmatterSentinel {
			closed = i
			break
		}
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("identity: malformed frontmatter line %d in %s: %q", i+1, name, line)
		}
		key = strings.TrimSpace(key)
		if _, exists := doc.Frontmatter[key]; !exists {
			doc.keyOrder = append(doc.keyOrder, key)
		}
		doc.Frontmatter[key] = strings.TrimSpace(value)
	}
	if closed < 0 {
		return nil, fmt.Errorf("identity: unterminated frontmatter in %s", name)
	}

	doc.Body = strings.Join(lines[closed+1:], "\n")
	return doc, nil
}

// Set writes a frontmatter field, preserving first-seen key order.
func (d *Document) Set(key, value string) {
	if _, exists := d.Frontmatter[key]; !exists {
		d.keyOrder = append(d.keyOrder, key)
	}
	d.Frontmatter[key] = value
}

// Get reads a frontmatter field.
func (d *Document) Get(key string) string {
	return d.Frontmatter[key]
}

// Render serializes the document. Frontmatter keys keep their original
// order; keys set only programmatically sort after them. The body is
// emitted byte for byte.
func (d *Document) Render() string {
	var b strings.Builder
	if len(d.Frontmatter) > 0 {
		b.WriteString(frontmatterSentinel + "\n")
		seen := make(map[string]bool)
		for _, key := range d.keyOrder {
			if _, ok := d.Frontmatter[key]; !ok || seen[key] {
				continue
			}
			seen[key] = true
			fmt.Fprintf(&b, "%s: %s\n", key, d.Frontmatter[key])
		}
		var rest []string
		for key := range d.Frontmatter {
			if !seen[key] {
				rest = append(rest, key)
			}
		}
		sort.Strings(rest)
		for _, key := range rest {
			fmt.Fprintf(&b, "%s: %s\n", key, d.Frontmatter[key])
		}
		b.WriteString(frontmatterSentinel + "\n")
	}
	b.WriteString(d.Body)
	return b.String()
}
