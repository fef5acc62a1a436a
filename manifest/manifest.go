// Package manifest reads and rewrites pip-style requirements files.
//
// Only the lines that are rewritten change; every other line, including
// comments, options and blank lines, is written back exactly as it was read.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Entry is one requirement line.
type Entry struct {
	Name     string
	Extras   string // including brackets, e.g. "[dev]"
	Spec     string // version specifier or "@ url"; for URL lines, the URL
	Marker   string // including the leading ";"
	Comment  string // including the leading "#"
	Editable bool
	// how the editable flag was spelled, e.g. "--editable=" or "-e "
	EditableFlag string
	// leading whitespace of the line
	Indent string
	// URL lines name the package through their #egg= fragment
	URL bool
}

type Line struct {
	Raw   string
	Entry *Entry
}

type Manifest struct {
	Path  string
	Lines []Line
	// whether the source ended with a newline
	trailingNewline bool
}

var (
	nameRe = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(\[[^\]]*\])?\s*(.*)$`)
	eggRe  = regexp.MustCompile(`#egg=([A-Za-z0-9][A-Za-z0-9._-]*)(\[[^\]]*\])?`)
	urlRe  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
)

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(path, data)
}

func Parse(path string, data []byte) (*Manifest, error) {
	m := &Manifest{
		Path:            path,
		trailingNewline: bytes.HasSuffix(data, []byte("\n")),
	}
	if len(data) == 0 {
		return m, nil
	}

	text := string(data)
	if m.trailingNewline {
		text = strings.TrimSuffix(text, "\n")
	}

	seen := make(map[string]int)
	for i, raw := range strings.Split(text, "\n") {
		n := i + 1
		e, err := parseLine(raw)
		if err != nil {
			return nil, &PatchError{Path: path, Line: n, Text: strings.TrimSuffix(raw, "\r"), Reason: err.Error()}
		}
		if e != nil {
			if first, ok := seen[e.Name]; ok {
				return nil, &PatchError{
					Path:   path,
					Line:   n,
					Text:   strings.TrimSuffix(raw, "\r"),
					Reason: fmt.Sprintf("duplicate entry %q, first seen on line %d", e.Name, first),
				}
			}
			seen[e.Name] = n
		}
		m.Lines = append(m.Lines, Line{Raw: raw, Entry: e})
	}

	return m, nil
}

// parseLine returns a nil entry for lines that are not requirements.
func parseLine(raw string) (*Entry, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.HasPrefix(s, "#") {
		return nil, nil
	}

	e := &Entry{
		Indent: raw[:len(raw)-len(strings.TrimLeft(raw, " \t"))],
	}
	switch {
	case strings.HasPrefix(s, "-e "), strings.HasPrefix(s, "-e\t"), strings.HasPrefix(s, "--editable "), strings.HasPrefix(s, "--editable="):
		e.Editable = true
		rest := strings.TrimPrefix(s, "-e")
		rest = strings.TrimPrefix(rest, "--editable")
		rest = strings.TrimLeft(strings.TrimPrefix(rest, "="), " \t")
		e.EditableFlag = s[:len(s)-len(rest)]
		s = rest
	case strings.HasPrefix(s, "-"):
		// -r, -c, --index-url and friends
		return nil, nil
	}

	// pip only treats a # preceded by whitespace as a comment
	if i := commentIndex(s); i >= 0 {
		e.Comment = strings.TrimSpace(s[i:])
		s = strings.TrimSpace(s[:i])
	}

	if i := strings.Index(s, ";"); i >= 0 {
		e.Marker = "; " + strings.TrimSpace(s[i+1:])
		s = strings.TrimSpace(s[:i])
	}

	if s == "" {
		return nil, fmt.Errorf("missing requirement")
	}

	if isURL(s) {
		m := eggRe.FindStringSubmatch(s)
		if m == nil {
			return nil, fmt.Errorf("cannot name url requirement without #egg=")
		}
		e.URL = true
		e.Name = m[1]
		e.Extras = m[2]
		e.Spec = s
		return e, nil
	}
	if e.Editable {
		// editable local paths are not something we can pin
		return nil, nil
	}

	m := nameRe.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("unrecognised requirement")
	}
	e.Name = m[1]
	e.Extras = m[2]
	e.Spec = strings.TrimSpace(m[3])
	if e.Spec != "" && !strings.ContainsAny(e.Spec[:1], "<>=!~@(") {
		return nil, fmt.Errorf("unrecognised version specifier %q", e.Spec)
	}

	return e, nil
}

func commentIndex(s string) int {
	for i := 1; i < len(s); i++ {
		if s[i] == '#' && (s[i-1] == ' ' || s[i-1] == '\t') {
			return i
		}
	}
	return -1
}

func isURL(s string) bool {
	return urlRe.MatchString(s)
}

// Entries returns the requirement entries in file order.
func (m *Manifest) Entries() []Entry {
	var es []Entry
	for _, l := range m.Lines {
		if l.Entry != nil {
			es = append(es, *l.Entry)
		}
	}
	return es
}

// Lookup finds the entry with exactly the given name.
func (m *Manifest) Lookup(name string) (int, *Entry) {
	for i, l := range m.Lines {
		if l.Entry != nil && l.Entry.Name == name {
			return i, l.Entry
		}
	}
	return -1, nil
}

func (m *Manifest) Bytes() []byte {
	var b bytes.Buffer
	for i, l := range m.Lines {
		b.WriteString(l.Raw)
		if i < len(m.Lines)-1 || m.trailingNewline {
			b.WriteByte('\n')
		}
	}
	return b.Bytes()
}

func (m *Manifest) WriteFile(path string) error {
	return os.WriteFile(path, m.Bytes(), 0o644)
}

// Render writes an entry back out, keeping its indentation and the spelling
// of its editable flag.
func (e Entry) Render() string {
	var b strings.Builder
	b.WriteString(e.Indent)
	if e.Editable {
		if e.EditableFlag != "" {
			b.WriteString(e.EditableFlag)
		} else {
			b.WriteString("-e ")
		}
	}
	if e.URL {
		b.WriteString(e.Spec)
	} else {
		b.WriteString(e.Name)
		b.WriteString(e.Extras)
		if e.Spec != "" {
			if strings.HasPrefix(e.Spec, "@") {
				b.WriteString(" ")
			}
			b.WriteString(e.Spec)
		}
	}
	if e.Marker != "" {
		b.WriteString(" ")
		b.WriteString(e.Marker)
	}
	if e.Comment != "" {
		b.WriteString("  ")
		b.WriteString(e.Comment)
	}
	return b.String()
}

func (m *Manifest) clone() *Manifest {
	c := &Manifest{
		Path:            m.Path,
		Lines:           make([]Line, len(m.Lines)),
		trailingNewline: m.trailingNewline,
	}
	for i, l := range m.Lines {
		c.Lines[i] = l
		if l.Entry != nil {
			e := *l.Entry
			c.Lines[i].Entry = &e
		}
	}
	return c
}
