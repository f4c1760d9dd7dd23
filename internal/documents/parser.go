package documents

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"storyline/internal/domain"
)

// Role is the structural role a document plays in the plan.
type Role string

const (
	RoleEpic  Role = "epic"
	RoleStory Role = "story"
)

const defaultPriority = "Medium"

var (
	epicFileID   = regexp.MustCompile(`(?i)\bEPIC[-_ ]?0*(\d+)`)
	storyFileID  = regexp.MustCompile(`(?i)\bSTORY[-_ ]?0*(\d+)(?:[._-]0*(\d+))?`)
	epicTitleID  = regexp.MustCompile(`(?i)^epic\s+0*(\d+)\s*:\s*`)
	storyTitleID = regexp.MustCompile(`(?i)^story\s+0*(\d+)(?:\.0*(\d+))?\s*:\s*`)
	epicRefLine  = regexp.MustCompile(`(?im)^[\s>#*_-]*epic[*_]*\s*(?:id)?\s*:[*_\s]*(?:EPIC[-_ ]?)?0*(\d+)`)
	listItem     = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(?:\[[ xX]\]\s*)?(.+)$`)
	fieldHeading = regexp.MustCompile(`(?i)^(status|priority|verification(?:\s+status)?)\s*(?::\s*(.*))?$`)
)

var verifiedValues = map[string]bool{
	"verified": true, "passed": true, "complete": true, "completed": true, "yes": true, "true": true,
}

// Partial holds everything a document yielded. Empty fields mean the section
// was absent; Story and Epic fill in defaults.
type Partial struct {
	Role               Role
	File               string
	ID                 string
	EpicID             string
	Title              string
	Description        string
	Status             string
	Priority           string
	Verification       string
	AcceptanceCriteria []string
	Warnings           []string
}

// Valid reports whether an id could be derived; without one the entity cannot be linked.
func (p Partial) Valid() bool { return p.ID != "" }

func (p Partial) Story() domain.Story {
	s := domain.Story{
		ID:                 p.ID,
		EpicID:             p.EpicID,
		Title:              p.Title,
		Description:        p.Description,
		Status:             orDefault(p.Status, domain.StatusUnknown),
		VerificationStatus: orDefault(p.Verification, "Unverified"),
		AcceptanceCriteria: p.AcceptanceCriteria,
		File:               p.File,
	}
	s.Verified = verifiedValues[strings.ToLower(strings.TrimSpace(p.Verification))]
	if s.Title == "" {
		s.Title = fallbackTitle("Story", p.ID, p.File)
	}
	if s.AcceptanceCriteria == nil {
		s.AcceptanceCriteria = []string{}
	}
	return s
}

func (p Partial) Epic() domain.Epic {
	e := domain.Epic{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Status:      orDefault(p.Status, domain.StatusUnknown),
		Priority:    orDefault(p.Priority, defaultPriority),
		File:        p.File,
	}
	if e.Title == "" {
		e.Title = fallbackTitle("Epic", p.ID, p.File)
	}
	return e
}

type heading struct {
	level     int
	text      string
	lineStart int
	bodyStart int
}

// Parse extracts an entity from markdown text. It never fails: anything it
// cannot find is left empty and noted in Warnings.
func Parse(role Role, filename, content string) Partial {
	src := []byte(content)
	p := Partial{Role: role, File: filename}
	hs := scanHeadings(src)

	for _, h := range hs {
		if h.level == 1 {
			p.Title = strings.TrimSpace(h.text)
			break
		}
	}

	switch role {
	case RoleEpic:
		p.ID = epicID(filename, p.Title)
		if m := epicTitleID.FindStringSubmatch(p.Title); m != nil {
			p.Title = strings.TrimSpace(p.Title[len(m[0]):])
		}
		p.Description = sectionBody(src, hs, "epic description", "description")
	case RoleStory:
		p.ID, p.EpicID = storyID(filename, p.Title)
		if m := storyTitleID.FindStringSubmatch(p.Title); m != nil {
			p.Title = strings.TrimSpace(p.Title[len(m[0]):])
		}
		if p.EpicID == "" {
			if m := epicRefLine.FindStringSubmatch(content); m != nil {
				p.EpicID = m[1]
			}
		}
		p.Description = sectionBody(src, hs, "user story", "description")
		p.AcceptanceCriteria = listItems(sectionBody(src, hs, "acceptance criteria"))
	}

	for i, h := range hs {
		m := fieldHeading.FindStringSubmatch(strings.TrimSpace(h.text))
		if m == nil {
			continue
		}
		value := cleanValue(m[2])
		if value == "" {
			value = cleanValue(firstLine(body(src, hs, i)))
		}
		switch field := strings.ToLower(m[1]); {
		case field == "status" && p.Status == "":
			p.Status = value
		case field == "priority" && p.Priority == "":
			p.Priority = value
		case strings.HasPrefix(field, "verification") && p.Verification == "":
			p.Verification = value
		}
	}

	if p.ID == "" {
		p.Warnings = append(p.Warnings, fmt.Sprintf("no %s id in filename or title", role))
	}
	if p.Title == "" {
		p.Warnings = append(p.Warnings, "no level-1 heading")
	}
	if p.Status == "" {
		p.Warnings = append(p.Warnings, "no status line")
	}
	return p
}

func scanHeadings(src []byte) []heading {
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))
	var hs []heading
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := h.Lines()
		if lines.Len() == 0 {
			return ast.WalkSkipChildren, nil
		}
		var parts []string
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			parts = append(parts, strings.TrimSpace(string(seg.Value(src))))
		}
		first, last := lines.At(0), lines.At(lines.Len()-1)
		hs = append(hs, heading{
			level:     h.Level,
			text:      strings.Join(parts, " "),
			lineStart: lineStart(src, first.Start),
			bodyStart: skipUnderline(src, lineEnd(src, last.Stop)),
		})
		return ast.WalkSkipChildren, nil
	})
	return hs
}

func lineStart(src []byte, pos int) int {
	for pos > 0 && src[pos-1] != '\n' {
		pos--
	}
	return pos
}

func lineEnd(src []byte, pos int) int {
	for pos < len(src) && src[pos] != '\n' {
		pos++
	}
	if pos < len(src) {
		pos++
	}
	return pos
}

// skipUnderline steps over a setext underline directly below a heading.
func skipUnderline(src []byte, pos int) int {
	end := lineEnd(src, pos)
	line := strings.TrimSpace(string(src[pos:end]))
	if line != "" && (strings.Trim(line, "=") == "" || strings.Trim(line, "-") == "") {
		return end
	}
	return pos
}

// body returns the text between heading i and the next heading of any level.
func body(src []byte, hs []heading, i int) string {
	end := len(src)
	if i+1 < len(hs) {
		end = hs[i+1].lineStart
	}
	start := hs[i].bodyStart
	if start > end {
		return ""
	}
	return strings.TrimSpace(string(src[start:end]))
}

// sectionBody returns the body of the first level-2+ heading whose text
// matches one of names, checked in order of preference.
func sectionBody(src []byte, hs []heading, names ...string) string {
	for _, name := range names {
		for i, h := range hs {
			if h.level < 2 {
				continue
			}
			if strings.EqualFold(strings.TrimRight(strings.TrimSpace(h.text), ":"), name) {
				return body(src, hs, i)
			}
		}
	}
	return ""
}

func listItems(section string) []string {
	var items []string
	for _, line := range strings.Split(section, "\n") {
		if m := listItem.FindStringSubmatch(line); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
		}
	}
	return items
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

func cleanValue(v string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(v), "*_`"))
}

func epicID(filename, title string) string {
	if m := epicFileID.FindStringSubmatch(filepath.Base(filename)); m != nil {
		return m[1]
	}
	if m := epicTitleID.FindStringSubmatch(title); m != nil {
		return m[1]
	}
	return ""
}

// storyID returns the story id and, when the id is qualified, its epic id.
func storyID(filename, title string) (string, string) {
	match := func(m []string) (string, string) {
		if m[2] != "" {
			return m[1] + "." + m[2], m[1]
		}
		return m[1], ""
	}
	if m := storyFileID.FindStringSubmatch(filepath.Base(filename)); m != nil {
		return match(m)
	}
	if m := storyTitleID.FindStringSubmatch(title); m != nil {
		return match(m)
	}
	return "", ""
}

func fallbackTitle(kind, id, file string) string {
	if id != "" {
		return kind + " " + id
	}
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
