// Package resolver selects the SOP document that should handle a task
// description: lexical candidate matching with an LLM disambiguation pass,
// falling back to vector retrieval plus a hard-constrained tool-selection
// call.
package resolver

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchKind records how a lexical candidate was found.
type MatchKind string

const (
	MatchDocID    MatchKind = "doc_id"
	MatchFilename MatchKind = "filename"
)

// Candidate is one lexically matched document.
type Candidate struct {
	DocID       string
	Description string
	Aliases     []string
	Kind        MatchKind
	// Matched is the literal string that matched inside the description.
	Matched string
}

var alphanumeric = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// wordBoundaryMatch reports whether needle occurs in haystack bounded by
// non-word characters, case-insensitively.
func wordBoundaryMatch(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	pattern := `(?i)(^|[^a-zA-Z0-9_])` + regexp.QuoteMeta(needle) + `($|[^a-zA-Z0-9_])`
	matched, err := regexp.MatchString(pattern, haystack)
	return err == nil && matched
}

// docInfo is the corpus view the matcher needs.
type docInfo struct {
	DocID       string
	Description string
	Aliases     []string
}

// lexicalCandidates builds the deduped candidate set for a description.
// Purely alphanumeric ids and filenames are considered too generic and are
// skipped; the terminal filename is additionally tried with its .md suffix.
func lexicalCandidates(description string, docs []docInfo) []Candidate {
	var out []Candidate
	seen := make(map[string]bool)
	add := func(d docInfo, kind MatchKind, matched string) {
		if seen[d.DocID] {
			return
		}
		seen[d.DocID] = true
		out = append(out, Candidate{
			DocID:       d.DocID,
			Description: d.Description,
			Aliases:     d.Aliases,
			Kind:        kind,
			Matched:     matched,
		})
	}
	for _, d := range docs {
		if !alphanumeric.MatchString(d.DocID) && wordBoundaryMatch(description, d.DocID) {
			add(d, MatchDocID, d.DocID)
			continue
		}
		filename := terminalSegment(d.DocID)
		if !alphanumeric.MatchString(filename) && wordBoundaryMatch(description, filename) {
			add(d, MatchFilename, filename)
			continue
		}
		if wordBoundaryMatch(description, filename+".md") {
			add(d, MatchFilename, filename+".md")
		}
	}
	return out
}

func terminalSegment(docID string) string {
	if i := strings.LastIndex(docID, "/"); i >= 0 {
		return docID[i+1:]
	}
	return docID
}

// explicitReferencePatterns are the forms that let a single candidate be
// adopted without LLM disambiguation.
var explicitReferenceTemplates = []string{
	`(?i)follow\s+%s`,
	"(?i)!`%s`",
	`(?i)根据\s*%s`,
	`(?i)根据文档\s*%s`,
}

// isExplicitReference reports whether the description references the
// candidate through one of the explicit patterns (by id or filename, with or
// without the .md suffix).
func isExplicitReference(description string, c Candidate) bool {
	refs := []string{c.DocID, c.DocID + ".md", terminalSegment(c.DocID), terminalSegment(c.DocID) + ".md"}
	for _, tmpl := range explicitReferenceTemplates {
		for _, ref := range refs {
			pattern := fmt.Sprintf(tmpl, regexp.QuoteMeta(ref))
			if matched, err := regexp.MatchString(pattern, description); err == nil && matched {
				return true
			}
		}
	}
	return false
}
