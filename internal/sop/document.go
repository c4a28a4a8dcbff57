// Package sop loads Standard Operating Procedure documents: markdown files
// whose YAML front matter binds a tool and whose `## Section` headings are
// addressable as parameter bodies.
package sop

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"docflow/internal/logging"
)

// ToolBinding names the tool a document drives and its parameter templates.
type ToolBinding struct {
	ToolID     string            `yaml:"tool_id"`
	Parameters map[string]string `yaml:"parameters"`
}

// Document is one parsed SOP.
type Document struct {
	DocID       string
	Description string
	Aliases     []string

	Tool ToolBinding

	InputJSONPath  map[string]string
	OutputJSONPath string

	InputDescription  map[string]string
	OutputDescription string

	RequiresPlanningMetadata bool
	SkipNewTaskGeneration    bool

	Body     string
	Sections map[string]string
}

// frontMatter is the YAML shape of the document header.
type frontMatter struct {
	Description              string            `yaml:"description"`
	Aliases                  []string          `yaml:"aliases"`
	Tool                     *ToolBinding      `yaml:"tool"`
	InputJSONPath            map[string]string `yaml:"input_json_path"`
	OutputJSONPath           string            `yaml:"output_json_path"`
	InputDescription         map[string]string `yaml:"input_description"`
	OutputDescription        string            `yaml:"output_description"`
	RequiresPlanningMetadata bool              `yaml:"requires_planning_metadata"`
	SkipNewTaskGeneration    bool              `yaml:"skip_new_task_generation"`
}

var sectionHeading = regexp.MustCompile(`(?m)^## +(.+?) *$`)

// Parse builds a Document from raw file content. The content must open with
// a `---` front-matter fence.
func Parse(docID string, content string, logger logging.Logger) (*Document, error) {
	logger = logging.OrNop(logger)
	front, body, err := splitFrontMatter(content)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", docID, err)
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return nil, fmt.Errorf("document %s: parse front matter: %w", docID, err)
	}
	if fm.Tool == nil {
		return nil, fmt.Errorf("document %s: missing tool", docID)
	}
	if strings.TrimSpace(fm.Tool.ToolID) == "" {
		return nil, fmt.Errorf("document %s: missing tool.tool_id", docID)
	}

	doc := &Document{
		DocID:                    docID,
		Description:              strings.TrimSpace(fm.Description),
		Tool:                     *fm.Tool,
		InputJSONPath:            fm.InputJSONPath,
		OutputJSONPath:           fm.OutputJSONPath,
		InputDescription:         fm.InputDescription,
		OutputDescription:        strings.TrimSpace(fm.OutputDescription),
		RequiresPlanningMetadata: fm.RequiresPlanningMetadata,
		SkipNewTaskGeneration:    fm.SkipNewTaskGeneration,
		Body:                     body,
	}
	doc.Aliases = normalizeAliases(docID, doc.Description, fm.Aliases)
	doc.Sections = indexSections(body, docID, logger)
	doc.resolveParameterRefs(logger)
	return doc, nil
}

func splitFrontMatter(content string) (front string, body string, err error) {
	trimmed := strings.TrimLeft(content, "\ufeff\n\r ")
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", fmt.Errorf("missing front matter fence")
	}
	rest := trimmed[3:]
	rest = strings.TrimPrefix(rest, "\r\n")
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n---")
	if idx == -1 {
		return "", "", fmt.Errorf("unterminated front matter")
	}
	front = rest[:idx]
	body = rest[idx+4:]
	if nl := strings.Index(body, "\n"); nl >= 0 && strings.TrimSpace(body[:nl]) == "" {
		body = body[nl+1:]
	}
	return front, body, nil
}

// normalizeAliases trims and dedupes aliases, dropping entries that collide
// with the doc id or the "id: description" retrieval form.
func normalizeAliases(docID, description string, raw []string) []string {
	var out []string
	seen := make(map[string]bool)
	idDesc := docID + ": " + description
	for _, alias := range raw {
		alias = strings.TrimSpace(alias)
		if alias == "" || alias == docID || alias == idDesc || seen[alias] {
			continue
		}
		seen[alias] = true
		out = append(out, alias)
	}
	return out
}

// indexSections maps each level-2 heading title to the content up to the next
// level-2 heading or EOF. Duplicate titles keep the first occurrence.
func indexSections(body, docID string, logger logging.Logger) map[string]string {
	sections := make(map[string]string)
	locs := sectionHeading.FindAllStringSubmatchIndex(body, -1)
	for i, loc := range locs {
		title := strings.TrimSpace(body[loc[2]:loc[3]])
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		content := strings.TrimSpace(body[loc[1]:end])
		if _, dup := sections[title]; dup {
			logger.Warn("document %s: duplicate section title %q, keeping first", docID, title)
			continue
		}
		sections[title] = content
	}
	return sections
}

var parameterRef = regexp.MustCompile(`^\{parameters\.(.+)\}$`)

// resolveParameterRefs rewrites tool parameters of the literal form
// `{parameters.X}` to the content of section X.
func (d *Document) resolveParameterRefs(logger logging.Logger) {
	for name, value := range d.Tool.Parameters {
		m := parameterRef.FindStringSubmatch(strings.TrimSpace(value))
		if m == nil {
			continue
		}
		section := strings.TrimSpace(m[1])
		content, ok := d.Sections[section]
		if !ok {
			logger.Warn("document %s: parameter %q references missing section %q", d.DocID, name, section)
			continue
		}
		d.Tool.Parameters[name] = content
	}
}

// Filename returns the terminal path segment of the doc id.
func (d *Document) Filename() string {
	if i := strings.LastIndex(d.DocID, "/"); i >= 0 {
		return d.DocID[i+1:]
	}
	return d.DocID
}
