package sop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shellDoc = `---
description: Run a shell command and capture its output
aliases:
  - run command
  - execute shell
tool:
  tool_id: local_shell
  parameters:
    command: "{command}"
input_json_path:
  command: "$.['_temp_input_command']"
output_json_path: "$.shell_result"
input_description:
  command: the exact command line to run
output_description: stdout, stderr and the exit code of the command
---
# Shell execution

## Usage

Run exactly one command per task.

## Notes

Long-running commands should be backgrounded by the caller.
`

func TestParseDocument(t *testing.T) {
	doc, err := Parse("system/shell", shellDoc, nil)
	require.NoError(t, err)

	assert.Equal(t, "system/shell", doc.DocID)
	assert.Equal(t, "Run a shell command and capture its output", doc.Description)
	assert.Equal(t, []string{"run command", "execute shell"}, doc.Aliases)
	assert.Equal(t, "local_shell", doc.Tool.ToolID)
	assert.Equal(t, "{command}", doc.Tool.Parameters["command"])
	assert.Equal(t, "$.['_temp_input_command']", doc.InputJSONPath["command"])
	assert.Equal(t, "$.shell_result", doc.OutputJSONPath)
	assert.Equal(t, "shell", doc.Filename())
}

func TestParseSections(t *testing.T) {
	doc, err := Parse("system/shell", shellDoc, nil)
	require.NoError(t, err)

	assert.Equal(t, "Run exactly one command per task.", doc.Sections["Usage"])
	assert.Contains(t, doc.Sections["Notes"], "backgrounded")
	_, ok := doc.Sections["Shell execution"]
	assert.False(t, ok, "level-1 headings are not sections")
}

func TestParameterSectionRef(t *testing.T) {
	content := `---
description: Summarize text with the model
tool:
  tool_id: llm
  parameters:
    prompt: "{parameters.Prompt}"
    temperature: "0.2"
---
## Prompt

Summarize the following text in three sentences:

{text}
`
	doc, err := Parse("writing/summarize", content, nil)
	require.NoError(t, err)

	assert.Contains(t, doc.Tool.Parameters["prompt"], "three sentences")
	assert.Contains(t, doc.Tool.Parameters["prompt"], "{text}")
	assert.Equal(t, "0.2", doc.Tool.Parameters["temperature"])
}

func TestParseRejectsMissingFrontMatter(t *testing.T) {
	_, err := Parse("bad/doc", "# Just markdown\n\nNo fence here.\n", nil)
	assert.ErrorContains(t, err, "front matter")
}

func TestParseRejectsMissingTool(t *testing.T) {
	content := "---\ndescription: no tool bound\n---\nbody\n"
	_, err := Parse("bad/doc", content, nil)
	assert.ErrorContains(t, err, "missing tool")

	content = "---\ntool:\n  tool_id: \"\"\n---\nbody\n"
	_, err = Parse("bad/doc", content, nil)
	assert.ErrorContains(t, err, "tool_id")
}

func TestAliasNormalization(t *testing.T) {
	content := `---
description: fetch a url
aliases:
  - "net/fetch"
  - "net/fetch: fetch a url"
  - "  download page  "
  - "download page"
tool:
  tool_id: local_shell
---
body
`
	doc, err := Parse("net/fetch", content, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"download page"}, doc.Aliases)
}

func TestDuplicateSectionKeepsFirst(t *testing.T) {
	content := `---
tool:
  tool_id: llm
---
## Prompt

first

## Prompt

second
`
	doc, err := Parse("dup/doc", content, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", doc.Sections["Prompt"])
}
