package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const filesInstruction = `Emit every file as a block of the form:

--- path/to/file ---
<file content>

Use one block per file. Do not add commentary between blocks.`

// ParseFileBlocks extracts generated files from model output. Each file is
// introduced by a "--- path ---" marker line; content runs until the next
// marker. Code fences directly around a block's content are stripped.
func ParseFileBlocks(raw string) ([]FileSpec, error) {
	lines := strings.Split(raw, "\n")

	var files []FileSpec
	var path string
	var content []string

	flush := func() {
		if path == "" {
			return
		}
		files = append(files, FileSpec{Path: path, Content: joinBlock(content)})
		path = ""
		content = nil
	}

	for _, line := range lines {
		if p, ok := blockMarker(line); ok {
			flush()
			path = p
			continue
		}
		if path != "" {
			content = append(content, line)
		}
	}
	flush()

	if len(files) == 0 {
		return nil, errors.New("llm: no file blocks in output")
	}
	for _, f := range files {
		if strings.TrimSpace(f.Content) == "" {
			return nil, fmt.Errorf("llm: empty file block %q", f.Path)
		}
	}
	return files, nil
}

func blockMarker(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "--- ") || !strings.HasSuffix(line, " ---") {
		return "", false
	}
	path := strings.TrimSpace(line[4 : len(line)-4])
	if path == "" {
		return "", false
	}
	return path, true
}

func joinBlock(lines []string) string {
	// Drop code fence lines hugging the block and surrounding blank lines.
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if start < end && strings.HasPrefix(strings.TrimSpace(lines[start]), "```") {
		start++
	}
	if end > start && strings.TrimSpace(lines[end-1]) == "```" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// RenderFileBlocks formats files in the same block format the backends are
// asked to emit, used to hand context files back to the model.
func RenderFileBlocks(files []FileSpec) string {
	var sb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&sb, "--- %s ---\n%s\n\n", f.Path, f.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func buildFilesPrompt(req *FilesRequest) string {
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	if len(req.ContextFiles) > 0 {
		sb.WriteString("\n\n## Current project files\n\n")
		sb.WriteString(RenderFileBlocks(req.ContextFiles))
	}
	sb.WriteString("\n\n")
	sb.WriteString(filesInstruction)
	return sb.String()
}

func buildConstrainedPrompt(req *ConstrainedRequest) (string, error) {
	schema, err := json.Marshal(req.Schema)
	if err != nil {
		return "", fmt.Errorf("llm: marshal schema: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	sb.WriteString("\n\nRespond with a single JSON object conforming to this schema, and nothing else:\n\n")
	sb.Write(schema)
	return sb.String(), nil
}

// ExtractJSON returns the first JSON object embedded in model output,
// stripping a markdown code fence when present.
func ExtractJSON(raw string) (json.RawMessage, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.New("llm: empty output")
	}

	if strings.HasPrefix(s, "```") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "```"))
		s = strings.TrimSpace(strings.TrimPrefix(s, "json"))
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = strings.TrimSpace(s[:idx])
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < 0 || start >= end {
		return nil, errors.New("llm: missing JSON object in output")
	}

	obj := json.RawMessage(s[start : end+1])
	if !json.Valid(obj) {
		return nil, errors.New("llm: invalid JSON object in output")
	}
	return obj, nil
}
