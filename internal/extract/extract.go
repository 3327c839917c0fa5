// Package extract pulls event-calculus rule text out of raw model responses.
// Models usually wrap rules in fenced markdown blocks surrounded by prose;
// this package collects the rule blocks and drops the prose.
package extract

import (
	"regexp"
	"strings"
)

// codeBlockPattern matches fenced markdown blocks with an optional language
// tag, capturing the tag and the block body.
var codeBlockPattern = regexp.MustCompile("(?s)```(\\w*)\\s*\\n(.*?)```")

// prologAliases are the language tags treated as rule blocks.
var prologAliases = map[string]bool{
	"prolog": true,
	"pl":     true,
	"rtec":   true,
}

// CodeBlock is one fenced block found in a response.
type CodeBlock struct {
	Language string
	Code     string
}

// AllCodeBlocks returns every fenced block in the text, in order.
func AllCodeBlocks(text string) []CodeBlock {
	matches := codeBlockPattern.FindAllStringSubmatch(text, -1)
	blocks := make([]CodeBlock, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, CodeBlock{
			Language: strings.ToLower(strings.TrimSpace(m[1])),
			Code:     m[2],
		})
	}
	return blocks
}

// PrologBlocks concatenates all Prolog-tagged blocks, plus untagged blocks
// when includeUntagged is set. Empty blocks are skipped.
func PrologBlocks(text string, includeUntagged bool) string {
	var parts []string
	for _, block := range AllCodeBlocks(text) {
		tagged := prologAliases[block.Language]
		untagged := block.Language == ""
		if !tagged && !(untagged && includeUntagged) {
			continue
		}
		if code := strings.TrimSpace(block.Code); code != "" {
			parts = append(parts, code)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Rules extracts the rule payload from a model response. When the response
// contains no fenced blocks at all, the trimmed response is returned as-is
// on the assumption that the model emitted raw rules. Never fails.
func Rules(response string) string {
	if extracted := PrologBlocks(response, true); extracted != "" {
		return extracted
	}
	return strings.TrimSpace(response)
}
