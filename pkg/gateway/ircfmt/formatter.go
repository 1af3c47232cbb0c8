// Copyright 2024-2026 Aiku AI

// Package ircfmt converts Mattermost markdown to IRC formatting codes.
package ircfmt

import (
	"regexp"
	"strconv"
	"strings"
)

// IRC control codes understood by essentially every client.
const (
	codeBold          = "\x02"
	codeItalic        = "\x1d"
	codeStrikethrough = "\x1e"
	codeMonospace     = "\x11"
)

var (
	boldRe      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe    = regexp.MustCompile(`(^|\s)_(\S|\S.*?\S)_($|\s)`)
	strikeRe    = regexp.MustCompile(`~~(.+?)~~`)
	codeRe      = regexp.MustCompile("`([^`]+)`")
	codeBlockRe = regexp.MustCompile("(?s)```(?:\\w+)?\\n?(.*?)```")
	linkRe      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe   = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// Render converts Mattermost markdown to text with IRC formatting codes.
// Unformatted text passes through untouched.
func Render(text string) string {
	if text == "" {
		return ""
	}

	// Step 1: Extract code blocks into placeholders so inline rules never
	// fire inside them.
	var blocks []string
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		content := ""
		if len(parts) >= 2 {
			content = strings.Trim(parts[1], "\n")
		}
		idx := len(blocks)
		blocks = append(blocks, content)
		return "\x00BLOCK" + strconv.Itoa(idx) + "\x00"
	})

	// Step 2: Inline styles.
	processed = boldRe.ReplaceAllString(processed, codeBold+"$1"+codeBold)
	processed = italicRe.ReplaceAllString(processed, "$1"+codeItalic+"$2"+codeItalic+"$3")
	processed = strikeRe.ReplaceAllString(processed, codeStrikethrough+"$1"+codeStrikethrough)
	processed = codeRe.ReplaceAllString(processed, codeMonospace+"$1"+codeMonospace)
	processed = linkRe.ReplaceAllString(processed, "$1 <$2>")
	processed = headingRe.ReplaceAllString(processed, codeBold+"$1"+codeBold)

	// Step 3: Restore code blocks as monospace lines.
	for idx, content := range blocks {
		placeholder := "\x00BLOCK" + strconv.Itoa(idx) + "\x00"
		lines := strings.Split(content, "\n")
		for i, line := range lines {
			lines[i] = codeMonospace + line + codeMonospace
		}
		processed = strings.Replace(processed, placeholder, strings.Join(lines, "\n"), 1)
	}
	return processed
}
