// Copyright 2024-2026 Aiku AI

// Package mmfmt converts IRC formatting codes to Mattermost markdown.
package mmfmt

import (
	"regexp"
	"strings"
)

var (
	boldRe      = regexp.MustCompile("\x02([^\x02]+)\x02")
	italicRe    = regexp.MustCompile("\x1d([^\x1d]+)\x1d")
	strikeRe    = regexp.MustCompile("\x1e([^\x1e]+)\x1e")
	monoRe      = regexp.MustCompile("\x11([^\x11]+)\x11")
	underlineRe = regexp.MustCompile("\x1f([^\x1f]+)\x1f")
	colorRe     = regexp.MustCompile("\x03(?:\\d{1,2}(?:,\\d{1,2})?)?")
	residualRe  = regexp.MustCompile("[\x02\x03\x0f\x11\x16\x1d\x1e\x1f]")
)

// Render converts an IRC-formatted line to Mattermost markdown. Unpaired
// or unsupported control codes are stripped so they never reach the
// workspace as raw bytes.
func Render(text string) string {
	if text == "" {
		return ""
	}
	text = boldRe.ReplaceAllString(text, "**$1**")
	text = italicRe.ReplaceAllString(text, "_${1}_")
	text = strikeRe.ReplaceAllString(text, "~~$1~~")
	text = monoRe.ReplaceAllString(text, "`$1`")
	// Markdown has no underline; the content survives, the style does not.
	text = underlineRe.ReplaceAllString(text, "$1")
	text = colorRe.ReplaceAllString(text, "")
	text = residualRe.ReplaceAllString(text, "")
	return strings.TrimRight(text, " ")
}
