package voice

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	disfluencyRe    = regexp.MustCompile(`(?i)\b(uh-huh|uhm*|uh|er|um|you know|sort of|kind of|i mean)\b`)
	spaceRe         = regexp.MustCompile(`\s+`)
	afterPunctRe    = regexp.MustCompile(`([.!?])\s*([A-Z\d])`)
	beforePunctRe   = regexp.MustCompile(`\s+([.!?,;:])`)
	runOnBoundaryRe = regexp.MustCompile(`([a-z])([A-Z])`)
)

// CleanTranscript tidies model transcript text for the conversation log:
// filler words are removed, spacing around punctuation is normalised, glued
// sentences are split, and the result starts with a capital and ends with
// terminal punctuation. Text that is only filler becomes empty.
func CleanTranscript(text string) string {
	out := disfluencyRe.ReplaceAllString(text, "")
	out = strings.TrimSpace(spaceRe.ReplaceAllString(out, " "))
	if out == "" {
		return ""
	}
	out = afterPunctRe.ReplaceAllString(out, "$1 $2")
	out = beforePunctRe.ReplaceAllString(out, "$1")
	out = runOnBoundaryRe.ReplaceAllString(out, "$1. $2")

	r, size := utf8.DecodeRuneInString(out)
	out = string(unicode.ToUpper(r)) + out[size:]
	if !strings.ContainsAny(out[len(out)-1:], ".!?") {
		out += "."
	}
	return out
}
