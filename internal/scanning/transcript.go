package scanning

import (
	"fmt"
	"strings"
)

// noTextMarker is what the prompt asks models to answer when nothing is legible
const noTextMarker = "NO_TEXT"

// cleanTranscript strips the chatter vision models wrap around a transcription.
func cleanTranscript(text string) (string, error) {
	text = strings.TrimSpace(text)

	// Remove markdown code fences if present
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			// drop the language tag line (```text, ```plaintext, ...)
			text = text[nl+1:]
		} else {
			text = ""
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	// Normalize line endings so the first line is the vendor
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)

	if text == "" {
		return "", fmt.Errorf("empty transcript")
	}
	if text == noTextMarker {
		return "", nil
	}
	return text, nil
}
