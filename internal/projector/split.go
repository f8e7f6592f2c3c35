package projector

import "strings"

const fenceMarker = "```"

// defaultMaxTextLength is Telegram's sendMessage text limit, and the
// projector's default when opts.MaxTextLength is unset — spec.md §4.1.2
// step 2.
const defaultMaxTextLength = 4096

// splitText splits s into chunks of at most limit runes each, per spec.md
// §4.1.2 step 2 and invariant 3: prefer a line-break split once at least 40%
// of the limit has been consumed, and never split inside an open
// triple-backtick fence — close it with a fresh ``` on the emitted chunk and
// reopen it with ```<lang> at the top of the next chunk. With a limit too
// small to hold a reopened fence header plus content and the closing fence,
// a chunk ending inside a fence can exceed limit by that closing fence, or is
// cut at limit with the fence left unclosed.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = defaultMaxTextLength
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}

	var chunks []string

	// Every chunk is scanned from a closed-fence state: a fence left open by
	// the previous chunk is reopened by the header prepended to this one.
	for len(runes) > limit {
		cut := findSplitPoint(runes, limit)
		opened, lang := scanFenceState(runes[:cut], false, "")
		if opened {
			// Reserve room for the closing fence.
			if c := findSplitPoint(runes, limit-len("\n"+fenceMarker)); c > len(fenceMarker+lang+"\n") {
				cut = c
				opened, lang = scanFenceState(runes[:cut], false, "")
			}
		}
		if opened && cut <= len(fenceMarker+lang+"\n") {
			cut, opened = limit, false // no room for content after a reopened header
		}
		chunkRunes := runes[:cut]

		chunk := string(chunkRunes)
		if opened {
			chunk += "\n" + fenceMarker
		}
		chunks = append(chunks, chunk)

		runes = runes[cut:]
		runes = trimLeadingNewline(runes)

		if opened {
			reopen := []rune(fenceMarker + lang + "\n")
			runes = append(reopen, runes...)
		}
	}
	chunks = append(chunks, string(runes))
	return chunks
}

func trimLeadingNewline(runes []rune) []rune {
	if len(runes) > 0 && runes[0] == '\n' {
		return runes[1:]
	}
	return runes
}

// findSplitPoint returns the cut index into runes (<= limit): the last
// newline at or after 40% of limit, else a hard cut at limit.
func findSplitPoint(runes []rune, limit int) int {
	if len(runes) <= limit {
		return len(runes)
	}
	minIdx := int(float64(limit) * 0.4)
	for i := limit; i > minIdx; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	return limit
}

// scanFenceState walks chunk tracking ``` fence open/close starting from
// (openIn, langIn), returning the state at the end of chunk.
func scanFenceState(chunk []rune, openIn bool, langIn string) (openOut bool, lang string) {
	s := string(chunk)
	open := openIn
	lang = langIn
	i := 0
	for {
		idx := strings.Index(s[i:], fenceMarker)
		if idx < 0 {
			break
		}
		pos := i + idx
		if !open {
			rest := s[pos+len(fenceMarker):]
			tag := rest
			if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
				tag = rest[:nl]
			}
			lang = strings.TrimSpace(tag)
			open = true
		} else {
			open = false
			lang = ""
		}
		i = pos + len(fenceMarker)
	}
	return open, lang
}
