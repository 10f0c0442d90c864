package dlq

import (
	"fmt"
	"strings"
)

// ErrorSignature builds a normalized grouping key from a failure. Variable
// parts of the message are stripped so that the same root cause yields the
// same signature: words containing path separators, purely numeric words
// (line numbers, counts) and hex addresses are dropped, and the message is
// truncated to its first ten remaining words.
func ErrorSignature(errorType ErrorType, message string) string {
	words := strings.Fields(message)
	kept := make([]string, 0, 10)
	for _, word := range words {
		if strings.ContainsRune(word, '/') || strings.ContainsRune(word, '\\') {
			continue
		}
		if isNumericWord(word) || isHexAddress(word) {
			continue
		}
		kept = append(kept, word)
		if len(kept) == 10 {
			break
		}
	}
	return fmt.Sprintf("%s::%s", errorType, strings.Join(kept, " "))
}

func isNumericWord(word string) bool {
	trimmed := strings.TrimRight(word, ".,:;)")
	trimmed = strings.TrimLeft(trimmed, "(")
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		if (r < '0' || r > '9') && r != ':' && r != '.' {
			return false
		}
	}
	return true
}

func isHexAddress(word string) bool {
	trimmed := strings.Trim(word, "().,:;[]")
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) <= 2 {
		return false
	}
	for _, r := range trimmed[2:] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
