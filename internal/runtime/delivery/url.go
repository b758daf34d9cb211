package delivery

import (
	"strings"
	"unicode"
	"unicode/utf8"

	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
)

// MinURLLength is the shortest accepted base URL in characters, after
// whitespace has been removed.
const MinURLLength = 11

// NormalizeURL removes every whitespace rune, rejects URLs shorter than
// MinURLLength and makes sure the result ends with "/". On error the
// stripped URL is still returned for logging.
func NormalizeURL(baseURL string) (string, error) {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, baseURL)

	if utf8.RuneCountInString(stripped) < MinURLLength {
		return stripped, errspkg.ErrURLTooShort
	}
	if !strings.HasSuffix(stripped, "/") {
		stripped += "/"
	}
	return stripped, nil
}
