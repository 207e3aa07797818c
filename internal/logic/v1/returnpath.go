package v1

import (
	"fmt"
	"net/url"
	"strings"
)

// SanitizeReturnPath accepts only local absolute paths. Anything else,
// including protocol-relative "//host" and "/\host" forms, yields def and
// ErrInvalidReturnState.
func SanitizeReturnPath(next, def string) (string, error) {
	if next == "" {
		return def, nil
	}
	if !isLocalPath(next) {
		return def, fmt.Errorf("return path %q: %w", next, ErrInvalidReturnState)
	}
	return next, nil
}

// EncodeReturnState escapes a sanitized path for use as the OAuth state value.
func EncodeReturnState(path string) string {
	return url.QueryEscape(path)
}

// DecodeReturnState reverses EncodeReturnState and validates the result.
// A state that does not decode is treated like a non-local path.
func DecodeReturnState(state, def string) (string, error) {
	if state == "" {
		return def, nil
	}
	path, err := url.QueryUnescape(state)
	if err != nil {
		return def, fmt.Errorf("decode state: %w: %w", ErrInvalidReturnState, err)
	}
	return SanitizeReturnPath(path, def)
}

func isLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// AppendSessionID appends sid=<id> to target, keeping any query and placing
// the parameter before a fragment.
func AppendSessionID(target, sessionID string) string {
	if sessionID == "" {
		return target
	}
	fragment := ""
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target, fragment = target[:i], target[i:]
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + "sid=" + url.QueryEscape(sessionID) + fragment
}
