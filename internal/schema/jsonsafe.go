package schema

import "strings"

// EscapeJSONString escapes a raw string for safe embedding as a JSON string
// value (i.e. the bytes that will sit between the surrounding quotes). It
// handles the two characters that matter for JSON string safety: the quote
// that would terminate the string early, and the backslash that would
// reinterpret the following character as an escape sequence.
//
// Host headers, request IDs, and hashes all flow from externally-influenced
// input into JSON values persisted in the state store; every such value
// must pass through this function (or json.Marshal, which does the same
// thing) before it is concatenated into a hand-built JSON blob.
func EscapeJSONString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
