package control

import "strings"

// DecodePayload reassembles a reply block's data lines into the original
// byte stream: lines concatenate with no separator, each \NNN octal escape
// becomes its byte, and doubled backslashes then collapse to one.
func DecodePayload(lines []string) string {
	return decodeOctal(strings.Join(lines, ""))
}

// DecodeLines decodes each data line on its own, for replies that are
// row-oriented listings rather than raw pane bytes.
func DecodeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, decodeOctal(line))
	}
	return out
}

func decodeOctal(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if ch == '\\' && i+3 < len(raw) && isOctal3(raw[i+1:i+4]) {
			value := ((raw[i+1] - '0') << 6) | ((raw[i+2] - '0') << 3) | (raw[i+3] - '0')
			b.WriteByte(value)
			i += 3
			continue
		}
		b.WriteByte(ch)
	}
	return strings.ReplaceAll(b.String(), `\\`, `\`)
}

func isOctal3(raw string) bool {
	if len(raw) != 3 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '7' {
			return false
		}
	}
	return true
}
