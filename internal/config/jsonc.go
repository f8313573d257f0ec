package config

// StripJSONComments removes // and /* */ comments from JSONC content, along
// with any comma that directly precedes a closing brace or bracket. String
// literals are left untouched.
func StripJSONComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	// pendingComma holds the index in out of a comma that may turn out to be
	// trailing; -1 when none.
	pendingComma := -1

	for i := 0; i < len(data); i++ {
		c := data[i]

		switch {
		case c == '"':
			pendingComma = -1
			out = append(out, c)
			for i++; i < len(data); i++ {
				out = append(out, data[i])
				if data[i] == '\\' && i+1 < len(data) {
					i++
					out = append(out, data[i])
					continue
				}
				if data[i] == '"' {
					break
				}
			}

		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			if i < len(data) {
				out = append(out, '\n')
			}

		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
				i++
			}
			i++

		case c == ',':
			pendingComma = len(out)
			out = append(out, c)

		case c == '}' || c == ']':
			if pendingComma >= 0 {
				out = append(out[:pendingComma], out[pendingComma+1:]...)
				pendingComma = -1
			}
			out = append(out, c)

		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			out = append(out, c)

		default:
			pendingComma = -1
			out = append(out, c)
		}
	}
	return out
}
