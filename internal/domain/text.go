package domain

// AppendText appends text to s, inserting sep only when both sides are
// non-empty. Every address and label concatenation goes through here.
func AppendText(s, text, sep string) string {
	if text == "" {
		return s
	}
	if s == "" {
		return text
	}
	return s + sep + text
}

// JoinNonEmpty joins parts with sep, skipping empty parts.
func JoinNonEmpty(sep string, parts ...string) string {
	var out string
	for _, p := range parts {
		out = AppendText(out, p, sep)
	}
	return out
}
