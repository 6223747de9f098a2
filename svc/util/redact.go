package util

// RedactClipContent truncates clipboard plaintext for log output. Clip
// content is user data and must never appear whole in logs.
func RedactClipContent(content string) string {
	if len(content) == 0 {
		return ""
	}
	if len(content) <= 20 {
		return "[REDACTED]"
	}
	return content[:10] + "...[REDACTED]..." + content[len(content)-10:]
}
