package chat

import (
	"regexp"
	"strings"
)

// Channel exports commonly arrive named "123) Lesson.mp4" or "03.Intro.mkv";
// the numeric prefix is ordering noise, not part of the title.
var leadingNumberRe = regexp.MustCompile(`^\d{1,5}[\)\.\_\-\]\s]+\s*`)

var unsafeCharsRe = regexp.MustCompile(`[\\/*?:"<>|]`)

// CleanDisplayName strips a leading numeric prefix from an attachment name.
// Returns the trimmed remainder, which may be empty when the name was nothing
// but a prefix.
func CleanDisplayName(name string) string {
	return strings.TrimSpace(leadingNumberRe.ReplaceAllString(name, ""))
}

// SafeFileName strips characters that are unsafe in spool file names.
func SafeFileName(name string) string {
	return unsafeCharsRe.ReplaceAllString(name, "")
}
