package envelope

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxFileName = 255

var (
	reserved   = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)
	control    = regexp.MustCompile(`[\x00-\x1F\x7F-\x9F]`)
	separators = regexp.MustCompile(`[_\s]+`)
	edges      = regexp.MustCompile(`^[\s._]+|[\s._]+$`)
)

// SanitizeFileName reduces name to a safe base name the same way the
// browser client does before sealing.
func SanitizeFileName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ToValidUTF8(name, "")
	name = strings.ReplaceAll(name, "\x00", "")
	name = reserved.ReplaceAllString(name, "_")
	name = control.ReplaceAllString(name, "")
	name = separators.ReplaceAllString(name, "_")
	name = edges.ReplaceAllString(name, "")

	if name == "" {
		return "unnamed_file"
	}
	if len(name) > maxFileName {
		ext := filepath.Ext(name)
		if len(ext) >= maxFileName {
			ext = ""
		}
		// Cut on a rune boundary; the result is stored as TEXT.
		n := maxFileName - len(ext)
		for n > 0 && !utf8.RuneStart(name[n]) {
			n--
		}
		name = name[:n] + ext
	}
	return name
}

// IsMultiFileName reports whether name denotes a bundled multi-file archive.
func IsMultiFileName(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".zip")
}
