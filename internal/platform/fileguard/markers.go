package fileguard

import (
	"os"
	"path/filepath"
	"strings"
)

var tempPrefixes = []string{"~$", ".~lock."}

var tempSuffixes = []string{".tmp", ".partial", ".crdownload", ".download"}

// IsTempName reports whether a bare file name is itself a temporary or lock
// marker written by an editor, a browser or a sync agent
func IsTempName(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range tempPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, s := range tempSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// siblingMarkers lists the lock files editors drop next to an open document.
// Excel writes ~$name, replacing the first two characters for long names.
// LibreOffice writes .~lock.name#.
func siblingMarkers(name string) []string {
	markers := []string{"~$" + name, ".~lock." + name + "#"}
	if r := []rune(name); len(r) > 2 {
		markers = append(markers, "~$"+string(r[2:]))
	}
	return markers
}

func tempMarker(path string) (string, bool) {
	dir, name := filepath.Split(path)
	if IsTempName(name) {
		return name, true
	}
	for _, m := range siblingMarkers(name) {
		if _, err := os.Lstat(filepath.Join(dir, m)); err == nil {
			return m, true
		}
	}
	return "", false
}
