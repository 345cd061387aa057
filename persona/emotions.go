package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EmotionTags lists the tags available in an emotion namespace: the file
// names under <dir>/<namespace>/ without their extension.
func EmotionTags(dir, namespace string) ([]string, error) {
	if !safeName(namespace) {
		return nil, fmt.Errorf("invalid emotion namespace %q", namespace)
	}
	entries, err := os.ReadDir(filepath.Join(dir, namespace))
	if err != nil {
		return nil, fmt.Errorf("read emotion namespace %s: %w", namespace, err)
	}
	tags := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		tags = append(tags, strings.TrimSuffix(name, filepath.Ext(name)))
	}
	sort.Strings(tags)
	return tags, nil
}

// EmotionImage returns the path of the PNG for tag, if it exists.
func EmotionImage(dir, namespace, tag string) (string, bool) {
	if !safeName(namespace) || !safeName(tag) {
		return "", false
	}
	path := filepath.Join(dir, namespace, tag+".png")
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// safeName rejects values that would escape the emotions directory.
func safeName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
