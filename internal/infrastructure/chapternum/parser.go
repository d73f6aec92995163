// Package chapternum derives a chapter number from an uploaded file name.
package chapternum

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	explicitMarker = regexp.MustCompile(`(?i)(?:ch|chap|chapter|c)[.\-_ ]*(\d+(?:\.\d+)?)`)
	trailingNumber = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*$`)
	anyNumber      = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

type Parser struct{}

func New() Parser {
	return Parser{}
}

func (Parser) Parse(filename string) (float64, bool) {
	return Parse(filename)
}

// Parse tries, in order: a chapter marker ("Chapter 12", "ch.12", "c12"),
// a number at the end of the name, then the last number anywhere.
func Parse(filename string) (float64, bool) {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))

	if m := explicitMarker.FindStringSubmatch(name); m != nil {
		if n, err := strconv.ParseFloat(m[1], 64); err == nil {
			return n, true
		}
	}
	if m := trailingNumber.FindStringSubmatch(name); m != nil {
		if n, err := strconv.ParseFloat(m[1], 64); err == nil {
			return n, true
		}
	}
	if all := anyNumber.FindAllString(name, -1); len(all) > 0 {
		if n, err := strconv.ParseFloat(all[len(all)-1], 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
