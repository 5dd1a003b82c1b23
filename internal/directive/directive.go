// Package directive extracts include directives from page content.
//
// A directive is written as
//
//	[[ path/to/file.html ]]
//	[[ path/to/file.html(key1=val1, key2=val2) ]]
//
// The path is relative to the include root. The optional parenthesized list
// supplies values for [key] placeholders in the included file.
package directive

import (
	"iter"
	"regexp"
	"strings"
)

// markerPattern matches [[ ... ]] non-greedily; the body may not contain ']'.
var markerPattern = regexp.MustCompile(`\[\[\s*([^\]]+?)\s*\]\]`)

// Params maps placeholder names to their literal replacement values.
type Params map[string]string

// Set stores value under key. A later Set for the same key overwrites the
// earlier value.
func (p Params) Set(key, value string) {
	p[key] = value
}

// Directive is one parsed include request.
type Directive struct {
	Path   string
	Params Params
}

// Match is a directive located in host content. Raw is the exact matched
// marker text and [Start, End) its byte offsets in the scanned content.
type Match struct {
	Raw       string
	Inner     string
	Start     int
	End       int
	Directive Directive
}

// Scan returns the directives of content in document order. Each iteration
// of the returned sequence starts again from the beginning of content.
func Scan(content string) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		offset := 0
		for offset < len(content) {
			loc := markerPattern.FindStringSubmatchIndex(content[offset:])
			if loc == nil {
				return
			}
			start, end := offset+loc[0], offset+loc[1]
			inner := strings.TrimSpace(content[offset+loc[2] : offset+loc[3]])

			m := Match{
				Raw:       content[start:end],
				Inner:     inner,
				Start:     start,
				End:       end,
				Directive: ParseInner(inner),
			}
			if !yield(m) {
				return
			}
			offset = end
		}
	}
}

// Parse collects every match of content.
func Parse(content string) []Match {
	var matches []Match
	for m := range Scan(content) {
		matches = append(matches, m)
	}
	return matches
}

// ParseInner splits the trimmed body of a marker into its include path and
// parameters. Without a closing parenthesis the whole body is the path.
func ParseInner(inner string) Directive {
	d := Directive{Path: strings.TrimSpace(inner), Params: Params{}}

	open := strings.IndexByte(inner, '(')
	if open < 0 {
		return d
	}
	closing := strings.IndexByte(inner[open+1:], ')')
	if closing < 0 {
		return d
	}

	d.Path = strings.TrimSpace(inner[:open])
	d.Params = ParseParams(inner[open+1 : open+1+closing])
	return d
}

// ParseParams parses a comma separated key=value list. Keys and values are
// trimmed, the value is everything after the first '='. An entry without '='
// maps its key to the empty string. Blank entries are ignored.
func ParseParams(list string) Params {
	params := Params{}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, _ := strings.Cut(entry, "=")
		params.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return params
}
