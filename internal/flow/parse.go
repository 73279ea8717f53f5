package flow

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const sectionMarker = "###"

// ParseMultiResponse splits a model answer into "### NAME" sections. Names are
// upper-cased with any ** and trailing colons removed; bodies keep their
// non-empty lines, trimmed. Text before the first marker is ignored.
func ParseMultiResponse(text string) map[string]string {
	sections := map[string]string{}
	var name string
	var body []string
	flush := func() {
		if name != "" {
			sections[name] = strings.TrimSpace(strings.Join(body, "\n"))
		}
	}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, sectionMarker) {
			flush()
			n := strings.TrimPrefix(line, sectionMarker)
			n = strings.ReplaceAll(n, "**", "")
			n = strings.TrimRight(strings.TrimSpace(n), ": \t")
			name = strings.ToUpper(n)
			body = nil
			continue
		}
		if name != "" && line != "" {
			body = append(body, line)
		}
	}
	flush()
	return sections
}

// FormatMultiResponse renders sections in the format ParseMultiResponse reads,
// ordered by name.
func FormatMultiResponse(sections map[string]string) string {
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s %s\n", sectionMarker, name)
		if body := sections[name]; body != "" {
			b.WriteString(body)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

type parseState int

const (
	stateNone parseState = iota
	stateInObject
	stateInArray
)

// ParsePersonalDetails reads the markdown-ish personal details block:
//
//	# Object        opens a nested object
//	## List         opens a list under the open object, or the root
//	- item          appends to the open list
//	**Key**: value  sets a string on the open object, or the root
//
// Keys are lowerCamel. A malformed block yields an error and no partial result.
func ParsePersonalDetails(text string) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ParsePersonalDetails: recovered from panic", "panic", r)
			result, err = nil, fmt.Errorf("failed to parse personal details: %v", r)
		}
	}()

	result = map[string]any{}
	state := stateNone
	var object map[string]any
	var arrayParent map[string]any
	var arrayKey string

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "## "):
			arrayParent = result
			if object != nil {
				arrayParent = object
			}
			arrayKey = lowerCamel(line[3:])
			arrayParent[arrayKey] = []string{}
			state = stateInArray
		case strings.HasPrefix(line, "# "):
			object = map[string]any{}
			result[lowerCamel(line[2:])] = object
			state = stateInObject
		case strings.HasPrefix(line, "- "):
			if state != stateInArray {
				continue
			}
			arrayParent[arrayKey] = append(arrayParent[arrayKey].([]string), strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "**") && strings.Contains(line, ":"):
			keyPart, value, _ := strings.Cut(line, ":")
			// "**Key:** value" closes the bold after the colon.
			value = strings.TrimPrefix(strings.TrimSpace(value), "**")
			key := lowerCamel(keyPart)
			if key == "" {
				continue
			}
			target := result
			state = stateNone
			if object != nil {
				target = object
				state = stateInObject
			}
			target[key] = strings.TrimSpace(value)
		}
	}
	return result, nil
}

// lowerCamel turns "First Name" or "**first name**" into "firstName".
func lowerCamel(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "**", ""))
	var b strings.Builder
	for i, w := range words {
		if i == 0 {
			b.WriteString(strings.ToLower(w))
			continue
		}
		r, size := utf8.DecodeRuneInString(w)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(w[size:])
	}
	return b.String()
}
