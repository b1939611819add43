package bindgen

import (
	"strings"
	"unicode"
)

var commonInitialisms = map[string]bool{
	"API": true, "ASCII": true, "CPU": true, "DNS": true, "EOF": true, "GPU": true, "HTML": true,
	"HTTP": true, "HTTPS": true, "ID": true, "IO": true, "IP": true, "JSON": true, "OS": true,
	"RAM": true, "SQL": true, "TCP": true, "TTS": true, "UDP": true, "UI": true, "URI": true,
	"URL": true, "UTF8": true, "UUID": true, "XML": true,
}

// reservedNames cannot be used for parameters: Go keywords, predeclared
// identifiers and the packages generated code refers to.
var reservedNames = map[string]bool{
	"break": true, "case": true, "chan": true, "const": true, "continue": true, "default": true,
	"defer": true, "else": true, "fallthrough": true, "for": true, "func": true, "go": true,
	"goto": true, "if": true, "import": true, "interface": true, "map": true, "package": true,
	"range": true, "return": true, "select": true, "struct": true, "switch": true, "type": true,
	"var": true,

	"any": true, "bool": true, "byte": true, "comparable": true, "complex64": true, "complex128": true,
	"error": true, "float32": true, "float64": true, "int": true, "int8": true, "int16": true,
	"int32": true, "int64": true, "rune": true, "string": true, "uint": true, "uint8": true,
	"uint16": true, "uint32": true, "uint64": true, "uintptr": true, "true": true, "false": true,
	"iota": true, "nil": true, "append": true, "cap": true, "clear": true, "close": true,
	"complex": true, "copy": true, "delete": true, "imag": true, "len": true, "make": true,
	"max": true, "min": true, "new": true, "panic": true, "print": true, "println": true,
	"real": true, "recover": true,

	"unsafe": true, "loader": true, "err": true, "lib": true,
}

// trimNamePrefix removes prefix (case-insensitively) and the underscores
// after it. The name is kept when nothing usable would remain.
func trimNamePrefix(name, prefix string) string {
	if prefix == "" || len(name) <= len(prefix) || !strings.EqualFold(name[:len(prefix)], prefix) {
		return name
	}
	rest := strings.TrimLeft(name[len(prefix):], "_")
	if rest == "" || isDigit(rest[0]) {
		return name
	}
	return rest
}

func splitWords(name string) []string {
	return strings.FieldsFunc(name, func(r rune) bool { return r == '_' })
}

func capitalize(word string) string {
	upper := strings.ToUpper(word)
	if commonInitialisms[upper] {
		return upper
	}
	if word == upper {
		// SHOUTING_CASE words become Title case.
		return upper[:1] + strings.ToLower(word[1:])
	}
	return strings.ToUpper(word[:1]) + word[1:]
}

// ExportedName converts a C identifier into an exported Go identifier,
// dropping prefix first: foo_add → FooAdd, PRISM_OK with prefix "prism" → Ok.
func ExportedName(cname, prefix string) string {
	var b strings.Builder
	for _, w := range splitWords(trimNamePrefix(cname, prefix)) {
		b.WriteString(capitalize(w))
	}
	out := b.String()
	if out == "" {
		return "X" + cname
	}
	if r := rune(out[0]); !unicode.IsLetter(r) || !unicode.IsUpper(r) {
		out = "X" + out
	}
	return out
}

// typeName is ExportedName with the conventional _t suffix removed.
func typeName(cname, prefix string) string {
	if trimmed := strings.TrimSuffix(cname, "_t"); trimmed != "" && trimmed != cname {
		cname = trimmed
	}
	return ExportedName(cname, prefix)
}

// paramName converts a C parameter name to a Go lowerCamel identifier.
func paramName(cname string) string {
	words := splitWords(cname)
	if len(words) == 0 {
		return ""
	}
	var b strings.Builder
	first := words[0]
	if commonInitialisms[strings.ToUpper(first)] || first == strings.ToUpper(first) {
		b.WriteString(strings.ToLower(first))
	} else {
		b.WriteString(strings.ToLower(first[:1]) + first[1:])
	}
	for _, w := range words[1:] {
		b.WriteString(capitalize(w))
	}
	name := b.String()
	if isDigit(name[0]) {
		name = "p" + name
	}
	if reservedNames[name] {
		name += "_"
	}
	return name
}

// paramNames assigns Go names to parameters. Unnamed parameters are called
// a, b, c and so on; duplicates get a numeric suffix.
func paramNames(params []Param) []string {
	names := make([]string, len(params))
	used := map[string]bool{}
	for i, p := range params {
		if p.Name != "" {
			names[i] = paramName(p.Name)
		}
	}
	for _, n := range names {
		if n != "" {
			used[n] = true
		}
	}

	next := 0
	for i := range names {
		if names[i] != "" {
			continue
		}
		for {
			candidate := letterName(next)
			next++
			if !used[candidate] {
				names[i] = candidate
				used[candidate] = true
				break
			}
		}
	}

	seen := map[string]bool{}
	for i, n := range names {
		if seen[n] {
			for k := 2; ; k++ {
				candidate := n + itoa(k)
				if !used[candidate] {
					names[i] = candidate
					used[candidate] = true
					break
				}
			}
		}
		seen[names[i]] = true
	}
	return names
}

func letterName(i int) string {
	if i < 26 {
		name := string(rune('a' + i))
		if reservedNames[name] {
			return name + "_"
		}
		return name
	}
	return "p" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

// uniqueName returns base, or base with a numeric suffix, that is not in used.
func uniqueName(base string, used map[string]bool) string {
	if !used[base] {
		return base
	}
	for k := 2; ; k++ {
		candidate := base + itoa(k)
		if !used[candidate] {
			return candidate
		}
	}
}
