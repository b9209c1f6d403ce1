// Package vpath provides string operations on forward-slash paths that may
// carry a "scheme://" prefix, such as "wxfile://usr/cache/a.png".
//
// A scheme-prefixed path and a plain "/a/b" path live in separate
// namespaces: the prefix is kept verbatim by every function here and is
// never collapsed into the path body.
package vpath

import (
	"regexp"
	"strings"
)

var schemePattern = regexp.MustCompile(`^[a-z]+://`)

// Scheme returns the "scheme://" prefix of p, or "" if p has none.
func Scheme(p string) string {
	return schemePattern.FindString(p)
}

// split separates the scheme prefix from the rest of the path.
func split(p string) (string, string) {
	prefix := Scheme(p)
	return prefix, p[len(prefix):]
}

// Normalize converts backslashes to slashes and collapses repeated
// separators. A leading scheme prefix is preserved untouched.
//
//	Normalize("C:/A/B//C//D//example.ts") == "C:/A/B/C/D/example.ts"
//	Normalize("wxfile://a//b")            == "wxfile://a/b"
func Normalize(p string) string {
	prefix, rest := split(p)
	rest = strings.ReplaceAll(rest, `\`, "/")

	var b strings.Builder
	b.Grow(len(prefix) + len(rest))
	b.WriteString(prefix)
	lastSlash := false
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if c == '/' {
			if lastSlash {
				continue
			}
			lastSlash = true
		} else {
			lastSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Basename returns the last element of p.
//
//	Basename("C:/A/B/example.ts") == "example.ts"
func Basename(p string) string {
	p = Normalize(p)
	return p[strings.LastIndexByte(p, '/')+1:]
}

// Dirname returns everything before the last separator of p, keeping the
// scheme prefix. A path with a single leading separator ("/a") has an
// empty dirname, and a bare scheme root ("tinyfs://a") yields the scheme
// itself ("tinyfs://").
//
//	Dirname("C:/A/B/example.ts") == "C:/A/B"
func Dirname(p string) string {
	prefix, rest := split(Normalize(p))
	i := strings.LastIndexByte(rest, '/')
	if i < 0 {
		return prefix
	}
	return prefix + rest[:i]
}

// Extension returns the text after the last dot of the base name.
//
//	Extension("text.yaml.txt") == "txt"
func Extension(p string) string {
	name := Basename(p)
	i := strings.LastIndexByte(name, '.')
	if i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return ""
}

// FullExtension returns the text after the first dot of the base name.
//
//	FullExtension("dir.v2/text.yaml.txt") == "yaml.txt"
func FullExtension(p string) string {
	name := Basename(p)
	i := strings.IndexByte(name, '.')
	if i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return ""
}

// Join appends every non-empty element to dir with a single slash. It does
// not normalize; callers that need it call Normalize on the result.
func Join(dir string, elems ...string) string {
	var b strings.Builder
	b.WriteString(dir)
	for _, e := range elems {
		if e == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(e)
	}
	return b.String()
}

// Within reports whether p is root itself or lies underneath it. The test
// is segment-aware, so "/cache2/a" is not within "/cache". A root that is a
// bare scheme ("tinyfs://") contains every path with that scheme, and the
// empty root contains everything.
func Within(p, root string) bool {
	if root == "" {
		return true
	}
	if strings.HasSuffix(root, "://") {
		return strings.HasPrefix(p, root)
	}
	root = strings.TrimSuffix(root, "/")
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

// Child returns the path of the entry name inside dir, without doubling a
// trailing separator ("tinyfs://" + "a" is "tinyfs://a").
func Child(dir, name string) string {
	if dir == "" || strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}
