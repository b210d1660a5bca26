package handlers

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// pointerPath converts a slash-delimited JSON pointer ("/a/b/0") into the
// path syntax shared by gjson and sjson ("a.b.0"). The leading slash is
// optional. "~1" and "~0" decode to "/" and "~". An empty pointer yields "".
func pointerPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	segs := strings.Split(ptr, "/")
	for i, s := range segs {
		s = strings.ReplaceAll(s, "~1", "/")
		s = strings.ReplaceAll(s, "~0", "~")
		segs[i] = escapeComponent(s)
	}
	return strings.Join(segs, ".")
}

// lookup reads the value a pointer addresses in doc.
func lookup(doc []byte, ptr string) (gjson.Result, bool) {
	path := pointerPath(ptr)
	if path == "" {
		return gjson.Result{}, false
	}
	res := gjson.GetBytes(doc, path)
	return res, res.Exists()
}

// assign returns a copy of doc with the value at ptr replaced.
func assign(doc []byte, ptr string, value any) ([]byte, error) {
	return sjson.SetBytes(doc, pointerPath(ptr), value)
}

// escapeComponent backslash-escapes the characters gjson and sjson treat as
// path syntax.
func escapeComponent(s string) string {
	if !strings.ContainsAny(s, pathSyntax) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(pathSyntax, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ':' is sjson's force-key marker; escaping it keeps reads and writes on the
// same key.
const pathSyntax = `\.*?|#@!=<>%:`
