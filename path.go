package dbus

import (
	"context"
	"reflect"
	"strings"

	"github.com/danderson/go-dbus-wire/fragments"
)

// ObjectPath is a slash-separated DBus object path, such as
// "/org/freedesktop/DBus".
type ObjectPath string

func (p ObjectPath) MarshalDBus(ctx context.Context, st *fragments.Encoder) error {
	st.String(string(p))
	return nil
}

func (p *ObjectPath) UnmarshalDBus(ctx context.Context, st *fragments.Decoder) error {
	s, err := st.String()
	if err != nil {
		return err
	}
	*p = ObjectPath(s)
	return nil
}

func (p ObjectPath) IsDBusStruct() bool { return false }

var objectPathSignature = mkSignature(reflect.TypeFor[ObjectPath](), "o")

func (p ObjectPath) SignatureDBus() Signature { return objectPathSignature }

// Valid reports whether p satisfies the DBus object path grammar: it
// starts with '/', contains only ASCII letters, digits and
// underscore between slashes, has no empty path elements, and (other
// than the root path "/") does not end in a slash.
func (p ObjectPath) Valid() bool {
	s := string(p)
	if s == "" || s[0] != '/' {
		return false
	}
	if s == "/" {
		return true
	}
	if strings.HasSuffix(s, "/") {
		return false
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return false
		}
		for _, r := range elem {
			isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !isAlnum && r != '_' {
				return false
			}
		}
	}
	return true
}

// Clean returns p with a trailing slash removed, except for the root
// path.
func (p ObjectPath) Clean() ObjectPath {
	if p != "/" && strings.HasSuffix(string(p), "/") {
		return p[:len(p)-1]
	}
	return p
}

// IsChildOf reports whether p is equal to parent, or nested under it.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	parent = parent.Clean()
	if p == parent {
		return true
	}
	if parent == "/" {
		return strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}
