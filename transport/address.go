package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is one entry from a DBus server address string, e.g. the
// value of $DBUS_SESSION_BUS_ADDRESS. A full address string is a
// semicolon-separated list of entries, tried in order until one
// connects successfully.
type Address struct {
	// Transport is the address's transport name, e.g. "unix" or
	// "tcp". Only "unix" is currently dialable by this package.
	Transport string
	// Params are the transport's key=value parameters, percent-decoded.
	Params map[string]string
}

// Path returns the abstract or filesystem path a unix address wants to
// connect to, along with whether the returned path is an abstract
// socket name.
func (a Address) Path() (path string, abstract bool, ok bool) {
	if a.Transport != "unix" {
		return "", false, false
	}
	if p, ok := a.Params["path"]; ok {
		return p, false, true
	}
	if p, ok := a.Params["abstract"]; ok {
		return p, true, true
	}
	return "", false, false
}

// ParseAddressList parses a DBus server address string into its
// component addresses.
func ParseAddressList(s string) ([]Address, error) {
	var ret []Address
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		addr, err := parseAddress(entry)
		if err != nil {
			return nil, fmt.Errorf("parsing address %q: %w", entry, err)
		}
		ret = append(ret, addr)
	}
	return ret, nil
}

func parseAddress(entry string) (Address, error) {
	transport, rest, ok := strings.Cut(entry, ":")
	if !ok {
		return Address{}, fmt.Errorf("missing transport prefix")
	}
	ret := Address{
		Transport: transport,
		Params:    map[string]string{},
	}
	if rest == "" {
		return ret, nil
	}
	for _, kv := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Address{}, fmt.Errorf("malformed key=value pair %q", kv)
		}
		dv, err := percentDecode(v)
		if err != nil {
			return Address{}, fmt.Errorf("decoding value of %q: %w", k, err)
		}
		ret.Params[k] = dv
	}
	return ret, nil
}

// percentDecode undoes the percent-encoding the DBus address format
// uses to escape bytes that can't appear literally in an address
// (mirroring the escaping rules of URIs).
func percentDecode(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated percent-escape in %q", s)
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid percent-escape in %q: %w", s, err)
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}
