package dbus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danderson/go-dbus-wire/fragments"
)

// exportedInterface is one interface's worth of method handlers
// exported at a single object path.
type exportedInterface struct {
	methods    map[string]handlerFunc
	desc       *InterfaceDescription
	properties map[string]*exportedProperty
}

type exportedProperty struct {
	desc PropertyDescription
	get  func(ctx context.Context) (any, error)
	set  func(ctx context.Context, v any) error
}

// exportedObject is everything exported at a single object path.
type exportedObject struct {
	interfaces map[string]*exportedInterface
}

// objectServer is the path-keyed dispatch tree for incoming method
// calls. Every [Conn] carries one, created empty; Conn.Export
// populates it.
//
// Lookups never block on I/O: dispatch either finds a handler and
// runs it inline on the calling goroutine (there is no worker pool),
// or produces one of the standard DBus error names.
type objectServer struct {
	mu sync.Mutex
	// global holds handlers available on every object, keyed by
	// interface+member, e.g. org.freedesktop.DBus.Peer.
	global map[interfaceMember]handlerFunc
	paths  map[ObjectPath]*exportedObject
}

func newObjectServer() *objectServer {
	return &objectServer{
		global: map[interfaceMember]handlerFunc{},
		paths:  map[ObjectPath]*exportedObject{},
	}
}

func (s *objectServer) handleGlobal(interfaceName, methodName string, fn handlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global[interfaceMember{interfaceName, methodName}] = fn
}

func (s *objectServer) export(path ObjectPath, interfaceName string, methods map[string]any) *InterfaceDescription {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj := s.paths[path]
	if obj == nil {
		obj = &exportedObject{interfaces: map[string]*exportedInterface{}}
		s.paths[path] = obj
	}
	ei := obj.interfaces[interfaceName]
	if ei == nil {
		ei = &exportedInterface{
			methods:    map[string]handlerFunc{},
			desc:       &InterfaceDescription{Name: interfaceName},
			properties: map[string]*exportedProperty{},
		}
		obj.interfaces[interfaceName] = ei
	}
	for name, fn := range methods {
		h, in, out := handlerForFuncDescribed(fn)
		ei.methods[name] = h
		md := MethodDescription{Name: name}
		if in != nil {
			md.In = []ArgumentDescription{{Type: *in}}
		}
		if out != nil {
			md.Out = []ArgumentDescription{{Type: *out}}
		}
		ei.desc.Methods = append(ei.desc.Methods, &md)
	}
	return ei.desc
}

func (s *objectServer) exportProperty(path ObjectPath, interfaceName, propName string, sig Signature, get func(context.Context) (any, error), set func(context.Context, any) error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj := s.paths[path]
	if obj == nil {
		obj = &exportedObject{interfaces: map[string]*exportedInterface{}}
		s.paths[path] = obj
	}
	ei := obj.interfaces[interfaceName]
	if ei == nil {
		ei = &exportedInterface{
			methods:    map[string]handlerFunc{},
			desc:       &InterfaceDescription{Name: interfaceName},
			properties: map[string]*exportedProperty{},
		}
		obj.interfaces[interfaceName] = ei
	}
	pd := PropertyDescription{
		Name:     propName,
		Type:     sig,
		Readable: get != nil,
		Writable: set != nil,
	}
	ei.properties[propName] = &exportedProperty{desc: pd, get: get, set: set}
	ei.desc.Properties = append(ei.desc.Properties, &pd)
}

func (s *objectServer) unexport(path ObjectPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, path)
}

// hasDescendant reports whether some exported path is strictly nested
// under path.
func (s *objectServer) hasDescendant(path ObjectPath) bool {
	for p := range s.paths {
		if p != path && p.IsChildOf(path) {
			return true
		}
	}
	return false
}

// children returns the immediate child path components of path among
// the exported objects, for introspection of container nodes.
func (s *objectServer) children(path ObjectPath) []string {
	seen := map[string]bool{}
	base := string(path.Clean())
	if base == "/" {
		base = ""
	}
	for p := range s.paths {
		ps := string(p)
		rest, ok := cutPrefixSlash(ps, base)
		if !ok || rest == "" {
			continue
		}
		i := indexByte(rest, '/')
		if i >= 0 {
			rest = rest[:i]
		}
		if rest != "" {
			seen[rest] = true
		}
	}
	ret := make([]string, 0, len(seen))
	for c := range seen {
		ret = append(ret, c)
	}
	sort.Strings(ret)
	return ret
}

func cutPrefixSlash(s, prefix string) (string, bool) {
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix || s[len(prefix)] != '/' {
		return "", false
	}
	return s[len(prefix)+1:], true
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// lookup finds the handler for an incoming call, or reports the
// appropriate standard DBus error. An empty iface searches every
// interface on the node for a matching member, per the DBus
// specification's handling of calls with no INTERFACE header field.
func (s *objectServer) lookup(path ObjectPath, iface, member string) (handlerFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if iface != "" {
		if h, ok := s.global[interfaceMember{iface, member}]; ok {
			return h, nil
		}
	}

	obj, objOK := s.paths[path]

	if iface == "" {
		if h, ok := s.lookupAnyInterfaceLocked(obj, member); ok {
			return h, nil
		}
	} else if objOK {
		ei, ok := obj.interfaces[iface]
		if !ok {
			return nil, DispatchError{ErrUnknownInterface, fmt.Sprintf("object %s has no interface %s", path, iface)}
		}
		h, ok := ei.methods[member]
		if !ok {
			return nil, DispatchError{ErrUnknownMethod, fmt.Sprintf("interface %s has no method %s", iface, member)}
		}
		return h, nil
	}

	if !objOK {
		if s.hasDescendant(path) {
			return nil, DispatchError{ErrUnknownMethod, fmt.Sprintf("%s has no methods of its own, only exported children", path)}
		}
		return nil, DispatchError{ErrUnknownObject, fmt.Sprintf("no object at %s", path)}
	}
	return nil, DispatchError{ErrUnknownMethod, fmt.Sprintf("no interface on %s has a method %s", path, member)}
}

// lookupAnyInterfaceLocked searches every interface exported at obj,
// plus the global interfaces available on every object, for a method
// named member. Callers must hold s.mu. When more than one interface
// has a matching method, the interface that sorts first
// lexicographically wins, for determinism.
func (s *objectServer) lookupAnyInterfaceLocked(obj *exportedObject, member string) (handlerFunc, bool) {
	var bestIface string
	var best handlerFunc
	found := false
	consider := func(ifaceName string, h handlerFunc) {
		if !found || ifaceName < bestIface {
			bestIface, best, found = ifaceName, h, true
		}
	}

	if obj != nil {
		for name, ei := range obj.interfaces {
			if h, ok := ei.methods[member]; ok {
				consider(name, h)
			}
		}
	}
	for im, h := range s.global {
		if im.Member == member {
			consider(im.Interface, h)
		}
	}
	return best, found
}

func (s *objectServer) describe(path ObjectPath) (*ObjectDescription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.paths[path]
	children := s.children(path)
	if !ok && len(children) == 0 {
		return nil, false
	}
	ret := &ObjectDescription{
		Interfaces: map[string]*InterfaceDescription{},
		Children:   children,
	}
	if obj != nil {
		for name, ei := range obj.interfaces {
			ret.Interfaces[name] = ei.desc
		}
	}
	return ret, true
}

// property looks up a single exported property for the Properties
// interface.
func (s *objectServer) property(path ObjectPath, iface, name string) (*exportedProperty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.paths[path]
	if !ok {
		return nil, DispatchError{ErrUnknownObject, fmt.Sprintf("no object at %s", path)}
	}
	ei, ok := obj.interfaces[iface]
	if !ok {
		return nil, DispatchError{ErrUnknownInterface, fmt.Sprintf("object %s has no interface %s", path, iface)}
	}
	p, ok := ei.properties[name]
	if !ok {
		return nil, DispatchError{ErrInvalidArgs, fmt.Sprintf("interface %s has no property %s", iface, name)}
	}
	return p, nil
}

func (s *objectServer) allProperties(path ObjectPath, iface string) (map[string]Variant, error) {
	s.mu.Lock()
	obj, ok := s.paths[path]
	if !ok {
		s.mu.Unlock()
		return nil, DispatchError{ErrUnknownObject, fmt.Sprintf("no object at %s", path)}
	}
	ei, ok := obj.interfaces[iface]
	if !ok {
		s.mu.Unlock()
		return nil, DispatchError{ErrUnknownInterface, fmt.Sprintf("object %s has no interface %s", path, iface)}
	}
	props := make([]*exportedProperty, 0, len(ei.properties))
	for _, p := range ei.properties {
		props = append(props, p)
	}
	s.mu.Unlock()

	ret := make(map[string]Variant, len(props))
	for _, p := range props {
		if p.get == nil {
			continue
		}
		v, err := p.get(context.Background())
		if err != nil {
			return nil, err
		}
		ret[p.desc.Name] = Variant{v}
	}
	return ret, nil
}

// Export registers methods on interfaceName at path. Each entry of
// methods must have one of the type signatures accepted by
// [Conn.Handle]. Export replaces any previously registered methods
// with the same names on the same interface and path.
//
// Export also wires up org.freedesktop.DBus.Introspectable at path,
// synthesizing the introspection XML from every interface registered
// there and at any child paths.
func (c *Conn) Export(path ObjectPath, interfaceName string, methods map[string]any) {
	if !path.Valid() {
		panic(fmt.Errorf("invalid object path %q", path))
	}
	c.server.export(path, interfaceName, methods)
}

// ExportProperty registers a readable and/or writable property named
// propName on interfaceName at path. Either get or set may be nil,
// but not both.
func (c *Conn) ExportProperty(path ObjectPath, interfaceName, propName string, sig Signature, get func(context.Context) (any, error), set func(context.Context, any) error) {
	if !path.Valid() {
		panic(fmt.Errorf("invalid object path %q", path))
	}
	if get == nil && set == nil {
		panic("ExportProperty requires at least one of get or set")
	}
	c.server.exportProperty(path, interfaceName, propName, sig, get, set)
}

// Unexport removes every interface registered at path.
func (c *Conn) Unexport(path ObjectPath) {
	c.server.unexport(path)
}

// serveCall dispatches a single incoming method call synchronously on
// the calling goroutine and writes the response (or error) message.
// There is no worker pool: a slow handler blocks whichever goroutine
// is currently pumping the connection.
func (c *Conn) serveCall(ctx context.Context, m *msg) {
	serial := c.nextSerial()
	respHdr := &header{
		Type:        msgTypeReturn,
		Version:     1,
		Serial:      serial,
		Destination: m.Sender,
		ReplySerial: m.Serial,
	}

	handler, lookupErr := c.dispatchTarget(m)
	if lookupErr != nil {
		c.replyError(ctx, respHdr, lookupErr)
		return
	}

	resp, err := handler(ctx, m.Path, m.Decoder())
	if err != nil {
		c.replyError(ctx, respHdr, err)
		return
	}
	if !m.WantReply() {
		return
	}
	if err := c.writeMsg(ctx, respHdr, resp); err != nil {
		c.logf("writing method reply: %v", err)
	}
}

func (c *Conn) dispatchTarget(m *msg) (handlerFunc, error) {
	switch m.Interface {
	case "org.freedesktop.DBus.Introspectable":
		if m.Member == "Introspect" {
			return c.introspectHandler(), nil
		}
	case "org.freedesktop.DBus.Properties":
		switch m.Member {
		case "Get":
			return c.propertiesGetHandler(), nil
		case "Set":
			return c.propertiesSetHandler(), nil
		case "GetAll":
			return c.propertiesGetAllHandler(), nil
		}
	}
	return c.server.lookup(m.Path, m.Interface, m.Member)
}

func (c *Conn) replyError(ctx context.Context, hdr *header, err error) {
	hdr.Type = msgTypeError
	var de DispatchError
	if asDispatchError(err, &de) {
		hdr.ErrName = de.Name
		if writeErr := c.writeMsg(ctx, hdr, de.Detail); writeErr != nil {
			c.logf("writing error reply: %v", writeErr)
		}
		return
	}
	hdr.ErrName = ErrFailed
	if writeErr := c.writeMsg(ctx, hdr, err.Error()); writeErr != nil {
		c.logf("writing error reply: %v", writeErr)
	}
}

func asDispatchError(err error, out *DispatchError) bool {
	if de, ok := err.(DispatchError); ok {
		*out = de
		return true
	}
	return false
}

func (c *Conn) introspectHandler() handlerFunc {
	return func(ctx context.Context, path ObjectPath, req *fragments.Decoder) (any, error) {
		desc, ok := c.server.describe(path)
		if !ok {
			return nil, DispatchError{ErrUnknownObject, fmt.Sprintf("no object at %s", path)}
		}
		return renderIntrospection(desc), nil
	}
}

func (c *Conn) propertiesGetHandler() handlerFunc {
	return func(ctx context.Context, path ObjectPath, req *fragments.Decoder) (any, error) {
		var args struct {
			InterfaceName string
			PropertyName  string
		}
		if err := req.Value(ctx, &args); err != nil {
			return nil, DispatchError{ErrInvalidArgs, err.Error()}
		}
		p, err := c.server.property(path, args.InterfaceName, args.PropertyName)
		if err != nil {
			return nil, err
		}
		if p.get == nil {
			return nil, DispatchError{ErrInvalidArgs, fmt.Sprintf("property %s is write-only", args.PropertyName)}
		}
		v, err := p.get(ctx)
		if err != nil {
			return nil, err
		}
		return Variant{v}, nil
	}
}

func (c *Conn) propertiesSetHandler() handlerFunc {
	return func(ctx context.Context, path ObjectPath, req *fragments.Decoder) (any, error) {
		var args struct {
			InterfaceName string
			PropertyName  string
			Value         Variant
		}
		if err := req.Value(ctx, &args); err != nil {
			return nil, DispatchError{ErrInvalidArgs, err.Error()}
		}
		p, err := c.server.property(path, args.InterfaceName, args.PropertyName)
		if err != nil {
			return nil, err
		}
		if p.set == nil {
			return nil, DispatchError{ErrPropertyReadOnly, fmt.Sprintf("property %s is read-only", args.PropertyName)}
		}
		if err := p.set(ctx, args.Value.Value); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func (c *Conn) propertiesGetAllHandler() handlerFunc {
	return func(ctx context.Context, path ObjectPath, req *fragments.Decoder) (any, error) {
		var iface string
		if err := req.Value(ctx, &iface); err != nil {
			return nil, DispatchError{ErrInvalidArgs, err.Error()}
		}
		props, err := c.server.allProperties(path, iface)
		if err != nil {
			return nil, err
		}
		return props, nil
	}
}

func (c *Conn) logf(format string, args ...any) {
	logger().Error(fmt.Sprintf(format, args...))
}
