package dbus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/go-dbus-wire/fragments"
	"github.com/danderson/go-dbus-wire/transport"
)

// SystemBus connects to the system bus at
// /run/dbus/system_bus_socket. It does not read
// DBUS_SYSTEM_BUS_ADDRESS.
func SystemBus(ctx context.Context) (*Conn, error) {
	return Dial(ctx, "/run/dbus/system_bus_socket")
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, AuthError{"session bus not available: DBUS_SESSION_BUS_ADDRESS is unset"}
	}
	addrs, err := transport.ParseAddressList(addr)
	if err != nil {
		return nil, AuthError{fmt.Sprintf("parsing DBUS_SESSION_BUS_ADDRESS: %v", err)}
	}
	for _, a := range addrs {
		path, abstract, ok := a.Path()
		if !ok {
			continue
		}
		if abstract {
			return dialTransport(ctx, func(ctx context.Context) (transport.Transport, error) {
				return transport.DialUnixAbstract(ctx, path)
			})
		}
		return Dial(ctx, path)
	}
	return nil, AuthError{fmt.Sprintf("no usable unix socket address in DBUS_SESSION_BUS_ADDRESS value %q", addr)}
}

// Dial connects to the bus listening on the Unix domain socket at
// path, performs the SASL handshake, and says Hello to the bus.
//
// The returned Conn does not run any background goroutines. The
// caller is responsible for driving I/O on the connection: either by
// making blocking calls (which service the connection for the
// duration of the call), or by running [Conn.Serve] in a goroutine of
// its own for the lifetime of the connection.
func Dial(ctx context.Context, path string) (*Conn, error) {
	return dialTransport(ctx, func(ctx context.Context) (transport.Transport, error) {
		return transport.DialUnix(ctx, path)
	})
}

// dialTransport finishes bringing up a Conn once its underlying
// transport is connected: it performs the Hello call and registers
// the standard interfaces every DBus connection offers.
func dialTransport(ctx context.Context, open func(context.Context) (transport.Transport, error)) (*Conn, error) {
	t, err := open(ctx)
	if err != nil {
		return nil, err
	}
	ret := &Conn{
		t: t,
		enc: fragments.Encoder{
			Order:  fragments.NativeEndian,
			Mapper: encoderFor,
		},
		calls:    map[uint32]*pendingCall{},
		watchers: mapset.New[*Watcher](),
		claims:   mapset.New[*Claim](),
		server:   newObjectServer(),
		readTurn: make(chan struct{}, 1),
	}
	ret.readTurn <- struct{}{}
	ret.bus = ret.Peer(ifaceBus).Object("/org/freedesktop/DBus")

	if err := ret.bus.Interface(ifaceBus).Call(ctx, "Hello", nil, &ret.clientID); err != nil {
		ret.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}

	// Every object implicitly offers org.freedesktop.DBus.Peer.
	ret.server.handleGlobal(ifacePeer, "Ping", handlerForFunc(func(context.Context, ObjectPath) error {
		return nil
	}))
	machineID := sync.OnceValues(func() (string, error) {
		bs, err := os.ReadFile("/etc/machine-id")
		if errors.Is(err, fs.ErrNotExist) {
			bs, err = os.ReadFile("/var/lib/dbus/machine-id")
		}
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bs)), nil
	})
	ret.server.handleGlobal(ifacePeer, "GetMachineId", handlerForFunc(func(context.Context, ObjectPath) (string, error) {
		return machineID()
	}))

	return ret, nil
}

// Conn is a DBus connection.
//
// A Conn has no internal goroutines or worker pool: all I/O happens
// synchronously on whatever goroutine calls into the Conn. Concurrent
// callers cooperate to service the connection using a single-token
// scheme (see acquireTurn), so that exactly one goroutine is ever
// reading from the transport at a time, without any of them needing
// to block waiting for a dedicated reader.
type Conn struct {
	t        transport.Transport
	clientID string

	bus Object

	writeMu sync.Mutex
	enc     fragments.Encoder
	encBody []byte
	encHdr  []byte

	mu         sync.Mutex
	closed     bool
	closeErr   error
	calls      map[uint32]*pendingCall
	lastSerial uint32
	watchers   mapset.Set[*Watcher]
	claims     mapset.Set[*Claim]

	server *objectServer

	// readTurn is a 1-buffered channel used as a passable token: a
	// goroutine that receives from readTurn is entitled to read and
	// dispatch exactly one message from the transport, then must send
	// back into readTurn before doing anything else. This lets many
	// goroutines cooperatively multiplex the one transport without any
	// of them being a dedicated background reader.
	readTurn chan struct{}
}

type interfaceMember struct {
	Interface string
	Member    string
}

func (im interfaceMember) String() string {
	return im.Interface + "." + im.Member
}

type pendingCall struct {
	notify chan struct{}
	resp   any
	err    error
}

func (c *Conn) lockedWatchers() iter.Seq[*Watcher] {
	return func(yield func(*Watcher) bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		for w := range c.watchers {
			if !yield(w) {
				return
			}
		}
	}
}

// Close closes the DBus connection.
func (c *Conn) Close() error {
	c.failAll(net.ErrClosed)
	return c.t.Close()
}

// failAll marks the connection closed, and unblocks every caller
// currently waiting on a pending call, Watcher or Claim with err.
func (c *Conn) failAll(err error) {
	var (
		pend map[uint32]*pendingCall
		ws   mapset.Set[*Watcher]
		cs   mapset.Set[*Claim]
	)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pend, c.calls = c.calls, nil
	ws, c.watchers = c.watchers, nil
	cs, c.claims = c.claims, nil
	c.mu.Unlock()

	for _, p := range pend {
		p.err = err
		close(p.notify)
	}
	for w := range ws {
		w.Close()
	}
	for cl := range cs {
		cl.Close()
	}
}

// LocalName returns the connection's unique bus name.
func (c *Conn) LocalName() string {
	return c.clientID
}

// Peer returns a Peer for the given bus name.
//
// The returned value is a purely local handle. It does not indicate
// that the requested peer exists, or that it is currently reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{
		c:    c,
		name: name,
	}
}

// nextSerial returns the next serial to use for an outgoing message.
// Serials wrap around at the uint32 boundary but must never be zero,
// per the wire protocol.
func (c *Conn) nextSerial() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSerial++
	if c.lastSerial == 0 {
		c.lastSerial = 1
	}
	return c.lastSerial
}

func (c *Conn) writeMsg(ctx context.Context, hdr *header, body any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var files []*os.File
	c.encBody = c.encBody[:0]
	if body != nil {
		bodyCtx := withContextPutFiles(ctx, &files)
		c.enc.Out = c.encBody
		if err := c.enc.Value(bodyCtx, body); err != nil {
			return err
		}
		sig, err := SignatureOf(body)
		if err != nil {
			return err
		}
		hdr.Length = uint32(len(c.enc.Out))
		hdr.Signature = sig.asMsgBody()
		hdr.NumFDs = uint32(len(files))
		c.encBody = c.enc.Out
	}

	if err := hdr.Valid(); err != nil {
		return err
	}
	if uint64(len(c.encHdr))+uint64(len(c.encBody)) > maxMessageSize {
		return ProtocolError{fmt.Sprintf("outgoing message of %d bytes exceeds maximum size %d", len(c.encHdr)+len(c.encBody), maxMessageSize)}
	}

	c.enc.Out = c.encHdr[:0]
	if err := c.enc.Value(ctx, hdr); err != nil {
		return err
	}
	c.encHdr = c.enc.Out

	if _, err := c.t.WriteWithFiles(c.encHdr, files); err != nil {
		return TransportError{"write", err}
	}
	if _, err := c.t.Write(c.encBody); err != nil {
		return TransportError{"write", err}
	}

	return nil
}

type msg struct {
	header
	order fragments.ByteOrder
	body  []byte
	files []*os.File
}

func (m *msg) Decoder() *fragments.Decoder {
	return &fragments.Decoder{
		Order:  m.order,
		Mapper: decoderFor,
		In:     bytes.NewBuffer(m.body),
	}
}

// Context returns ctx augmented with m's received file descriptors, so
// that decoding a body containing [File] values can resolve them.
func (m *msg) Context(ctx context.Context) context.Context {
	return withContextFiles(ctx, m.files)
}

// readMsg reads one complete DBus message from c.t. Callers must hold
// the read turn (see acquireTurn) before calling readMsg.
func (c *Conn) readMsg() (*msg, error) {
	dec := fragments.Decoder{
		Order:  fragments.NativeEndian,
		Mapper: decoderFor,
		In:     c.t,
	}
	var ret msg
	if err := dec.Value(context.Background(), &ret.header); err != nil {
		return nil, err
	}
	ret.order = dec.Order

	// A malformed header (bad version, missing required fields, and
	// so on) is reported as a ProtocolError once the framed body has
	// been drained from the transport, so that the stream stays in
	// sync for the next message. A body length we can't trust isn't
	// drained at all: the transport is beyond recovery and the error
	// returned is a TransportError instead.
	validErr := ret.header.Valid()
	bodyLen := ret.header.Length
	if uint64(bodyLen) > maxMessageSize {
		return nil, TransportError{"read", ProtocolError{fmt.Sprintf("incoming message body of %d bytes exceeds maximum size %d", bodyLen, maxMessageSize)}}
	}

	body, err := io.ReadAll(io.LimitReader(c.t, int64(bodyLen)))
	if err != nil {
		return nil, err
	}
	if validErr != nil {
		return nil, validErr
	}
	ret.body = body
	ret.files, err = c.t.GetFiles(int(ret.header.NumFDs))
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

// acquireTurn blocks until either the caller acquires the read turn,
// pending is satisfied by some other goroutine doing the reading, or
// ctx is done. haveTurn is true if the caller now holds the turn, err
// is ctx's error if ctx ended first, and both are zero if pending was
// satisfied.
func (c *Conn) acquireTurn(ctx context.Context, pending *pendingCall) (haveTurn bool, err error) {
	if pending != nil {
		select {
		case <-pending.notify:
			return false, nil
		default:
		}
	}
	select {
	case <-c.readTurn:
		return true, nil
	default:
	}
	if pending != nil {
		select {
		case <-c.readTurn:
			return true, nil
		case <-pending.notify:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	select {
	case <-c.readTurn:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// pumpOnce reads and dispatches a single incoming message. The caller
// must hold the read turn, and must return it (via c.readTurn <-
// struct{}{}) as soon as pumpOnce returns, regardless of error.
//
// If ctx carries a deadline, pumpOnce arranges for the underlying read
// to time out at that deadline. A timeout is reported back to the
// caller but does not tear down the connection: some other goroutine
// may still be waiting on a call that the connection can service just
// fine.
func (c *Conn) pumpOnce(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		c.t.SetReadDeadline(dl)
	} else {
		c.t.SetReadDeadline(time.Time{})
	}

	m, err := c.readMsg()
	if err != nil {
		if isDeadlineErr(err) {
			return err
		}
		if protoErr, ok := err.(ProtocolError); ok {
			// A malformed message is local to itself: readMsg already
			// drained it off the wire, so the connection is still in
			// sync and other pending calls are unaffected.
			c.logf("dropping malformed incoming message: %v", protoErr)
			return protoErr
		}
		c.failAll(TransportError{"read", err})
		return err
	}

	switch m.Type {
	case msgTypeCall:
		c.serveCall(m.Context(context.Background()), m)
	case msgTypeReturn:
		c.dispatchReturn(m)
	case msgTypeError:
		c.dispatchErr(m)
	case msgTypeSignal:
		c.dispatchSignal(m.Context(context.Background()), m)
	}
	return nil
}

func isDeadlineErr(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// waitForReply blocks until pending is satisfied, cooperatively
// pumping the connection's transport as needed. It never spawns a
// goroutine: whichever caller currently holds the read turn services
// the connection on behalf of everyone waiting.
func (c *Conn) waitForReply(ctx context.Context, pending *pendingCall) error {
	for {
		haveTurn, err := c.acquireTurn(ctx, pending)
		if err != nil {
			return err
		}
		if !haveTurn {
			return pending.err
		}

		err = c.pumpOnce(ctx)
		c.readTurn <- struct{}{}

		select {
		case <-pending.notify:
			return pending.err
		default:
		}

		if err != nil && !isDeadlineErr(err) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Serve pumps the connection until ctx is done or the connection
// fails, dispatching incoming calls, returns and signals as they
// arrive.
//
// Serve is how a long-lived server (or a client that wants to receive
// signals without an outstanding call of its own) drives I/O on the
// Conn. It is safe to run Serve in its own goroutine; it does not
// start one of its own.
func (c *Conn) Serve(ctx context.Context) error {
	for {
		haveTurn, err := c.acquireTurn(ctx, nil)
		if err != nil {
			return err
		}
		if !haveTurn {
			// acquireTurn with a nil pending never returns haveTurn=false.
			continue
		}
		err = c.pumpOnce(ctx)
		c.readTurn <- struct{}{}
		if err != nil && !isDeadlineErr(err) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (c *Conn) dispatchReturn(m *msg) {
	pending := func() *pendingCall {
		c.mu.Lock()
		defer c.mu.Unlock()
		ret := c.calls[m.ReplySerial]
		delete(c.calls, m.ReplySerial)
		return ret
	}()
	if pending == nil {
		// Response to a call we've stopped waiting for.
		return
	}
	if pending.resp != nil {
		if err := m.Decoder().Value(m.Context(context.Background()), pending.resp); err != nil {
			pending.err = err
		}
	}
	close(pending.notify)
}

func (c *Conn) dispatchErr(m *msg) {
	pending := func() *pendingCall {
		c.mu.Lock()
		defer c.mu.Unlock()
		ret := c.calls[m.ReplySerial]
		delete(c.calls, m.ReplySerial)
		return ret
	}()
	if pending == nil {
		return
	}

	detail := func() string {
		if m.Signature.IsZero() {
			return ""
		}
		if s := m.Signature.String(); s != "s" && !strings.HasPrefix(s, "(s") {
			return ""
		}
		s, err := m.Decoder().String()
		if err != nil {
			return fmt.Sprintf("(failed to decode error detail: %v)", err)
		}
		return s
	}()

	pending.err = CallError{
		Name:   m.ErrName,
		Detail: detail,
	}
	close(pending.notify)
}

func (c *Conn) dispatchSignal(ctx context.Context, m *msg) {
	var propErr error
	if m.Interface == ifaceProps && m.Member == "PropertiesChanged" {
		propErr = c.dispatchPropChange(ctx, m)
	}

	signalType := signalTypeFor(m.Interface, m.Member)
	if signalType == nil {
		signalType = m.Signature.asStruct().Type()
	}
	if signalType == nil {
		signalType = reflect.TypeFor[struct{}]()
	}

	emitter := c.Peer(m.Sender).Object(m.Path).Interface(m.Interface)

	signal := reflect.New(signalType)
	if err := m.Decoder().Value(ctx, signal.Interface()); err != nil {
		c.logf("decoding signal %s: %v (properties dispatch error, if any: %v)", interfaceMember{m.Interface, m.Member}, err, propErr)
		return
	}

	for w := range c.lockedWatchers() {
		w.deliverSignal(emitter, &m.header, signal)
	}
}

func (c *Conn) dispatchPropChange(ctx context.Context, m *msg) error {
	// A fresh decoder, so that dispatchSignal's generic decode of the
	// signal body still works independently of this one.
	var pc PropertiesChanged
	if err := m.Decoder().Value(ctx, &pc); err != nil {
		return err
	}

	emitter := c.Peer(m.Sender).Object(m.Path).Interface(pc.InterfaceName)

	for name, val := range pc.ChangedProperties {
		v := reflect.ValueOf(val.Value)
		if t := propTypeFor(pc.InterfaceName, name); t != nil && t != v.Type() && v.Type().ConvertibleTo(t) {
			v = v.Convert(t)
		}
		for w := range c.lockedWatchers() {
			w.deliverProp(emitter, &m.header, interfaceMember{pc.InterfaceName, name}, v)
		}
	}

	for _, name := range pc.InvalidatedProperties {
		t := propTypeFor(pc.InterfaceName, name)
		if t == nil {
			continue
		}
		for w := range c.lockedWatchers() {
			w.deliverProp(emitter, &m.header, interfaceMember{pc.InterfaceName, name}, reflect.New(t).Elem())
		}
	}
	return nil
}

// call calls a remote method over the bus and records the response in
// the provided pointer.
//
// It is the caller's responsibility to supply the correct types of
// request.Body and response for the method being called.
func (c *Conn) call(ctx context.Context, destination string, path ObjectPath, iface, method string, body any, response any, opts ...CallOption) error {
	if response != nil && reflect.TypeOf(response).Kind() != reflect.Pointer {
		return errors.New("response parameter in Call must be a pointer, or nil")
	}
	o := resolveCallOptions(opts)

	serial := c.nextSerial()
	pending := &pendingCall{
		notify: make(chan struct{}),
		resp:   response,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closeErr
	}
	c.calls[serial] = pending
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.calls[serial] == pending {
			delete(c.calls, serial)
		}
		c.mu.Unlock()
	}()

	hdr := header{
		Type:        msgTypeCall,
		Flags:       o.flags,
		Version:     1,
		Serial:      serial,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      method,
	}

	if err := c.writeMsg(ctx, &hdr, body); err != nil {
		return err
	}

	if !hdr.WantReply() {
		return nil
	}

	return c.waitForReply(ctx, pending)
}

// EmitSignal broadcasts signal from obj.
//
// The signal's type must be registered in advance with
// [RegisterSignalType].
func (c *Conn) EmitSignal(ctx context.Context, obj ObjectPath, signal any) error {
	t := reflect.TypeOf(signal)
	k, ok := signalNameFor(t)
	if !ok {
		return fmt.Errorf("unknown signal type %s", t)
	}
	hdr := header{
		Type:      msgTypeSignal,
		Version:   1,
		Serial:    c.nextSerial(),
		Path:      obj,
		Interface: k.Interface,
		Member:    k.Member,
	}
	return c.writeMsg(ctx, &hdr, signal)
}

// Handle calls fn to handle incoming method calls to methodName on
// interfaceName, on every object this connection exposes.
//
// fn must have one of the following type signatures, where ReqType
// and RetType determine the method's [Signature].
//
//	func(context.Context, dbus.ObjectPath) error
//	func(context.Context, dbus.ObjectPath) (RetType, error)
//	func(context.Context, dbus.ObjectPath, ReqType) error
//	func(context.Context, dbus.ObjectPath, ReqType) (RetType, error)
//
// Handle panics if fn is not one of the above type signatures.
//
// Most servers should prefer [Conn.Export], which scopes handlers to
// a single object path. Handle is for interfaces like
// org.freedesktop.DBus.Peer that are meaningful on every object.
func (c *Conn) Handle(interfaceName, methodName string, fn any) {
	c.server.handleGlobal(interfaceName, methodName, handlerForFunc(fn))
}

type handlerFunc func(ctx context.Context, object ObjectPath, req *fragments.Decoder) (any, error)

func handlerForFunc(fn any) handlerFunc {
	h, _, _ := handlerForFuncDescribed(fn)
	return h
}

// handlerForFuncDescribed is [handlerForFunc], additionally returning
// the request and response signatures of fn (nil if fn takes no
// request, or returns no response), for use by [Conn.Export] when
// synthesizing introspection data.
func handlerForFuncDescribed(fn any) (h handlerFunc, in, out *Signature) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() {
		panic(errors.New("nil handler function given to Handle"))
	}
	t := v.Type()
	if t.Kind() != reflect.Func {
		panic(fmt.Errorf("Handle called with non-function handler type %s", t))
	}
	ni, no := t.NumIn(), t.NumOut()

	const msgInvalidHandlerSignature = "invalid signature %s for handler func, valid signatures are:\n  func(context.Context, dbus.ObjectPath, ReqT) (RespT, error)\n  func(context.Context, dbus.ObjectPath) (RespT, error)\n  func(context.Context, dbus.ObjectPath, ReqT) error\n  func(context.Context, dbus.ObjectPath) error"

	if ni < 2 || ni > 3 || no < 1 || no > 2 {
		panic(fmt.Errorf(msgInvalidHandlerSignature, t))
	}
	if !t.In(0).Implements(reflect.TypeFor[context.Context]()) {
		panic(fmt.Errorf(msgInvalidHandlerSignature, t))
	}
	if t.In(1) != reflect.TypeFor[ObjectPath]() {
		panic(fmt.Errorf(msgInvalidHandlerSignature, t))
	}
	if !t.Out(no - 1).Implements(reflect.TypeFor[error]()) {
		panic(fmt.Errorf(msgInvalidHandlerSignature, t))
	}

	var (
		reqDec fragments.DecoderFunc
		err    error
	)
	if ni == 3 {
		reqDec, err = decoderFor(t.In(2))
		if err != nil {
			panic(fmt.Errorf("request type %s is not a valid DBus type: %w", t.In(2), err))
		}
		sig, err := signatureFor(t.In(2), nil)
		if err != nil {
			panic(fmt.Errorf("request type %s is not a valid DBus type: %w", t.In(2), err))
		}
		in = &sig
	}
	if no == 2 {
		if _, err = encoderFor(t.Out(0)); err != nil {
			panic(fmt.Errorf("response type %s is not a valid DBus type: %w", t.Out(0), err))
		}
		sig, err := signatureFor(t.Out(0), nil)
		if err != nil {
			panic(fmt.Errorf("response type %s is not a valid DBus type: %w", t.Out(0), err))
		}
		out = &sig
	}

	type shape struct{ numIn, numOut int }
	switch (shape{ni, no}) {
	case shape{2, 1}:
		h = func(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
			rets := v.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(obj)})
			if err, ok := rets[0].Interface().(error); ok && err != nil {
				return nil, err
			}
			return nil, nil
		}
	case shape{2, 2}:
		h = func(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
			rets := v.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(obj)})
			if err, ok := rets[1].Interface().(error); ok && err != nil {
				return nil, err
			}
			return rets[0].Interface(), nil
		}
	case shape{3, 1}:
		h = func(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
			body := reflect.New(t.In(2))
			if err := reqDec(ctx, req, body); err != nil {
				return nil, err
			}
			rets := v.Call([]reflect.Value{
				reflect.ValueOf(ctx),
				reflect.ValueOf(obj),
				body.Elem(),
			})
			if err, ok := rets[0].Interface().(error); ok && err != nil {
				return nil, err
			}
			return nil, nil
		}
	case shape{3, 2}:
		h = func(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
			body := reflect.New(t.In(2))
			if err := reqDec(ctx, req, body); err != nil {
				return nil, err
			}
			rets := v.Call([]reflect.Value{
				reflect.ValueOf(ctx),
				reflect.ValueOf(obj),
				body.Elem(),
			})
			if err, ok := rets[1].Interface().(error); ok && err != nil {
				return nil, err
			}
			return rets[0].Interface(), nil
		}
	default:
		panic("unreachable")
	}
	return h, in, out
}
