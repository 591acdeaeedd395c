package dbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// callOptions carries the optional per-call knobs set by [CallOption]
// values.
type callOptions struct {
	noReply bool
	flags   byte
}

// CallOption adjusts the behavior of an individual method call.
type CallOption func(*callOptions)

// flag bits from the DBus wire protocol header.
const (
	flagNoReplyExpected        byte = 1 << 0
	flagNoAutoStart            byte = 1 << 1
	flagAllowInteractiveAuth   byte = 1 << 2
)

// NoReply tells the peer not to send a reply to this call. The call
// returns as soon as the request has been written; there is no way to
// know whether it was received or acted upon.
func NoReply() CallOption {
	return func(o *callOptions) {
		o.noReply = true
		o.flags |= flagNoReplyExpected
	}
}

// NoAutoStart prevents the bus from auto-starting a service to handle
// this call if the destination isn't currently running.
func NoAutoStart() CallOption {
	return func(o *callOptions) { o.flags |= flagNoAutoStart }
}

// AllowInteractiveAuthorization tells the peer that the caller is
// prepared to wait for an interactive authorization prompt (such as a
// polkit dialog) if required.
func AllowInteractiveAuthorization() CallOption {
	return func(o *callOptions) { o.flags |= flagAllowInteractiveAuth }
}

func resolveCallOptions(opts []CallOption) callOptions {
	var ret callOptions
	for _, o := range opts {
		o(&ret)
	}
	return ret
}

// Call calls method on the interface with the given request body, and
// writes the response into response.
//
// This is a low-level calling API. It is the caller's responsibility
// to match the body and response types to the signature of the method
// being invoked. Body may be nil for methods that accept no
// parameters. Response may be nil for methods that return no values.
func (f Interface) Call(ctx context.Context, method string, body any, response any, opts ...CallOption) error {
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, response, opts...)
}

// OneWay calls method on the interface with the given request body,
// and tells the peer not to send a reply.
//
// OneWay returns after the method call is successfully sent. Since
// the response is suppressed at the bus level, there is no way to
// know whether the call was delivered to anyone, or acted upon.
//
// This is a low-level calling API. It is the caller's responsibility
// to match the body to the signature of the method being
// invoked. Body may be nil for methods that accept no parameters.
func (f Interface) OneWay(ctx context.Context, method string, body any, opts ...CallOption) error {
	return f.Call(ctx, method, body, nil, append(opts, NoReply())...)
}

// GetProperty reads the value of the given property into val.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface. val may also be of type *any to
// retrieve a property without knowing its type.
func (f Interface) GetProperty(ctx context.Context, name string, val any, opts ...CallOption) error {
	want := reflect.ValueOf(val)
	if !want.IsValid() {
		return errors.New("cannot read property into nil interface")
	}
	if want.Kind() != reflect.Pointer {
		return errors.New("cannot read property into non-pointer")
	}
	if want.IsNil() {
		return errors.New("cannot read property into nil pointer")
	}

	var resp Variant
	req := struct {
		InterfaceName string
		PropertyName  string
	}{f.name, name}
	err := f.Object().Interface(ifaceProps).Call(ctx, "Get", req, &resp, opts...)
	if err != nil {
		return err
	}

	got := reflect.ValueOf(resp.Value)
	if !got.Type().AssignableTo(want.Type().Elem()) {
		return fmt.Errorf("property type %s is not assignable to %s", got.Type(), want.Type())
	}
	want.Elem().Set(got)

	return nil
}

// SetProperty sets the given property to value.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface.
func (f Interface) SetProperty(ctx context.Context, name string, value any, opts ...CallOption) error {
	req := struct {
		InterfaceName string
		PropertyName  string
		Value         Variant
	}{f.name, name, Variant{value}}
	return f.Object().Interface(ifaceProps).Call(ctx, "Set", req, nil, opts...)
}

// GetAllProperties returns all the properties exported by the
// interface.
func (f Interface) GetAllProperties(ctx context.Context, opts ...CallOption) (map[string]any, error) {
	var resp map[string]Variant
	err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll", f.name, &resp, opts...)
	if err != nil {
		return nil, err
	}

	ret := make(map[string]any, len(resp))
	for k, v := range resp {
		ret[k] = v.Value
	}
	return ret, nil
}

// Well-known interface names used by the bus daemon and the standard
// interfaces every object implicitly offers.
const (
	ifaceBus            = "org.freedesktop.DBus"
	ifaceProps          = "org.freedesktop.DBus.Properties"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
)

// Call invokes method on iface with the given request body, and
// returns the decoded response.
//
// Call is a convenience wrapper around [Interface.Call] for the
// common case of a method with exactly one return value.
func Call[RespT any, ReqT any](ctx context.Context, iface Interface, method string, req ReqT, opts ...CallOption) (RespT, error) {
	var resp RespT
	var body any
	if any(req) != nil {
		body = req
	}
	if err := iface.Call(ctx, method, body, &resp, opts...); err != nil {
		var zero RespT
		return zero, err
	}
	return resp, nil
}

// GetProperty reads and returns the value of the named property on
// iface.
func GetProperty[T any](ctx context.Context, iface Interface, name string, opts ...CallOption) (T, error) {
	var resp T
	if err := iface.GetProperty(ctx, name, &resp, opts...); err != nil {
		var zero T
		return zero, err
	}
	return resp, nil
}
