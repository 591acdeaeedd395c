package dbus

import (
	"context"
	"net"
	"os"
	"reflect"
	"testing"

	"github.com/danderson/go-dbus-wire/fragments"
)

// fakeTransport pairs a net.Conn with a side channel to shuttle the
// file descriptors that WriteWithFiles/GetFiles would otherwise pass
// as socket ancillary data. It exists purely so conn_test.go and
// message_test.go can drive Conn's framing and dispatch logic without
// a real Unix socket or bus daemon.
type fakeTransport struct {
	net.Conn
	send chan<- []*os.File
	recv <-chan []*os.File
}

// newFakeTransportPair returns two fakeTransports connected to each
// other, as if by a Unix socket.
func newFakeTransportPair() (a, b *fakeTransport) {
	c1, c2 := net.Pipe()
	toA := make(chan []*os.File, 16)
	toB := make(chan []*os.File, 16)
	a = &fakeTransport{Conn: c1, send: toB, recv: toA}
	b = &fakeTransport{Conn: c2, send: toA, recv: toB}
	return a, b
}

func (f *fakeTransport) WriteWithFiles(bs []byte, fds []*os.File) (int, error) {
	if len(fds) > 0 {
		f.send <- fds
	}
	return f.Write(bs)
}

func (f *fakeTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return <-f.recv, nil
}

// newPipeFiles returns n freshly opened files, suitable for use as
// fd-carrying message bodies in tests.
func newPipeFiles(t *testing.T, n int) []File {
	t.Helper()
	ret := make([]File, n)
	for i := range ret {
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("os.Pipe: %v", err)
		}
		t.Cleanup(func() { r.Close(); w.Close() })
		ret[i] = File{r}
	}
	return ret
}

// TestMessageFramingRoundTrip checks that a message written with
// writeMsg is recovered unchanged by readMsg on the other end of the
// transport, for messages carrying zero, one, and several file
// descriptors.
func TestMessageFramingRoundTrip(t *testing.T) {
	type echoBody struct {
		S string
		N int32
		B bool
	}

	tests := []struct {
		name string
		hdr  header
		body any
	}{
		{
			"no body",
			header{Type: msgTypeSignal, Version: 1, Path: "/test", Interface: "org.test", Member: "Ping"},
			nil,
		},
		{
			"body, no fds",
			header{Type: msgTypeCall, Version: 1, Path: "/test", Member: "Echo"},
			echoBody{"hello", 42, true},
		},
		{
			"body, one fd",
			header{Type: msgTypeCall, Version: 1, Path: "/test", Member: "SendFile"},
			struct{ Files []File }{newPipeFiles(t, 1)},
		},
		{
			"body, many fds",
			header{Type: msgTypeCall, Version: 1, Path: "/test", Member: "SendFiles"},
			struct{ Files []File }{newPipeFiles(t, 4)},
		},
	}

	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, b := newFakeTransportPair()
			defer a.Close()
			defer b.Close()

			writer := &Conn{
				t: a,
				enc: fragments.Encoder{
					Order:  fragments.NativeEndian,
					Mapper: encoderFor,
				},
			}
			reader := &Conn{t: b}

			hdr := tc.hdr
			hdr.Serial = uint32(i + 1)

			done := make(chan error, 1)
			go func() {
				done <- writer.writeMsg(context.Background(), &hdr, tc.body)
			}()

			got, err := reader.readMsg()
			if err != nil {
				t.Fatalf("readMsg: %v", err)
			}
			if err := <-done; err != nil {
				t.Fatalf("writeMsg: %v", err)
			}

			if got.Type != hdr.Type || got.Serial != hdr.Serial || got.Path != hdr.Path || got.Interface != hdr.Interface || got.Member != hdr.Member {
				t.Fatalf("round-tripped header fields differ:\n  got:  %+v\n  want: %+v", got.header, hdr)
			}

			if tc.body == nil {
				if len(got.body) != 0 {
					t.Fatalf("got non-empty body %v for nil input body", got.body)
				}
				return
			}

			outT := reflect.TypeOf(tc.body)
			outV := reflect.New(outT)
			if err := got.Decoder().Value(got.Context(context.Background()), outV.Interface()); err != nil {
				t.Fatalf("decoding round-tripped body: %v", err)
			}

			switch want := tc.body.(type) {
			case echoBody:
				if got := outV.Elem().Interface().(echoBody); got != want {
					t.Fatalf("round-tripped body = %+v, want %+v", got, want)
				}
			case struct{ Files []File }:
				got := outV.Elem().Interface().(struct{ Files []File })
				if len(got.Files) != len(want.Files) {
					t.Fatalf("got %d files, want %d", len(got.Files), len(want.Files))
				}
				for i := range want.Files {
					if got.Files[i].File == nil {
						t.Fatalf("file %d did not round trip", i)
					}
				}
			}
		})
	}
}
