package dbus

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/go-dbus-wire/fragments"
)

// newTestConn builds a Conn around tr without performing the Hello
// handshake a real Dial would, so tests can drive it against a fake
// transport.
func newTestConn(tr *fakeTransport) *Conn {
	c := &Conn{
		t: tr,
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
	c.readTurn <- struct{}{}
	return c
}

// writeRawMsg encodes and sends hdr/body onto c's transport without
// going through [Conn.writeMsg], so tests can put header values on
// the wire that writeMsg's own header.Valid() check would otherwise
// reject.
func writeRawMsg(c *Conn, hdr header, body any) error {
	var files []*os.File
	var bodyBytes []byte
	if body != nil {
		bodyCtx := withContextPutFiles(context.Background(), &files)
		enc := fragments.Encoder{Order: fragments.NativeEndian, Mapper: encoderFor}
		if err := enc.Value(bodyCtx, body); err != nil {
			return err
		}
		sig, err := SignatureOf(body)
		if err != nil {
			return err
		}
		hdr.Length = uint32(len(enc.Out))
		hdr.Signature = sig.asMsgBody()
		hdr.NumFDs = uint32(len(files))
		bodyBytes = enc.Out
	}
	enc := fragments.Encoder{Order: fragments.NativeEndian, Mapper: encoderFor}
	if err := enc.Value(context.Background(), &hdr); err != nil {
		return err
	}
	if _, err := c.t.WriteWithFiles(enc.Out, files); err != nil {
		return err
	}
	_, err := c.t.Write(bodyBytes)
	return err
}

// TestSerialMonotonic exercises nextSerial's wraparound handling:
// serials increase by one on every call, and the serial after
// math.MaxUint32 is 1, never 0.
func TestSerialMonotonic(t *testing.T) {
	var c Conn

	var prev uint32
	for i := 0; i < 5; i++ {
		s := c.nextSerial()
		if s == 0 {
			t.Fatalf("nextSerial() returned 0 at iteration %d", i)
		}
		if i > 0 && s != prev+1 {
			t.Fatalf("nextSerial() = %d, want %d", s, prev+1)
		}
		prev = s
	}

	c.lastSerial = math.MaxUint32
	if s := c.nextSerial(); s != 1 {
		t.Fatalf("nextSerial() after wraparound = %d, want 1", s)
	}
	if s := c.nextSerial(); s != 2 {
		t.Fatalf("nextSerial() after wraparound+1 = %d, want 2", s)
	}
}

// TestReplyCorrelationInterleavedSignals checks that replies are
// delivered to the call that requested them by REPLY_SERIAL, even
// when the replies arrive out of request order and are interleaved
// with unrelated signals.
func TestReplyCorrelationInterleavedSignals(t *testing.T) {
	a, b := newFakeTransportPair()
	defer a.Close()
	defer b.Close()

	client := newTestConn(a)
	peer := &Conn{
		t: b,
		enc: fragments.Encoder{
			Order:  fragments.NativeEndian,
			Mapper: encoderFor,
		},
	}

	type result struct {
		resp string
		err  error
	}
	res1 := make(chan result, 1)
	res2 := make(chan result, 1)

	go func() {
		var resp string
		err := client.call(context.Background(), "peer.test", ObjectPath("/test"), "org.test.Iface", "Method1", nil, &resp)
		res1 <- result{resp, err}
	}()
	go func() {
		var resp string
		err := client.call(context.Background(), "peer.test", ObjectPath("/test"), "org.test.Iface", "Method2", nil, &resp)
		res2 <- result{resp, err}
	}()

	serials := map[string]uint32{}
	for i := 0; i < 2; i++ {
		m, err := peer.readMsg()
		if err != nil {
			t.Fatalf("peer.readMsg: %v", err)
		}
		serials[m.Member] = m.Serial
	}

	send := func(hdr header, body any) {
		t.Helper()
		if err := peer.writeMsg(context.Background(), &hdr, body); err != nil {
			t.Fatalf("peer.writeMsg: %v", err)
		}
	}

	// Two signals and two replies, deliberately interleaved and with
	// the replies in the opposite order from the calls that requested
	// them.
	send(header{Type: msgTypeSignal, Version: 1, Serial: peer.nextSerial(), Path: "/test", Interface: "org.test.Iface", Member: "Tick"}, nil)
	send(header{Type: msgTypeReturn, Version: 1, Serial: peer.nextSerial(), ReplySerial: serials["Method2"]}, "B")
	send(header{Type: msgTypeSignal, Version: 1, Serial: peer.nextSerial(), Path: "/test", Interface: "org.test.Iface", Member: "Tock"}, nil)
	send(header{Type: msgTypeReturn, Version: 1, Serial: peer.nextSerial(), ReplySerial: serials["Method1"]}, "A")

	r1 := <-res1
	r2 := <-res2

	if r1.err != nil {
		t.Fatalf("Method1 call failed: %v", r1.err)
	}
	if r2.err != nil {
		t.Fatalf("Method2 call failed: %v", r2.err)
	}
	if r1.resp != "A" {
		t.Errorf("Method1 got reply %q, want %q", r1.resp, "A")
	}
	if r2.resp != "B" {
		t.Errorf("Method2 got reply %q, want %q", r2.resp, "B")
	}
}

// TestMalformedMessageStaysLocal checks that a malformed incoming
// message (here, a bad protocol version byte) is surfaced as a
// ProtocolError to whichever call happens to pump it off the wire,
// without tearing down the connection: earlier calls keep their
// results, and later calls still complete normally.
func TestMalformedMessageStaysLocal(t *testing.T) {
	a, b := newFakeTransportPair()
	defer a.Close()
	defer b.Close()

	client := newTestConn(a)
	peer := &Conn{
		t: b,
		enc: fragments.Encoder{
			Order:  fragments.NativeEndian,
			Mapper: encoderFor,
		},
	}

	type result struct {
		resp string
		err  error
	}
	doCall := func(method string) <-chan result {
		ch := make(chan result, 1)
		go func() {
			var resp string
			err := client.call(context.Background(), "peer.test", ObjectPath("/test"), "org.test.Iface", method, nil, &resp)
			ch <- result{resp, err}
		}()
		return ch
	}
	reply := func(serial uint32, resp string) {
		t.Helper()
		hdr := header{Type: msgTypeReturn, Version: 1, Serial: peer.nextSerial(), ReplySerial: serial}
		if err := peer.writeMsg(context.Background(), &hdr, resp); err != nil {
			t.Fatalf("peer.writeMsg: %v", err)
		}
	}

	// A call that completes normally before anything goes wrong.
	first := doCall("First")
	m, err := peer.readMsg()
	if err != nil {
		t.Fatalf("peer.readMsg (First): %v", err)
	}
	reply(m.Serial, "ok-First")
	if r := <-first; r.err != nil || r.resp != "ok-First" {
		t.Fatalf("First call: resp=%q err=%v", r.resp, r.err)
	}

	// A second call is issued, but before its reply arrives the peer
	// sends a message with an unsupported protocol version.
	second := doCall("Second")
	if _, err := peer.readMsg(); err != nil {
		t.Fatalf("peer.readMsg (Second): %v", err)
	}

	rawErr := make(chan error, 1)
	go func() {
		rawErr <- writeRawMsg(peer, header{
			Type:      msgTypeSignal,
			Version:   2,
			Serial:    peer.nextSerial(),
			Path:      "/test",
			Interface: "org.test.Iface",
			Member:    "Bad",
		}, nil)
	}()
	if err := <-rawErr; err != nil {
		t.Fatalf("writeRawMsg: %v", err)
	}

	r := <-second
	if _, ok := r.err.(ProtocolError); !ok {
		t.Fatalf("Second call error = %v (%T), want a ProtocolError", r.err, r.err)
	}

	client.mu.Lock()
	closed := client.closed
	client.mu.Unlock()
	if closed {
		t.Fatal("malformed incoming message closed the connection")
	}

	// The connection must still work for new calls.
	third := doCall("Third")
	m, err = peer.readMsg()
	if err != nil {
		t.Fatalf("peer.readMsg (Third): %v", err)
	}
	reply(m.Serial, "ok-Third")
	if r := <-third; r.err != nil || r.resp != "ok-Third" {
		t.Fatalf("Third call: resp=%q err=%v", r.resp, r.err)
	}
}
