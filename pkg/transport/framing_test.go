package transport

import (
	"strings"
	"testing"
	"time"
)

func feed(lines ...string) <-chan []byte {
	ch := make(chan []byte, len(lines))
	for _, line := range lines {
		ch <- []byte(line)
	}
	close(ch)
	return ch
}

func TestDecoderWellFormed(t *testing.T) {
	dec := newDecoder(feed(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`, "", "  "), 1024, 10*time.Millisecond)
	fr, ok := dec.next()
	if !ok || fr.err != nil {
		t.Fatalf("unexpected frame: %+v", fr)
	}
	if id, ok := fr.msg.responseID(); !ok || id != 7 {
		t.Fatalf("unexpected id: %d %v", id, ok)
	}
	if _, ok := dec.next(); ok {
		t.Fatal("blank lines should be skipped until the stream ends")
	}
}

func TestDecoderResyncJoinsTruncatedFrame(t *testing.T) {
	dec := newDecoder(feed(`{"jsonrpc":"2.0","id":3,"result":{"text":"hel`, `lo"}}`), 1024, 10*time.Millisecond)
	fr, ok := dec.next()
	if !ok || fr.err != nil {
		t.Fatalf("expected repaired frame, got %+v", fr)
	}
	if string(fr.msg.Result) != `{"text":"hello"}` {
		t.Fatalf("unexpected result: %s", fr.msg.Result)
	}
}

func TestDecoderResyncKeepsNextFrame(t *testing.T) {
	dec := newDecoder(feed(
		`{"jsonrpc":"2.0","id":1,"result":{"content":[`,
		`{"jsonrpc":"2.0","id":2,"result":{}}`,
	), 1024, 10*time.Millisecond)

	bad, ok := dec.next()
	if !ok || bad.err == nil {
		t.Fatalf("expected malformed frame, got %+v", bad)
	}
	if !bad.hasID || bad.salvagedID != 1 {
		t.Fatalf("expected salvaged id 1, got %d %v", bad.salvagedID, bad.hasID)
	}
	good, ok := dec.next()
	if !ok || good.err != nil {
		t.Fatalf("expected following frame intact, got %+v", good)
	}
	if id, _ := good.msg.responseID(); id != 2 {
		t.Fatalf("unexpected id: %d", id)
	}
}

func TestDecoderResyncBounded(t *testing.T) {
	long := `{"jsonrpc":"2.0","id":2,"result":{"text":"` + strings.Repeat("x", 200) + `"}}`
	dec := newDecoder(feed(`{"id":1,"result":{"a":`, long), 64, 10*time.Millisecond)
	bad, _ := dec.next()
	if bad.err == nil {
		t.Fatal("expected malformed frame")
	}
	good, ok := dec.next()
	if !ok || good.err != nil {
		t.Fatalf("oversized chunk should be kept as the next frame, got %+v", good)
	}
}

func TestDecoderResyncTimesOut(t *testing.T) {
	lines := make(chan []byte, 1)
	lines <- []byte(`{"id":4,"result":`)
	dec := newDecoder(lines, 1024, 20*time.Millisecond)
	start := time.Now()
	fr, ok := dec.next()
	if !ok || fr.err == nil || fr.salvagedID != 4 {
		t.Fatalf("unexpected frame: %+v", fr)
	}
	if time.Since(start) > time.Second {
		t.Fatal("resync wait not bounded")
	}
}

func TestDecoderExtractsEmbeddedObject(t *testing.T) {
	dec := newDecoder(feed(`[server] reply: {"jsonrpc":"2.0","id":5,"result":{"s":"a}b{"}} trailing`), 1024, 10*time.Millisecond)
	fr, ok := dec.next()
	if !ok || fr.err != nil {
		t.Fatalf("expected extracted frame, got %+v", fr)
	}
	if string(fr.msg.Result) != `{"s":"a}b{"}` {
		t.Fatalf("unexpected result: %s", fr.msg.Result)
	}
}

func TestDecoderNoiseWithoutID(t *testing.T) {
	dec := newDecoder(feed("npm WARN deprecated something"), 1024, 10*time.Millisecond)
	fr, ok := dec.next()
	if !ok || fr.err == nil {
		t.Fatalf("expected malformed frame, got %+v", fr)
	}
	if fr.hasID {
		t.Fatal("noise should not carry an id")
	}
}

func TestDecoderNoiseRecordsLaterIDs(t *testing.T) {
	dec := newDecoder(feed("npm WARN deprecated something", `{"jsonrpc":"2.0","id":3,"result":{}}`), 1024, 50*time.Millisecond)
	fr, ok := dec.next()
	if !ok || fr.err == nil || fr.hasID {
		t.Fatalf("expected malformed frame without id, got %+v", fr)
	}
	if len(fr.laterIDs) != 1 || fr.laterIDs[0] != 3 {
		t.Fatalf("laterIDs = %v", fr.laterIDs)
	}
	fr, ok = dec.next()
	if !ok || fr.err != nil {
		t.Fatalf("read-ahead line was lost: %+v", fr)
	}
	if id, _ := fr.msg.responseID(); id != 3 {
		t.Fatalf("id = %d", id)
	}
}

func TestResponseIDForms(t *testing.T) {
	tests := []struct {
		line string
		id   int64
		ok   bool
	}{
		{`{"id":9,"result":{}}`, 9, true},
		{`{"id":"12","result":{}}`, 12, true},
		{`{"id":"abc","result":{}}`, 0, false},
		{`{"id":1,"method":"ping"}`, 0, false},
		{`{"method":"notifications/progress"}`, 0, false},
	}
	for _, tt := range tests {
		dec := newDecoder(feed(tt.line), 0, 0)
		fr, _ := dec.next()
		if fr.err != nil {
			t.Fatalf("%s: %v", tt.line, fr.err)
		}
		id, ok := fr.msg.responseID()
		if id != tt.id || ok != tt.ok {
			t.Fatalf("%s: got (%d,%v) want (%d,%v)", tt.line, id, ok, tt.id, tt.ok)
		}
	}
}

func TestEncodeRequest(t *testing.T) {
	data, err := encodeRequest(1, "tools/list", nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != "{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/list\"}\n" {
		t.Fatalf("unexpected frame: %q", data)
	}
	data, _ = encodeNotification("notifications/initialized", nil)
	if string(data) != "{\"jsonrpc\":\"2.0\",\"method\":\"notifications/initialized\"}\n" {
		t.Fatalf("unexpected notification: %q", data)
	}
}
