package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const jsonrpcVersion = "2.0"

// message is any JSON-RPC frame read from or written to the child.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// responseID returns the numeric id of a response. Requests and
// notifications from the child report false.
func (m *message) responseID() (int64, bool) {
	if m.Method != "" || len(m.ID) == 0 {
		return 0, false
	}
	return parseID(m.ID)
}

func parseID(raw json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	// Some servers echo ids back as strings.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	msg := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func encodeNotification(method string, params any) ([]byte, error) {
	msg := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: jsonrpcVersion, Method: method, Params: params}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// frame is one decoded line. Exactly one of msg or err is set.
type frame struct {
	msg *message
	raw []byte
	err error
	// salvagedID is the request id recovered from a malformed frame, if any.
	salvagedID int64
	hasID      bool
	// laterIDs are the ids of lines read ahead during resync. Those lines
	// are answers to other calls, so a malformed frame cannot be theirs.
	laterIDs []int64
}

// decoder turns raw stdout lines into frames, repairing what it can.
type decoder struct {
	lines       <-chan []byte
	resyncBytes int
	resyncWait  time.Duration
	pushback    [][]byte
}

func newDecoder(lines <-chan []byte, resyncBytes int, resyncWait time.Duration) *decoder {
	return &decoder{lines: lines, resyncBytes: resyncBytes, resyncWait: resyncWait}
}

// next returns the next non-empty frame. It reports false once the line
// stream is closed and drained.
func (d *decoder) next() (frame, bool) {
	for {
		line, ok := d.nextLine()
		if !ok {
			return frame{}, false
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return d.decode(line), true
	}
}

func (d *decoder) nextLine() ([]byte, bool) {
	if n := len(d.pushback); n > 0 {
		line := d.pushback[0]
		d.pushback = d.pushback[1:]
		return line, true
	}
	line, ok := <-d.lines
	return line, ok
}

// decode applies the recovery ladder: direct parse, resync with the next
// chunk when the line looks truncated, then brace matching.
func (d *decoder) decode(line []byte) frame {
	var msg message
	err := json.Unmarshal(line, &msg)
	if err == nil {
		return frame{msg: &msg, raw: line}
	}

	if looksTruncated(line) {
		if extra, ok := d.resyncChunk(); ok {
			joined := append(append([]byte(nil), line...), extra...)
			var repaired message
			if json.Unmarshal(joined, &repaired) == nil {
				return frame{msg: &repaired, raw: joined}
			}
			// Not a continuation; it is the next frame.
			d.pushback = append(d.pushback, extra)
		}
	}

	if obj := extractObject(line); obj != nil {
		var embedded message
		if json.Unmarshal(obj, &embedded) == nil && (len(embedded.ID) > 0 || embedded.Method != "") {
			return frame{msg: &embedded, raw: line}
		}
	}

	out := frame{raw: line, err: fmt.Errorf("malformed frame (%d bytes): %w", len(line), err)}
	out.salvagedID, out.hasID = salvageID(line)
	for _, next := range d.pushback {
		if id, ok := lineID(next); ok {
			out.laterIDs = append(out.laterIDs, id)
		}
	}
	return out
}

// lineID returns the response id carried by a raw line, parsed or salvaged.
func lineID(line []byte) (int64, bool) {
	var msg message
	if json.Unmarshal(bytes.TrimSpace(line), &msg) == nil {
		return msg.responseID()
	}
	return salvageID(line)
}

// resyncChunk waits briefly for the next line, bounded by resyncBytes.
// Oversized lines are pushed back untouched.
func (d *decoder) resyncChunk() ([]byte, bool) {
	if d.resyncBytes <= 0 {
		return nil, false
	}
	var (
		line []byte
		ok   bool
	)
	if n := len(d.pushback); n > 0 {
		line, ok = d.pushback[0], true
		d.pushback = d.pushback[1:]
	} else {
		timer := time.NewTimer(d.resyncWait)
		defer timer.Stop()
		select {
		case line, ok = <-d.lines:
		case <-timer.C:
			return nil, false
		}
	}
	if !ok {
		return nil, false
	}
	if len(line) > d.resyncBytes {
		d.pushback = append(d.pushback, line)
		return nil, false
	}
	return line, true
}

func looksTruncated(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	return len(trimmed) > 0 && trimmed[len(trimmed)-1] != '}'
}

// extractObject returns the first balanced {...} substring that parses as
// JSON, honoring string literals and escapes.
func extractObject(line []byte) []byte {
	for start := bytes.IndexByte(line, '{'); start >= 0; {
		if end := matchBrace(line, start); end > start {
			candidate := line[start : end+1]
			if json.Valid(candidate) {
				return candidate
			}
		}
		next := bytes.IndexByte(line[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil
}

func matchBrace(line []byte, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(line); i++ {
		c := line[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

var idPattern = regexp.MustCompile(`"id"\s*:\s*"?(\d+)"?`)

func salvageID(line []byte) (int64, bool) {
	m := idPattern.FindSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
