// Package metadata implements the header/trailer collections carried on
// every call, and the factories for initial request headers, initial
// response headers, and status-bearing trailers.
package metadata

import (
	"strconv"
	"strings"
	"time"
)

// Reserved metadata keys.
const (
	KeyPath         = ":path"
	KeyContentType  = "content-type"
	KeyGRPCStatus   = "grpc-status"
	KeyGRPCMessage  = "grpc-message"
	KeyTimeout      = "grpc-timeout"
	contentTypeMime = "application/nimbus"
)

// pair is one (name, value) entry. Pairs preserve insertion order, unlike a
// map: metadata is an ordered sequence.
type pair struct {
	name  string
	value string
}

// MD is an ordered header/trailer collection. The zero value is an empty,
// usable MD.
type MD struct {
	pairs []pair
}

// New builds an MD from an ordered list of key/value arguments (kv[0],
// kv[1], kv[2], kv[3], ...).
func New(kv ...string) MD {
	var md MD
	for i := 0; i+1 < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}
	return md
}

// Append adds a (name, value) pair, preserving any existing pair with the
// same name (lookup is first-match).
func (md *MD) Append(name, value string) {
	md.pairs = append(md.pairs, pair{name: name, value: value})
}

// Get returns the first value stored under name, case-sensitively, and
// whether it was present.
func (md MD) Get(name string) (string, bool) {
	for _, p := range md.pairs {
		if p.name == name {
			return p.value, true
		}
	}
	return "", false
}

// Len reports how many pairs md holds.
func (md MD) Len() int {
	return len(md.pairs)
}

// Pairs returns a copy of md's (name, value) pairs in insertion order.
func (md MD) Pairs() [][2]string {
	out := make([][2]string, len(md.pairs))
	for i, p := range md.pairs {
		out[i] = [2]string{p.name, p.value}
	}
	return out
}

// ServiceName extracts the service name from a ":path" pair shaped
// "/Service/Method", returning "" if absent or malformed.
func (md MD) ServiceName() string {
	service, _ := splitPath(md)
	return service
}

// MethodName extracts the method name from a ":path" pair shaped
// "/Service/Method", returning "" if absent or malformed.
func (md MD) MethodName() string {
	_, method := splitPath(md)
	return method
}

func splitPath(md MD) (service, method string) {
	path, ok := md.Get(KeyPath)
	if !ok || len(path) == 0 || path[0] != '/' {
		return "", ""
	}
	rest := path[1:]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", ""
	}
	return rest[:idx], rest[idx+1:]
}

// ForClientRequest builds the initial request headers a caller sends to
// open a call.
func ForClientRequest(service, method, authority string) MD {
	md := New(
		":method", "POST",
		":scheme", "http",
		KeyPath, "/"+service+"/"+method,
	)
	if authority != "" {
		md.Append(":authority", authority)
	}
	md.Append(KeyContentType, contentTypeMime)
	md.Append("te", "trailers")
	return md
}

// ForServerInitial builds the initial response headers a responder sends
// once it begins handling a call.
func ForServerInitial() MD {
	return New(":status", "200", KeyContentType, contentTypeMime)
}

// ForTrailer builds the terminal trailer carrying the call's status. The
// message is bounded to 8 KiB and truncated beyond that.
func ForTrailer(code uint32, message string) MD {
	const maxMessageBytes = 8 * 1024
	md := New(KeyGRPCStatus, strconv.FormatUint(uint64(code), 10))
	if message != "" {
		if len(message) > maxMessageBytes {
			message = message[:maxMessageBytes]
		}
		md.Append(KeyGRPCMessage, message)
	}
	return md
}

// EncodeTimeout renders a call deadline's remaining duration as a
// grpc-timeout header value: a decimal count plus a single-letter unit.
// Millisecond granularity is fine enough for call deadlines.
func EncodeTimeout(d time.Duration) string {
	ms := int64(d / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10) + "m"
}

// DecodeTimeout parses a grpc-timeout header value. ok is false for an
// empty, malformed, or negative value.
func DecodeTimeout(s string) (d time.Duration, ok bool) {
	if len(s) < 2 {
		return 0, false
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'H':
		unit = time.Hour
	case 'M':
		unit = time.Minute
	case 'S':
		unit = time.Second
	case 'm':
		unit = time.Millisecond
	case 'u':
		unit = time.Microsecond
	case 'n':
		unit = time.Nanosecond
	default:
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// TrailerStatus reads grpc-status/grpc-message back out of a trailer MD.
// ok is false if grpc-status is absent or not a valid integer.
func TrailerStatus(md MD) (code uint32, message string, ok bool) {
	raw, present := md.Get(KeyGRPCStatus)
	if !present {
		return 0, "", false
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, "", false
	}
	message, _ = md.Get(KeyGRPCMessage)
	return uint32(n), message, true
}
