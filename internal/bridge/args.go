package bridge

import (
	"encoding/json"
	"fmt"
)

// args wraps the raw argument map of a request.
type args map[string]json.RawMessage

func (a args) has(name string) bool {
	raw, ok := a[name]
	return ok && string(raw) != "null"
}

// str returns a required, non-empty string argument.
func (a args) str(name string) (string, *Error) {
	if !a.has(name) {
		return "", missing(name)
	}
	var s string
	if err := json.Unmarshal(a[name], &s); err != nil {
		return "", invalid(name, err)
	}
	if s == "" {
		return "", missing(name)
	}
	return s, nil
}

// optStr returns an optional string argument.
func (a args) optStr(name string) (string, *Error) {
	if !a.has(name) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(a[name], &s); err != nil {
		return "", invalid(name, err)
	}
	return s, nil
}

// intOr returns an integer argument or def when absent.
func (a args) intOr(name string, def int) (int, *Error) {
	if !a.has(name) {
		return def, nil
	}
	var n int
	if err := json.Unmarshal(a[name], &n); err != nil {
		return 0, invalid(name, err)
	}
	return n, nil
}

// bytes returns a required byte buffer argument. An empty buffer is allowed.
func (a args) bytes(name string) ([]byte, *Error) {
	if !a.has(name) {
		return nil, missing(name)
	}
	var b Bytes
	if err := json.Unmarshal(a[name], &b); err != nil {
		return nil, invalid(name, err)
	}
	return b, nil
}

func missing(name string) *Error {
	return &Error{Code: CodeMissingArgument, Message: name + " missing"}
}

func invalid(name string, err error) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf("%s: %v", name, err)}
}
