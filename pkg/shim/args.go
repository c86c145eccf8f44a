package shim

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ArgKind tells whether an argument decoded as JSON or was kept as text.
type ArgKind int

const (
	ArgText ArgKind = iota
	ArgStructured
)

func (k ArgKind) String() string {
	if k == ArgStructured {
		return "structured"
	}
	return "text"
}

// Arg is one invocation argument. Arguments that are valid JSON are exposed
// as structured values, everything else as plain text.
type Arg struct {
	Kind  ArgKind
	raw   []byte
	value interface{}
}

func parseArg(raw []byte) Arg {
	var v interface{}
	if len(raw) > 0 && json.Unmarshal(raw, &v) == nil {
		return Arg{Kind: ArgStructured, raw: raw, value: v}
	}
	return Arg{Kind: ArgText, raw: raw, value: string(raw)}
}

func parseArgs(args [][]byte) []Arg {
	parsed := make([]Arg, 0, len(args))
	for _, a := range args {
		parsed = append(parsed, parseArg(a))
	}
	return parsed
}

// Parsed returns the decoded JSON value for structured arguments and the
// string for text arguments.
func (a Arg) Parsed() interface{} {
	return a.value
}

func (a Arg) Bytes() []byte {
	return a.raw
}

func (a Arg) String() string {
	return string(a.raw)
}

// Decode unmarshals a structured argument into v.
func (a Arg) Decode(v interface{}) error {
	if a.Kind != ArgStructured {
		return errors.Errorf("argument %q is not structured", a.raw)
	}
	return errors.Wrap(json.Unmarshal(a.raw, v), "error decoding argument")
}
