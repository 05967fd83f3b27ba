package job

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Flexible models the retry/backtrace fields: on the wire they are
// either a JSON boolean or a JSON integer. Decoding never loses the
// distinction between "absent", "false", "true", and "N" so Encode can
// reproduce whichever form the producer sent.
type Flexible struct {
	kind flexibleKind
	b    bool
	n    int
}

type flexibleKind int

const (
	flexibleUnset flexibleKind = iota
	flexibleBool
	flexibleInt
)

// FlexibleBool constructs a Flexible holding a boolean.
func FlexibleBool(b bool) Flexible { return Flexible{kind: flexibleBool, b: b} }

// FlexibleInt constructs a Flexible holding an explicit integer.
func FlexibleInt(n int) Flexible { return Flexible{kind: flexibleInt, n: n} }

// IsUnset reports whether the field was absent from the payload.
func (f Flexible) IsUnset() bool { return f.kind == flexibleUnset }

// UnmarshalJSON accepts a JSON bool or a JSON number.
func (f *Flexible) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("true")):
		*f = Flexible{kind: flexibleBool, b: true}
		return nil
	case bytes.Equal(trimmed, []byte("false")):
		*f = Flexible{kind: flexibleBool, b: false}
		return nil
	default:
		var n int
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return fmt.Errorf("expected bool or integer, got %q", trimmed)
		}
		*f = Flexible{kind: flexibleInt, n: n}
		return nil
	}
}

// MarshalJSON reproduces whichever form was decoded (or constructed).
func (f Flexible) MarshalJSON() ([]byte, error) {
	switch f.kind {
	case flexibleBool:
		return json.Marshal(f.b)
	case flexibleInt:
		return json.Marshal(f.n)
	default:
		return json.Marshal(false)
	}
}

// RetryLimit applies the retries(job.retry) rule:
// true -> 25, false -> 0, int n -> n, absent -> 0.
func (f Flexible) RetryLimit() int {
	switch f.kind {
	case flexibleBool:
		if f.b {
			return 25
		}
		return 0
	case flexibleInt:
		return f.n
	default:
		return 0
	}
}

// TraceLimit applies the traces(job.backtrace) rule:
// true -> 1000, false -> 0, int n -> n, absent -> 0.
func (f Flexible) TraceLimit() int {
	switch f.kind {
	case flexibleBool:
		if f.b {
			return 1000
		}
		return 0
	case flexibleInt:
		return f.n
	default:
		return 0
	}
}
