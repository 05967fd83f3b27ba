// Package job defines the wire representation of a queued work unit and
// the retry bookkeeping fields the retry/morgue middleware mutates.
package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// knownFields lists every schema field so Decode can separate them from the
// Extra bag that preserves unrecognized producer fields byte-for-byte.
var knownFields = map[string]struct{}{
	"jid":            {},
	"klass":          {},
	"args":           {},
	"queue":          {},
	"retry":          {},
	"backtrace":      {},
	"retry_count":    {},
	"failed_at":      {},
	"retried_at":     {},
	"error_message":  {},
	"error_class":    {},
	"error_backtrace": {},
	"dead":           {},
}

// Job is the in-memory representation of a queued work unit. It mirrors the
// Sidekiq-style wire schema: known fields are typed, everything else
// round-trips through Extra unchanged.
type Job struct {
	JID       string            `json:"-"`
	Klass     string            `json:"-"`
	Args      []json.RawMessage `json:"-"`
	Queue     string            `json:"-"`
	Retry     Flexible          `json:"-"`
	Backtrace Flexible          `json:"-"`

	RetryCount *int `json:"-"`

	FailedAt  *float64 `json:"-"`
	RetriedAt *float64 `json:"-"`

	ErrorMessage   string `json:"-"`
	ErrorClass     string `json:"-"`
	ErrorBacktrace []string `json:"-"`

	// Dead is nil when unset. A present false means "never send to morgue".
	Dead *bool `json:"-"`

	// Extra carries every field the producer wrote that this schema does
	// not recognize, keyed by JSON field name, preserved verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// DecodeError wraps a malformed payload: it is
// never retried, only logged and discarded.
type DecodeError struct {
	Payload []byte
	Cause   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("job: malformed payload: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// Decode parses a JSON payload into a Job, preserving unknown fields.
func Decode(payload []byte) (*Job, error) {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &DecodeError{Payload: payload, Cause: err}
	}

	j := &Job{Extra: map[string]json.RawMessage{}}

	for k, v := range raw {
		if _, known := knownFields[k]; !known {
			j.Extra[k] = v
			continue
		}
	}

	if v, ok := raw["jid"]; ok {
		if err := json.Unmarshal(v, &j.JID); err != nil {
			return nil, &DecodeError{Payload: payload, Cause: fmt.Errorf("jid: %w", err)}
		}
	}
	if v, ok := raw["klass"]; ok {
		if err := json.Unmarshal(v, &j.Klass); err != nil {
			return nil, &DecodeError{Payload: payload, Cause: fmt.Errorf("klass: %w", err)}
		}
	}
	if v, ok := raw["args"]; ok {
		if err := json.Unmarshal(v, &j.Args); err != nil {
			return nil, &DecodeError{Payload: payload, Cause: fmt.Errorf("args: %w", err)}
		}
	} else {
		j.Args = []json.RawMessage{}
	}
	if v, ok := raw["queue"]; ok {
		if err := json.Unmarshal(v, &j.Queue); err != nil {
			return nil, &DecodeError{Payload: payload, Cause: fmt.Errorf("queue: %w", err)}
		}
	}
	if j.Queue == "" {
		j.Queue = "default"
	}
	if v, ok := raw["retry"]; ok {
		if err := j.Retry.UnmarshalJSON(v); err != nil {
			return nil, &DecodeError{Payload: payload, Cause: fmt.Errorf("retry: %w", err)}
		}
	}
	if v, ok := raw["backtrace"]; ok {
		if err := j.Backtrace.UnmarshalJSON(v); err != nil {
			return nil, &DecodeError{Payload: payload, Cause: fmt.Errorf("backtrace: %w", err)}
		}
	}
	if v, ok := raw["retry_count"]; ok {
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, &DecodeError{Payload: payload, Cause: fmt.Errorf("retry_count: %w", err)}
		}
		j.RetryCount = &n
	}
	if v, ok := raw["failed_at"]; ok {
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return nil, &DecodeError{Payload: payload, Cause: fmt.Errorf("failed_at: %w", err)}
		}
		j.FailedAt = &f
	}
	if v, ok := raw["retried_at"]; ok {
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return nil, &DecodeError{Payload: payload, Cause: fmt.Errorf("retried_at: %w", err)}
		}
		j.RetriedAt = &f
	}
	if v, ok := raw["error_message"]; ok {
		_ = json.Unmarshal(v, &j.ErrorMessage)
	}
	if v, ok := raw["error_class"]; ok {
		_ = json.Unmarshal(v, &j.ErrorClass)
	}
	if v, ok := raw["error_backtrace"]; ok {
		_ = json.Unmarshal(v, &j.ErrorBacktrace)
	}
	if v, ok := raw["dead"]; ok {
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return nil, &DecodeError{Payload: payload, Cause: fmt.Errorf("dead: %w", err)}
		}
		j.Dead = &b
	}

	return j, nil
}

// Encode serializes a Job back to its wire form. Fields are emitted in a
// stable, deterministic key order so repeated encodes of an unchanged Job
// are byte-identical; unknown fields from Extra are merged back in.
func (j *Job) Encode() ([]byte, error) {
	out := map[string]json.RawMessage{}

	for k, v := range j.Extra {
		out[k] = v
	}

	mustMarshal := func(key string, v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("job: encode %s: %w", key, err)
		}
		out[key] = b
		return nil
	}

	if err := mustMarshal("jid", j.JID); err != nil {
		return nil, err
	}
	if err := mustMarshal("klass", j.Klass); err != nil {
		return nil, err
	}
	args := j.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	if err := mustMarshal("args", args); err != nil {
		return nil, err
	}
	if err := mustMarshal("queue", j.Queue); err != nil {
		return nil, err
	}
	if !j.Retry.IsUnset() {
		if err := mustMarshal("retry", &j.Retry); err != nil {
			return nil, err
		}
	}
	if !j.Backtrace.IsUnset() {
		if err := mustMarshal("backtrace", &j.Backtrace); err != nil {
			return nil, err
		}
	}
	if j.RetryCount != nil {
		if err := mustMarshal("retry_count", *j.RetryCount); err != nil {
			return nil, err
		}
	}
	if j.FailedAt != nil {
		if err := mustMarshal("failed_at", *j.FailedAt); err != nil {
			return nil, err
		}
	}
	if j.RetriedAt != nil {
		if err := mustMarshal("retried_at", *j.RetriedAt); err != nil {
			return nil, err
		}
	}
	if j.ErrorMessage != "" {
		if err := mustMarshal("error_message", j.ErrorMessage); err != nil {
			return nil, err
		}
	}
	if j.ErrorClass != "" {
		if err := mustMarshal("error_class", j.ErrorClass); err != nil {
			return nil, err
		}
	}
	if len(j.ErrorBacktrace) > 0 {
		if err := mustMarshal("error_backtrace", j.ErrorBacktrace); err != nil {
			return nil, err
		}
	}
	if j.Dead != nil {
		if err := mustMarshal("dead", *j.Dead); err != nil {
			return nil, err
		}
	}

	return marshalOrdered(out)
}

// marshalOrdered writes a map[string]json.RawMessage with keys sorted
// lexically so Encode output is deterministic across runs.
func marshalOrdered(fields map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(fields[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NewJID returns a fresh opaque job identifier. Producers are an external
// collaborator in this system; this helper exists only for the internal
// test producer in pkg/client and for tests that build fixtures.
func NewJID() string {
	return uuid.New().String()
}
