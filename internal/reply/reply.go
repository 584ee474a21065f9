// Package reply interprets the model's final text.
//
// The assistant is instructed to answer with a JSON object, but model
// output is untrusted: it may wrap the object in prose or code fences,
// skip JSON entirely, or emit something that only looks like JSON.
// Parse classifies each of those without returning an error.
package reply

import (
	"encoding/json"
	"strings"
)

// Kind is the outcome of Parse.
type Kind int

const (
	// Malformed means the text was empty or had a brace-delimited span
	// that was not valid JSON.
	Malformed Kind = iota
	// Parsed means a JSON object was found and decoded.
	Parsed
	// Raw means the text had no brace-delimited span and is passed
	// through as a conversational reply.
	Raw
)

// String returns a lower-case name for the kind.
func (k Kind) String() string {
	switch k {
	case Parsed:
		return "parsed"
	case Raw:
		return "raw"
	default:
		return "malformed"
	}
}

// Result is the outcome of parsing one model response.
type Result struct {
	Kind Kind
	// Object is the decoded JSON object when Kind is Parsed.
	Object map[string]any
	// JSON is the exact span that was parsed when Kind is Parsed.
	JSON json.RawMessage
	// Text is the untouched input when Kind is Raw.
	Text string
}

// Parse extracts the span from the first '{' to the last '}' in raw and
// decodes it strictly. Text with no such span is returned as Raw. A span
// that does not decode to a JSON object is Malformed, as is empty input,
// which is what a loop that never converged hands back.
func Parse(raw string) Result {
	if raw == "" {
		return Result{Kind: Malformed}
	}
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || end < start {
		return Result{Kind: Raw, Text: raw}
	}

	span := []byte(raw[start : end+1])
	var obj map[string]any
	if err := json.Unmarshal(span, &obj); err != nil {
		return Result{Kind: Malformed}
	}
	return Result{Kind: Parsed, Object: obj, JSON: json.RawMessage(span)}
}

// MarshalJSON renders the result the way callers receive it: the object
// for Parsed, a string for Raw, and null for Malformed.
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case Parsed:
		return []byte(r.JSON), nil
	case Raw:
		return json.Marshal(r.Text)
	default:
		return []byte("null"), nil
	}
}

// Reply is the object shape the assistant is asked to produce.
type Reply struct {
	Intent     string         `json:"intent"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Reply      string         `json:"reply"`
}

// Reply decodes a Parsed result into the assistant's reply shape. ok is
// false for Raw and Malformed results, and for objects whose fields have
// the wrong types.
func (r Result) Reply() (rep Reply, ok bool) {
	if r.Kind != Parsed {
		return Reply{}, false
	}
	if err := json.Unmarshal(r.JSON, &rep); err != nil {
		return Reply{}, false
	}
	return rep, true
}

// Message returns the best user-facing string for r: the reply field of a
// parsed object, the raw text, or fallback when the output was malformed
// or carried no reply.
func (r Result) Message(fallback string) string {
	switch r.Kind {
	case Raw:
		if strings.TrimSpace(r.Text) != "" {
			return r.Text
		}
	case Parsed:
		if rep, ok := r.Reply(); ok && rep.Reply != "" {
			return rep.Reply
		}
	}
	return fallback
}
