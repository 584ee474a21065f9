package tools

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Result is the envelope every tool call produces. It serializes as a
// flat object: {"success": true, ...fields} or {"success": false,
// "error": "..."}.
type Result struct {
	Success bool
	Error   string
	Fields  map[string]any
}

func ok(fields map[string]any) Result {
	return Result{Success: true, Fields: fields}
}

func fail(err error) Result {
	return Result{Error: err.Error()}
}

// MarshalJSON flattens the envelope.
func (r Result) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+2)
	maps.Copy(m, r.Fields)
	m["success"] = r.Success
	if !r.Success {
		msg := r.Error
		if msg == "" {
			msg = "Tool execution failed"
		}
		m["error"] = msg
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads a flat envelope back.
func (r *Result) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.Success, _ = m["success"].(bool)
	r.Error, _ = m["error"].(string)
	delete(m, "success")
	delete(m, "error")
	r.Fields = nil
	if len(m) > 0 {
		r.Fields = m
	}
	return nil
}

// String renders the envelope as the JSON text the model reads.
func (r Result) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, "encode result: "+err.Error())
	}
	return string(b)
}

// ValidationError is a problem with the arguments the model supplied, as
// opposed to a failure in the domain operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func required(field, action string) *ValidationError {
	return &ValidationError{Field: field, Message: field + " is required to " + action}
}
