// Package prompts holds the instructions sent to the model.
//
// Prompt text lives in Go rather than config files: templates are
// interpolated with fmt.Sprintf and covered by tests. Each prompt gets an
// exported function that takes the dynamic parts and returns the final
// string.
package prompts
