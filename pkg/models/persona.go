package models

// Persona bundles a system prompt with default generation parameters.
//
// Explain marks personas whose answers describe rather than produce
// commands or code. It is listing metadata only and does not change
// how a request is built.
type Persona struct {
	ID       string `json:"id" yaml:"id"`
	Template string `json:"system_prompt" yaml:"system_prompt"`
	Defaults Params `json:"defaults" yaml:"defaults"`
	Explain  bool   `json:"explain" yaml:"explain"`
	Markdown bool   `json:"markdown" yaml:"markdown"`
	BuiltIn  bool   `json:"-" yaml:"-"`
}
