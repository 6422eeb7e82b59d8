// Package evidence models task evidence: the closed schema sum type declared
// on snapshot tasks (file, text, structured) and the validation of attachment
// payloads against it.
//
// Schemas whose type is not recognized are preserved verbatim as an opaque
// fallback variant. Fallback schemas are read-only: they never validate new
// publishes (WellFormed rejects them) but they accept attachments so flows
// bound to legacy snapshots keep progressing.
package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Type is the payload type of an evidence attachment.
type Type string

const (
	// TypeFile marks an attachment whose data is a storage pointer.
	TypeFile Type = "FILE"
	// TypeText marks an attachment whose data is {"content": string}.
	TypeText Type = "TEXT"
	// TypeStructured marks an attachment whose data is {"content": object}.
	TypeStructured Type = "STRUCTURED"
)

// Valid reports whether t is one of the recognized attachment types.
func (t Type) Valid() bool {
	switch t {
	case TypeFile, TypeText, TypeStructured:
		return true
	}
	return false
}

// Kind discriminates the schema sum type.
type Kind string

const (
	// KindFile validates storage pointers with optional MIME and size bounds.
	KindFile Kind = "file"
	// KindText validates a string content field with optional length bounds.
	KindText Kind = "text"
	// KindStructured validates object content against a restricted JSON
	// Schema subset.
	KindStructured Kind = "structured"
	// KindFallback marks an unrecognized schema preserved verbatim.
	KindFallback Kind = "fallback"
)

type (
	// Schema is the evidence schema declared on a task. Exactly one of the
	// option structs matching Kind is non-nil; fallback schemas keep only the
	// raw bytes.
	Schema struct {
		Kind       Kind
		File       *FileSchema
		Text       *TextSchema
		Structured *StructuredSchema

		raw json.RawMessage
	}

	// FileSchema bounds storage-pointer attachments.
	FileSchema struct {
		// MimeTypes is an optional allow-list for the pointer's MIME type.
		MimeTypes []string `json:"mimeTypes,omitempty"`
		// MaxSize caps the pointer's declared size in bytes. Zero means no cap.
		MaxSize int64 `json:"maxSize,omitempty"`
		// Description is free-form documentation for builders and reviewers.
		Description string `json:"description,omitempty"`
	}

	// TextSchema bounds text attachments.
	TextSchema struct {
		// MinLength is the minimum content length in runes, when set.
		MinLength *int `json:"minLength,omitempty"`
		// MaxLength is the maximum content length in runes, when set.
		MaxLength *int `json:"maxLength,omitempty"`
		// Description is free-form documentation for builders and reviewers.
		Description string `json:"description,omitempty"`
	}

	// StructuredSchema validates structured content against a JSON Schema
	// document restricted to a closed key subset.
	StructuredSchema struct {
		// JSONSchema is the schema document. Only the keys enumerated in
		// allowedSchemaKeys are permitted at any nesting level; anything else
		// fails closed.
		JSONSchema map[string]any `json:"jsonSchema"`
		// Description is free-form documentation for builders and reviewers.
		Description string `json:"description,omitempty"`
	}
)

// per-kind envelopes used for strict (un)marshalling.
type (
	fileEnvelope struct {
		Type string `json:"type"`
		FileSchema
	}
	textEnvelope struct {
		Type string `json:"type"`
		TextSchema
	}
	structuredEnvelope struct {
		Type string `json:"type"`
		StructuredSchema
	}
)

// UnmarshalJSON decodes the tagged schema shape {"type": ..., options...}.
// Any document that does not decode cleanly into a recognized variant becomes
// a fallback schema carrying the original bytes.
func (s *Schema) UnmarshalJSON(data []byte) error {
	fallback := func() {
		*s = Schema{Kind: KindFallback, raw: append(json.RawMessage(nil), data...)}
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		fallback()
		return nil
	}
	switch Kind(probe.Type) {
	case KindFile:
		var env fileEnvelope
		if err := strictUnmarshal(data, &env); err != nil {
			fallback()
			return nil
		}
		fs := env.FileSchema
		*s = Schema{Kind: KindFile, File: &fs}
	case KindText:
		var env textEnvelope
		if err := strictUnmarshal(data, &env); err != nil {
			fallback()
			return nil
		}
		ts := env.TextSchema
		*s = Schema{Kind: KindText, Text: &ts}
	case KindStructured:
		var env structuredEnvelope
		if err := strictUnmarshal(data, &env); err != nil {
			fallback()
			return nil
		}
		ss := env.StructuredSchema
		*s = Schema{Kind: KindStructured, Structured: &ss}
	default:
		fallback()
	}
	return nil
}

// MarshalJSON emits the tagged schema shape. Fallback schemas round-trip
// their original bytes unchanged.
func (s Schema) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case KindFile:
		return json.Marshal(fileEnvelope{Type: string(KindFile), FileSchema: orZero(s.File)})
	case KindText:
		return json.Marshal(textEnvelope{Type: string(KindText), TextSchema: orZero(s.Text)})
	case KindStructured:
		return json.Marshal(structuredEnvelope{Type: string(KindStructured), StructuredSchema: orZero(s.Structured)})
	case KindFallback:
		if len(s.raw) == 0 {
			return []byte("{}"), nil
		}
		return append([]byte(nil), s.raw...), nil
	}
	return nil, fmt.Errorf("evidence: cannot marshal schema of kind %q", s.Kind)
}

// UnmarshalYAML decodes a schema written in YAML (catalog definitions) by
// converting the node to JSON and reusing the JSON decoding rules.
func (s *Schema) UnmarshalYAML(value *yaml.Node) error {
	var doc any
	if err := value.Decode(&doc); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.UnmarshalJSON(data)
}

// MarshalYAML encodes the schema as the plain document form of its JSON shape.
func (s Schema) MarshalYAML() (any, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{Kind: s.Kind}
	if s.File != nil {
		fs := *s.File
		fs.MimeTypes = append([]string(nil), s.File.MimeTypes...)
		out.File = &fs
	}
	if s.Text != nil {
		ts := *s.Text
		if s.Text.MinLength != nil {
			v := *s.Text.MinLength
			ts.MinLength = &v
		}
		if s.Text.MaxLength != nil {
			v := *s.Text.MaxLength
			ts.MaxLength = &v
		}
		out.Text = &ts
	}
	if s.Structured != nil {
		ss := *s.Structured
		ss.JSONSchema = cloneDoc(s.Structured.JSONSchema)
		out.Structured = &ss
	}
	if len(s.raw) > 0 {
		out.raw = append(json.RawMessage(nil), s.raw...)
	}
	return out
}

// WellFormed reports whether the schema can validate payloads. It is the
// publish-time gate for evidence-required tasks: fallback schemas and
// structured schemas outside the permitted key subset are rejected.
func (s *Schema) WellFormed() error {
	switch s.Kind {
	case KindFile:
		if s.File == nil {
			return fmt.Errorf("file schema missing options")
		}
		if s.File.MaxSize < 0 {
			return fmt.Errorf("file schema maxSize must not be negative")
		}
		for _, m := range s.File.MimeTypes {
			if m == "" {
				return fmt.Errorf("file schema mimeTypes must not contain empty entries")
			}
		}
		return nil
	case KindText:
		if s.Text == nil {
			return fmt.Errorf("text schema missing options")
		}
		if s.Text.MinLength != nil && *s.Text.MinLength < 0 {
			return fmt.Errorf("text schema minLength must not be negative")
		}
		if s.Text.MaxLength != nil && *s.Text.MaxLength < 0 {
			return fmt.Errorf("text schema maxLength must not be negative")
		}
		if s.Text.MinLength != nil && s.Text.MaxLength != nil && *s.Text.MaxLength < *s.Text.MinLength {
			return fmt.Errorf("text schema maxLength must not be smaller than minLength")
		}
		return nil
	case KindStructured:
		if s.Structured == nil || s.Structured.JSONSchema == nil {
			return fmt.Errorf("structured schema missing jsonSchema document")
		}
		if err := checkSchemaKeys(s.Structured.JSONSchema); err != nil {
			return err
		}
		_, err := compileSchema(s.Structured.JSONSchema)
		return err
	case KindFallback:
		return fmt.Errorf("unrecognized evidence schema")
	}
	return fmt.Errorf("unknown evidence schema kind %q", s.Kind)
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func orZero[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

func cloneDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
