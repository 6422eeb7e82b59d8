package evidence

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FilePointer is the strict shape of FILE attachment data. The engine stores
// only pointers; binary blobs live outside.
type FilePointer struct {
	// StorageKey locates the object and must begin with "<companyId>/".
	StorageKey string `json:"storageKey"`
	// FileName is the original file name for display.
	FileName string `json:"fileName"`
	// MimeType is the declared content type.
	MimeType string `json:"mimeType"`
	// Size is the object size in bytes.
	Size int64 `json:"size"`
	// Bucket names the object store bucket holding the blob.
	Bucket string `json:"bucket"`
}

// allowedSchemaKeys is the closed key subset permitted in structured evidence
// schemas at every nesting level. Unknown keys fail closed.
var allowedSchemaKeys = map[string]bool{
	"type":                 true,
	"properties":           true,
	"required":             true,
	"items":                true,
	"enum":                 true,
	"description":          true,
	"additionalProperties": true,
	"minLength":            true,
	"maxLength":            true,
	"minimum":              true,
	"maximum":              true,
}

// ParseFilePointer decodes FILE attachment data. The shape is strict: exactly
// the pointer fields, all populated, no extras.
func ParseFilePointer(data []byte) (FilePointer, error) {
	var p FilePointer
	if err := strictUnmarshal(data, &p); err != nil {
		return FilePointer{}, fmt.Errorf("malformed file pointer: %w", err)
	}
	switch {
	case p.StorageKey == "":
		return FilePointer{}, fmt.Errorf("file pointer missing storageKey")
	case p.FileName == "":
		return FilePointer{}, fmt.Errorf("file pointer missing fileName")
	case p.MimeType == "":
		return FilePointer{}, fmt.Errorf("file pointer missing mimeType")
	case p.Bucket == "":
		return FilePointer{}, fmt.Errorf("file pointer missing bucket")
	case p.Size <= 0:
		return FilePointer{}, fmt.Errorf("file pointer size must be positive")
	}
	return p, nil
}

// CheckTenant verifies the storage key carries the owning tenant prefix.
func (p FilePointer) CheckTenant(companyID string) error {
	if companyID == "" {
		return fmt.Errorf("company id is required for tenant check")
	}
	if !strings.HasPrefix(p.StorageKey, companyID+"/") {
		return fmt.Errorf("storage key %q does not begin with tenant prefix %q", p.StorageKey, companyID+"/")
	}
	return nil
}

// ValidatePayload validates attachment data of the given type against the
// schema. Fallback schemas accept every payload (legacy snapshots keep
// progressing); all other kinds require the matching attachment type.
func (s *Schema) ValidatePayload(typ Type, data []byte) error {
	switch s.Kind {
	case KindFallback:
		return nil
	case KindFile:
		if typ != TypeFile {
			return fmt.Errorf("schema expects %s evidence, got %s", TypeFile, typ)
		}
		p, err := ParseFilePointer(data)
		if err != nil {
			return err
		}
		if len(s.File.MimeTypes) > 0 && !containsString(s.File.MimeTypes, p.MimeType) {
			return fmt.Errorf("mime type %q not in allow-list", p.MimeType)
		}
		if s.File.MaxSize > 0 && p.Size > s.File.MaxSize {
			return fmt.Errorf("file size %d exceeds cap %d", p.Size, s.File.MaxSize)
		}
		return nil
	case KindText:
		if typ != TypeText {
			return fmt.Errorf("schema expects %s evidence, got %s", TypeText, typ)
		}
		content, err := textContent(data)
		if err != nil {
			return err
		}
		n := utf8.RuneCountInString(content)
		if s.Text.MinLength != nil && n < *s.Text.MinLength {
			return fmt.Errorf("content length %d below minimum %d", n, *s.Text.MinLength)
		}
		if s.Text.MaxLength != nil && n > *s.Text.MaxLength {
			return fmt.Errorf("content length %d above maximum %d", n, *s.Text.MaxLength)
		}
		return nil
	case KindStructured:
		if typ != TypeStructured {
			return fmt.Errorf("schema expects %s evidence, got %s", TypeStructured, typ)
		}
		content, err := structuredContent(data)
		if err != nil {
			return err
		}
		if err := checkSchemaKeys(s.Structured.JSONSchema); err != nil {
			return err
		}
		compiled, err := compileSchema(s.Structured.JSONSchema)
		if err != nil {
			return err
		}
		if err := compiled.Validate(content); err != nil {
			return fmt.Errorf("content does not match schema: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown evidence schema kind %q", s.Kind)
}

// checkSchemaKeys walks a structured schema document and rejects any key
// outside the permitted subset, at any nesting level.
func checkSchemaKeys(doc map[string]any) error {
	for key, value := range doc {
		if !allowedSchemaKeys[key] {
			return fmt.Errorf("schema key %q is not permitted", key)
		}
		switch key {
		case "properties":
			props, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("schema key %q must hold an object", key)
			}
			for name, sub := range props {
				subDoc, ok := sub.(map[string]any)
				if !ok {
					return fmt.Errorf("property %q must hold a schema object", name)
				}
				if err := checkSchemaKeys(subDoc); err != nil {
					return err
				}
			}
		case "items":
			switch sub := value.(type) {
			case map[string]any:
				if err := checkSchemaKeys(sub); err != nil {
					return err
				}
			case []any:
				for _, item := range sub {
					subDoc, ok := item.(map[string]any)
					if !ok {
						return fmt.Errorf("schema key %q entries must be schema objects", key)
					}
					if err := checkSchemaKeys(subDoc); err != nil {
						return err
					}
				}
			default:
				return fmt.Errorf("schema key %q must hold a schema object", key)
			}
		case "additionalProperties":
			switch sub := value.(type) {
			case bool:
			case map[string]any:
				if err := checkSchemaKeys(sub); err != nil {
					return err
				}
			default:
				return fmt.Errorf("schema key %q must hold a boolean or schema object", key)
			}
		}
	}
	return nil
}

// compileSchema compiles a structured schema document for instance validation.
func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("evidence.json", normalizeDoc(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("evidence.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// normalizeDoc round-trips the document through JSON so number representations
// match what the validator expects regardless of how the document was built.
func normalizeDoc(doc map[string]any) any {
	data, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return doc
	}
	return out
}

// textContent extracts the required "content" string from TEXT data.
func textContent(data []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", fmt.Errorf("malformed text evidence: %w", err)
	}
	raw, ok := fields["content"]
	if !ok {
		return "", fmt.Errorf("text evidence missing content field")
	}
	var content string
	if err := json.Unmarshal(raw, &content); err != nil {
		return "", fmt.Errorf("text evidence content must be a string: %w", err)
	}
	return content, nil
}

// structuredContent extracts the required "content" value from STRUCTURED data.
func structuredContent(data []byte) (any, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed structured evidence: %w", err)
	}
	raw, ok := fields["content"]
	if !ok {
		return nil, fmt.Errorf("structured evidence missing content field")
	}
	var content any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("structured evidence content is not valid JSON: %w", err)
	}
	return content, nil
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
