package evidence_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowspec/flowspec/engine/evidence"
)

func decodeSchema(t *testing.T, doc string) *evidence.Schema {
	t.Helper()
	var s evidence.Schema
	require.NoError(t, json.Unmarshal([]byte(doc), &s))
	return &s
}

func TestSchemaDecodeVariants(t *testing.T) {
	file := decodeSchema(t, `{"type":"file","mimeTypes":["application/pdf"],"maxSize":1024}`)
	require.Equal(t, evidence.KindFile, file.Kind)
	require.Equal(t, []string{"application/pdf"}, file.File.MimeTypes)
	require.EqualValues(t, 1024, file.File.MaxSize)

	text := decodeSchema(t, `{"type":"text","minLength":3,"maxLength":10}`)
	require.Equal(t, evidence.KindText, text.Kind)
	require.Equal(t, 3, *text.Text.MinLength)

	structured := decodeSchema(t, `{"type":"structured","jsonSchema":{"type":"object","required":["customerId"]}}`)
	require.Equal(t, evidence.KindStructured, structured.Kind)
	require.NoError(t, structured.WellFormed())
}

func TestSchemaUnknownTypeBecomesFallback(t *testing.T) {
	raw := `{"type":"signature","pad":true}`
	s := decodeSchema(t, raw)
	require.Equal(t, evidence.KindFallback, s.Kind)

	// Fallback round-trips the original bytes unchanged.
	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))

	// Fallback schemas never pass the publish gate but accept payloads.
	require.Error(t, s.WellFormed())
	require.NoError(t, s.ValidatePayload(evidence.TypeText, []byte(`{"content":"anything"}`)))
}

func TestSchemaUnknownOptionBecomesFallback(t *testing.T) {
	raw := `{"type":"file","maxSise":5}`
	s := decodeSchema(t, raw)
	require.Equal(t, evidence.KindFallback, s.Kind)
	require.Error(t, s.WellFormed())
}

func TestStructuredSchemaRejectsUnknownKeysClosed(t *testing.T) {
	s := decodeSchema(t, `{"type":"structured","jsonSchema":{"type":"object","patternProperties":{}}}`)
	err := s.WellFormed()
	require.Error(t, err)
	require.Contains(t, err.Error(), `"patternProperties"`)

	// Nested unknown keys fail too.
	nested := decodeSchema(t, `{"type":"structured","jsonSchema":{"type":"object","properties":{"a":{"type":"string","format":"uuid"}}}}`)
	require.Error(t, nested.WellFormed())
}

func TestValidateFilePayload(t *testing.T) {
	s := decodeSchema(t, `{"type":"file","mimeTypes":["image/png"],"maxSize":100}`)

	good := `{"storageKey":"acme/docs/a.png","fileName":"a.png","mimeType":"image/png","size":50,"bucket":"uploads"}`
	require.NoError(t, s.ValidatePayload(evidence.TypeFile, []byte(good)))

	badMime := `{"storageKey":"acme/docs/a.gif","fileName":"a.gif","mimeType":"image/gif","size":50,"bucket":"uploads"}`
	require.Error(t, s.ValidatePayload(evidence.TypeFile, []byte(badMime)))

	tooBig := `{"storageKey":"acme/docs/a.png","fileName":"a.png","mimeType":"image/png","size":500,"bucket":"uploads"}`
	require.Error(t, s.ValidatePayload(evidence.TypeFile, []byte(tooBig)))

	require.Error(t, s.ValidatePayload(evidence.TypeText, []byte(`{"content":"x"}`)), "type mismatch must fail")
}

func TestParseFilePointerStrict(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		ok   bool
	}{
		{"complete", `{"storageKey":"acme/a","fileName":"a","mimeType":"text/plain","size":1,"bucket":"b"}`, true},
		{"extra field", `{"storageKey":"acme/a","fileName":"a","mimeType":"text/plain","size":1,"bucket":"b","etag":"x"}`, false},
		{"missing bucket", `{"storageKey":"acme/a","fileName":"a","mimeType":"text/plain","size":1}`, false},
		{"zero size", `{"storageKey":"acme/a","fileName":"a","mimeType":"text/plain","size":0,"bucket":"b"}`, false},
		{"not an object", `"acme/a"`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := evidence.ParseFilePointer([]byte(tc.doc))
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestFilePointerTenantPrefix(t *testing.T) {
	p, err := evidence.ParseFilePointer([]byte(`{"storageKey":"acme/contracts/c1.pdf","fileName":"c1.pdf","mimeType":"application/pdf","size":9,"bucket":"b"}`))
	require.NoError(t, err)
	require.NoError(t, p.CheckTenant("acme"))
	require.Error(t, p.CheckTenant("globex"))
	require.Error(t, p.CheckTenant(""))
}

func TestValidateTextPayload(t *testing.T) {
	s := decodeSchema(t, `{"type":"text","minLength":3,"maxLength":5}`)
	require.NoError(t, s.ValidatePayload(evidence.TypeText, []byte(`{"content":"abcd"}`)))
	require.Error(t, s.ValidatePayload(evidence.TypeText, []byte(`{"content":"ab"}`)))
	require.Error(t, s.ValidatePayload(evidence.TypeText, []byte(`{"content":"abcdef"}`)))
	require.Error(t, s.ValidatePayload(evidence.TypeText, []byte(`{}`)), "content field is required")
	require.Error(t, s.ValidatePayload(evidence.TypeText, []byte(`{"content":7}`)), "content must be a string")
}

func TestValidateStructuredPayload(t *testing.T) {
	s := decodeSchema(t, `{
		"type": "structured",
		"jsonSchema": {
			"type": "object",
			"properties": {"customerId": {"type": "string", "minLength": 1}},
			"required": ["customerId"],
			"additionalProperties": false
		}
	}`)
	require.NoError(t, s.WellFormed())
	require.NoError(t, s.ValidatePayload(evidence.TypeStructured, []byte(`{"content":{"customerId":"cust-1"}}`)))
	require.Error(t, s.ValidatePayload(evidence.TypeStructured, []byte(`{"content":{}}`)))
	require.Error(t, s.ValidatePayload(evidence.TypeStructured, []byte(`{"content":{"customerId":"c","extra":1}}`)))
	require.Error(t, s.ValidatePayload(evidence.TypeFile, []byte(`{"content":{}}`)))
}

func TestSchemaCloneIsDeep(t *testing.T) {
	s := decodeSchema(t, `{"type":"structured","jsonSchema":{"type":"object","required":["a"]}}`)
	clone := s.Clone()
	clone.Structured.JSONSchema["required"] = []any{"b"}
	require.Equal(t, []any{"a"}, s.Structured.JSONSchema["required"].([]any))
}

func TestSchemaYAMLRoundTrip(t *testing.T) {
	s := decodeSchema(t, `{"type":"text","maxLength":64}`)
	doc, err := s.MarshalYAML()
	require.NoError(t, err)
	m, ok := doc.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "text", m["type"])
}
