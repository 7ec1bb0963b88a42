package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/referrals/internal/platform/llm"
)

// LLMExtractor asks a language model for the schema's fields and reads back
// {"fields": {"<path>": {"value": ..., "confidence": 0..1}}}.
type LLMExtractor struct {
	client llm.Client
}

func NewLLMExtractor(client llm.Client) *LLMExtractor {
	return &LLMExtractor{client: client}
}

func (x *LLMExtractor) Model() string { return x.client.Model() }

// missingConfidence is used when the model returns a value without a score.
const missingConfidence = 0.5

func (x *LLMExtractor) ExtractFields(ctx context.Context, text string, schema Schema) (Fields, error) {
	out, err := x.client.Generate(ctx, buildPrompt(text, schema))
	if err != nil {
		return nil, err
	}
	return parseFields(out, schema)
}

func buildPrompt(text string, schema Schema) string {
	var b strings.Builder
	b.WriteString("You extract structured data from a medical referral letter.\n")
	b.WriteString("Return only JSON of the form {\"fields\": {\"<path>\": {\"value\": <value>, \"confidence\": <0..1>}}}.\n")
	b.WriteString("Omit any field that the letter does not state. Never guess. Confidence is your certainty that the value is correct.\n")
	b.WriteString("Fields:\n")
	for _, f := range schema.Fields {
		kind := "string"
		if f.List {
			kind = "array of strings"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", f.Path, kind, f.Description)
	}
	b.WriteString("\nLetter:\n<<<\n")
	b.WriteString(text)
	b.WriteString("\n>>>\n")
	return b.String()
}

type modelField struct {
	Value      json.RawMessage `json:"value"`
	Confidence *float64        `json:"confidence"`
}

// parseFields tolerates code fences and prose around the JSON object.
// Unknown paths and empty values are dropped.
func parseFields(raw string, schema Schema) (Fields, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrUnparseable)
	}

	var resp struct {
		Fields map[string]modelField `json:"fields"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if resp.Fields == nil {
		return nil, fmt.Errorf("%w: missing fields object", ErrUnparseable)
	}

	fields := make(Fields, len(resp.Fields))
	for path, mf := range resp.Fields {
		spec, ok := schema.spec(path)
		if !ok || len(mf.Value) == 0 || string(mf.Value) == "null" {
			continue
		}
		c := missingConfidence
		if mf.Confidence != nil {
			c = *mf.Confidence
		}
		v := Value{Confidence: c}
		if spec.List {
			if err := json.Unmarshal(mf.Value, &v.List); err != nil {
				var single string
				if json.Unmarshal(mf.Value, &single) != nil {
					continue
				}
				v.List = splitList(single)
			}
		} else if err := json.Unmarshal(mf.Value, &v.Text); err != nil {
			var n json.Number
			if json.Unmarshal(mf.Value, &n) != nil {
				continue
			}
			v.Text = n.String()
		}
		fields[path] = v
	}
	return fields, nil
}
