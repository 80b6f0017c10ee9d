package interactive

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/relay/pkg/channels"
	"github.com/xeipuuv/gojsonschema"
)

// questionSchema accepts a single {question, options} prompt or a
// {questions: [...]} list. Options are labels or {label, description} objects.
const questionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "option": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {
          "type": "object",
          "required": ["label"],
          "properties": {
            "label": {"type": "string", "minLength": 1},
            "description": {"type": "string"}
          }
        }
      ]
    },
    "question": {
      "type": "object",
      "required": ["question", "options"],
      "properties": {
        "question": {"type": "string", "minLength": 1},
        "header": {"type": "string"},
        "multiSelect": {"type": "boolean"},
        "options": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/option"}}
      }
    }
  },
  "oneOf": [
    {"$ref": "#/definitions/question"},
    {
      "type": "object",
      "required": ["questions"],
      "properties": {
        "questions": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/question"}}
      }
    }
  ]
}`

var schemaLoader = gojsonschema.NewStringLoader(questionSchema)

type rawOption struct {
	Label       string
	Description string
}

func (o *rawOption) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err == nil {
		o.Label = label
		return nil
	}
	var obj struct {
		Label       string `json:"label"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	o.Label = obj.Label
	o.Description = obj.Description
	return nil
}

type rawQuestion struct {
	Question    string      `json:"question"`
	Header      string      `json:"header"`
	MultiSelect bool        `json:"multiSelect"`
	Options     []rawOption `json:"options"`
}

type rawInput struct {
	rawQuestion
	Questions []rawQuestion `json:"questions"`
}

// ParseQuestions validates a tool-call input and normalizes it to a question list.
func ParseQuestions(input []byte) ([]channels.InteractiveQuestion, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(input))
	if err != nil {
		return nil, fmt.Errorf("question schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid question input: %s", strings.Join(msgs, "; "))
	}

	var raw rawInput
	if err := json.Unmarshal(input, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode question input: %w", err)
	}

	list := raw.Questions
	if len(list) == 0 {
		list = []rawQuestion{raw.rawQuestion}
	}

	questions := make([]channels.InteractiveQuestion, 0, len(list))
	for _, q := range list {
		options := make([]string, 0, len(q.Options))
		for _, o := range q.Options {
			options = append(options, strings.TrimSpace(o.Label))
		}
		questions = append(questions, channels.InteractiveQuestion{
			Prompt:      strings.TrimSpace(q.Question),
			Header:      strings.TrimSpace(q.Header),
			Options:     options,
			MultiSelect: q.MultiSelect,
		})
	}
	return questions, nil
}
