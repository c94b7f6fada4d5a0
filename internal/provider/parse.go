package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"

	"github.com/spec-kit/triage-service/internal/domain"
)

var validate = validator.New()

// SchemaError lists why a classification answer was rejected.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "classification schema: " + strings.Join(e.Violations, "; ")
}

type classificationInput struct {
	Category  string `json:"category" validate:"required,oneof=Billing Technical Feature Other"`
	Urgency   string `json:"urgency" validate:"required,oneof=High Medium Low"`
	Sentiment int    `json:"sentiment" validate:"min=1,max=10"`
}

// ParseClassification turns a provider answer into a Classification. It
// tolerates markdown fences, comments and trailing commas, a wrapping array,
// single-element arrays for enum fields, and numeric strings for sentiment.
// Anything else yields a *SchemaError.
func ParseClassification(raw string) (domain.Classification, error) {
	body := stripFences(raw)
	if body == "" {
		return domain.Classification{}, &SchemaError{Violations: []string{"empty response"}}
	}

	var decoded any
	if err := json.Unmarshal(jsonc.ToJSON([]byte(body)), &decoded); err != nil {
		return domain.Classification{}, &SchemaError{Violations: []string{"invalid JSON: " + err.Error()}}
	}
	decoded = firstElement(decoded)
	fields, ok := decoded.(map[string]any)
	if !ok {
		return domain.Classification{}, &SchemaError{Violations: []string{"expected a JSON object"}}
	}

	var violations []string
	input := classificationInput{
		Category: stringField(fields, "category"),
		Urgency:  stringField(fields, "urgency"),
	}
	sentiment, sentimentErr := sentimentField(fields["sentiment"])
	if sentimentErr != nil {
		violations = append(violations, "sentiment: "+sentimentErr.Error())
	}
	input.Sentiment = sentiment

	if err := validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Field() == "Sentiment" && sentimentErr != nil {
					continue
				}
				violations = append(violations, describe(fe))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}
	if len(violations) > 0 {
		return domain.Classification{}, &SchemaError{Violations: violations}
	}

	return domain.Classification{
		Category:  domain.Category(input.Category),
		Urgency:   domain.Urgency(input.Urgency),
		Sentiment: input.Sentiment,
	}, nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the info string, e.g. ```json.
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func firstElement(v any) any {
	if arr, ok := v.([]any); ok && len(arr) > 0 {
		return arr[0]
	}
	return v
}

func stringField(fields map[string]any, key string) string {
	s, _ := firstElement(fields[key]).(string)
	return strings.TrimSpace(s)
}

func sentimentField(v any) (int, error) {
	switch n := firstElement(v).(type) {
	case nil:
		return 0, errors.New("missing")
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("unexpected %T", n)
	}
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + ": missing"
	case "oneof":
		return fmt.Sprintf("%s: %v is not one of [%s]", field, fe.Value(), fe.Param())
	case "min", "max":
		return fmt.Sprintf("%s: %v is outside 1..10", field, fe.Value())
	}
	return fmt.Sprintf("%s: failed %s", field, fe.Tag())
}
