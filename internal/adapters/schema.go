package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateJSON checks an adapter payload against a JSON schema. A payload
// that fails validation yields a KindValidation error so the executor never
// forwards malformed shapes into the core.
func ValidateJSON(schema, payload json.RawMessage) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(payload),
	)
	if err != nil {
		return NewError(KindValidation, "validate", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return NewError(KindValidation, "validate", fmt.Errorf("%s", strings.Join(msgs, "; ")))
}

// DecodeValid validates payload against schema and unmarshals it into out.
func DecodeValid(schema, payload json.RawMessage, out any) error {
	if err := ValidateJSON(schema, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return NewError(KindValidation, "decode", err)
	}
	return nil
}
