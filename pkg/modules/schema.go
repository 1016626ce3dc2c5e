package modules

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/adcplatform/adc/pkg/errors"
)

//go:embed schema/descriptor.schema.json
var schemaFS embed.FS

// ValidateDescriptorSchema validates a raw descriptor document against the
// embedded JSON schema before it is decoded. This catches structural
// problems (unknown fields, wrong types) with precise field paths.
func ValidateDescriptorSchema(data []byte) error {
	schemaBytes, err := schemaFS.ReadFile("schema/descriptor.schema.json")
	if err != nil {
		return errors.NewInternalError("embedded descriptor schema is missing", err)
	}

	schemaLoader := gojsonschema.NewBytesLoader(schemaBytes)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return errors.NewConfigError("descriptor is not valid JSON", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return errors.NewConfigError(
			fmt.Sprintf("descriptor failed schema validation: %s", strings.Join(details, "; ")), nil)
	}
	return nil
}
