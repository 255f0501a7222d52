// Package schemavalidation checks stream images against their published
// JSON schema before they are archived or after they are read back.
package schemavalidation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"modelhist/internal/history"
)

// ImageSchemaURL identifies the stream image schema.
const ImageSchemaURL = "https://modelhist.dev/schema/stream-image-v1.schema.json"

//go:embed stream-image-v1.schema.json
var imageSchema []byte

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// ImageSchema returns the compiled stream image schema.
func ImageSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(ImageSchemaURL, bytes.NewReader(imageSchema)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(ImageSchemaURL)
	})
	return compiled, compileErr
}

// Validate checks encoded image JSON.
func Validate(data []byte) error {
	schema, err := ImageSchema()
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("unmarshal image: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %w", history.ErrImageCorrupt, err)
	}
	return nil
}

// ValidateImage encodes img and checks it.
func ValidateImage(img *history.Image) error {
	data, err := json.Marshal(img)
	if err != nil {
		return fmt.Errorf("marshal image: %w", err)
	}
	return Validate(data)
}
