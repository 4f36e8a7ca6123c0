package service

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vipul43/ledgersync/internal/models"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const schemaBaseURL = "https://ledgersync.local/schemas/"

// PayloadValidator checks outbound payloads before they are sent, so dry
// runs report the same validation failures a real push would.
type PayloadValidator struct {
	schemas map[models.EntityType]*jsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	files := map[models.EntityType]string{
		models.EntityContact:           "contact.json",
		models.EntityReceivableInvoice: "invoice.json",
		models.EntityPayableInvoice:    "invoice.json",
		models.EntityPayment:           "payment.json",
	}

	compiler := jsonschema.NewCompiler()
	compiled := make(map[string]*jsonschema.Schema)
	v := &PayloadValidator{schemas: make(map[models.EntityType]*jsonschema.Schema)}

	for entityType, file := range files {
		if sch, ok := compiled[file]; ok {
			v.schemas[entityType] = sch
			continue
		}
		data, err := schemaFiles.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", file, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema %s: %w", file, err)
		}
		if err := compiler.AddResource(schemaBaseURL+file, doc); err != nil {
			return nil, fmt.Errorf("failed to add schema %s: %w", file, err)
		}
		sch, err := compiler.Compile(schemaBaseURL + file)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", file, err)
		}
		compiled[file] = sch
		v.schemas[entityType] = sch
	}
	return v, nil
}

// Validate returns a validation SyncError when payload does not satisfy the
// schema for entityType.
func (v *PayloadValidator) Validate(entityType models.EntityType, payload interface{}) error {
	sch, ok := v.schemas[entityType]
	if !ok {
		return NewSyncError(KindInternal, "validate", fmt.Errorf("no schema for entity type %q", entityType))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return NewSyncError(KindInternal, "validate", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return NewSyncError(KindInternal, "validate", err)
	}
	if err := sch.Validate(inst); err != nil {
		return NewSyncError(KindValidation, "validate", err)
	}
	return nil
}
