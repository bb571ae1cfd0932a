package alert

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const recordSchemaURL = "https://entropyguard.local/schema/alert-record-v1.json"

//go:embed record.schema.json
var recordSchemaJSON []byte

var (
	recordSchemaOnce sync.Once
	recordSchema     *jsonschema.Schema
	recordSchemaErr  error
)

func compiledRecordSchema() (*jsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		if err := compiler.AddResource(recordSchemaURL, bytes.NewReader(recordSchemaJSON)); err != nil {
			recordSchemaErr = fmt.Errorf("add record schema: %w", err)
			return
		}
		recordSchema, recordSchemaErr = compiler.Compile(recordSchemaURL)
	})
	return recordSchema, recordSchemaErr
}

// Validate checks r against the alert record schema. A record that fails
// validation can never be accepted by a sink.
func (r Record) Validate() error {
	schema, err := compiledRecordSchema()
	if err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid alert record: %w", err)
	}
	return nil
}
