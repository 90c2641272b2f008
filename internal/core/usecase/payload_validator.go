package usecase

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	PayloadStoreUpsert      = "store_upsert"
	PayloadStoreRef         = "store_ref"
	PayloadUninstallWebhook = "uninstall_webhook"
)

// PayloadValidator checks request bodies against the embedded JSON schemas
// before they are decoded into typed requests.
type PayloadValidator struct {
	schemas map[string]*santhosh.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}

	v := &PayloadValidator{schemas: make(map[string]*santhosh.Schema, len(entries))}
	for _, e := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		compiled, err := compileSchema(e.Name(), raw)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", e.Name(), err)
		}
		v.schemas[strings.TrimSuffix(e.Name(), ".json")] = compiled
	}
	return v, nil
}

// Validate reports a validation error naming every violated location.
func (v *PayloadValidator) Validate(name string, data []byte) error {
	sch, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown payload schema %q", name)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return domain.Validation("invalid json body")
	}
	if dec.More() {
		return domain.Validation("invalid json body")
	}

	if err := sch.Validate(doc); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return domain.Validation("invalid request body: " + strings.Join(collectViolations(ve), "; "))
		}
		return domain.Validation("invalid request body")
	}
	return nil
}

func compileSchema(name string, raw []byte) (*santhosh.Schema, error) {
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

func collectViolations(ve *santhosh.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := strings.TrimPrefix(ve.InstanceLocation, "/")
		if loc == "" {
			loc = "body"
		}
		return []string{loc + ": " + ve.Message}
	}
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectViolations(cause)...)
	}
	sort.Strings(msgs)
	return msgs
}
