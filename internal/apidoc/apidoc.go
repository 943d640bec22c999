// Package apidoc holds the service's own OpenAPI 3 document. It is embedded
// in the binary, validated at startup, indexed by operationId for request
// body checks, and served as JSON.
package apidoc

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/dealjourney/model"
)

//go:embed openapi.yaml
var embedded []byte

// Operation is one indexed API operation.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Secured      bool
}

// Document is a loaded and validated API description. It is immutable and
// safe for concurrent use.
type Document struct {
	doc        *openapi3.T
	operations map[string]Operation
	json       []byte
}

// Load parses and validates the embedded document.
func Load(ctx context.Context) (*Document, error) {
	return LoadData(ctx, embedded)
}

// LoadData parses and validates an OpenAPI document from data.
func LoadData(ctx context.Context, data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("apidoc: loading document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("apidoc: validating document: %w", err)
	}

	d := &Document{doc: doc, operations: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			if _, dup := d.operations[op.OperationID]; dup {
				return nil, fmt.Errorf("apidoc: duplicate operationId %q", op.OperationID)
			}

			// Path-level parameters first, then operation-level.
			params := make([]*openapi3.Parameter, 0, len(item.Parameters)+len(op.Parameters))
			for _, ref := range item.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var body *openapi3.RequestBody
			if op.RequestBody != nil {
				body = op.RequestBody.Value
			}

			d.operations[op.OperationID] = Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  body,
				Secured:      op.Security != nil && len(*op.Security) > 0,
			}
		}
	}

	d.json, err = doc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("apidoc: encoding document: %w", err)
	}
	return d, nil
}

// Title returns the document title.
func (d *Document) Title() string { return d.doc.Info.Title }

// Version returns the API version.
func (d *Document) Version() string { return d.doc.Info.Version }

// Operation returns the operation with the given operationId.
func (d *Document) Operation(operationID string) (Operation, bool) {
	op, ok := d.operations[operationID]
	return op, ok
}

// OperationIDs returns all operation IDs, sorted.
func (d *Document) OperationIDs() []string {
	ids := make([]string, 0, len(d.operations))
	for id := range d.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest checks a raw JSON request body against the operation's
// application/json schema. It returns nil when the body conforms or the
// operation declares no body schema. Malformed JSON is reported as a single
// field error on "body".
func (d *Document) ValidateRequest(operationID string, raw []byte) []model.FieldError {
	op, ok := d.operations[operationID]
	if !ok {
		return []model.FieldError{{Field: "operation", Code: "UNKNOWN", Message: fmt.Sprintf("operation %s not found", operationID)}}
	}
	if op.RequestBody == nil {
		return nil
	}
	mt := op.RequestBody.Content.Get("application/json")
	if mt == nil || mt.Schema == nil || mt.Schema.Value == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return []model.FieldError{{Field: "body", Code: "MALFORMED", Message: "request body must be valid JSON"}}
	}

	err := mt.Schema.Value.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return fieldErrors(err)
}

func fieldErrors(err error) []model.FieldError {
	var me openapi3.MultiError
	if errors.As(err, &me) {
		var out []model.FieldError
		for _, e := range me {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := strings.Join(se.JSONPointer(), ".")
		if field == "" {
			field = "body"
		}
		return []model.FieldError{{Field: field, Code: "SCHEMA", Message: se.Reason}}
	}
	return []model.FieldError{{Field: "body", Code: "SCHEMA", Message: err.Error()}}
}

// Handler serves the document as JSON.
func (d *Document) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(d.json)
	})
}
