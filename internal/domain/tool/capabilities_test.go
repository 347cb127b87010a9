package tool

import (
	"context"
	"testing"
)

type fakeSchemaTool struct {
	name   string
	schema map[string]interface{}
}

func (f *fakeSchemaTool) Name() string                   { return f.name }
func (f *fakeSchemaTool) Description() string            { return "fake tool for schema tests" }
func (f *fakeSchemaTool) Kind() Kind                      { return KindRead }
func (f *fakeSchemaTool) Schema() map[string]interface{}  { return f.schema }
func (f *fakeSchemaTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return &Result{Success: true}, nil
}

func TestValidateSchema(t *testing.T) {
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"path"},
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
	}

	tests := []struct {
		name    string
		tool    *fakeSchemaTool
		args    map[string]interface{}
		wantErr bool
	}{
		{
			name:    "valid args pass",
			tool:    &fakeSchemaTool{name: "read_file", schema: schema},
			args:    map[string]interface{}{"path": "main.go"},
			wantErr: false,
		},
		{
			name:    "missing required field fails",
			tool:    &fakeSchemaTool{name: "read_file_missing", schema: schema},
			args:    map[string]interface{}{},
			wantErr: true,
		},
		{
			name:    "wrong type fails",
			tool:    &fakeSchemaTool{name: "read_file_wrong_type", schema: schema},
			args:    map[string]interface{}{"path": 123},
			wantErr: true,
		},
		{
			name:    "empty schema never fails",
			tool:    &fakeSchemaTool{name: "no_schema", schema: nil},
			args:    map[string]interface{}{"anything": true},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.tool, tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSchemaCachesCompiledSchema(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"count": map[string]interface{}{"type": "integer"},
		},
	}
	tool := &fakeSchemaTool{name: "cached_tool", schema: schema}

	if err := Validate(tool, map[string]interface{}{"count": 1}); err != nil {
		t.Fatalf("first Validate() call failed: %v", err)
	}
	if err := Validate(tool, map[string]interface{}{"count": 2}); err != nil {
		t.Fatalf("second Validate() call (should hit schema cache) failed: %v", err)
	}
}
