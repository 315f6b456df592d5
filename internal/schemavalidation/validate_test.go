package schemavalidation

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaCase struct {
	name         string
	schemaPath   string
	instancePath string
}

func TestSchemaValidation(t *testing.T) {
	dir := handshakeDir(t)
	cases := []schemaCase{
		{
			name:         "hello",
			schemaPath:   filepath.Join(dir, "schema", "hello-v1.schema.json"),
			instancePath: filepath.Join(dir, "testdata", "hello-v1.json"),
		},
		{
			name:         "continuation",
			schemaPath:   filepath.Join(dir, "schema", "continuation-v1.schema.json"),
			instancePath: filepath.Join(dir, "testdata", "continuation-v1.json"),
		},
		{
			name:         "finish",
			schemaPath:   filepath.Join(dir, "schema", "finish-v1.schema.json"),
			instancePath: filepath.Join(dir, "testdata", "finish-v1.json"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schema := compile(t, tc.schemaPath)
			instance := readInstance(t, tc.instancePath)
			if err := schema.Validate(instance); err != nil {
				t.Fatalf("schema validation failed for %s: %v", filepath.Base(tc.instancePath), err)
			}
		})
	}
}

// Each fixture must stop validating once any required field is removed.
func TestSchemasRequireAllFields(t *testing.T) {
	dir := handshakeDir(t)
	for _, name := range []string{"hello-v1", "continuation-v1", "finish-v1"} {
		t.Run(name, func(t *testing.T) {
			schema := compile(t, filepath.Join(dir, "schema", name+".schema.json"))
			instance := readInstance(t, filepath.Join(dir, "testdata", name+".json"))

			obj, ok := instance.(map[string]any)
			if !ok {
				t.Fatalf("fixture is not an object")
			}
			for field := range obj {
				reduced := make(map[string]any, len(obj)-1)
				for k, v := range obj {
					if k != field {
						reduced[k] = v
					}
				}
				if err := schema.Validate(reduced); err == nil {
					t.Errorf("instance without %q should not validate", field)
				}
			}
		})
	}
}

func compile(t *testing.T, schemaPath string) *jsonschema.Schema {
	t.Helper()
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaData)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

func readInstance(t *testing.T, instancePath string) any {
	t.Helper()
	instanceData, err := os.ReadFile(instancePath)
	if err != nil {
		t.Fatalf("read instance: %v", err)
	}
	var instance any
	if err := json.Unmarshal(instanceData, &instance); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	return instance
}

func handshakeDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", "handshake"))
}
