package handshake

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Version is the wire version carried in every message.
const Version = 1

// MaxMessageSize bounds every handshake message on the wire.
const MaxMessageSize = 4096

// Hello is message 1. Binary fields are base64 in JSON.
type Hello struct {
	Version   int    `json:"v"`
	Identity  string `json:"identity"`
	Ephemeral []byte `json:"ephemeral"`
	Nonce     []byte `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

// Continuation is the server's answer to Hello.
type Continuation struct {
	Version   int    `json:"v"`
	Session   string `json:"session"`
	Ephemeral []byte `json:"ephemeral"`
	Nonce     []byte `json:"nonce"`
	Signature []byte `json:"signature"`
}

// Finish is message 2.
type Finish struct {
	Version int    `json:"v"`
	Session string `json:"session"`
	Proof   []byte `json:"proof"`
}

// Result is returned by a successful Finalize.
type Result struct {
	Session  string `json:"session"`
	Identity string `json:"identity"`
	// Secret is the 64-character hex session secret.
	Secret string `json:"-"`
	// Sealed is Secret encrypted for the client under the session seal key.
	Sealed []byte `json:"sealed"`
}

//go:embed schema/*.json
var schemaFS embed.FS

const (
	schemaHello        = "schema/hello-v1.schema.json"
	schemaContinuation = "schema/continuation-v1.schema.json"
	schemaFinish       = "schema/finish-v1.schema.json"
)

type schemaSet map[string]*jsonschema.Schema

var loadSchemas = sync.OnceValues(func() (schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	names := []string{schemaHello, schemaContinuation, schemaFinish}
	for _, name := range names {
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	set := make(schemaSet, len(names))
	for _, name := range names {
		s, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set[name] = s
	}
	return set, nil
})

// SchemaFiles returns the embedded JSON Schemas keyed by file name.
func SchemaFiles() (map[string][]byte, error) {
	out := make(map[string][]byte)
	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := schemaFS.ReadFile("schema/" + e.Name())
		if err != nil {
			return nil, err
		}
		out[e.Name()] = data
	}
	return out, nil
}

// decode validates data against the named schema and unmarshals it into v.
func decode(schemaName string, data []byte, v any) error {
	if len(data) == 0 || len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d out of range", len(data))
	}
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("parse message: %w", err)
	}
	if err := schemas[schemaName].Validate(instance); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ParseHello decodes and validates message 1.
func ParseHello(data []byte) (*Hello, error) {
	var h Hello
	if err := decode(schemaHello, data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ParseContinuation decodes and validates the server continuation.
func ParseContinuation(data []byte) (*Continuation, error) {
	var c Continuation
	if err := decode(schemaContinuation, data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseFinish decodes and validates message 2.
func ParseFinish(data []byte) (*Finish, error) {
	var f Finish
	if err := decode(schemaFinish, data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}
