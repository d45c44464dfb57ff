package registry

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SchemaFile is the on-disk schema format:
//
//	types:
//	  - name: ChannelSync
//	    fields:
//	      - {name: WriterPosition, kind: uint32, atomic: true}
//	      - {name: Generation, kind: uint64}
type SchemaFile struct {
	Types []TypeSpec `yaml:"types"`
}

// ParseSchema decodes a YAML schema. Unknown keys are rejected.
func ParseSchema(data []byte) ([]TypeSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f SchemaFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return f.Types, nil
}

// LoadSchema parses and registers a YAML schema.
func (r *Registry) LoadSchema(data []byte) ([]*TypeInfo, error) {
	specs, err := ParseSchema(data)
	if err != nil {
		return nil, err
	}
	return r.RegisterAll(specs)
}

// LoadSchemaFile reads and registers a YAML schema file.
func (r *Registry) LoadSchemaFile(path string) ([]*TypeInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	infos, err := r.LoadSchema(data)
	if err != nil {
		return infos, fmt.Errorf("schema %s: %w", path, err)
	}
	return infos, nil
}

// MarshalSchema encodes specs in the schema file format.
func MarshalSchema(specs []TypeSpec) ([]byte, error) {
	return yaml.Marshal(SchemaFile{Types: specs})
}
