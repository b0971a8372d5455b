package manifest

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// yamlUnmarshalStrict decodes with unknown-field rejection so typos in a
// manifest fail loudly instead of silently granting nothing.
func yamlUnmarshalStrict(raw []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	return nil
}
