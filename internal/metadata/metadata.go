// Package metadata serves the static service description from the
// deepgram.toml file shipped alongside the server.
package metadata

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Meta is the [meta] table of the metadata file, served verbatim as JSON.
type Meta map[string]interface{}

// Load reads the metadata file and returns its [meta] table.
func Load(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata file %s: %w", path, err)
	}

	var doc map[string]interface{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing metadata file %s: %w", path, err)
	}

	meta, ok := doc["meta"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing [meta] section in %s", path)
	}
	return meta, nil
}
