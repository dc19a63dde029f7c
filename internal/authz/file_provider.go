package authz

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadStaticProvider reads a full access map from a JSON file exported
// by the management portal. The file maps source -> subsource ->
// access entry; entries carry serializable criteria only.
func LoadStaticProvider(path string) (StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authz: read access map: %w", err)
	}
	var provider StaticProvider
	if err := json.Unmarshal(data, &provider); err != nil {
		return nil, fmt.Errorf("authz: parse access map: %w", err)
	}
	return provider, nil
}
