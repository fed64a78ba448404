package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/deepshell/deepshell/pkg/models"
)

// LoadTools reads function definitions from a JSON file holding an array
// of OpenAI function objects ({"name", "description", "parameters"}). A
// missing file or empty path yields no tools.
func LoadTools(path string) ([]models.Tool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read functions: %w", err)
	}
	var defs []json.RawMessage
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse functions %s: %w", path, err)
	}
	tools := make([]models.Tool, 0, len(defs))
	for i, def := range defs {
		var head struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(def, &head); err != nil || head.Name == "" {
			return nil, fmt.Errorf("parse functions %s: entry %d has no name", path, i)
		}
		tools = append(tools, models.Tool{Type: "function", Function: def})
	}
	return tools, nil
}
