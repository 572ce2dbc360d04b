package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/callidora/calli/internal/fsutil"
)

// writeJSONAtomic encodes v and atomically replaces path with the result.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

// readJSONMap decodes the JSON object at path into a map. A missing file and
// a malformed file both yield an empty map; the latter is logged.
func readJSONMap[V any](path string) (map[string]V, error) {
	out := make(map[string]V)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		slog.Warn("memory file is not valid JSON, starting empty", "path", path, "err", err)
		return make(map[string]V), nil
	}
	return out, nil
}
