package sequences

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/homelistingai/followup/internal/models"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// LoadBuiltinSequences returns the sequence templates bundled with followupd.
func LoadBuiltinSequences() ([]*models.Sequence, error) {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, fmt.Errorf("read builtin sequences: %w", err)
	}

	sequences := make([]*models.Sequence, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := builtinFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read builtin sequence %s: %w", entry.Name(), err)
		}
		seq, err := ParseSequence(data)
		if err != nil {
			return nil, fmt.Errorf("parse builtin sequence %s: %w", entry.Name(), err)
		}
		seq.Source = SourceBuiltin
		sequences = append(sequences, seq)
	}

	sortSequences(sequences)
	return sequences, nil
}
