package sequences

import (
	"os"
	"path/filepath"

	"github.com/homelistingai/followup/internal/models"
)

// SequenceSearchPaths returns sequence search directories in precedence order.
func SequenceSearchPaths(configuredDir string) []string {
	paths := make([]string, 0, 3)
	if configuredDir != "" {
		paths = append(paths, configuredDir)
	}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "followupd", "sequences"))
	}

	paths = append(paths, filepath.Join(string(filepath.Separator), "usr", "share", "followupd", "sequences"))
	return paths
}

// LoadOptions controls LoadSequencesFromSearchPaths.
type LoadOptions struct {
	Dir          string
	LoadBuiltins bool
}

// LoadSequencesFromSearchPaths loads sequences from the search paths with
// first-hit precedence by id, then fills in builtins not overridden.
func LoadSequencesFromSearchPaths(opts LoadOptions) ([]*models.Sequence, error) {
	seen := make(map[string]*models.Sequence)
	order := make([]string, 0)
	add := func(sequences []*models.Sequence) {
		for _, seq := range sequences {
			if _, exists := seen[seq.ID]; exists {
				continue
			}
			seen[seq.ID] = seq
			order = append(order, seq.ID)
		}
	}

	for _, path := range SequenceSearchPaths(opts.Dir) {
		sequences, err := LoadSequencesFromDir(path)
		if err != nil {
			return nil, err
		}
		add(sequences)
	}

	if opts.LoadBuiltins {
		builtins, err := LoadBuiltinSequences()
		if err != nil {
			return nil, err
		}
		add(builtins)
	}

	resolved := make([]*models.Sequence, 0, len(order))
	for _, id := range order {
		resolved = append(resolved, seen[id])
	}
	return resolved, nil
}
