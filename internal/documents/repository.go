package documents

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// Repository enumerates and reads markdown documents.
type Repository interface {
	List(root, pattern string) ([]string, error)
	Read(path string) (string, error)
}

// FSRepository reads documents through an afero filesystem so tests can run
// against memory.
type FSRepository struct {
	Fs afero.Fs
}

func NewOSRepository() FSRepository {
	return FSRepository{Fs: afero.NewOsFs()}
}

// List returns regular files under root matching pattern, sorted. A missing
// root yields no files and no error.
func (r FSRepository) List(root, pattern string) ([]string, error) {
	matches, err := afero.Glob(r.Fs, filepath.Join(root, pattern))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := r.Fs.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

func (r FSRepository) Read(path string) (string, error) {
	data, err := afero.ReadFile(r.Fs, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
