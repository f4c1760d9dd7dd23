package documents

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"

	"storyline/internal/domain"
)

// Loader collects the epics and stories of a project. Search roots are tried
// in order and the first one holding any matching file wins.
type Loader struct {
	Repo         Repository
	StoryRoots   []string
	EpicRoots    []string
	StoryPattern string
	EpicPattern  string
}

// Stories parses every story document of the project. Unreadable or
// id-less documents are logged and skipped.
func (l Loader) Stories(ctx context.Context, projectRoot string) ([]domain.Story, error) {
	parts, err := l.load(ctx, RoleStory, projectRoot, l.StoryRoots, l.StoryPattern)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Story, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.Story())
	}
	return out, nil
}

func (l Loader) Epics(ctx context.Context, projectRoot string) ([]domain.Epic, error) {
	parts, err := l.load(ctx, RoleEpic, projectRoot, l.EpicRoots, l.EpicPattern)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Epic, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.Epic())
	}
	return out, nil
}

func (l Loader) load(ctx context.Context, role Role, projectRoot string, roots []string, pattern string) ([]Partial, error) {
	if pattern == "" {
		pattern = "*.md"
	}
	files := l.firstRoot(role, projectRoot, roots, pattern)
	seen := map[string]string{}
	out := make([]Partial, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := l.Repo.Read(file)
		if err != nil {
			log.Warn().Err(err).Str("file", file).Str("role", string(role)).Msg("skipping unreadable document")
			continue
		}
		p := Parse(role, file, content)
		if !p.Valid() {
			log.Warn().Str("file", file).Str("role", string(role)).Strs("warnings", p.Warnings).Msg("skipping malformed document")
			continue
		}
		if prev, dup := seen[p.ID]; dup {
			log.Warn().Str("file", file).Str("id", p.ID).Str("kept", prev).Msg("skipping duplicate document id")
			continue
		}
		seen[p.ID] = file
		if len(p.Warnings) > 0 {
			log.Debug().Str("file", file).Strs("warnings", p.Warnings).Msg("document parsed with defaults")
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return domain.CompareIDs(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

func (l Loader) firstRoot(role Role, projectRoot string, roots []string, pattern string) []string {
	for _, root := range roots {
		dir := root
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(projectRoot, root)
		}
		files, err := l.Repo.List(dir, pattern)
		if err != nil {
			log.Warn().Err(err).Str("root", dir).Str("role", string(role)).Msg("search root unreadable")
			continue
		}
		if len(files) > 0 {
			return files
		}
	}
	return nil
}
