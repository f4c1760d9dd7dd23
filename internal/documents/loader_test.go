package documents

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memLoader(t *testing.T, files map[string]string) Loader {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
	return Loader{
		Repo:         FSRepository{Fs: fs},
		StoryRoots:   []string{"docs/stories", "stories"},
		EpicRoots:    []string{"docs/epics", "epics"},
		StoryPattern: "*.md",
		EpicPattern:  "*.md",
	}
}

func TestLoaderFallsBackToSecondRoot(t *testing.T) {
	t.Parallel()

	l := memLoader(t, map[string]string{
		"/proj/stories/story-1.10.md": "# Story 1.10: Later\n",
		"/proj/stories/story-1.2.md":  "# Story 1.2: Earlier\n",
		"/proj/stories/readme.txt":    "ignored",
	})
	stories, err := l.Stories(context.Background(), "/proj")
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, "1.2", stories[0].ID)
	assert.Equal(t, "1.10", stories[1].ID)
}

func TestLoaderFirstRootWithMatchesWins(t *testing.T) {
	t.Parallel()

	l := memLoader(t, map[string]string{
		"/proj/docs/epics/epic-1.md": "# Epic 1: Primary\n",
		"/proj/epics/epic-2.md":      "# Epic 2: Shadowed\n",
	})
	epics, err := l.Epics(context.Background(), "/proj")
	require.NoError(t, err)
	require.Len(t, epics, 1)
	assert.Equal(t, "1", epics[0].ID)
	assert.Equal(t, "Primary", epics[0].Title)
}

func TestLoaderNoDocumentsYieldsEmpty(t *testing.T) {
	t.Parallel()

	l := memLoader(t, nil)
	stories, err := l.Stories(context.Background(), "/proj")
	require.NoError(t, err)
	assert.Empty(t, stories)
}

func TestLoaderSkipsMalformedAndDuplicateDocuments(t *testing.T) {
	t.Parallel()

	l := memLoader(t, map[string]string{
		"/proj/stories/notes.md":         "# Notes without an id\n",
		"/proj/stories/story-1.1.md":     "# Story 1.1: First\n",
		"/proj/stories/story-1.1.old.md": "# Story 1.1: Copy\n",
	})
	stories, err := l.Stories(context.Background(), "/proj")
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, "First", stories[0].Title)
}

type flakyRepo struct {
	FSRepository
	broken string
}

func (r flakyRepo) Read(path string) (string, error) {
	if path == r.broken {
		return "", errors.New("permission denied")
	}
	return r.FSRepository.Read(path)
}

func TestLoaderSkipsUnreadableDocuments(t *testing.T) {
	t.Parallel()

	l := memLoader(t, map[string]string{
		"/proj/stories/story-1.1.md": "# Story 1.1: Readable\n",
		"/proj/stories/story-1.2.md": "# Story 1.2: Locked\n",
	})
	l.Repo = flakyRepo{FSRepository: l.Repo.(FSRepository), broken: "/proj/stories/story-1.2.md"}
	stories, err := l.Stories(context.Background(), "/proj")
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, "1.1", stories[0].ID)
}

func TestLoaderHonoursCancellation(t *testing.T) {
	t.Parallel()

	l := memLoader(t, map[string]string{"/proj/stories/story-1.1.md": "# Story 1.1: x\n"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Stories(ctx, "/proj")
	assert.ErrorIs(t, err, context.Canceled)
}
