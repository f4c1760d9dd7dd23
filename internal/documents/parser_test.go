package documents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/domain"
)

const storyDoc = `# Story 1.2: Login form

## Status: In Progress

## User Story
As a user I want to log in.

## Acceptance Criteria
- [ ] Shows the form
- Validates input
1. Submits credentials

## Verification: Passed
`

func TestParseStory(t *testing.T) {
	t.Parallel()

	p := Parse(RoleStory, "docs/stories/story-1.2.md", storyDoc)
	require.True(t, p.Valid())
	s := p.Story()
	assert.Equal(t, "1.2", s.ID)
	assert.Equal(t, "1", s.EpicID)
	assert.Equal(t, "Login form", s.Title)
	assert.Equal(t, "In Progress", s.Status)
	assert.Equal(t, "As a user I want to log in.", s.Description)
	assert.Equal(t, []string{"Shows the form", "Validates input", "Submits credentials"}, s.AcceptanceCriteria)
	assert.True(t, s.Verified)
	assert.Equal(t, "Passed", s.VerificationStatus)
	assert.Equal(t, "docs/stories/story-1.2.md", s.File)
}

func TestParseStoryIDFromTitle(t *testing.T) {
	t.Parallel()

	p := Parse(RoleStory, "login.md", "# Story 3.04: Sessions\n")
	assert.Equal(t, "3.4", p.ID)
	assert.Equal(t, "3", p.EpicID)
	assert.Equal(t, "Sessions", p.Title)
}

func TestParseStoryEpicFromReferenceLine(t *testing.T) {
	t.Parallel()

	p := Parse(RoleStory, "STORY-5.md", "# Checkout\n\n**Epic:** 3\n\n## Status\nDone\n")
	assert.Equal(t, "5", p.ID)
	assert.Equal(t, "3", p.EpicID)
	assert.Equal(t, "Done", p.Status)
}

func TestParseStoryMissingSectionsUseDefaults(t *testing.T) {
	t.Parallel()

	p := Parse(RoleStory, "STORY-7.md", "just some text\n")
	require.True(t, p.Valid())
	assert.NotEmpty(t, p.Warnings)
	s := p.Story()
	assert.Equal(t, "7", s.ID)
	assert.Empty(t, s.EpicID)
	assert.Equal(t, "Story 7", s.Title)
	assert.Equal(t, domain.StatusUnknown, s.Status)
	assert.Equal(t, "Unverified", s.VerificationStatus)
	assert.False(t, s.Verified)
	assert.NotNil(t, s.AcceptanceCriteria)
	assert.Empty(t, s.AcceptanceCriteria)
}

func TestParseIgnoresHeadingsInCodeBlocks(t *testing.T) {
	t.Parallel()

	doc := "```\n# Not a title\n## Status: Fake\n```\n\n# Real title\n\n## Status: Draft\n"
	p := Parse(RoleStory, "story-2.1.md", doc)
	assert.Equal(t, "Real title", p.Title)
	assert.Equal(t, "Draft", p.Status)
}

func TestParseWithoutIDIsInvalid(t *testing.T) {
	t.Parallel()

	p := Parse(RoleStory, "notes.md", "# Random notes\n")
	assert.False(t, p.Valid())
	assert.Contains(t, p.Warnings, "no story id in filename or title")
}

func TestParseEpic(t *testing.T) {
	t.Parallel()

	doc := "# Epic 2: Payments\n\n## Priority: High\n## Status: Active\n\n## Epic Description\nTake money.\n\n## Stories\n- 2.1\n"
	e := Parse(RoleEpic, "epics/epic-002.md", doc).Epic()
	assert.Equal(t, "2", e.ID)
	assert.Equal(t, "Payments", e.Title)
	assert.Equal(t, "High", e.Priority)
	assert.Equal(t, "Active", e.Status)
	assert.Equal(t, "Take money.", e.Description)
	assert.False(t, e.Placeholder)
}

func TestParseEpicDefaults(t *testing.T) {
	t.Parallel()

	e := Parse(RoleEpic, "EPIC-4.md", "").Epic()
	assert.Equal(t, "4", e.ID)
	assert.Equal(t, "Epic 4", e.Title)
	assert.Equal(t, "Medium", e.Priority)
	assert.Equal(t, domain.StatusUnknown, e.Status)
}
