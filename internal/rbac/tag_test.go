package rbac

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTag(t *testing.T) {
	tag, err := ParseTag("  Books.View ")
	require.NoError(t, err)
	assert.Equal(t, TagBooksView, tag)

	for _, raw := range []string{"*", "books.*", "routes.*"} {
		_, err := ParseTag(raw)
		assert.NoError(t, err, raw)
	}
	for _, raw := range []string{"", "books.burn", "ghosts.*", "*.view", "admin.*", "reader.*"} {
		_, err := ParseTag(raw)
		assert.ErrorIs(t, err, ErrUnknownTag, raw)
	}
}

func TestTagGrants(t *testing.T) {
	assert.True(t, Wildcard.Grants(TagRoutesEdit))
	assert.True(t, Tag("books.*").Grants(TagBooksEdit))
	assert.False(t, Tag("books.*").Grants(TagTranslationsView))
	assert.False(t, Tag("books.*").Grants(TagAdmin))
	assert.False(t, Tag("admin.*").Grants(TagAdmin))
	assert.False(t, Tag("reader.*").Grants(TagReader))
	assert.True(t, TagReader.Grants(TagReader))
	assert.False(t, TagReader.Grants(TagBooksView))
}

func TestTagSetMissingIsSorted(t *testing.T) {
	granted := NewTagSet(TagReader, "books.*")
	required := NewTagSet(TagUsersView, TagBooksEdit, TagAdmin, TagReader)

	assert.False(t, granted.Satisfies(required))
	assert.Equal(t, []Tag{TagAdmin, TagUsersView}, granted.Missing(required))
	assert.True(t, granted.Satisfies(NewTagSet(TagBooksView, TagReader)))
	assert.True(t, granted.Satisfies(NewTagSet()))
	assert.Empty(t, NewTagSet(Wildcard).Missing(required))
}

func TestTagSetUnionAndEmpty(t *testing.T) {
	set := NewTagSet("", TagReader).Union(NewTagSet(TagBooksView), NewTagSet(TagReader))
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []string{"books.view", "reader"}, set.Strings())
}

func TestTagSetJSON(t *testing.T) {
	raw, err := json.Marshal(NewTagSet(TagRoutesView, TagAdmin))
	require.NoError(t, err)
	assert.JSONEq(t, `["admin","routes.view"]`, string(raw))

	var set TagSet
	require.NoError(t, json.Unmarshal([]byte(`["books.*","reader"]`), &set))
	assert.True(t, set.Grants(TagBooksEdit))

	err = json.Unmarshal([]byte(`["reader","nope"]`), &set)
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestUnionTags(t *testing.T) {
	roles := []Role{
		{Name: "reader", Tags: NewTagSet(TagReader)},
		{Name: "librarian", Tags: NewTagSet("books.*", TagRoutesView)},
	}
	set := UnionTags(roles)
	assert.Equal(t, []string{"books.*", "reader", "routes.view"}, set.Strings())
	assert.Equal(t, 0, UnionTags(nil).Len())
}

func TestKnownTagsDescribed(t *testing.T) {
	tags := KnownTags()
	require.NotEmpty(t, tags)
	for _, tag := range tags {
		assert.NotEmpty(t, Describe(tag), tag)
		assert.False(t, tag.IsWildcard())
	}
}
