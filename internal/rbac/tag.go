package rbac

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownTag indicates a permission tag outside the known set.
var ErrUnknownTag = errors.New("rbac: unknown permission tag")

// Tag is a permission tag granted by roles and required by routes.
type Tag string

// Wildcard grants every tag. Namespace wildcards take the form "books.*" and
// only cover dotted tags, so "admin.*" is not a way to hold "admin".
const Wildcard Tag = "*"

// Known permission tags.
const (
	TagAdmin  Tag = "admin"
	TagReader Tag = "reader"

	TagBooksView Tag = "books.view"
	TagBooksEdit Tag = "books.edit"

	TagTranslationsView Tag = "translations.view"
	TagTranslationsEdit Tag = "translations.edit"

	TagProgressTrack Tag = "progress.track"

	TagOrganizationsView   Tag = "organizations.view"
	TagOrganizationsManage Tag = "organizations.manage"

	TagUsersView Tag = "users.view"
	TagUsersEdit Tag = "users.edit"

	TagRolesView Tag = "roles.view"
	TagRolesEdit Tag = "roles.edit"

	TagPermissionsView Tag = "permissions.view"

	TagRoutesView Tag = "routes.view"
	TagRoutesEdit Tag = "routes.edit"
)

var knownTags = map[Tag]string{
	TagAdmin:               "Back-office access",
	TagReader:              "Reading library content",
	TagBooksView:           "View book catalogue entries",
	TagBooksEdit:           "Create and edit books",
	TagTranslationsView:    "View book translations",
	TagTranslationsEdit:    "Edit book translations",
	TagProgressTrack:       "Track reading progress",
	TagOrganizationsView:   "View organizations",
	TagOrganizationsManage: "Manage organization membership",
	TagUsersView:           "View users",
	TagUsersEdit:           "Assign roles to users",
	TagRolesView:           "View roles",
	TagRolesEdit:           "Create, delete and grant roles",
	TagPermissionsView:     "View permission tags",
	TagRoutesView:          "View the route registry",
	TagRoutesEdit:          "Register routes and trigger refreshes",
}

var knownNamespaces = func() map[string]struct{} {
	out := make(map[string]struct{}, len(knownTags))
	for t := range knownTags {
		if strings.Contains(string(t), ".") {
			out[t.Namespace()] = struct{}{}
		}
	}
	return out
}()

// KnownTags returns every known concrete tag in sorted order.
func KnownTags() []Tag {
	tags := make([]Tag, 0, len(knownTags))
	for t := range knownTags {
		tags = append(tags, t)
	}
	sortTags(tags)
	return tags
}

// Describe returns the human readable description of a known tag.
func Describe(t Tag) string {
	return knownTags[t]
}

// ParseTag normalises raw and checks it against the known set, accepting the
// wildcard forms.
func ParseTag(raw string) (Tag, error) {
	t := Tag(strings.ToLower(strings.TrimSpace(raw)))
	switch {
	case t == "":
		return "", fmt.Errorf("%w: empty", ErrUnknownTag)
	case t == Wildcard:
		return t, nil
	case strings.HasSuffix(string(t), ".*"):
		if _, ok := knownNamespaces[strings.TrimSuffix(string(t), ".*")]; ok {
			return t, nil
		}
	default:
		if _, ok := knownTags[t]; ok {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTag, raw)
}

// ParseTags parses each raw tag, failing on the first unknown one.
func ParseTags(raw []string) (TagSet, error) {
	tags := make([]Tag, 0, len(raw))
	for _, r := range raw {
		t, err := ParseTag(r)
		if err != nil {
			return TagSet{}, err
		}
		tags = append(tags, t)
	}
	return NewTagSet(tags...), nil
}

// Namespace returns the part of the tag before the first dot.
func (t Tag) Namespace() string {
	ns, _, _ := strings.Cut(string(t), ".")
	return ns
}

// IsWildcard reports whether t is "*" or a namespace wildcard.
func (t Tag) IsWildcard() bool {
	return t == Wildcard || strings.HasSuffix(string(t), ".*")
}

// Grants reports whether holding t satisfies the required tag.
func (t Tag) Grants(required Tag) bool {
	switch {
	case t == Wildcard:
		return true
	case t.IsWildcard():
		ns, _, dotted := strings.Cut(string(required), ".")
		return dotted && ns == strings.TrimSuffix(string(t), ".*")
	default:
		return t == required
	}
}

// TagSet is an immutable set of tags.
type TagSet struct {
	tags map[Tag]struct{}
}

// NewTagSet builds a set from tags, ignoring empty ones.
func NewTagSet(tags ...Tag) TagSet {
	set := TagSet{tags: make(map[Tag]struct{}, len(tags))}
	for _, t := range tags {
		if t == "" {
			continue
		}
		set.tags[t] = struct{}{}
	}
	return set
}

// Len returns the number of tags.
func (s TagSet) Len() int {
	return len(s.tags)
}

// Has reports exact membership.
func (s TagSet) Has(t Tag) bool {
	_, ok := s.tags[t]
	return ok
}

// Grants reports whether any member grants the required tag.
func (s TagSet) Grants(required Tag) bool {
	if s.Has(required) {
		return true
	}
	for t := range s.tags {
		if t.IsWildcard() && t.Grants(required) {
			return true
		}
	}
	return false
}

// Satisfies reports whether every tag in required is granted by s.
func (s TagSet) Satisfies(required TagSet) bool {
	for t := range required.tags {
		if !s.Grants(t) {
			return false
		}
	}
	return true
}

// Missing returns the sorted tags of required that s does not grant.
func (s TagSet) Missing(required TagSet) []Tag {
	var missing []Tag
	for t := range required.tags {
		if !s.Grants(t) {
			missing = append(missing, t)
		}
	}
	sortTags(missing)
	return missing
}

// Union returns a new set holding the tags of s and others.
func (s TagSet) Union(others ...TagSet) TagSet {
	out := TagSet{tags: make(map[Tag]struct{}, len(s.tags))}
	for t := range s.tags {
		out.tags[t] = struct{}{}
	}
	for _, o := range others {
		for t := range o.tags {
			out.tags[t] = struct{}{}
		}
	}
	return out
}

// Sorted returns the tags in lexical order.
func (s TagSet) Sorted() []Tag {
	tags := make([]Tag, 0, len(s.tags))
	for t := range s.tags {
		tags = append(tags, t)
	}
	sortTags(tags)
	return tags
}

// Strings returns the sorted tags as strings.
func (s TagSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, t := range sorted {
		out[i] = string(t)
	}
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes an array of tags, rejecting unknown ones.
func (s *TagSet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	set, err := ParseTags(raw)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

func sortTags(tags []Tag) {
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
}
