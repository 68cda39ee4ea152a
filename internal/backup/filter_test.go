package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mailvault/mailvault/internal/provider"
)

func folders(names ...string) []provider.Folder {
	out := make([]provider.Folder, len(names))
	for i, n := range names {
		out[i] = provider.Folder{ID: "id-" + n, DisplayName: n}
	}
	return out
}

func names(fs []provider.Folder) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.DisplayName
	}
	return out
}

func TestFilterFoldersNoFilters(t *testing.T) {
	all := folders("Inbox", "Sent Items", "Drafts")
	assert.Equal(t, []string{"Inbox", "Sent Items", "Drafts"}, names(FilterFolders(all, nil, nil)))
}

func TestFilterFoldersInclude(t *testing.T) {
	all := folders("Inbox", "Sent Items", "Drafts", "Archive")

	got := FilterFolders(all, []string{"inbox", "sent"}, nil)
	assert.Equal(t, []string{"Inbox", "Sent Items"}, names(got))
}

func TestFilterFoldersExclude(t *testing.T) {
	all := folders("Inbox", "Sent Items", "Junk Email")

	got := FilterFolders(all, nil, []string{"junk"})
	assert.Equal(t, []string{"Inbox", "Sent Items"}, names(got))
}

func TestFilterFoldersIncludeWinsOverExclude(t *testing.T) {
	all := folders("Inbox", "Inbox Archive", "Sent Items")

	// "Inbox Archive" matches both lists; the include list decides.
	got := FilterFolders(all, []string{"archive"}, []string{"archive"})
	assert.Equal(t, []string{"Inbox Archive"}, names(got))
}

func TestFilterFoldersCaseInsensitiveSubstring(t *testing.T) {
	all := folders("INBOX", "Projects/inbox-copy", "Sent")

	got := FilterFolders(all, []string{"InBoX"}, nil)
	assert.Equal(t, []string{"INBOX", "Projects/inbox-copy"}, names(got))
}

func TestFilterFoldersIncludeMatchesNothing(t *testing.T) {
	all := folders("Inbox", "Sent")
	assert.Empty(t, FilterFolders(all, []string{"nonexistent"}, nil))
}
