package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"docs/a.txt", "/docs/a.txt"},
		{"/docs//a.txt", "/docs/a.txt"},
		{"/Docs/", "/Docs/"},
		{`\Docs\Sub\`, "/Docs/Sub/"},
		{"/docs/../b.txt", "/b.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanPath(tt.in))
		})
	}
}

func TestPathHelpers(t *testing.T) {
	assert.True(t, IsFolderPath("/docs/"))
	assert.False(t, IsFolderPath("/docs"))

	assert.Equal(t, "/docs/", FolderPath("/docs"))
	assert.Equal(t, "/docs/", FolderPath("/docs/"))

	assert.Equal(t, "a.txt", BaseName("/docs/a.txt"))
	assert.Equal(t, "docs", BaseName("/docs/"))

	assert.Equal(t, []string{"/a/", "/a/b/"}, ParentFolders("/a/b/c.txt"))
	assert.Equal(t, []string{"/a/"}, ParentFolders("/a/b/"))
	assert.Empty(t, ParentFolders("/top.txt"))
}
