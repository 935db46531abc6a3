package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileNameFromURL(t *testing.T) {
	cases := []struct {
		url      string
		mimeType string
		want     string
	}{
		{"https://example.com/papers/report.pdf", "application/pdf", "report.pdf"},
		{"https://example.com/papers/report", "application/pdf", "report.pdf"},
		{"https://example.com/", "image/png", "download.png"},
		{"https://example.com", "application/pdf", "download.pdf"},
		{"https://example.com/img/photo.jpeg?size=large", "image/jpeg", "photo.jpeg"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, fileNameFromURL(tc.url, tc.mimeType), "url=%s", tc.url)
	}
}

func TestNormalizeMime(t *testing.T) {
	require.Equal(t, "application/pdf", normalizeMime("application/pdf; charset=binary"))
	require.Equal(t, "image/png", normalizeMime("image/png"))
}
