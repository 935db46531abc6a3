package crawler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCookieFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCookieFileValid(t *testing.T) {
	path := writeCookieFile(t, `[
		{"name":"session","value":"abc123","domain":".example.com","path":"/","secure":true,"http_only":true,"same_site":"Lax"},
		{"name":"pref","value":"dark"}
	]`)

	cookies, err := LoadCookieFile(path)
	require.NoError(t, err)
	require.Len(t, cookies, 2)
	require.Equal(t, "session", cookies[0].Name)
	require.Equal(t, ".example.com", cookies[0].Domain)
	require.True(t, cookies[0].Secure)
}

func TestLoadCookieFileRejectsMissingName(t *testing.T) {
	path := writeCookieFile(t, `[{"value":"orphan"}]`)
	_, err := LoadCookieFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no name")
}

func TestLoadCookieFileRejectsMissingValue(t *testing.T) {
	path := writeCookieFile(t, `[{"name":"empty"}]`)
	_, err := LoadCookieFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no value")
}

func TestLoadCookieFileRejectsInvalidSameSite(t *testing.T) {
	path := writeCookieFile(t, `[{"name":"s","value":"v","same_site":"Sideways"}]`)
	_, err := LoadCookieFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "same_site")
}

func TestLoadCookieFileRejectsMalformedJSON(t *testing.T) {
	path := writeCookieFile(t, `{"not":"an array"}`)
	_, err := LoadCookieFile(path)
	require.Error(t, err)
}

func TestLoadCookieFileMissingFile(t *testing.T) {
	_, err := LoadCookieFile(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}
