package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name     string `json:"name"`
	Interval string `json:"interval"`
	Slots    int    `json:"slots"`
}

func writeFile(t testing.TB, path, contents string) {
	err := os.WriteFile(path, []byte(contents), 0600)
	if err != nil {
		t.Fatal(err)
	}
}

func chdir(t testing.TB, dir string) {
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	err = os.Chdir(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(prev) })
}

func TestReadConfigMergesLocal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "app.json5"), `{
		// comments are allowed
		name: "default",
		interval: "500ms",
		slots: 3,
	}`)
	writeFile(t, filepath.Join(dir, "app.local.json5"), `{ slots: 8 }`)

	cfg, err := ReadConfig[testConfig](filepath.Join(dir, "app.json5"))
	require.NoError(t, err)
	require.Equal(t, testConfig{Name: "default", Interval: "500ms", Slots: 8}, cfg)
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig[testConfig](filepath.Join(t.TempDir(), "missing.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadRecursively(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0777))
	writeFile(t, filepath.Join(root, "app.json5"), `{ name: "root" }`)
	chdir(t, nested)

	cfg, err := ReadRecursively[testConfig]("app.json5")
	require.NoError(t, err)
	require.Equal(t, "root", cfg.Name)
}

func TestReadOrDefault(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	fallback := testConfig{Name: "fallback", Interval: "10ms", Slots: 10}
	cfg, err := ReadOrDefault("nothing-here.json5", fallback)
	require.NoError(t, err)
	require.Equal(t, fallback, cfg)

	writeFile(t, filepath.Join(dir, "present.json5"), `{ interval: "1s" }`)
	cfg, err = ReadOrDefault("present.json5", fallback)
	require.NoError(t, err)
	require.Equal(t, testConfig{Name: "fallback", Interval: "1s", Slots: 10}, cfg)
}

func TestReadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.json5"), `{ name: `)
	_, err := ReadConfig[testConfig](filepath.Join(dir, "bad.json5"))
	require.Error(t, err)
	require.NotErrorIs(t, err, os.ErrNotExist)
}
