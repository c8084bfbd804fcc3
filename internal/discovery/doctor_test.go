package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkByName(t *testing.T, res DoctorResult, name string) DoctorCheck {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not reported: %+v", name, res.Checks)
	return DoctorCheck{}
}

func TestDoctor_AllChecksPass(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "a.c"), "")
	writeFile(t, filepath.Join(root, "b", "b.c"), "")

	res, err := Doctor(DoctorOptions{Root: root, Tools: []string{"sh", "sh"}})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Units)
	assert.True(t, checkByName(t, res, "dependency:sh").OK)
	assert.Equal(t, "built-in defaults", checkByName(t, res, "config").Message)
	assert.DirExists(t, filepath.Join(root, ".c2rust-agent"))
}

func TestDoctor_ReportsMissingToolAndEmptyRoot(t *testing.T) {
	root := t.TempDir()

	res, err := Doctor(DoctorOptions{Root: root, Tools: []string{"definitely-not-installed-c2rust"}, ConfigSource: "config/config.toml"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.False(t, checkByName(t, res, "dependency:definitely-not-installed-c2rust").OK)
	assert.False(t, checkByName(t, res, "directory:root").OK)
	assert.Equal(t, "config/config.toml", checkByName(t, res, "config").Message)
}

func TestDoctor_ReportsHeldLock(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "a.c"), "")
	require.NoError(t, os.Mkdir(filepath.Join(root, ".c2rust-agent.lock"), 0o755))

	res, err := Doctor(DoctorOptions{Root: root})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.False(t, checkByName(t, res, "lock").OK)
}
