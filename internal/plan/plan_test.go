package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlan = "# Plan\n\nIntro text.\n\n" +
	"## Step 1: Add the parser\n\nParse the input.\n\n" +
	"```md\n## Step 9: not a heading\n```\n\n" +
	"### Step 2a - Wire it up\nCall the parser.\n" +
	"## Step 3. Tests\n"

func TestParse(t *testing.T) {
	units, err := Parse(samplePlan)
	require.NoError(t, err)
	require.Len(t, units, 3)

	assert.Equal(t, "1", units[0].ID)
	assert.Equal(t, "Add the parser", units[0].Title)
	assert.Contains(t, units[0].Body, "Parse the input.")
	assert.Contains(t, units[0].Body, "## Step 9: not a heading")

	assert.Equal(t, "2a", units[1].ID)
	assert.Equal(t, "Wire it up", units[1].Title)
	assert.Equal(t, "Call the parser.", units[1].Body)

	assert.Equal(t, "3", units[2].ID)
	assert.Equal(t, "Tests", units[2].Title)
	assert.Empty(t, units[2].Body)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("# Plan\n\nno steps here\n")
	assert.ErrorIs(t, err, ErrNoUnits)

	_, err = Parse("## Step 1: a\n## Step 1: b\n")
	assert.ErrorContains(t, err, "duplicate step")
}

func TestLoadAndFind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "current.md")
	require.NoError(t, os.WriteFile(path, []byte(samplePlan), 0644))

	units, err := Load(path)
	require.NoError(t, err)

	u, err := Find(units, "2a")
	require.NoError(t, err)
	assert.Equal(t, "Wire it up", u.Title)

	_, err = Find(units, "7")
	assert.ErrorIs(t, err, ErrUnknownUnit)

	_, err = Load(filepath.Join(t.TempDir(), "missing.md"))
	assert.Error(t, err)
}
