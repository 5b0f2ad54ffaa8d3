package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(table string) string {
	return "print ('Syncing " + table + "')\n" +
		"exec sync_" + table + " @xmls\n" +
		"print ('" + table + " synchronized')\n"
}

func sampleScript(tables ...string) string {
	var b strings.Builder
	b.WriteString("-- generated\nset nocount on\n")
	for _, t := range tables {
		b.WriteString(block(t))
		b.WriteString("go\n")
	}
	return b.String()
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "script.sql")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestParseBlocks_ScriptOrder(t *testing.T) {
	blocks, err := ParseBlocks(strings.NewReader(sampleScript("Users", "Roles", "Orders")), zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	assert.Equal(t, "Users", blocks[0].Table)
	assert.Equal(t, "Roles", blocks[1].Table)
	assert.Equal(t, "Orders", blocks[2].Table)
	assert.Equal(t, block("Roles"), blocks[1].Text)
}

func TestParseBlocks_KeepsCRLF(t *testing.T) {
	script := "print ('Syncing Users')\r\nselect 1\r\nprint ('Users synchronized')\r\n"
	blocks, err := ParseBlocks(strings.NewReader(script), zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, script, blocks[0].Text)
}

func TestParseBlocks_NestedBeginRestartsBlock(t *testing.T) {
	script := "print ('Syncing Users')\n" +
		"select 1\n" +
		block("Roles")
	blocks, err := ParseBlocks(strings.NewReader(script), zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "Roles", blocks[0].Table)
	assert.Equal(t, block("Roles"), blocks[0].Text)
}

func TestParseBlocks_UnterminatedBlockDropped(t *testing.T) {
	script := block("Users") + "print ('Syncing Roles')\nselect 1\n"
	blocks, err := ParseBlocks(strings.NewReader(script), zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "Users", blocks[0].Table)
}

func TestParseBlocks_IndentedMarkers(t *testing.T) {
	script := "   print ('Syncing Users')\n  select 1\n\tprint ('Users synchronized')\n"
	blocks, err := ParseBlocks(strings.NewReader(script), zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "Users", blocks[0].Table)
}

func TestBuildFiltered_FollowsRequestedOrder(t *testing.T) {
	all := []string{"Users", "Roles", "Orders", "Invoices"}
	blocks, err := ParseBlocks(strings.NewReader(sampleScript(all...)), zerolog.Nop())
	require.NoError(t, err)

	subsets := [][]string{
		{"Users"},
		{"Roles", "Invoices"},
		{"Users", "Orders", "Invoices"},
		{"Invoices", "Users"},
		{"Orders", "Roles", "Users"},
		all,
	}
	for _, subset := range subsets {
		t.Run(strings.Join(subset, "+"), func(t *testing.T) {
			out, err := BuildFiltered(blocks, subset)
			require.NoError(t, err)

			expected := FilterPrologue
			for _, table := range subset {
				expected += block(table) + "\n"
			}
			expected += FilterEpilogue
			assert.Equal(t, expected, out)
		})
	}
}

func TestBuildFiltered_ReversedRequest(t *testing.T) {
	blocks, err := ParseBlocks(strings.NewReader(sampleScript("Users", "Roles", "Orders", "Invoices")), zerolog.Nop())
	require.NoError(t, err)

	out, err := BuildFiltered(blocks, []string{"Invoices", "Users"})
	require.NoError(t, err)

	invoices := strings.Index(out, block("Invoices"))
	users := strings.Index(out, block("Users"))
	require.NotEqual(t, -1, invoices)
	require.NotEqual(t, -1, users)
	assert.Less(t, invoices, users)
	assert.NotContains(t, out, block("Roles"))
}

func TestBuildFiltered_EmptySubset(t *testing.T) {
	out, err := BuildFiltered(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, FilterPrologue+FilterEpilogue, out)
}

func TestBuildFiltered_UnknownTable(t *testing.T) {
	blocks, err := ParseBlocks(strings.NewReader(sampleScript("Users")), zerolog.Nop())
	require.NoError(t, err)

	_, err = BuildFiltered(blocks, []string{"Users", "Ghost", "Phantom"})
	var filterErr *FilterError
	require.ErrorAs(t, err, &filterErr)
	assert.Equal(t, []string{"Ghost", "Phantom"}, filterErr.Missing)
}

func TestFilterFile_WritesFilteredCopy(t *testing.T) {
	path := writeScript(t, sampleScript("Users", "Roles"))
	f := NewFilter(zerolog.Nop())

	out, err := f.FilterFile(path, []string{"Roles"}, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "filtered_script.sql"), out)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, FilterPrologue+block("Roles")+"\n"+FilterEpilogue, string(b))
}

func TestFilterFile_UnknownTableWritesNothing(t *testing.T) {
	path := writeScript(t, sampleScript("Users"))
	f := NewFilter(zerolog.Nop())

	_, err := f.FilterFile(path, []string{"Ghost"}, false)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(path), "filtered_script.sql"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFilterFile_AllTablesIsIdentity(t *testing.T) {
	content := sampleScript("Users", "Roles")
	path := writeScript(t, content)
	f := NewFilter(zerolog.Nop())

	out, err := f.FilterFile(path, []string{"Ghost"}, true)
	require.NoError(t, err)
	assert.Equal(t, path, out)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, string(b))
}
