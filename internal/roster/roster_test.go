package roster

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wablast/internal/outcome"
)

func TestNumberColumnBecomesPrefixedAddress(t *testing.T) {
	in := "Name,Number\nAnn,15550001\nBob,+15550002\n"
	tbl, err := Parse(strings.NewReader(in), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"Name", "whatsapp", "success"}, tbl.Columns)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, "+15550001", tbl.Rows[0].Address)
	assert.Equal(t, "+15550002", tbl.Rows[1].Address)
	assert.Equal(t, "Ann", tbl.Rows[0].Fields["Name"])
	assert.Equal(t, outcome.Pending, tbl.Rows[0].Outcome)
}

func TestWhatsappColumnKeptAsIs(t *testing.T) {
	tbl, err := Parse(strings.NewReader("whatsapp\n+4477\n"), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "+4477", tbl.Rows[0].Address)
}

func TestMissingAddressColumn(t *testing.T) {
	_, err := Parse(strings.NewReader("name,phone\na,1\n"), DefaultOptions())
	assert.ErrorIs(t, err, ErrNoAddressColumn)

	_, err = Parse(strings.NewReader(""), DefaultOptions())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestSuccessColumn(t *testing.T) {
	in := "whatsapp,success\n+1,1\n+2,0\n+3,\n+4,1.0\n+5,yes\n+6,2\n"

	tbl, err := Parse(strings.NewReader(in), DefaultOptions())
	require.NoError(t, err)
	got := []outcome.Outcome{}
	for _, r := range tbl.Rows {
		got = append(got, r.Outcome)
	}
	assert.Equal(t, []outcome.Outcome{
		outcome.Sent, outcome.Pending, outcome.Pending, outcome.Sent, outcome.Pending, outcome.Pending,
	}, got)

	tbl, err = Parse(strings.NewReader(in), Options{RetryFailed: false})
	require.NoError(t, err)
	assert.Equal(t, outcome.Failed, tbl.Rows[1].Outcome)
	// anything other than 0 or 1 is never treated as a recorded failure
	assert.Equal(t, outcome.Pending, tbl.Rows[4].Outcome)
	assert.Equal(t, []string{"whatsapp", "success"}, tbl.Columns)
}

func TestBlankLinesAndCellsTrimmed(t *testing.T) {
	in := "whatsapp , city\n\n +1 ,  Paris \n,\n+2,Rome"
	tbl, err := Parse(strings.NewReader(in), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, "+1", tbl.Rows[0].Address)
	assert.Equal(t, "Paris", tbl.Rows[0].Fields["city"])
	assert.Equal(t, 1, tbl.Rows[1].Index)
}

func TestBlankAddressKept(t *testing.T) {
	tbl, err := Parse(strings.NewReader("whatsapp,name\n,ann\n"), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 1)
	assert.Equal(t, "", tbl.Rows[0].Address)
}

func TestDuplicateColumnRejected(t *testing.T) {
	_, err := Parse(strings.NewReader("whatsapp,a,a\n+1,x,y\n"), DefaultOptions())
	require.Error(t, err)
}

func TestWriteExportsOutcomes(t *testing.T) {
	tbl, err := Parse(strings.NewReader("Name,Number\nAnn,1\nBob,2\nCid,3\n"), DefaultOptions())
	require.NoError(t, err)

	store := outcome.NewStore(tbl.Rows)
	store.Set(0, outcome.Sent)
	store.Set(1, outcome.Failed)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, tbl.Columns, store.Rows()))
	assert.Equal(t, "Name,whatsapp,success\nAnn,+1,1\nBob,+2,0\nCid,+3,\n", buf.String())
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.csv")
	require.NoError(t, os.WriteFile(path, []byte("whatsapp\n+1\n"), 0o600))

	tbl, err := ParseFile(path, DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, tbl.Rows, 1)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.csv"), DefaultOptions())
	require.Error(t, err)
}
