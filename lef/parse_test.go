package lef_test

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"

	"github.com/cobriniel/goewf/ewferr"
	"github.com/cobriniel/goewf/lef"
)

// utf16LEWithBOM encodes s as UTF-16LE with a leading byte-order mark,
// the wire shape lef.Parse's decodeUTF16 expects (spec.md §4.H "Input").
func utf16LEWithBOM(s string) []byte {
	codes := utf16.Encode([]rune(s))
	buf := make([]byte, 2+2*len(codes))
	buf[0], buf[1] = 0xff, 0xfe
	for i, c := range codes {
		binary.LittleEndian.PutUint16(buf[2+2*i:], c)
	}
	return buf
}

// TestParsePermissionViaEntryCategory is spec.md §8 concrete scenario 5:
// an `entry` category header whose types/values lines carry permission
// columns decodes to a record exposing those permission fields.
func TestParsePermissionViaEntryCategory(t *testing.T) {
	text := strings.Join([]string{
		"entry",
		"1",
		"p\tn\ts\t\tpr\tnta\tnti",
		"\tSystem\tS-1-5-18\t\t2\t2032127\t16",
		"",
	}, "\n")

	tree, err := lef.Parse(utf16LEWithBOM(text))
	require.NoError(t, err)
	require.Equal(t, 1, tree.Len())

	rec, ok := tree.Record(0)
	require.True(t, ok)
	require.Equal(t, lef.CategoryEntry, rec.Category)
	require.Equal(t, -1, rec.ParentIndex)
	require.NotNil(t, rec.Permission)
	require.Equal(t, "System", rec.Permission.Name)
	require.Equal(t, "S-1-5-18", rec.Permission.Identifier)
	require.Equal(t, uint32(2), rec.Permission.PropertyType)
	require.Equal(t, uint32(2032127), rec.Permission.AccessMask)
	require.Equal(t, uint32(16), rec.Permission.ACEFlags)
}

func TestParseBuildsParentChildTree(t *testing.T) {
	text := strings.Join([]string{
		"source",
		"1",
		"p\tn\tid",
		"\troot\t1",
		"1\tchild\t2",
		"",
	}, "\n")

	tree, err := lef.Parse(utf16LEWithBOM(text))
	require.NoError(t, err)
	require.Equal(t, 2, tree.Len())
	require.Equal(t, []int{0}, tree.Roots)

	children := tree.Children(0)
	require.Equal(t, []int{1}, children)

	child, ok := tree.Record(1)
	require.True(t, ok)
	require.Equal(t, "child", child.Source.Name)
	require.Equal(t, 0, child.ParentIndex)
}

func TestParseDetectsColumnCountMismatch(t *testing.T) {
	text := strings.Join([]string{
		"entry",
		"1",
		"n\tid",
		"only-one-value",
		"",
	}, "\n")

	_, err := lef.Parse(utf16LEWithBOM(text))
	require.Error(t, err)
	var ewfErr *ewferr.Error
	require.True(t, errors.As(err, &ewfErr))
	require.Equal(t, ewferr.KindMalformedRecord, ewfErr.Kind)
}

func TestFindSourceByID(t *testing.T) {
	text := strings.Join([]string{
		"source",
		"1",
		"n\tid\tsn",
		"Disk1\t42\tSN-1",
		"",
	}, "\n")

	tree, err := lef.Parse(utf16LEWithBOM(text))
	require.NoError(t, err)

	src, ok := tree.FindSourceByID(42)
	require.True(t, ok)
	require.Equal(t, "Disk1", src.Name)
	require.Equal(t, "SN-1", src.SerialNumber)

	_, ok = tree.FindSourceByID(999)
	require.False(t, ok)
}
