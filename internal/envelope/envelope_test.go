package envelope

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func testMeta() Metadata {
	return Metadata{
		FileName:   "report.pdf",
		FileType:   "application/pdf",
		FileSize:   11,
		UploadDate: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	file := []byte("hello world")
	sealed, err := Seal("correct horse", testMeta(), file)
	require.NoError(t, err)
	require.Len(t, sealed.IV, IVSize)
	require.Len(t, sealed.Salt, SaltSize)

	meta, got, err := Open("correct horse", sealed.Ciphertext, sealed.IV, sealed.Salt)
	require.NoError(t, err)
	require.Equal(t, file, got)
	require.Equal(t, "report.pdf", meta.FileName)
	require.True(t, meta.UploadDate.Equal(testMeta().UploadDate))
}

func TestCiphertextLayout(t *testing.T) {
	file := []byte("payload")
	sealed, err := Seal("pw", testMeta(), file)
	require.NoError(t, err)

	header := `{"fileName":"report.pdf","fileType":"application/pdf","fileSize":11,"uploadDate":"2024-05-01T12:00:00Z"}`
	want := len(header) + len(Delimiter) + len(file) + TagSize
	require.Len(t, sealed.Ciphertext, want)
}

func TestOpenWrongPassphrase(t *testing.T) {
	sealed, err := Seal("right", testMeta(), []byte("secret"))
	require.NoError(t, err)

	_, _, err = Open("wrong", sealed.Ciphertext, sealed.IV, sealed.Salt)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenTampered(t *testing.T) {
	sealed, err := Seal("pw", testMeta(), []byte("secret"))
	require.NoError(t, err)
	sealed.Ciphertext[3] ^= 0x01

	_, _, err = Open("pw", sealed.Ciphertext, sealed.IV, sealed.Salt)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenSplitsAtFirstDelimiter(t *testing.T) {
	// File content that itself contains the delimiter must survive intact.
	file := append([]byte("a"), Delimiter...)
	file = append(file, 'b')

	sealed, err := Seal("pw", testMeta(), file)
	require.NoError(t, err)

	_, got, err := Open("pw", sealed.Ciphertext, sealed.IV, sealed.Salt)
	require.NoError(t, err)
	require.Equal(t, file, got)
}

func TestOpenEncoded(t *testing.T) {
	sealed, err := Seal("pw", testMeta(), []byte("x"))
	require.NoError(t, err)

	_, got, err := OpenEncoded("pw", sealed.Ciphertext, sealed.EncodedIV(), sealed.EncodedSalt())
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got)

	_, _, err = OpenEncoded("pw", sealed.Ciphertext, "!!", sealed.EncodedSalt())
	require.ErrorIs(t, err, ErrInvalidParam)
}

func TestSealWithRejectsBadParams(t *testing.T) {
	_, err := SealWith("pw", testMeta(), nil, make([]byte, 8), make([]byte, SaltSize))
	require.ErrorIs(t, err, ErrInvalidParam)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, SaltSize)
	a := DeriveKey("pw", salt)
	b := DeriveKey("pw", salt)
	require.Len(t, a, KeySize)
	require.Equal(t, a, b)
	require.NotEqual(t, a, DeriveKey("pw2", salt))
}

func TestSplitJoin(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 25)
	chunks := Split(data, 10)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[2], 5)
	require.Equal(t, 3, ChunkCount(25, 10))
	require.Equal(t, data, Join(chunks))
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		n    int64
		size int
		want int
	}{
		{0, 10, 1},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{ChunkSize * 2, 0, 2},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ChunkCount(tt.n, tt.size), "n=%d size=%d", tt.n, tt.size)
	}
}

func TestSplitEmpty(t *testing.T) {
	chunks := Split(nil, 10)
	require.Len(t, chunks, 1)
	require.Empty(t, chunks[0])
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{`C:\Users\me\secret plan.docx`, "secret_plan.docx"},
		{"../../etc/passwd", "passwd"},
		{"a<b>c.txt", "a_b_c.txt"},
		{"  ..hidden", "hidden"},
		{"", "unnamed_file"},
		{"...", "unnamed_file"},
		{"many   spaces__here.txt", "many_spaces_here.txt"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, SanitizeFileName(tt.in), "input %q", tt.in)
	}

	long := strings.Repeat("n", 300) + ".txt"
	got := SanitizeFileName(long)
	require.Len(t, got, maxFileName)
	require.True(t, strings.HasSuffix(got, ".txt"))

	wide := SanitizeFileName(strings.Repeat("日", 100) + ".txt")
	require.True(t, utf8.ValidString(wide))
	require.LessOrEqual(t, len(wide), maxFileName)
	require.Equal(t, strings.Repeat("日", 83)+".txt", wide)

	require.Equal(t, "ab.txt", SanitizeFileName("a\xffb.txt"))
}

func TestArchiveRoundTrip(t *testing.T) {
	files := []File{{Name: "a.txt", Data: []byte("A")}, {Name: "dir/b.txt", Data: []byte("BB")}}
	data, err := Archive(files)
	require.NoError(t, err)

	got, err := Unarchive(data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a.txt", got[0].Name)
	require.Equal(t, "b.txt", got[1].Name)
	require.Equal(t, []byte("BB"), got[1].Data)
	require.True(t, IsMultiFileName(ArchiveName))
	require.False(t, IsMultiFileName("a.txt"))
}
