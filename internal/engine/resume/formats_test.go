package resume

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rscpdf "rsc.io/pdf"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		filename string
		want     Format
		wantErr  bool
	}{
		{"cv.pdf", FormatPDF, false},
		{"CV.PDF", FormatPDF, false},
		{"resume.Docx", FormatDOCX, false},
		{"old.doc", FormatDOC, false},
		{"notes.txt", FormatTXT, false},
		{"page.htm", FormatHTML, false},
		{"page.html", FormatHTML, false},
		{"photo.png", "", true},
		{"noext", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, err := DetectFormat(tt.filename)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFirstOfFallsBack(t *testing.T) {
	panics := Engine{Name: "p", Fn: func([]byte) (string, error) { panic("bad xref") }}
	blank := Engine{Name: "b", Fn: func([]byte) (string, error) { return "  \n", nil }}
	ok := Engine{Name: "ok", Fn: func([]byte) (string, error) { return "text", nil }}
	fails := Engine{Name: "f", Fn: func([]byte) (string, error) { return "", errors.New("nope") }}

	got, err := firstOf(nil, panics, blank, ok)
	require.NoError(t, err)
	assert.Equal(t, "text", got)

	_, err = firstOf(nil, panics, fails)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Contains(t, err.Error(), "nope")

	_, err = firstOf(nil, blank)
	assert.ErrorIs(t, err, ErrNoText)
}

func TestPDFEnginesRejectGarbage(t *testing.T) {
	_, err := firstOf([]byte("not a pdf"), PlainPDF, PositionalPDF)
	assert.Error(t, err)
}

func TestPDFEnginesOnFixture(t *testing.T) {
	data, err := os.ReadFile("testdata/resume.pdf")
	require.NoError(t, err)

	plain, err := PlainPDF.run(data)
	require.NoError(t, err)
	assert.Contains(t, plain, "Jane Doe Engineer")

	positional, err := PositionalPDF.run(data)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe Engineer\nAcme Corp\n", positional)
}

func TestRunSeparator(t *testing.T) {
	prev := rscpdf.Text{X: 72, Y: 720, W: 6, FontSize: 12, S: "e"}
	tests := []struct {
		name string
		next rscpdf.Text
		want string
	}{
		{"adjacent glyph", rscpdf.Text{X: 78, Y: 720, W: 6, FontSize: 12}, ""},
		{"kerning overlap", rscpdf.Text{X: 77.5, Y: 720, W: 6, FontSize: 12}, ""},
		{"word gap", rscpdf.Text{X: 84, Y: 720, W: 6, FontSize: 12}, " "},
		{"next line", rscpdf.Text{X: 72, Y: 704, W: 6, FontSize: 12}, "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runSeparator(prev, tt.next))
		})
	}
}

func TestDOCEngineOnFixture(t *testing.T) {
	data, err := os.ReadFile("testdata/resume.doc")
	require.NoError(t, err)

	got, err := DOC.run(data)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe\nSenior Go Engineer\nAcme Corp", got)
}

func TestDOCWithoutWordStream(t *testing.T) {
	data, err := os.ReadFile("testdata/resume.doc")
	require.NoError(t, err)
	renamed := renameDirEntry(t, data, 1, "Data")

	_, err = extractDOC(renamed)
	assert.ErrorIs(t, err, errNoWordStream)
}

func TestDOCCorruptDirectory(t *testing.T) {
	data, err := os.ReadFile("testdata/resume.doc")
	require.NoError(t, err)
	broken := bytes.Clone(data)
	// Root entry child points past the directory.
	binary.LittleEndian.PutUint32(broken[dirEntryOffset(0)+76:], 9)

	_, err = extractDOC(broken)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errNoWordStream)
}

// dirEntryOffset locates directory entry i in the fixture, whose directory
// lives in sector 1.
func dirEntryOffset(i int) int {
	return 512 + 512 + i*128
}

func renameDirEntry(t *testing.T, data []byte, i int, name string) []byte {
	t.Helper()
	out := bytes.Clone(data)
	off := dirEntryOffset(i)
	clear(out[off : off+64])
	units := []rune(name + "\x00")
	require.LessOrEqual(t, len(units), 32)
	for j, r := range units {
		binary.LittleEndian.PutUint16(out[off+j*2:], uint16(r))
	}
	binary.LittleEndian.PutUint16(out[off+64:], uint16(len(units)*2))
	return out
}

func TestDOCRejectsNonOLE(t *testing.T) {
	_, err := DOC.run([]byte("plain bytes, not a compound file"))
	assert.Error(t, err)
}

func TestPrintable(t *testing.T) {
	in := "Jane\x01\x02 Doe\r\x07Engineer\x00"
	assert.Equal(t, "Jane Doe\nEngineer", printable(in))
}

func TestParagraphsFromXML(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Jane</w:t></w:r><w:r><w:t xml:space="preserve"> Doe</w:t></w:r></w:p>
<w:p><w:r><w:t>Senior</w:t><w:tab/><w:t>Engineer</w:t></w:r></w:p>
<w:p><w:r><w:t>Acme</w:t><w:br/><w:t>2019</w:t></w:r></w:p>
</w:body></w:document>`
	got, err := paragraphsFromXML(body)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe\nSenior\tEngineer\nAcme\n2019", got)
}

func TestDOCXEngine(t *testing.T) {
	data := buildDocx(t, `<w:p><w:r><w:t>Jane Doe</w:t></w:r></w:p><w:p><w:r><w:t>Go developer</w:t></w:r></w:p>`)
	got, err := DOCX.run(data)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe\nGo developer", got)
}

func TestHTMLEngines(t *testing.T) {
	page := []byte(`<html><head><title>x</title><style>p{}</style></head><body><h1>Jane Doe</h1><p>Go <b>developer</b></p><script>var a</script></body></html>`)

	md, err := Markdown.run(page)
	require.NoError(t, err)
	assert.Contains(t, md, "Jane Doe")

	text, err := HTMLText.run(page)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe\nGo developer", text)
}

func TestTXTEngineDropsInvalidBytes(t *testing.T) {
	got, err := TXT.run([]byte{'o', 'k', 0xff})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

// buildDocx writes a minimal .docx package around body paragraphs.
func buildDocx(t *testing.T, paragraphs string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string]string{
		"[Content_Types].xml": `<?xml version="1.0" encoding="UTF-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/></Types>`,
		"word/_rels/document.xml.rels": `<?xml version="1.0" encoding="UTF-8"?><Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`,
		"word/document.xml": `<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
			paragraphs + `</w:body></w:document>`,
	}
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestContentType(t *testing.T) {
	assert.True(t, strings.HasPrefix(FormatTXT.ContentType(), "text/plain"))
	assert.Equal(t, "application/pdf", FormatPDF.ContentType())
}
