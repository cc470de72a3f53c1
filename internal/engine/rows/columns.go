// Package rows turns model responses into spreadsheet rows.
package rows

// Columns is the sink's header order.
var Columns = []string{
	"Candidate Id",
	"Candidate Name",
	"Company",
	"Applied Date",
	"Date Quarter",
	"Role",
	"Department",
	"Education",
	"Degree",
	"Schools",
	"Relevant Experience",
	"City",
	"State/Province",
	"Country",
	"Source",
	"Previous Companies",
	"Previous Job Titles",
	"Resume Link",
}

// trimmedFields get leading and trailing whitespace removed.
var trimmedFields = []string{"Role", "Company"}

// ColumnLetter returns the A1 letter for a 1-based column index.
func ColumnLetter(n int) string {
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}
