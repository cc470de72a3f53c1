package rows

// Row is one flat output row keyed by field name.
type Row map[string]string

// Normalize expands each record positionally: row i takes element i of every
// list field, or "" when that list is shorter. Scalars repeat on every row.
// A record without list fields yields exactly one row.
func Normalize(records []Record) []Row {
	var out []Row
	for _, rec := range records {
		n := 1
		for _, v := range rec {
			if v.IsList && len(v.List) > n {
				n = len(v.List)
			}
		}
		for i := 0; i < n; i++ {
			row := make(Row, len(rec))
			for k, v := range rec {
				switch {
				case !v.IsList:
					row[k] = v.Scalar
				case i < len(v.List):
					row[k] = v.List[i]
				default:
					row[k] = ""
				}
			}
			out = append(out, row)
		}
	}
	return out
}

// Values orders rows by columns for the sink. Missing fields become "".
func Values(rows []Row, columns []string) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		line := make([]string, len(columns))
		for j, c := range columns {
			line[j] = r[c]
		}
		out[i] = line
	}
	return out
}

// Record views a flat row as a scalar-only record.
func (r Row) Record() Record {
	rec := make(Record, len(r))
	for k, v := range r {
		rec[k] = S(v)
	}
	return rec
}
