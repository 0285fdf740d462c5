package catalog

import "strings"

// EstimateRowSize approximates the stored bytes per row by parsing the column
// list of a CREATE TABLE statement. Identifier-like VARCHARs (ids, hashes)
// dominate storage, so they get fixed estimates.
func EstimateRowSize(ddl string) int {
	size := 8 // row overhead

	body := ddl
	if i := strings.Index(body, "("); i >= 0 {
		body = body[i+1:]
	}
	if i := strings.LastIndex(body, ")"); i >= 0 {
		body = body[:i]
	}
	// Only the first statement carries columns; indexes follow after ';'.
	if i := strings.Index(body, ";"); i >= 0 {
		body = body[:i]
	}

	for _, line := range strings.Split(body, ",") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[0]
		typ := strings.ToUpper(fields[1])
		switch {
		case strings.HasPrefix(strings.ToUpper(name), "PRIMARY"),
			strings.HasPrefix(strings.ToUpper(name), "UNIQUE"),
			strings.HasPrefix(strings.ToUpper(name), "CHECK"):
			continue
		}

		upper := strings.ToUpper(name)
		switch {
		case strings.HasPrefix(typ, "VARCHAR"):
			switch {
			case upper == "ID" || strings.HasSuffix(upper, "ID") || strings.HasSuffix(upper, "_ID") || strings.Contains(upper, "HASH"):
				size += 66
			case strings.Contains(upper, "ADDR") || isAddressColumn(upper):
				size += 42
			default:
				size += 32
			}
		case strings.HasPrefix(typ, "INTEGER") || strings.HasPrefix(typ, "INT"):
			size += 4
		case strings.HasPrefix(typ, "BIGINT"), strings.HasPrefix(typ, "DOUBLE"), strings.HasPrefix(typ, "TIMESTAMP"):
			size += 8
		case strings.HasPrefix(typ, "BOOLEAN"), strings.HasPrefix(typ, "BOOL"):
			size += 1
		}
	}

	if size < 16 {
		size = 16
	}
	return size
}

// isAddressColumn marks columns that hold 20-byte hex account addresses.
func isAddressColumn(upper string) bool {
	switch upper {
	case "MAKER", "TAKER", "STAKEHOLDER", "REDEEMER", "ORACLE":
		return true
	}
	return false
}
