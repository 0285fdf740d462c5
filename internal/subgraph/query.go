package subgraph

import (
	"strconv"
	"strings"

	"market-pnl-lab/internal/catalog"
)

// BatchSize is the page size for cursor pagination.
const BatchSize = 1000

// EscapeJSON escapes a value for embedding inside a JSON-encoded GraphQL
// document (one level of quoting).
func EscapeJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// BuildQuery renders the request body for one page of an entity pull.
//
// ById with an empty cursor omits the where clause entirely; timestamp modes
// always carry where and skip, substituting 0 for an empty cursor value.
func BuildQuery(def *catalog.EntityDef, cursor string, skip int) string {
	var b strings.Builder
	b.WriteString(`{"query":"{`)
	b.WriteString(def.Plural)
	b.WriteString("(first:")
	b.WriteString(strconv.Itoa(BatchSize))
	b.WriteString(",orderBy:")
	b.WriteString(def.OrderField)
	b.WriteString(",orderDirection:asc")

	switch def.SyncMode {
	case catalog.ByID:
		if cursor != "" {
			b.WriteString(",where:{")
			b.WriteString(def.WhereField)
			b.WriteString(`:\"`)
			b.WriteString(EscapeJSON(cursor))
			b.WriteString(`\"}`)
		}
	default:
		value := cursor
		if value == "" {
			value = "0"
		}
		b.WriteString(",where:{")
		b.WriteString(def.WhereField)
		b.WriteString(":")
		b.WriteString(value)
		b.WriteString("},skip:")
		b.WriteString(strconv.Itoa(skip))
	}

	b.WriteString("){")
	b.WriteString(def.Fields)
	b.WriteString(`}}"}`)
	return b.String()
}

// BuildIDInQuery renders a conditions lookup by id list for the token filler.
func BuildIDInQuery(ids []string, fields string) string {
	var b strings.Builder
	b.WriteString(`{"query":"{conditions(first:`)
	b.WriteString(strconv.Itoa(len(ids)))
	b.WriteString(",where:{id_in:[")
	for i, id := range ids {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`\"`)
		b.WriteString(EscapeJSON(id))
		b.WriteString(`\"`)
	}
	b.WriteString("]}){")
	b.WriteString(fields)
	b.WriteString(`}}"}`)
	return b.String()
}
