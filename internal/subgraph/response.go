package subgraph

import (
	"encoding/json"
	"strings"
)

// Class labels the outcome of one pull attempt.
type Class int

const (
	ClassOK Class = iota
	ClassNetwork
	ClassJSON
	ClassGraphQL
	ClassFormat
)

// String returns a short label for logging.
func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassNetwork:
		return "network"
	case ClassJSON:
		return "json"
	case ClassGraphQL:
		return "graphql"
	case ClassFormat:
		return "format"
	default:
		return "unknown"
	}
}

// Result is a classified subgraph response.
type Result struct {
	Class  Class
	Items  []map[string]any
	Errors []string // GraphQL error messages, ClassGraphQL only
}

// Classify inspects a raw response body for the given collection field.
// Checks run in order: empty body, JSON validity, GraphQL errors, shape.
func Classify(body []byte, plural string) Result {
	if len(body) == 0 {
		return Result{Class: ClassNetwork}
	}

	var parsed struct {
		Data   map[string]json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{Class: ClassJSON}
	}

	if len(parsed.Errors) > 0 {
		msgs := make([]string, len(parsed.Errors))
		for i, e := range parsed.Errors {
			msgs[i] = e.Message
		}
		return Result{Class: ClassGraphQL, Errors: msgs}
	}

	raw, ok := parsed.Data[plural]
	if !ok {
		return Result{Class: ClassFormat}
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return Result{Class: ClassFormat}
	}
	return Result{Class: ClassOK, Items: items}
}

// ParseIndexerFails extracts indexer addresses blamed for a failed query.
// Gateway errors embed "bad indexers: { addr: reason, addr: reason }"; only
// BadResponse reasons count as indexer faults.
func ParseIndexerFails(message string) []string {
	const marker = "bad indexers:"
	idx := strings.Index(message, marker)
	if idx < 0 {
		return nil
	}
	rest := message[idx+len(marker):]

	open := strings.Index(rest, "{")
	if open < 0 {
		return nil
	}
	close := strings.Index(rest[open:], "}")
	if close < 0 {
		return nil
	}
	list := rest[open+1 : open+close]

	var failed []string
	for _, pair := range strings.Split(list, ",") {
		colon := strings.Index(pair, ":")
		if colon < 0 {
			continue
		}
		indexer := strings.TrimSpace(pair[:colon])
		reason := pair[colon+1:]
		if indexer == "" {
			continue
		}
		if strings.Contains(reason, "BadResponse") {
			failed = append(failed, indexer)
		}
	}
	return failed
}
