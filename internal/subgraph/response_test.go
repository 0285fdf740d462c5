package subgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyEmptyBody(t *testing.T) {
	res := Classify(nil, "conditions")
	assert.Equal(t, ClassNetwork, res.Class)
}

func TestClassifyBadJSON(t *testing.T) {
	res := Classify([]byte("<html>502</html>"), "conditions")
	assert.Equal(t, ClassJSON, res.Class)
}

func TestClassifyGraphQLErrors(t *testing.T) {
	body := []byte(`{"errors":[{"message":"indexer timeout"},{"message":"second"}]}`)
	res := Classify(body, "conditions")
	assert.Equal(t, ClassGraphQL, res.Class)
	assert.Equal(t, []string{"indexer timeout", "second"}, res.Errors)
}

func TestClassifyMissingCollection(t *testing.T) {
	body := []byte(`{"data":{"other":[]}}`)
	res := Classify(body, "conditions")
	assert.Equal(t, ClassFormat, res.Class)
}

func TestClassifyWrongShape(t *testing.T) {
	body := []byte(`{"data":{"conditions":{"id":"x"}}}`)
	res := Classify(body, "conditions")
	assert.Equal(t, ClassFormat, res.Class)
}

func TestClassifyOK(t *testing.T) {
	body := []byte(`{"data":{"conditions":[{"id":"0xa"},{"id":"0xb"}]}}`)
	res := Classify(body, "conditions")
	require.Equal(t, ClassOK, res.Class)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "0xa", res.Items[0]["id"])
}

func TestClassifyErrorsWinOverData(t *testing.T) {
	body := []byte(`{"data":{"conditions":[]},"errors":[{"message":"partial"}]}`)
	res := Classify(body, "conditions")
	assert.Equal(t, ClassGraphQL, res.Class)
}

func TestParseIndexerFails(t *testing.T) {
	msg := `Unable to fetch from any indexers, bad indexers: { 0xaaa: BadResponse(missing block), 0xbbb: Timeout, 0xccc: BadResponse(bad data) }`
	got := ParseIndexerFails(msg)
	assert.Equal(t, []string{"0xaaa", "0xccc"}, got)
}

func TestParseIndexerFailsNoMarker(t *testing.T) {
	assert.Nil(t, ParseIndexerFails("some unrelated error"))
}

func TestParseIndexerFailsMalformed(t *testing.T) {
	assert.Nil(t, ParseIndexerFails("bad indexers: no braces here"))
	assert.Nil(t, ParseIndexerFails("bad indexers: { unterminated"))
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "ok", ClassOK.String())
	assert.Equal(t, "network", ClassNetwork.String())
	assert.Equal(t, "json", ClassJSON.String())
	assert.Equal(t, "graphql", ClassGraphQL.String())
	assert.Equal(t, "format", ClassFormat.String())
}
