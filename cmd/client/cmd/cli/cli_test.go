package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseData(t *testing.T) {
	data, err := ParseData(`{"name":"Cola","stock":12}`, []string{"price=1.20", "label=two words", "active=true"})
	require.NoError(t, err)

	assert.Equal(t, "Cola", data["name"])
	assert.Equal(t, json.Number("12"), data["stock"])
	assert.Equal(t, json.Number("1.20"), data["price"])
	assert.Equal(t, "two words", data["label"])
	assert.Equal(t, true, data["active"])

	_, err = ParseData(`[1,2]`, nil)
	assert.Error(t, err)

	_, err = ParseData("", []string{"novalue"})
	assert.Error(t, err)
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)
	assert.True(t, p.JSON())

	require.NoError(t, p.Emit(map[string]int{"pushed": 2}))
	assert.JSONEq(t, `{"pushed":2}`, buf.String())

	buf.Reset()
	p.Println(p.OK("ok %d", 1))
	assert.Equal(t, "ok 1\n", buf.String())
}
