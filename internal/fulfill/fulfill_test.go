package fulfill

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"json_transform", "markdown", "text_echo"}, r.Names())
	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestTextEcho(t *testing.T) {
	d, err := TextEcho(context.Background(), Request{ServiceType: "text_echo", Description: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", d.Content)
	assert.Equal(t, "text_echo_deliverable", d.Type)
}

func TestJSONTransform(t *testing.T) {
	d, err := JSONTransform(context.Background(), Request{ServiceType: "json_transform", Description: `{"b":1,"a":[true]}`})
	require.NoError(t, err)
	content := d.Content.(map[string]any)
	assert.Equal(t, []string{"a", "b"}, content["keys"])

	_, err = JSONTransform(context.Background(), Request{Description: "not json"})
	assert.Error(t, err)
}

func TestMarkdown(t *testing.T) {
	d, err := Markdown(context.Background(), Request{OrderID: "ivxp-1", ServiceType: "code_review", Description: strings.Repeat("x", 80)})
	require.NoError(t, err)
	assert.Equal(t, "markdown", d.Format)
	content := d.Content.(map[string]any)
	assert.Equal(t, "Code Review: "+strings.Repeat("x", 50), content["title"])
	assert.Contains(t, content["body"], "# Code Review Deliverable")
}
