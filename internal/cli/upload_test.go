package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsZero(t *testing.T) {
	assert.True(t, isZero(nil))
	assert.True(t, isZero(make([]byte, 65536)))

	buf := make([]byte, 65536)
	buf[len(buf)-1] = 1
	assert.False(t, isZero(buf))

	buf = make([]byte, 65536)
	buf[0] = 1
	assert.False(t, isZero(buf))
}

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "upload")
	assert.Contains(t, names, "precheck")
	assert.Contains(t, names, "delete-disks")

	params := root.PersistentFlags().Lookup("params")
	require.NotNil(t, params)
	upload, _, err := root.Find([]string{"upload"})
	require.NoError(t, err)
	require.NotNil(t, upload.Flags().Lookup("image"))
}
