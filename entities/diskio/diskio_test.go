//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package diskio

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeteredReader(t *testing.T) {
	var total int64
	r := NewMeteredReader(bytes.NewReader([]byte("journal frames")), func(read, _ int64) {
		total += read
	})

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "journal frames", string(out))
	assert.Equal(t, int64(len(out)), total)
}

func TestMeteredWriter(t *testing.T) {
	var total int64
	buf := &bytes.Buffer{}
	w := NewMeteredWriter(buf, func(written int64) { total += written })

	_, err := w.Write([]byte("gen"))
	require.NoError(t, err)
	_, err = w.Write([]byte("-00001"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), total)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gen-00001.img")

	require.NoError(t, WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write([]byte("v1"))
		return err
	}))

	err := WriteFileAtomic(path, func(w io.Writer) error {
		w.Write([]byte("partial"))
		return errors.New("encoder failed")
	})
	require.Error(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestSanitizeFilePathJoin(t *testing.T) {
	root := t.TempDir()

	p, err := SanitizeFilePathJoin(root, "gen-00002.img")
	require.NoError(t, err)
	assert.Equal(t, "gen-00002.img", filepath.Base(p))

	for _, bad := range []string{"../etc/passwd", "/etc/passwd", ".", "a/../../b"} {
		_, err := SanitizeFilePathJoin(root, bad)
		assert.Error(t, err, bad)
	}
}
