package vfs

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDir_Write(t *testing.T) {
	d := NewMemDir()
	f, err := d.CreateFile("foo")
	if assert.NoError(t, err) {
		_, err := io.WriteString(f, "hello")
		assert.NoError(t, err)
		assert.NoError(t, f.Commit())
		assert.NoError(t, f.Close())
		f, err := d.OpenFile("foo")
		if assert.NoError(t, err) {
			b, err := io.ReadAll(f)
			if assert.NoError(t, err) {
				assert.Equal(t, "hello", string(b))
			}
		}
	}
}

func TestMemDir_WriteWithoutCommit(t *testing.T) {
	d := NewMemDir()
	f, err := d.CreateFile("foo")
	if assert.NoError(t, err) {
		_, err := io.WriteString(f, "hello")
		assert.NoError(t, err)
		assert.NoError(t, f.Close())
		_, err = d.OpenFile("foo")
		assert.Error(t, err)
	}
}

func TestDir_List(t *testing.T) {
	check := func(t *testing.T, d Dir) {
		f1, err := d.CreateFile("foo")
		require.NoError(t, err)
		f1.Commit()
		f1.Close()

		f2, err := d.CreateFile("bar")
		require.NoError(t, err)
		f2.Commit()
		f2.Close()

		f3, err := d.CreateFile("baz")
		require.NoError(t, err)
		f3.Close()

		files, err := d.ListFiles()
		require.NoError(t, err)
		sort.Strings(files)
		require.Equal(t, []string{"bar", "foo"}, files)
	}

	t.Run("MemDir", func(t *testing.T) {
		check(t, NewMemDir())
	})

	t.Run("FsDir", func(t *testing.T) {
		d, err := OpenDir(t.TempDir(), false)
		require.NoError(t, err)
		check(t, d)
	})
}

func TestMemDir_Concurrent(t *testing.T) {
	d := NewMemDir()
	require.NoError(t, WriteFile(d, "seed", func(w io.Writer) error {
		_, err := io.WriteString(w, "seed")
		return err
	}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("file-%d", n)
			for j := 0; j < 50; j++ {
				err := WriteFile(d, name, func(w io.Writer) error {
					_, err := io.WriteString(w, "data")
					return err
				})
				assert.NoError(t, err)
				if f, err := d.OpenFile("seed"); assert.NoError(t, err) {
					f.Close()
				}
				if _, err := d.ListFiles(); !assert.NoError(t, err) {
					return
				}
			}
			assert.NoError(t, d.RemoveFile(name))
		}(i)
	}
	wg.Wait()

	files, err := d.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"seed"}, files)
}

func TestWriteFile(t *testing.T) {
	d := NewMemDir()
	err := WriteFile(d, "foo", func(w io.Writer) error {
		_, err := io.WriteString(w, "content")
		return err
	})
	require.NoError(t, err)

	f, err := d.OpenFile("foo")
	require.NoError(t, err)
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "content", string(b))
}
