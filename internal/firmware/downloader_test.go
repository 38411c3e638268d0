package firmware

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSourceFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func checksumOf(t *testing.T, contents string) string {
	t.Helper()
	sum := md5.Sum([]byte(contents)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAvailable_ConcurrentCallersSeeExactlyOneDownload(t *testing.T) {
	dir := t.TempDir()
	contents := "firmware-blob-v1"
	srcPath := writeSourceFile(t, dir, "source.bin", contents)
	destPath := filepath.Join(dir, "dest.bin")

	d := New(logr.Discard(), nil)

	const n = 20
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.Available(context.Background(), destPath, "file://"+srcPath, "")
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.False(t, r, "no caller should see the file available before the download completes")
	}

	waitFor(t, time.Second, func() bool {
		_, err := os.Stat(destPath)
		return err == nil
	})

	assert.True(t, d.Available(context.Background(), destPath, "file://"+srcPath, ""))
}

func TestAvailable_ChecksumMismatchDiscardsFile(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeSourceFile(t, dir, "source.bin", "actual-contents")
	destPath := filepath.Join(dir, "dest.bin")

	d := New(logr.Discard(), nil)
	d.Available(context.Background(), destPath, "file://"+srcPath, "0000000000000000000000000000000deadbeef"[:32])

	time.Sleep(100 * time.Millisecond)

	_, err := os.Stat(destPath)
	assert.Error(t, err, "final path must not exist after a checksum mismatch")
	_, err = os.Stat(destPath + downloadSuffix)
	assert.Error(t, err, "temp file must be discarded")
}

func TestAvailable_EmptyURLNeverStarts(t *testing.T) {
	dir := t.TempDir()
	destPath := filepath.Join(dir, "dest.bin")

	d := New(logr.Discard(), nil)
	assert.False(t, d.Available(context.Background(), destPath, "", ""))

	time.Sleep(50 * time.Millisecond)
	_, err := os.Stat(destPath)
	assert.Error(t, err)
}

func TestAvailable_CorrectChecksumSucceeds(t *testing.T) {
	dir := t.TempDir()
	contents := "verified-firmware"
	srcPath := writeSourceFile(t, dir, "source.bin", contents)
	destPath := filepath.Join(dir, "dest.bin")

	d := New(logr.Discard(), nil)
	d.Available(context.Background(), destPath, "file://"+srcPath, checksumOf(t, contents))

	waitFor(t, time.Second, func() bool {
		_, err := os.Stat(destPath)
		return err == nil
	})
}
