package checkpoints

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedCheckpoint(t *testing.T) []byte {
	t.Helper()
	data, err := Encode(testFull(9), FormatProto)
	require.NoError(t, err)
	return data
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFetcher_LocalPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.pth")
	require.NoError(t, os.WriteFile(path, encodedCheckpoint(t), 0644))

	f := &Fetcher{CacheDir: t.TempDir()}
	ck, err := f.Load(context.Background(), path, NewSaver(FormatProto))
	require.NoError(t, err)
	assert.Equal(t, 9, ck.(*Full).Epoch)

	_, err = f.Load(context.Background(), path+".missing", NewSaver(FormatProto))
	assert.True(t, errors.Is(err, ErrCheckpointUnreadable))
}

func TestFetcher_HTTPSHashCheckedAndCached(t *testing.T) {
	data := encodedCheckpoint(t)
	good := "/detr-r50-" + sha256Hex(data)[:8] + ".pth"
	bad := "/detr-r50-deadbeef.pth"

	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case good, bad:
			w.Write(data)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cache := t.TempDir()
	f := &Fetcher{CacheDir: cache, Client: srv.Client()}

	ck, err := f.Load(context.Background(), srv.URL+good, NewSaver(FormatProto))
	require.NoError(t, err)
	assert.Equal(t, 9, ck.(*Full).Epoch)

	_, err = f.Load(context.Background(), srv.URL+good, NewSaver(FormatProto))
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second load must come from the cache")

	_, err = f.Resolve(context.Background(), srv.URL+bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckpointUnreadable))
	assert.Contains(t, err.Error(), "integrity check failed")
	_, statErr := os.Stat(filepath.Join(cache, "detr-r50-deadbeef.pth"))
	assert.True(t, os.IsNotExist(statErr), "unverified downloads must not enter the cache")

	_, err = f.Resolve(context.Background(), srv.URL+"/plain.pth")
	assert.True(t, errors.Is(err, ErrCheckpointUnreadable), "names without a hash cannot be verified")

	_, err = f.Resolve(context.Background(), srv.URL+"/missing-0123abcd.pth")
	assert.True(t, errors.Is(err, ErrCheckpointUnreadable))
}

func TestFetcher_OCIBlob(t *testing.T) {
	srv := httptest.NewServer(registry.New(registry.Logger(log.New(io.Discard, "", 0))))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	data := encodedCheckpoint(t)
	repo, err := name.NewRepository(host + "/detr/checkpoints")
	require.NoError(t, err)
	layer := static.NewLayer(data, types.MediaType("application/vnd.go-detr.checkpoint.v1"))
	require.NoError(t, remote.WriteLayer(repo, layer))

	digest, err := layer.Digest()
	require.NoError(t, err)

	f := &Fetcher{CacheDir: t.TempDir()}
	ref := "oci://" + host + "/detr/checkpoints@" + digest.String()
	ck, err := f.Load(context.Background(), ref, NewSaver(FormatProto))
	require.NoError(t, err)
	assert.Equal(t, 9, ck.(*Full).Epoch)

	cached := filepath.Join(f.CacheDir, "sha256-"+digest.Hex+".pth")
	_, err = os.Stat(cached)
	assert.NoError(t, err, "verified blob should be cached")

	missing := "oci://" + host + "/detr/checkpoints@sha256:" + strings.Repeat("0", 64)
	_, err = f.Resolve(context.Background(), missing)
	assert.True(t, errors.Is(err, ErrCheckpointUnreadable))

	_, err = f.Resolve(context.Background(), "oci://"+host+"/detr/checkpoints:latest")
	assert.True(t, errors.Is(err, ErrCheckpointUnreadable), "tags are not content addressed")
}
