package checkpoints

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"go.uber.org/zap"
)

// Reference schemes understood by Fetcher.
const (
	schemeHTTPS = "https://"
	schemeOCI   = "oci://"
)

// hashInName extracts the hex digest prefix embedded in names like
// "detr-r50-e632da11.pth".
var hashInName = regexp.MustCompile(`-([a-f0-9]+)\.`)

// Fetcher resolves checkpoint references to local files. Remote references are
// content addressed: they are downloaded once, verified against the digest they name,
// and only then moved into the cache. Cached entries are reused on later runs.
type Fetcher struct {
	CacheDir string
	Client   *http.Client
	// RemoteOptions are passed to go-containerregistry for oci:// references.
	RemoteOptions []remote.Option
	Logger        *zap.Logger
}

// DefaultCacheDir is used when no cache directory is configured.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "go-detr", "checkpoints")
}

// Load resolves ref and decodes the checkpoint it names.
func (f *Fetcher) Load(ctx context.Context, ref string, saver *Saver) (Checkpoint, error) {
	local, err := f.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	ck, err := saver.LoadCheckpoint(local)
	if err != nil {
		var u *UnreadableError
		if errors.As(err, &u) {
			u.Ref = ref
		}
		return nil, err
	}
	return ck, nil
}

// Resolve returns a local path holding the artifact named by ref.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, schemeHTTPS):
		return f.fetchHTTPS(ctx, ref)
	case strings.HasPrefix(ref, schemeOCI):
		return f.fetchOCI(ctx, ref)
	default:
		if _, err := os.Stat(ref); err != nil {
			return "", &UnreadableError{Ref: ref, Reason: "path unreachable", Err: err}
		}
		return ref, nil
	}
}

func (f *Fetcher) cacheDir() string {
	if f.CacheDir != "" {
		return f.CacheDir
	}
	return DefaultCacheDir()
}

func (f *Fetcher) logger() *zap.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return zap.NewNop()
}

func (f *Fetcher) fetchHTTPS(ctx context.Context, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "invalid URL", Err: err}
	}
	filename := path.Base(u.Path)
	m := hashInName.FindStringSubmatch(filename)
	if m == nil {
		return "", &UnreadableError{Ref: ref, Reason: "file name carries no hash prefix to verify against"}
	}
	wantPrefix := m[1]

	cached := filepath.Join(f.cacheDir(), filename)
	if _, err := os.Stat(cached); err == nil {
		f.logger().Debug("using cached checkpoint", zap.String("path", cached))
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "invalid request", Err: err}
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	f.logger().Info("downloading checkpoint", zap.String("url", ref), zap.String("cache", cached))
	resp, err := client.Do(req)
	if err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "download failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &UnreadableError{Ref: ref, Reason: fmt.Sprintf("download failed with status %d", resp.StatusCode)}
	}

	return f.storeVerified(ref, cached, resp.Body, func(h v1.Hash) error {
		if !strings.HasPrefix(h.Hex, wantPrefix) {
			return fmt.Errorf("sha256 %s does not start with %s", h.Hex, wantPrefix)
		}
		return nil
	})
}

func (f *Fetcher) fetchOCI(ctx context.Context, ref string) (string, error) {
	digest, err := name.NewDigest(strings.TrimPrefix(ref, schemeOCI))
	if err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "oci reference must be pinned by digest", Err: err}
	}
	want, err := v1.NewHash(digest.DigestStr())
	if err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "invalid digest", Err: err}
	}

	cached := filepath.Join(f.cacheDir(), want.Algorithm+"-"+want.Hex+".pth")
	if _, err := os.Stat(cached); err == nil {
		f.logger().Debug("using cached checkpoint", zap.String("path", cached))
		return cached, nil
	}

	opts := append([]remote.Option{remote.WithContext(ctx)}, f.RemoteOptions...)
	layer, err := remote.Layer(digest, opts...)
	if err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "blob lookup failed", Err: err}
	}
	f.logger().Info("pulling checkpoint blob", zap.String("ref", digest.String()), zap.String("cache", cached))
	rc, err := layer.Compressed()
	if err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "blob download failed", Err: err}
	}
	defer rc.Close()

	return f.storeVerified(ref, cached, rc, func(h v1.Hash) error {
		if h != want {
			return fmt.Errorf("digest %s does not match %s", h, want)
		}
		return nil
	})
}

// storeVerified streams body into a temporary file in the cache, hashing it on the
// way, and renames it into place only after verify accepts the digest.
func (f *Fetcher) storeVerified(ref, dest string, body io.Reader, verify func(v1.Hash) error) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "cannot create cache directory", Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "cannot create cache file", Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h, _, err := v1.SHA256(io.TeeReader(body, tmp))
	closeErr := tmp.Close()
	if err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "download interrupted", Err: err}
	}
	if closeErr != nil {
		return "", &UnreadableError{Ref: ref, Reason: "cannot write cache file", Err: closeErr}
	}
	if err := verify(h); err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "integrity check failed", Err: err}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", &UnreadableError{Ref: ref, Reason: "cannot move artifact into cache", Err: err}
	}
	return dest, nil
}
