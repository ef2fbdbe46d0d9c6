package media

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"videoflix/internal/models"
)

const (
	videosDir     = "videos"
	thumbnailsDir = "thumbnails"
	hlsDir        = "hls"

	// PlaylistName is the fixed name of every per-tier HLS playlist.
	PlaylistName = "index.m3u8"
	// SegmentExt is the extension ffmpeg gives HLS segments.
	SegmentExt = ".ts"
)

// ErrInvalidReference is returned for storage references that are absolute
// or climb out of the media root.
var ErrInvalidReference = errors.New("invalid storage reference")

// Artifact locates one file or directory under the media root in both forms:
// Abs for filesystem calls and Rel for the reference persisted on the record.
type Artifact struct {
	Abs string
	Rel string
}

// HLSLayout describes where one tier of an asset is packaged.
type HLSLayout struct {
	Dir            Artifact
	Playlist       Artifact
	SegmentPattern string
	SegmentPrefix  string
}

// Resolver derives every artifact path from the media root, the asset id and
// the source reference.
type Resolver struct {
	root string
}

// NewResolver anchors a resolver at root, which must be non-empty.
func NewResolver(root string) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("media root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	return &Resolver{root: abs}, nil
}

// Root returns the absolute media root.
func (r *Resolver) Root() string {
	return r.root
}

// BaseName strips directories and the final extension from a source
// reference: "videos/movie.final.mp4" becomes "movie.final".
func BaseName(source string) string {
	base := path.Base(filepath.ToSlash(strings.TrimSpace(source)))
	if base == "." || base == "/" {
		return ""
	}
	trimmed := strings.TrimSuffix(base, path.Ext(base))
	if trimmed == "" {
		return base
	}
	return trimmed
}

func (r *Resolver) artifact(rel string) Artifact {
	return Artifact{Abs: filepath.Join(r.root, filepath.FromSlash(rel)), Rel: rel}
}

// Source resolves a storage reference to an absolute path under the root.
func (r *Resolver) Source(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrInvalidReference
	}
	local := filepath.FromSlash(path.Clean(filepath.ToSlash(ref)))
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	return filepath.Join(r.root, local), nil
}

// Rendition returns videos/{res}p/{base}_{res}p.mp4.
func (r *Resolver) Rendition(source string, res models.Resolution) Artifact {
	name := fmt.Sprintf("%s_%s.mp4", BaseName(source), res.Label())
	return r.artifact(path.Join(videosDir, res.Label(), name))
}

// Thumbnail returns thumbnails/{base}_thumbnail.jpg.
func (r *Resolver) Thumbnail(source string) Artifact {
	return r.artifact(path.Join(thumbnailsDir, BaseName(source)+"_thumbnail.jpg"))
}

// HLSRoot returns hls/{id}, the directory holding every tier of an asset.
func (r *Resolver) HLSRoot(assetID int64) Artifact {
	return r.artifact(path.Join(hlsDir, strconv.FormatInt(assetID, 10)))
}

// HLS returns the playlist and segment naming for one tier of an asset.
func (r *Resolver) HLS(assetID int64, res models.Resolution, source string) HLSLayout {
	dir := r.artifact(path.Join(hlsDir, strconv.FormatInt(assetID, 10), res.Label()))
	prefix := fmt.Sprintf("%s_%s_", BaseName(source), res.Label())
	pattern := strings.ReplaceAll(prefix, "%", "%%") + "%03d" + SegmentExt
	return HLSLayout{
		Dir:            dir,
		Playlist:       r.artifact(path.Join(dir.Rel, PlaylistName)),
		SegmentPattern: filepath.Join(dir.Abs, pattern),
		SegmentPrefix:  prefix,
	}
}

// HLSFile returns the path of a playlist or segment inside a tier directory
// without checking that it exists.
func (r *Resolver) HLSFile(assetID int64, res models.Resolution, name string) Artifact {
	return r.artifact(path.Join(hlsDir, strconv.FormatInt(assetID, 10), res.Label(), name))
}

// Upload returns videos/{name}.
func (r *Resolver) Upload(name string) Artifact {
	return r.artifact(path.Join(videosDir, name))
}

// Partial returns the hidden sibling an encoder writes before the result is
// moved onto a. The extension is kept so ffmpeg picks the same muxer:
// videos/720p/movie_720p.mp4 becomes videos/720p/.movie_720p.partial.mp4.
func Partial(a Artifact) Artifact {
	dir, name := path.Split(a.Rel)
	ext := path.Ext(name)
	hidden := "." + strings.TrimSuffix(name, ext) + ".partial" + ext
	return Artifact{Abs: filepath.Join(filepath.Dir(a.Abs), hidden), Rel: dir + hidden}
}

// Prepare creates the parent directories of a file artifact.
func Prepare(a Artifact) error {
	if err := os.MkdirAll(filepath.Dir(a.Abs), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", path.Dir(a.Rel), err)
	}
	return nil
}

// PrepareDir creates a directory artifact and its parents.
func PrepareDir(a Artifact) error {
	if err := os.MkdirAll(a.Abs, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", a.Rel, err)
	}
	return nil
}
