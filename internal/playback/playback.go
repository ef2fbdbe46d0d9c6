// Package playback serves packaged HLS playlists and segments from the media
// root. It never consults the asset record: whatever the HLS job left on disk
// is what gets streamed.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"videoflix/internal/media"
	"videoflix/internal/models"
)

// ErrNotFound covers unknown tiers, unsafe segment names and missing files.
var ErrNotFound = errors.New("playback file not found")

// File is an open playlist or segment. Callers must Close it.
type File struct {
	*os.File
	Name    string
	Size    int64
	ModTime time.Time
}

type Service struct {
	resolver *media.Resolver
}

func NewService(resolver *media.Resolver) (*Service, error) {
	if resolver == nil {
		return nil, fmt.Errorf("playback requires a media resolver")
	}
	return &Service{resolver: resolver}, nil
}

// Playlist opens hls/{id}/{res}p/index.m3u8.
func (s *Service) Playlist(ctx context.Context, assetID int64, res models.Resolution) (*File, error) {
	return s.open(ctx, assetID, res, media.PlaylistName)
}

// Segment opens one .ts file of a tier. name must be a bare file name.
func (s *Service) Segment(ctx context.Context, assetID int64, res models.Resolution, name string) (*File, error) {
	if !validSegmentName(name) {
		return nil, fmt.Errorf("%w: segment %q", ErrNotFound, name)
	}
	return s.open(ctx, assetID, res, name)
}

func (s *Service) PlaylistBytes(ctx context.Context, assetID int64, res models.Resolution) ([]byte, error) {
	file, err := s.Playlist(ctx, assetID, res)
	if err != nil {
		return nil, err
	}
	return readAll(file)
}

func (s *Service) SegmentBytes(ctx context.Context, assetID int64, res models.Resolution, name string) ([]byte, error) {
	file, err := s.Segment(ctx, assetID, res, name)
	if err != nil {
		return nil, err
	}
	return readAll(file)
}

func (s *Service) open(ctx context.Context, assetID int64, res models.Resolution, name string) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if assetID <= 0 || !res.Valid() {
		return nil, ErrNotFound
	}
	artifact := s.resolver.HLSFile(assetID, res, name)
	file, err := os.Open(artifact.Abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, artifact.Rel)
		}
		return nil, fmt.Errorf("open %s: %w", artifact.Rel, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat %s: %w", artifact.Rel, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, artifact.Rel)
	}
	return &File{File: file, Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func readAll(file *File) ([]byte, error) {
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file.Name, err)
	}
	return data, nil
}

func validSegmentName(name string) bool {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	if name != path.Base(name) || strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, media.SegmentExt) && len(name) > len(media.SegmentExt)
}
