package media

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"videoflix/internal/models"
)

// ErrInvalidFilename is returned when nothing usable survives sanitising.
var ErrInvalidFilename = errors.New("invalid filename")

var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// ValidFilename folds an uploaded filename into a safe storage name: accents
// are dropped, spaces become underscores and only ASCII letters, digits, dot,
// dash and underscore are kept.
func ValidFilename(name string) (string, error) {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		return "", fmt.Errorf("normalise filename: %w", err)
	}
	folded = strings.ReplaceAll(strings.TrimSpace(folded), " ", "_")

	var builder strings.Builder
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '.', r == '-', r == '_':
			builder.WriteRune(r)
		}
	}
	cleaned := builder.String()
	if cleaned == "" || strings.Trim(cleaned, ".") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return cleaned, nil
}

// AvailableUpload returns a videos/ artifact for name, appending a short
// random suffix before the extension while the name is already taken. A
// name is taken while the upload or any rendition or thumbnail derived from
// it exists, since another asset may still reference those files.
func (r *Resolver) AvailableUpload(name string) (Artifact, error) {
	clean, err := ValidFilename(name)
	if err != nil {
		return Artifact{}, err
	}
	candidate := r.Upload(clean)
	ext := path.Ext(clean)
	stem := strings.TrimSuffix(clean, ext)
	for attempt := 0; attempt < 16; attempt++ {
		taken, err := r.nameTaken(candidate)
		if err != nil {
			return Artifact{}, err
		}
		if !taken {
			return candidate, nil
		}
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
		candidate = r.Upload(fmt.Sprintf("%s_%s%s", stem, suffix, ext))
	}
	return Artifact{}, fmt.Errorf("no available name for %q", clean)
}

func (r *Resolver) nameTaken(upload Artifact) (bool, error) {
	paths := []Artifact{upload, r.Thumbnail(upload.Rel)}
	for _, res := range models.Tiers {
		paths = append(paths, r.Rendition(upload.Rel, res))
	}
	for _, candidate := range paths {
		_, err := os.Stat(candidate.Abs)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("stat %s: %w", candidate.Rel, err)
		}
	}
	return false, nil
}
