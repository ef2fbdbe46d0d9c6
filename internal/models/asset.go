package models

import (
	"strings"
	"time"
)

// Asset is a catalogue entry: the uploaded source plus references to the
// artifacts derived from it. References are storage-relative and empty until
// the task producing them succeeds.
type Asset struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
	VideoFile   string    `json:"video_file"`
	Video480p   string    `json:"video_480p"`
	Video720p   string    `json:"video_720p"`
	Video1080p  string    `json:"video_1080p"`
	Thumbnail   string    `json:"thumbnail"`
}

type renditionField struct {
	column string
	field  func(*Asset) *string
}

// renditionFields maps each tier to the record field holding its MP4
// reference. Adding a tier means adding a row here and a column.
var renditionFields = map[Resolution]renditionField{
	Resolution480p:  {column: "video_480p", field: func(a *Asset) *string { return &a.Video480p }},
	Resolution720p:  {column: "video_720p", field: func(a *Asset) *string { return &a.Video720p }},
	Resolution1080p: {column: "video_1080p", field: func(a *Asset) *string { return &a.Video1080p }},
}

// RenditionColumn returns the persisted column name for a tier's reference.
func RenditionColumn(res Resolution) (string, bool) {
	entry, ok := renditionFields[res]
	if !ok {
		return "", false
	}
	return entry.column, true
}

// Rendition returns the MP4 reference stored for res.
func (a Asset) Rendition(res Resolution) string {
	entry, ok := renditionFields[res]
	if !ok {
		return ""
	}
	return *entry.field(&a)
}

// SetRendition updates only the field that belongs to res.
func (a *Asset) SetRendition(res Resolution, ref string) bool {
	entry, ok := renditionFields[res]
	if !ok || a == nil {
		return false
	}
	*entry.field(a) = ref
	return true
}

// HasSource reports whether an original upload is attached.
func (a Asset) HasSource() bool {
	return strings.TrimSpace(a.VideoFile) != ""
}

// FileReferences lists every non-empty file reference held by the record:
// the source, each rendition and the thumbnail.
func (a Asset) FileReferences() []string {
	refs := make([]string, 0, len(Tiers)+2)
	if a.VideoFile != "" {
		refs = append(refs, a.VideoFile)
	}
	for _, res := range Tiers {
		if ref := a.Rendition(res); ref != "" {
			refs = append(refs, ref)
		}
	}
	if a.Thumbnail != "" {
		refs = append(refs, a.Thumbnail)
	}
	return refs
}
