// Package jobs turns asset events into queued units of work and executes
// them against the encoder.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"videoflix/internal/models"

	"github.com/google/uuid"
)

// Kind names the task a job runs.
type Kind string

const (
	KindThumbnail Kind = "thumbnail"
	KindTranscode Kind = "transcode"
	KindHLS       Kind = "hls"
)

// Kinds lists every task kind.
var Kinds = []Kind{KindThumbnail, KindTranscode, KindHLS}

func (k Kind) valid() bool {
	switch k {
	case KindThumbnail, KindTranscode, KindHLS:
		return true
	}
	return false
}

// perTier reports whether jobs of this kind target one resolution.
func (k Kind) perTier() bool {
	return k == KindTranscode || k == KindHLS
}

var ErrInvalidJob = errors.New("invalid job")

// Job is the queued payload. It carries ids only; every path is resolved
// again from the stored asset when the job runs.
type Job struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	AssetID    int64             `json:"asset_id"`
	Resolution models.Resolution `json:"resolution,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

func newJob(kind Kind, assetID int64, res models.Resolution) Job {
	return Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		AssetID:    assetID,
		Resolution: res,
		EnqueuedAt: time.Now().UTC(),
	}
}

func NewThumbnailJob(assetID int64) Job {
	return newJob(KindThumbnail, assetID, 0)
}

func NewTranscodeJob(assetID int64, res models.Resolution) Job {
	return newJob(KindTranscode, assetID, res)
}

func NewHLSJob(assetID int64, res models.Resolution) Job {
	return newJob(KindHLS, assetID, res)
}

// Validate checks the fields a worker relies on.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidJob)
	}
	if !j.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	if j.AssetID <= 0 {
		return fmt.Errorf("%w: asset id %d", ErrInvalidJob, j.AssetID)
	}
	if j.Kind.perTier() && !j.Resolution.Valid() {
		return fmt.Errorf("%w: %s job without a supported resolution", ErrInvalidJob, j.Kind)
	}
	return nil
}

// Label identifies the job in logs and encoder invocations, for example
// "transcode asset=42 720p".
func (j Job) Label() string {
	if j.Kind.perTier() {
		return fmt.Sprintf("%s asset=%d %s", j.Kind, j.AssetID, j.Resolution.Label())
	}
	return fmt.Sprintf("%s asset=%d", j.Kind, j.AssetID)
}
