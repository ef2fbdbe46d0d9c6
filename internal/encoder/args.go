package encoder

import (
	"strconv"

	"videoflix/internal/models"
)

const (
	defaultCRF          = "23"
	defaultPreset       = "medium"
	defaultAudioBitrate = "128k"
	// HLSSegmentSeconds is the target duration of every HLS segment.
	HLSSegmentSeconds = 10
	// ThumbnailOffset is where the thumbnail frame is taken from.
	ThumbnailOffset = "00:00:01"
)

// scaleFilter keeps the aspect ratio and forces an even width.
func scaleFilter(res models.Resolution) string {
	return "scale=-2:" + strconv.Itoa(res.Height())
}

func webVideoArgs(res models.Resolution) []string {
	return []string{
		"-vf", scaleFilter(res),
		"-c:v", "libx264",
		"-profile:v", "baseline",
		"-pix_fmt", "yuv420p",
		"-crf", defaultCRF,
		"-preset", defaultPreset,
		"-c:a", "aac",
		"-b:a", defaultAudioBitrate,
		"-strict", "-2",
	}
}

// TranscodeArgs builds a single-file MP4 rendition scaled to res.
func TranscodeArgs(source, output string, res models.Resolution) []string {
	args := []string{"-y", "-i", source}
	args = append(args, webVideoArgs(res)...)
	args = append(args, "-movflags", "+faststart", output)
	return args
}

// ThumbnailArgs grabs one frame ThumbnailOffset into the source.
func ThumbnailArgs(source, output string) []string {
	return []string{
		"-y",
		"-ss", ThumbnailOffset,
		"-i", source,
		"-frames:v", "1",
		"-q:v", "2",
		output,
	}
}

// HLSArgs packages the source at res into a complete VOD playlist with
// fixed-length segments named after segmentPattern.
func HLSArgs(source, playlist, segmentPattern string, res models.Resolution) []string {
	segment := strconv.Itoa(HLSSegmentSeconds)
	args := []string{"-y", "-i", source}
	args = append(args, webVideoArgs(res)...)
	args = append(args,
		"-force_key_frames", "expr:gte(t,n_forced*"+segment+")",
		"-f", "hls",
		"-hls_time", segment,
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", segmentPattern,
		playlist,
	)
	return args
}
