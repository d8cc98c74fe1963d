package formats

import (
	"strings"

	"github.com/famomatic/streamd/internal/types"
)

const manifestExt = "m3u8"

// adaptive transport protocols recognized as manifest formats.
var manifestProtocols = map[string]struct{}{
	"m3u8":               {},
	"m3u8_native":        {},
	"http_dash_segments": {},
}

// BestVideo returns the video-only format with the highest video bitrate.
// Muxed formats (audio and video both present) are excluded. Ties keep the
// earliest-listed candidate. ok is false when no video-only format exists.
func BestVideo(list []types.FormatInfo) (best types.FormatInfo, ok bool) {
	for _, f := range list {
		if !f.HasVideo() || f.HasAudio() {
			continue
		}
		if !ok || f.VBR > best.VBR {
			best = f
			ok = true
		}
	}
	return best, ok
}

// BestAudio returns the audio-only format with the highest audio bitrate.
// Symmetric with BestVideo.
func BestAudio(list []types.FormatInfo) (best types.FormatInfo, ok bool) {
	for _, f := range list {
		if !f.HasAudio() || f.HasVideo() {
			continue
		}
		if !ok || f.ABR > best.ABR {
			best = f
			ok = true
		}
	}
	return best, ok
}

// ManifestFormats filters list to adaptive-streaming entries: URL carrying a
// manifest marker, manifest container extension, or a recognized adaptive
// transport protocol. Returns ErrNoManifestFormats when none match.
func ManifestFormats(list []types.FormatInfo) ([]types.FormatInfo, error) {
	var out []types.FormatInfo
	for _, f := range list {
		if IsManifest(f) {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, types.ErrNoManifestFormats
	}
	return out, nil
}

// IsManifest reports whether f describes a streaming playlist or segment
// index rather than a single direct file.
func IsManifest(f types.FormatInfo) bool {
	if strings.Contains(f.URL, "."+manifestExt) {
		return true
	}
	if f.Ext == manifestExt {
		return true
	}
	_, ok := manifestProtocols[f.Protocol]
	return ok
}
