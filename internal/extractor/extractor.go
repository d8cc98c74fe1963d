package extractor

import "context"

// RawFormat is one format entry as reported by the extraction engine.
type RawFormat struct {
	FormatID   string  `json:"format_id"`
	Ext        string  `json:"ext"`
	Resolution string  `json:"resolution"`
	FPS        float64 `json:"fps"`
	ACodec     string  `json:"acodec"`
	VCodec     string  `json:"vcodec"`
	URL        string  `json:"url"`
	Protocol   string  `json:"protocol"`
	VBR        float64 `json:"vbr"`
	ABR        float64 `json:"abr"`
	Filesize   *int64  `json:"filesize"`
}

// RawInfo is the engine's metadata payload before normalization.
type RawInfo struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Duration    float64     `json:"duration"`
	Thumbnail   string      `json:"thumbnail"`
	Description string      `json:"description"`
	Uploader    string      `json:"uploader"`
	Formats     []RawFormat `json:"formats"`
}

// Engine is the external metadata-extraction capability. Implementations run
// out of process; proxyURL may be empty to go direct. Both calls respect ctx
// cancellation, killing any underlying work.
type Engine interface {
	// ExtractInfo resolves a video id to its raw stream metadata.
	ExtractInfo(ctx context.Context, videoID, proxyURL string) (*RawInfo, error)

	// Download fetches and merges the best available streams for videoID
	// into dir. The produced file is named "<videoID>_<title>.<ext>".
	Download(ctx context.Context, videoID, proxyURL, dir string) error
}
