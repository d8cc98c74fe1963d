package types

// VideoInfo is the resolved metadata for a single video. It is immutable
// after creation and may be shared by reference across concurrent readers.
type VideoInfo struct {
	Title       string       `json:"title"`
	ID          string       `json:"id"`
	Duration    float64      `json:"duration"`
	Thumbnail   string       `json:"thumbnail"`
	Description string       `json:"description"`
	Uploader    string       `json:"uploader"`
	Formats     []FormatInfo `json:"formats"`
	FormatCount int          `json:"format_count"`
}
