package types

// FormatInfo is the normalized public format model, derived from the raw
// extractor output. Entries without a retrievable URL and thumbnail-sprite
// containers are dropped during normalization.
type FormatInfo struct {
	Itag       string  `json:"itag"`
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

// HasVideo reports whether the format carries a video track.
func (f FormatInfo) HasVideo() bool {
	return f.VCodec != "" && f.VCodec != "none"
}

// HasAudio reports whether the format carries an audio track.
func (f FormatInfo) HasAudio() bool {
	return f.ACodec != "" && f.ACodec != "none"
}
