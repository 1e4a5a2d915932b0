package ytdlp

// Mode is the kind of download a request produces.
type Mode string

const (
	ModeVideo    Mode = "video"
	ModeAudio    Mode = "audio"
	ModePlaylist Mode = "playlist"
)

// Stage is the phase of a running download as reported by yt-dlp output.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageMerging     Stage = "merging"
)

// ProgressFunc receives advisory progress. percent is 0-99 and never
// reaches 100; completion is signalled by Download returning.
type ProgressFunc func(stage Stage, percent int)

// Request describes one download. Use Normalize before handing it to a Runner.
type Request struct {
	URL       string `json:"url"`
	Quality   string `json:"quality"`
	Container string `json:"container"`
	Filename  string `json:"filename"`
	Playlist  bool   `json:"playlist"`
}

// Result is the merged file a download produced.
type Result struct {
	Path     string
	Filename string
	Size     int64
}

type Meta struct {
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail"`
}

// Formats lists what a URL can be downloaded as.
type Formats struct {
	Qualities  []string `json:"qualities"`
	Containers []string `json:"containers"`
	Meta       Meta     `json:"meta"`
}

// infoJSON is the subset of yt-dlp --dump-single-json output we read.
type infoJSON struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Thumbnail  string `json:"thumbnail"`
	Thumbnails []struct {
		URL string `json:"url"`
	} `json:"thumbnails"`
	Formats []formatJSON `json:"formats"`
}

type formatJSON struct {
	FormatID string  `json:"format_id"`
	Ext      string  `json:"ext"`
	Height   float64 `json:"height"`
	VCodec   string  `json:"vcodec"`
	ACodec   string  `json:"acodec"`
	ABR      float64 `json:"abr"`
}
