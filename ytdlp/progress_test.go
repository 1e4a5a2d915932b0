package ytdlp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type progressUpdate struct {
	stage Stage
	pct   int
}

func collect(req Request, lines ...string) []progressUpdate {
	var got []progressUpdate
	p := newProgressTracker(req, func(s Stage, pct int) {
		got = append(got, progressUpdate{s, pct})
	})
	for _, l := range lines {
		p.feed(l)
	}
	return got
}

func TestProgressVideoTwoStreams(t *testing.T) {
	got := collect(Request{Container: "mp4"},
		"[youtube] abc: Downloading webpage",
		"[download] Destination: /dl/x.f137.mp4",
		"[download]  50.0% of   10.00MiB at    1.00MiB/s ETA 00:05",
		"[download] 100% of   10.00MiB in 00:00:10",
		"[download] Destination: /dl/x.f140.m4a",
		"[download]  40.0% of    1.00MiB at    1.00MiB/s ETA 00:01",
		"[download] 100.0% of    1.00MiB",
		`[Merger] Merging formats into "/dl/x.mp4"`,
	)
	assert.Equal(t, []progressUpdate{
		{StageDownloading, 25},
		{StageDownloading, 50},
		{StageDownloading, 70},
		{StageDownloading, 99},
		{StageMerging, 99},
	}, got)
}

func TestProgressAudioSingleStream(t *testing.T) {
	got := collect(Request{Container: "mp3"},
		"[download] Destination: /dl/x.webm",
		"[download]  10.5% of 3.00MiB",
		"[download] 100% of 3.00MiB",
		"[ExtractAudio] Destination: /dl/x.mp3",
	)
	assert.Equal(t, []progressUpdate{
		{StageDownloading, 10},
		{StageDownloading, 99},
		{StageMerging, 99},
	}, got)
}

func TestProgressNeverDecreases(t *testing.T) {
	got := collect(Request{Container: "mp4"},
		"[download] Destination: /dl/x.f137.mp4",
		"[download]  80.0% of 10.00MiB",
		"[download]  20.0% of 10.00MiB",
	)
	assert.Equal(t, []progressUpdate{{StageDownloading, 40}, {StageDownloading, 40}}, got)
}

func TestProgressPlaylist(t *testing.T) {
	got := collect(Request{Container: "mp3", Playlist: true},
		"[download] Downloading item 1 of 4",
		"[download] Destination: /dl/files/001 - a.webm",
		"[download] 100% of 3.00MiB",
		"[download] Downloading item 2 of 4",
		"[download] Destination: /dl/files/002 - b.webm",
		"[download]  50% of 3.00MiB",
	)
	assert.Equal(t, []progressUpdate{
		{StageDownloading, 25},
		{StageDownloading, 37},
	}, got)
}
