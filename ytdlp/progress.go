package ytdlp

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	percentRe     = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%`)
	playlistRe    = regexp.MustCompile(`^\[download\] Downloading (?:item|video) (\d+) of (\d+)`)
	destinationRe = regexp.MustCompile(`^\[download\] Destination: `)
)

// progressTracker turns yt-dlp --newline output into one overall percentage.
// A video download fetches two streams one after the other, each reported
// 0-100%, so per-stream figures are folded into a single running value.
type progressTracker struct {
	streams  int // streams expected per item
	stream   int // streams seen for the current item
	item     int
	items    int
	stage    Stage
	lastSent int
	onUpdate ProgressFunc
}

func newProgressTracker(req Request, fn ProgressFunc) *progressTracker {
	streams := 2
	if req.audioOnly() {
		streams = 1
	}
	return &progressTracker{
		streams:  streams,
		item:     1,
		items:    1,
		stage:    StageDownloading,
		lastSent: -1,
		onUpdate: fn,
	}
}

// feed consumes one output line.
func (p *progressTracker) feed(line string) {
	switch {
	case playlistRe.MatchString(line):
		m := playlistRe.FindStringSubmatch(line)
		p.item, _ = strconv.Atoi(m[1])
		p.items, _ = strconv.Atoi(m[2])
		p.stream = 0
		p.stage = StageDownloading
	case destinationRe.MatchString(line):
		p.stream++
		p.stage = StageDownloading
	case percentRe.MatchString(line):
		m := percentRe.FindStringSubmatch(line)
		pct, _ := strconv.ParseFloat(m[1], 64)
		p.emit(p.overall(pct))
	case isMergeLine(line):
		p.stage = StageMerging
		if p.items > 1 && p.item < p.items {
			// Post-processing of one playlist entry; keep downloading stage.
			p.stage = StageDownloading
			p.emit(p.overall(100))
			return
		}
		p.emit(99)
	}
}

func (p *progressTracker) overall(streamPct float64) int {
	stream := p.stream
	if stream < 1 {
		stream = 1
	}
	if stream > p.streams {
		stream = p.streams
	}
	itemPct := (float64(stream-1)*100 + streamPct) / float64(p.streams)
	items := p.items
	if items < 1 {
		items = 1
	}
	total := (float64(p.item-1)*100 + itemPct) / float64(items)
	pct := int(total)
	if pct > 99 {
		pct = 99
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

func (p *progressTracker) emit(pct int) {
	if p.onUpdate == nil {
		return
	}
	if pct < p.lastSent {
		pct = p.lastSent
	}
	p.lastSent = pct
	p.onUpdate(p.stage, pct)
}

func isMergeLine(line string) bool {
	for _, prefix := range []string{"[Merger]", "[ExtractAudio]", "[VideoConvertor]", "[VideoRemuxer]", "[FixupM3u8]"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
