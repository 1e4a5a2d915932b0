package ytdlp

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kkdai/youtube/v2"

	"ytweb/apperr"
)

const (
	DefaultVideoQuality = "1080"
	DefaultAudioQuality = "best"
	DefaultContainer    = "mp4"

	// fallbackTemplate names the output after the video when the user gave
	// no filename.
	fallbackTemplate = "%(title).80s [%(id)s]"
	playlistTemplate = "%(playlist_index)03d - %(title).80s.%(ext)s"
)

var (
	youtubeHostRe = regexp.MustCompile(`(?i)(youtube\.com|youtu\.be)`)
	digitsRe      = regexp.MustCompile(`\d+`)
	unsafeNameRe  = regexp.MustCompile(`[^A-Za-z0-9 _()\-.]`)

	videoContainers = []string{"mp4", "mkv"}
	audioContainers = []string{"mp3", "m4a"}
)

var bestKeywords = map[string]bool{"best": true, "max": true, "highest": true}

// Normalize validates req and fills in defaults. The returned request is what
// the runner executes; errors are apperr validation errors.
func Normalize(req Request) (Request, error) {
	req.URL = strings.TrimSpace(req.URL)
	if err := ValidateURL(req.URL); err != nil {
		return req, err
	}

	req.Quality = strings.ToLower(strings.TrimSpace(req.Quality))
	req.Container = strings.ToLower(strings.TrimSpace(req.Container))

	// "audio" was the quality value of the three-button UI.
	if req.Quality == "audio" {
		req.Quality = DefaultAudioQuality
		if !isAudioContainer(req.Container) {
			req.Container = "mp3"
		}
	}

	if !isAudioContainer(req.Container) && !contains(videoContainers, req.Container) {
		req.Container = DefaultContainer
	}

	if req.Quality == "" {
		if isAudioContainer(req.Container) {
			req.Quality = DefaultAudioQuality
		} else {
			req.Quality = DefaultVideoQuality
		}
	}
	if !bestKeywords[req.Quality] && req.Quality != "4k" && req.Quality != "8k" && !digitsRe.MatchString(req.Quality) {
		return req, apperr.Validation(fmt.Sprintf("Unsupported quality %q.", req.Quality))
	}

	req.Filename = strings.TrimSpace(req.Filename)
	return req, nil
}

// ValidateURL accepts only http(s) links to YouTube.
func ValidateURL(raw string) error {
	if raw == "" {
		return apperr.Validation("Please provide a YouTube URL.")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return apperr.Validation("The URL must start with http:// or https://.")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return apperr.Validation("The URL is not valid.")
	}
	if !youtubeHostRe.MatchString(u.Host) {
		return apperr.Validation("Only YouTube links are supported in this app.")
	}
	return nil
}

// Mode reports what kind of output req produces.
func (r Request) Mode() Mode {
	switch {
	case r.Playlist:
		return ModePlaylist
	case isAudioContainer(r.Container):
		return ModeAudio
	default:
		return ModeVideo
	}
}

func (r Request) audioOnly() bool { return isAudioContainer(r.Container) }

// VideoID extracts the YouTube video id from a URL, or "" when the URL does
// not carry one (playlists, short test ids).
func VideoID(raw string) string {
	id, err := youtube.ExtractVideoID(raw)
	if err != nil {
		return ""
	}
	return id
}

// fallbackName names a download whose requested filename had nothing usable
// in it.
func fallbackName(url string) string {
	if id := VideoID(url); id != "" {
		return id
	}
	return "video"
}

// IsPlaylistURL reports whether the URL names a playlist rather than a
// single video.
func IsPlaylistURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Query().Get("list") != "" && (u.Query().Get("v") == "" || strings.Contains(u.Path, "playlist"))
}

// SanitizeFilename strips everything but a conservative character set.
// fallback is returned when nothing is left.
func SanitizeFilename(name, fallback string) string {
	safe := strings.TrimSpace(unsafeNameRe.ReplaceAllString(name, ""))
	safe = strings.Trim(safe, ".")
	if safe == "" {
		return fallback
	}
	return safe
}

// Height parses video quality labels like "720", "720p", "1080p60" and "4k".
// It returns 0 for "best" style keywords, meaning no cap.
func Height(quality string) int {
	q := strings.ToLower(quality)
	switch q {
	case "4k":
		return 2160
	case "8k":
		return 4320
	}
	if bestKeywords[q] {
		return 0
	}
	m := digitsRe.FindString(q)
	if m == "" {
		return 1080
	}
	h, _ := strconv.Atoi(m)
	return h
}

// formatSelector returns the yt-dlp -f expression for req.
func formatSelector(req Request) string {
	if req.audioOnly() {
		abr, best := audioBitrate(req.Quality)
		if best {
			return "bestaudio/best"
		}
		return fmt.Sprintf("bestaudio[abr<=%s][ext=m4a]/bestaudio[abr<=%s]/bestaudio/best", abr, abr)
	}
	h := Height(req.Quality)
	if h == 0 {
		return "bestvideo+bestaudio/best"
	}
	return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/bestvideo+bestaudio/best", h)
}

func audioBitrate(quality string) (string, bool) {
	if bestKeywords[quality] {
		return "", true
	}
	m := digitsRe.FindString(quality)
	if m == "" {
		return "", true
	}
	return m, false
}

// buildArgs assembles the yt-dlp command line for a download into workDir.
// Everything except the URL comes from validated input.
func (r *Runner) buildArgs(req Request, workDir string) []string {
	args := []string{"--newline", "--progress", "--no-warnings", "--no-mtime"}

	if req.Playlist {
		args = append(args, "--yes-playlist", "--ignore-errors",
			"-o", filepath.Join(workDir, "files", playlistTemplate))
	} else {
		name := fallbackTemplate
		if req.Filename != "" {
			name = SanitizeFilename(req.Filename, fallbackName(req.URL))
		}
		args = append(args, "--no-playlist", "-o", filepath.Join(workDir, name+".%(ext)s"))
	}

	args = append(args, "-f", formatSelector(req))
	if req.audioOnly() {
		args = append(args, "-x", "--audio-format", req.Container)
		if abr, best := audioBitrate(req.Quality); !best {
			args = append(args, "--audio-quality", abr+"K")
		}
	} else {
		args = append(args, "--merge-output-format", req.Container, "--remux-video", req.Container)
	}

	if r.cookieFile != "" {
		args = append(args, "--cookies", r.cookieFile)
	}
	if r.ffmpegBin != "" {
		args = append(args, "--ffmpeg-location", r.ffmpegBin)
	}
	args = append(args, r.extraArgs...)
	return append(args, "--", req.URL)
}

func isAudioContainer(c string) bool { return contains(audioContainers, c) }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
