package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"ytweb/apperr"
	"ytweb/config"
)

// Runner drives the yt-dlp binary, which in turn drives ffmpeg for merging
// and audio extraction.
type Runner struct {
	bin        string
	ffmpegBin  string
	cookieFile string
	extraArgs  []string

	downloadDir      string
	throttleCPU      float64
	throttleFreeMem  int64
	throttleFreeDisk int64
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	if _, err := exec.LookPath(cfg.YtDlpBin); err != nil {
		return nil, fmt.Errorf("yt-dlp binary not found or not in PATH: %s", cfg.YtDlpBin)
	}
	if cfg.FFmpegBin != "" {
		if _, err := exec.LookPath(cfg.FFmpegBin); err != nil {
			return nil, fmt.Errorf("ffmpeg binary not found: %s", cfg.FFmpegBin)
		}
	}

	extra, err := SplitExtraArgs(cfg.ExtraArgs)
	if err != nil {
		return nil, err
	}

	cookieFile, err := resolveCookies(cfg.Cookies)
	if err != nil {
		return nil, err
	}

	return &Runner{
		bin:              cfg.YtDlpBin,
		ffmpegBin:        cfg.FFmpegBin,
		cookieFile:       cookieFile,
		extraArgs:        extra,
		downloadDir:      cfg.DownloadDir,
		throttleCPU:      cfg.ThrottleCPU,
		throttleFreeMem:  cfg.ThrottleFreeMem,
		throttleFreeDisk: cfg.ThrottleFreeDisk,
	}, nil
}

// resolveCookies accepts either a path to a cookies.txt file or the raw file
// contents. Raw contents are written to a temp file once.
func resolveCookies(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if info, err := os.Stat(value); err == nil && !info.IsDir() {
		return value, nil
	}
	f, err := os.CreateTemp("", "yt_cookies_*.txt")
	if err != nil {
		return "", fmt.Errorf("could not persist cookies: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(value + "\n"); err != nil {
		return "", fmt.Errorf("could not persist cookies: %w", err)
	}
	log.Info().Str("path", f.Name()).Msg("wrote cookies from environment to temp file")
	return f.Name(), nil
}

// Download runs yt-dlp for req, writing into workDir, and returns the merged
// file. workDir is created if needed and left in place; the caller owns it.
func (r *Runner) Download(ctx context.Context, req Request, workDir string, onProgress ProgressFunc) (Result, error) {
	if err := r.checkResources(); err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Result{}, apperr.IO("Could not prepare the download directory.", err)
	}

	args := r.buildArgs(req, workDir)
	cmd := exec.CommandContext(ctx, r.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, apperr.IO("Could not start the downloader.", err)
	}
	cmd.Stderr = cmd.Stdout

	log.Debug().Str("bin", r.bin).Strs("args", args).Msg("starting yt-dlp")
	if err := cmd.Start(); err != nil {
		return Result{}, apperr.Upstream("Could not start the downloader.", err)
	}

	tracker := newProgressTracker(req, onProgress)
	var lastError string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		log.Trace().Str("ytdlp", line).Msg("yt-dlp output")
		tracker.feed(line)
		if strings.HasPrefix(line, "ERROR:") {
			lastError = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Result{}, apperr.Upstream("The download took too long and was stopped.", ctx.Err())
		}
		// With --ignore-errors a playlist exits non-zero when any entry
		// failed; keep whatever did download.
		if !req.Playlist || !hasFiles(filepath.Join(workDir, "files")) {
			return Result{}, apperr.Upstream(describeFailure(lastError), err)
		}
		log.Warn().Str("error", lastError).Msg("playlist finished with failed entries")
	}

	var path string
	if req.Playlist {
		name := SanitizeFilename(req.Filename, "playlist") + ".zip"
		path = filepath.Join(workDir, name)
		if err := zipDir(filepath.Join(workDir, "files"), path); err != nil {
			return Result{}, apperr.IO("Playlist archive not created.", err)
		}
	} else {
		path = latestFile(workDir)
		if path == "" {
			return Result{}, apperr.Upstream("Merged output not found.", nil)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, apperr.IO("Merged output not readable.", err)
	}
	if info.Size() == 0 {
		return Result{}, apperr.Upstream("Generated file is empty.", nil)
	}

	return Result{Path: path, Filename: filepath.Base(path), Size: info.Size()}, nil
}

// Formats lists the video heights available for url.
func (r *Runner) Formats(ctx context.Context, url string) (Formats, error) {
	info, err := r.probe(ctx, url)
	if err != nil {
		return Formats{}, err
	}
	seen := map[int]bool{}
	for _, f := range info.Formats {
		if f.Height > 0 && f.VCodec != "" && f.VCodec != "none" {
			seen[int(f.Height)] = true
		}
	}
	return Formats{
		Qualities:  sortedDesc(seen),
		Containers: append([]string(nil), videoContainers...),
		Meta:       info.meta(),
	}, nil
}

// AudioFormats lists the audio bitrates (kbps) available for url.
func (r *Runner) AudioFormats(ctx context.Context, url string) (Formats, error) {
	info, err := r.probe(ctx, url)
	if err != nil {
		return Formats{}, err
	}
	seen := map[int]bool{}
	for _, f := range info.Formats {
		if f.ABR > 0 && f.ACodec != "" && f.ACodec != "none" {
			seen[int(math.Round(f.ABR))] = true
		}
	}
	return Formats{
		Qualities:  sortedDesc(seen),
		Containers: append([]string(nil), audioContainers...),
		Meta:       info.meta(),
	}, nil
}

func (r *Runner) probe(ctx context.Context, url string) (*infoJSON, error) {
	if err := ValidateURL(url); err != nil {
		return nil, err
	}
	args := []string{"--dump-single-json", "--no-playlist", "--no-warnings", "--skip-download"}
	if r.cookieFile != "" {
		args = append(args, "--cookies", r.cookieFile)
	}
	args = append(args, "--", url)

	cmd := exec.CommandContext(ctx, r.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, apperr.Upstream("Could not fetch formats: "+describeFailure(lastErrorLine(stderr.String())), err)
	}

	var info infoJSON
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, apperr.Upstream("Could not parse format list.", err)
	}
	return &info, nil
}

func (i *infoJSON) meta() Meta {
	m := Meta{Title: i.Title, Thumbnail: i.Thumbnail}
	if m.Thumbnail == "" && len(i.Thumbnails) > 0 {
		m.Thumbnail = i.Thumbnails[len(i.Thumbnails)-1].URL
	}
	return m
}

func lastErrorLine(output string) string {
	var last string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ERROR:") {
			last = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	return last
}

func sortedDesc(set map[int]bool) []string {
	values := make([]int, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(values)))
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strconv.Itoa(v))
	}
	return out
}

// latestFile returns the most recently modified finished file in dir,
// skipping yt-dlp's partial and intermediate files.
func latestFile(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestInfo os.FileInfo
	for _, e := range entries {
		if e.IsDir() || isPartial(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if bestInfo == nil || info.ModTime().After(bestInfo.ModTime()) {
			best, bestInfo = filepath.Join(dir, e.Name()), info
		}
	}
	return best
}

func isPartial(name string) bool {
	for _, suffix := range []string{".part", ".ytdl", ".temp"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return strings.Contains(name, ".part-Frag")
}

func hasFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && !isPartial(e.Name()) {
			return true
		}
	}
	return false
}
