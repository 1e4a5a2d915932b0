package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"ytweb/apperr"
	"ytweb/config"
	"ytweb/history"
	"ytweb/job"
	"ytweb/link"
	"ytweb/ytdlp"
)

// Extractor is what the handlers need from yt-dlp.
type Extractor interface {
	Download(ctx context.Context, req ytdlp.Request, workDir string, onProgress ytdlp.ProgressFunc) (ytdlp.Result, error)
	Formats(ctx context.Context, url string) (ytdlp.Formats, error)
	AudioFormats(ctx context.Context, url string) (ytdlp.Formats, error)
}

type Handler struct {
	cfg       *config.Config
	jobs      *job.Manager
	links     *link.Store
	history   *history.Log
	extractor Extractor
	limiter   *RateLimiter
}

func NewHandler(cfg *config.Config, jobs *job.Manager, links *link.Store, hist *history.Log, extractor Extractor) *Handler {
	return &Handler{
		cfg:       cfg,
		jobs:      jobs,
		links:     links,
		history:   hist,
		extractor: extractor,
		limiter:   NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}

// EvictIdleClients drops rate limit state for clients quiet for idle.
func (h *Handler) EvictIdleClients(idle time.Duration) int {
	return h.limiter.Evict(idle)
}

type DownloadRequest struct {
	URL       string `json:"url" form:"url"`
	Quality   string `json:"quality" form:"quality"`
	Container string `json:"container" form:"container"`
	Filename  string `json:"filename" form:"filename"`
	Playlist  bool   `json:"playlist" form:"playlist"`
}

func (r DownloadRequest) toRequest() ytdlp.Request {
	return ytdlp.Request{
		URL:       r.URL,
		Quality:   r.Quality,
		Container: r.Container,
		Filename:  r.Filename,
		Playlist:  r.Playlist,
	}
}

type FormatsRequest struct {
	URL string `json:"url" form:"url"`
}

type StatusResponse struct {
	JobID       string     `json:"job_id"`
	Status      job.Status `json:"status"`
	Progress    int        `json:"progress"`
	DownloadURL string     `json:"download_url,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type LinkResponse struct {
	Link      string    `json:"link"`
	Filename  string    `json:"filename"`
	ExpiresAt time.Time `json:"expires_at"`
}

// respondError writes err as {error, detail} with the status its kind maps to.
func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := apperr.Message(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("client", clientOf(c)).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "detail": msg})
}

func bindDownload(c *gin.Context) (ytdlp.Request, bool) {
	var body DownloadRequest
	if err := c.ShouldBind(&body); err != nil {
		respondError(c, apperr.Validation("Invalid request body."))
		return ytdlp.Request{}, false
	}
	req, err := ytdlp.Normalize(body.toRequest())
	if err != nil {
		respondError(c, err)
		return ytdlp.Request{}, false
	}
	return req, true
}

// handleCreateJob queues a background download and returns its id.
func (h *Handler) handleCreateJob(c *gin.Context) {
	req, ok := bindDownload(c)
	if !ok {
		return
	}

	j, err := h.jobs.Create(clientOf(c), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": j.ID})
}

func (h *Handler) statusOf(j job.Job) StatusResponse {
	resp := StatusResponse{
		JobID:    j.ID,
		Status:   j.Status,
		Progress: j.Progress,
		Error:    j.Error,
	}
	if j.Status == job.StatusCompleted {
		resp.Filename = j.Filename
		if j.Token != "" {
			resp.DownloadURL = link.URL(h.cfg.BaseURL, j.Token)
		}
	}
	return resp
}

// handleJobStatus reports the state of one job.
func (h *Handler) handleJobStatus(c *gin.Context) {
	j, err := h.jobs.Get(c.Param("job_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.statusOf(j))
}

// handleListJobs lists all known jobs, newest first.
func (h *Handler) handleListJobs(c *gin.Context) {
	jobs := h.jobs.List()
	out := make([]StatusResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, h.statusOf(j))
	}
	c.JSON(http.StatusOK, out)
}

// prepare runs a synchronous download under the client's single download
// slot and returns a link for the result.
func (h *Handler) prepare(c *gin.Context, req ytdlp.Request) (link.Link, bool) {
	release, err := h.jobs.Hold(clientOf(c))
	if err != nil {
		respondError(c, err)
		return link.Link{}, false
	}
	defer release()

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.JobTimeout)
	defer cancel()

	l, err := h.links.Prepare(ctx, h.extractor, req)
	if err != nil {
		respondError(c, err)
		return link.Link{}, false
	}
	return l, true
}

// handleStream downloads synchronously and sends the file in the response.
// Nothing is left on disk afterwards.
func (h *Handler) handleStream(c *gin.Context) {
	req, ok := bindDownload(c)
	if !ok {
		return
	}
	l, ok := h.prepare(c, req)
	if !ok {
		return
	}

	lease, err := h.links.Resolve(l.Token)
	if err != nil {
		respondError(c, err)
		return
	}
	defer lease.Release()

	h.record(req, lease.Filename, "")
	c.FileAttachment(lease.FilePath, lease.Filename)
}

// handleCreateLink downloads synchronously and returns a one-time link.
func (h *Handler) handleCreateLink(c *gin.Context) {
	req, ok := bindDownload(c)
	if !ok {
		return
	}
	l, ok := h.prepare(c, req)
	if !ok {
		return
	}

	url := link.URL(h.cfg.BaseURL, l.Token)
	h.record(req, l.Filename, url)
	c.JSON(http.StatusOK, LinkResponse{
		Link:      url,
		Filename:  l.Filename,
		ExpiresAt: h.links.ExpiresAt(l),
	})
}

// handleFetchLink serves a prepared file once, then deletes it.
func (h *Handler) handleFetchLink(c *gin.Context) {
	lease, err := h.links.Resolve(c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer lease.Release()

	// The sweeper or an operator may have removed the file under a live token.
	if _, err := os.Stat(lease.FilePath); err != nil {
		respondError(c, apperr.Expired("This file is no longer available."))
		return
	}
	c.FileAttachment(lease.FilePath, lease.Filename)
}

func (h *Handler) handleFormats(c *gin.Context) {
	h.listFormats(c, h.extractor.Formats)
}

func (h *Handler) handleAudioFormats(c *gin.Context) {
	h.listFormats(c, h.extractor.AudioFormats)
}

func (h *Handler) listFormats(c *gin.Context, list func(context.Context, string) (ytdlp.Formats, error)) {
	var body FormatsRequest
	if err := c.ShouldBind(&body); err != nil {
		respondError(c, apperr.Validation("Invalid request body."))
		return
	}
	if err := ytdlp.ValidateURL(body.URL); err != nil {
		respondError(c, err)
		return
	}

	formats, err := list(c.Request.Context(), body.URL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, formats)
}

func (h *Handler) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.history.List()})
}

func (h *Handler) record(req ytdlp.Request, filename, url string) {
	h.history.Record(history.Entry{
		Filename:  filename,
		Quality:   req.Quality,
		Container: req.Container,
		Mode:      string(req.Mode()),
		Link:      url,
	})
}
