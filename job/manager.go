// Package job runs downloads in the background and tracks their status for
// polling clients.
package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"

	"ytweb/apperr"
	"ytweb/config"
	"ytweb/history"
	"ytweb/link"
	"ytweb/ytdlp"
)

// Fetcher downloads and merges one request into workDir.
type Fetcher interface {
	Download(ctx context.Context, req ytdlp.Request, workDir string, onProgress ytdlp.ProgressFunc) (ytdlp.Result, error)
}

type record struct {
	mu  sync.Mutex
	job Job
}

type Manager struct {
	cfg            *config.Config
	jobs           sync.Map // id -> *record
	jobQueue       chan *record
	concurrencySem chan struct{}
	runner         Fetcher
	links          *link.Store
	history        *history.Log

	ownersMu sync.Mutex
	owners   map[string]string // client key -> id of its active job

	wg  sync.WaitGroup
	now func() time.Time
}

// NewManager wires the store to its collaborators. links and hist may be nil,
// in which case completed jobs get no download link or history entry.
func NewManager(cfg *config.Config, runner Fetcher, links *link.Store, hist *history.Log) (*Manager, error) {
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be at least 1, got %d", cfg.MaxConcurrency)
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	return &Manager{
		cfg:            cfg,
		jobQueue:       make(chan *record, queueSize),
		concurrencySem: make(chan struct{}, cfg.MaxConcurrency),
		runner:         runner,
		links:          links,
		history:        hist,
		owners:         make(map[string]string),
		now:            time.Now,
	}, nil
}

func (m *Manager) Start(ctx context.Context) {
	log.Info().Int("concurrency", m.cfg.MaxConcurrency).Msg("job manager started")
	go m.workerLoop(ctx)
}

// Wait blocks until every running job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// workerLoop pulls jobs from the queue and runs each once a slot is free.
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("job worker loop shutting down")
			return
		case rec := <-m.jobQueue:
			select {
			case m.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			m.wg.Add(1)
			go func(r *record) {
				defer m.wg.Done()
				defer func() { <-m.concurrencySem }()
				m.process(ctx, r)
			}(rec)
		}
	}
}

// Create validates req and queues a job for it. A client with a job still in
// flight gets Conflict; a full queue gives Busy.
func (m *Manager) Create(owner string, req ytdlp.Request) (Job, error) {
	req, err := ytdlp.Normalize(req)
	if err != nil {
		return Job{}, err
	}

	now := m.now()
	id := fmt.Sprintf("%s_%d", shortuuid.New(), now.Unix())
	rec := &record{job: Job{
		ID:        id,
		Owner:     owner,
		Request:   req,
		Status:    StatusQueued,
		WorkDir:   filepath.Join(m.cfg.DownloadDir, "job-"+id),
		CreatedAt: now,
		UpdatedAt: now,
	}}

	m.ownersMu.Lock()
	defer m.ownersMu.Unlock()

	if active, ok := m.owners[owner]; ok {
		log.Debug().Str("client", owner).Str("job_id", active).Msg("rejected second active job")
		return Job{}, apperr.Conflict("Finish the current download first.")
	}

	m.jobs.Store(id, rec)
	select {
	case m.jobQueue <- rec:
	default:
		m.jobs.Delete(id)
		return Job{}, apperr.Busy("The server is busy. Try again in a moment.")
	}
	m.owners[owner] = id

	log.Info().Str("job_id", id).Str("client", owner).Str("video_id", ytdlp.VideoID(req.URL)).
		Str("quality", req.Quality).Str("container", req.Container).Msg("job queued")
	return rec.snapshot(), nil
}

// Hold marks owner busy for a download that runs outside the queue, such as
// a direct stream. It fails with Conflict like Create does. The returned
// func frees the client again.
func (m *Manager) Hold(owner string) (func(), error) {
	token := "sync-" + shortuuid.New()

	m.ownersMu.Lock()
	defer m.ownersMu.Unlock()
	if _, ok := m.owners[owner]; ok {
		return nil, apperr.Conflict("Finish the current download first.")
	}
	m.owners[owner] = token

	var once sync.Once
	return func() {
		once.Do(func() {
			m.ownersMu.Lock()
			if m.owners[owner] == token {
				delete(m.owners, owner)
			}
			m.ownersMu.Unlock()
		})
	}, nil
}

// Get returns a snapshot of the job, or NotFound.
func (m *Manager) Get(id string) (Job, error) {
	val, ok := m.jobs.Load(id)
	if !ok {
		return Job{}, apperr.NotFound("Job not found.")
	}
	return val.(*record).snapshot(), nil
}

// List returns snapshots of every known job, newest first.
func (m *Manager) List() []Job {
	var jobList []Job
	m.jobs.Range(func(_, value any) bool {
		jobList = append(jobList, value.(*record).snapshot())
		return true
	})
	sort.Slice(jobList, func(i, j int) bool {
		return jobList[i].CreatedAt.After(jobList[j].CreatedAt)
	})
	return jobList
}

// Advance moves a running job forward. It never moves a job backwards: a
// lower stage or percentage is ignored. It reports false once the job is
// terminal. Terminal states are only reached through the worker.
func (m *Manager) Advance(id string, status Status, progress int) bool {
	if status.Terminal() {
		return false
	}
	val, ok := m.jobs.Load(id)
	if !ok {
		return false
	}
	rec := val.(*record)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.Status.Terminal() {
		return false
	}
	if status.rank() > rec.job.Status.rank() {
		rec.job.Status = status
	}
	if progress > 99 {
		progress = 99
	}
	if progress > rec.job.Progress {
		rec.job.Progress = progress
	}
	rec.job.UpdatedAt = m.now()
	return true
}

// InUse reports whether path belongs to a job that has not finished yet.
func (m *Manager) InUse(path string) bool {
	busy := false
	m.jobs.Range(func(_, value any) bool {
		j := value.(*record).snapshot()
		if !j.Status.Terminal() && link.Overlaps(j.WorkDir, path) {
			busy = true
			return false
		}
		return true
	})
	return busy
}

// Prune forgets terminal jobs last updated more than olderThan ago.
func (m *Manager) Prune(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)
	removed := 0
	m.jobs.Range(func(key, value any) bool {
		j := value.(*record).snapshot()
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			m.jobs.Delete(key)
			removed++
			log.Debug().Str("job_id", j.ID).Msg("pruned stale job")
		}
		return true
	})
	return removed
}

// process runs one job. It is the only writer of the job's terminal state.
func (m *Manager) process(parentCtx context.Context, rec *record) {
	j := rec.snapshot()
	logger := log.With().Str("job_id", j.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("job worker panicked")
			m.fail(rec, "An unexpected error occurred.")
		}
	}()

	ctx, cancel := context.WithTimeout(parentCtx, m.cfg.JobTimeout)
	defer cancel()

	logger.Info().Msg("processing job")
	m.Advance(j.ID, StatusDownloading, 0)

	res, err := m.runner.Download(ctx, j.Request, j.WorkDir, func(stage ytdlp.Stage, pct int) {
		status := StatusDownloading
		if stage == ytdlp.StageMerging {
			status = StatusMerging
		}
		m.Advance(j.ID, status, pct)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("job failed")
		if rmErr := os.RemoveAll(j.WorkDir); rmErr != nil {
			logger.Warn().Err(rmErr).Str("path", j.WorkDir).Msg("could not remove work dir")
		}
		m.fail(rec, apperr.Message(err))
		return
	}

	var token string
	if m.links != nil {
		token = m.links.Issue(res.Path, res.Filename, j.WorkDir).Token
	}
	if m.history != nil {
		entry := history.Entry{
			Filename:  res.Filename,
			Quality:   j.Request.Quality,
			Container: j.Request.Container,
			Mode:      string(j.Request.Mode()),
		}
		if token != "" {
			entry.Link = link.URL(m.cfg.BaseURL, token)
		}
		m.history.Record(entry)
	}

	if m.complete(rec, res, token) {
		logger.Info().Str("path", res.Path).Int64("size", res.Size).Msg("job completed")
	}
}

func (m *Manager) complete(rec *record, res ytdlp.Result, token string) bool {
	return m.finish(rec, func(j *Job) {
		j.Status = StatusCompleted
		j.Progress = 100
		j.ResultPath = res.Path
		j.Filename = res.Filename
		j.Token = token
	})
}

func (m *Manager) fail(rec *record, msg string) bool {
	return m.finish(rec, func(j *Job) {
		j.Status = StatusError
		j.Error = msg
	})
}

// finish applies the single terminal transition and frees the owner's slot.
func (m *Manager) finish(rec *record, apply func(*Job)) bool {
	rec.mu.Lock()
	if rec.job.Status.Terminal() {
		rec.mu.Unlock()
		return false
	}
	apply(&rec.job)
	rec.job.UpdatedAt = m.now()
	id, owner := rec.job.ID, rec.job.Owner
	rec.mu.Unlock()

	m.ownersMu.Lock()
	if m.owners[owner] == id {
		delete(m.owners, owner)
	}
	m.ownersMu.Unlock()
	return true
}

func (r *record) snapshot() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}
