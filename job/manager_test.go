package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytweb/apperr"
	"ytweb/config"
	"ytweb/history"
	"ytweb/link"
	"ytweb/ytdlp"
)

// mockRunner is a Fetcher whose behaviour each test supplies.
type mockRunner struct {
	downloadFunc func(ctx context.Context, req ytdlp.Request, workDir string, onProgress ytdlp.ProgressFunc) (ytdlp.Result, error)
}

func (m *mockRunner) Download(ctx context.Context, req ytdlp.Request, workDir string, onProgress ytdlp.ProgressFunc) (ytdlp.Result, error) {
	if m.downloadFunc != nil {
		return m.downloadFunc(ctx, req, workDir, onProgress)
	}
	return writeResult(workDir, "video.mp4")
}

func writeResult(workDir, name string) (ytdlp.Result, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return ytdlp.Result{}, err
	}
	p := filepath.Join(workDir, name)
	if err := os.WriteFile(p, []byte("media"), 0o644); err != nil {
		return ytdlp.Result{}, err
	}
	return ytdlp.Result{Path: p, Filename: name, Size: 5}, nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DownloadDir:    t.TempDir(),
		MaxConcurrency: 1,
		QueueSize:      8,
		JobTimeout:     10 * time.Second,
		FileRetention:  time.Hour,
	}
}

var videoReq = ytdlp.Request{URL: "https://youtu.be/abc", Quality: "720"}

func waitTerminal(t *testing.T, mgr *Manager, id string) Job {
	t.Helper()
	var j Job
	require.Eventually(t, func() bool {
		got, err := mgr.Get(id)
		if err != nil {
			return false
		}
		j = got
		return j.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return j
}

func TestManager_Create(t *testing.T) {
	mgr, err := NewManager(testConfig(t), &mockRunner{}, nil, nil)
	require.NoError(t, err)

	j, err := mgr.Create("client-a", videoReq)
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 0, j.Progress)
	assert.Equal(t, "mp4", j.Request.Container)

	got, err := mgr.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Empty(t, got.ResultPath)
	assert.Empty(t, got.Error)
}

func TestManager_CreateValidation(t *testing.T) {
	mgr, err := NewManager(testConfig(t), &mockRunner{}, nil, nil)
	require.NoError(t, err)

	_, err = mgr.Create("client-a", ytdlp.Request{URL: ""})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = mgr.Create("client-a", ytdlp.Request{URL: "https://example.com/watch?v=1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Empty(t, mgr.List(), "rejected requests never enter the store")
}

func TestManager_GetUnknown(t *testing.T) {
	mgr, err := NewManager(testConfig(t), &mockRunner{}, nil, nil)
	require.NoError(t, err)

	_, err = mgr.Get("missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestManager_OneActiveJobPerClient(t *testing.T) {
	release := make(chan struct{})
	runner := &mockRunner{
		downloadFunc: func(ctx context.Context, req ytdlp.Request, workDir string, _ ytdlp.ProgressFunc) (ytdlp.Result, error) {
			<-release
			return writeResult(workDir, "video.mp4")
		},
	}
	mgr, err := NewManager(testConfig(t), runner, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	first, err := mgr.Create("client-a", videoReq)
	require.NoError(t, err)

	_, err = mgr.Create("client-a", videoReq)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Len(t, mgr.List(), 1)

	other, err := mgr.Create("client-b", videoReq)
	require.NoError(t, err, "another client is not blocked")

	close(release)
	waitTerminal(t, mgr, first.ID)
	waitTerminal(t, mgr, other.ID)

	_, err = mgr.Create("client-a", videoReq)
	assert.NoError(t, err, "a finished job frees the client")
}

func TestManager_QueueFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueSize = 1
	mgr, err := NewManager(cfg, &mockRunner{}, nil, nil)
	require.NoError(t, err)

	// Not started, so nothing drains the queue.
	_, err = mgr.Create("client-a", videoReq)
	require.NoError(t, err)
	_, err = mgr.Create("client-b", videoReq)
	assert.ErrorIs(t, err, apperr.ErrBusy)
	assert.Len(t, mgr.List(), 1)

	_, err = mgr.Create("client-b", videoReq)
	assert.ErrorIs(t, err, apperr.ErrBusy, "a busy rejection does not mark the client active")
}

func TestManager_ProcessJob(t *testing.T) {
	t.Run("successful processing", func(t *testing.T) {
		cfg := testConfig(t)
		links := link.NewStore(cfg.DownloadDir, 30*time.Minute)
		hist := history.New()
		runner := &mockRunner{
			downloadFunc: func(ctx context.Context, req ytdlp.Request, workDir string, onProgress ytdlp.ProgressFunc) (ytdlp.Result, error) {
				onProgress(ytdlp.StageDownloading, 10)
				onProgress(ytdlp.StageDownloading, 60)
				onProgress(ytdlp.StageMerging, 99)
				return writeResult(workDir, "video.mp4")
			},
		}
		mgr, err := NewManager(cfg, runner, links, hist)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		j, err := mgr.Create("client-a", videoReq)
		require.NoError(t, err)

		done := waitTerminal(t, mgr, j.ID)
		assert.Equal(t, StatusCompleted, done.Status)
		assert.Equal(t, 100, done.Progress)
		assert.Equal(t, "video.mp4", done.Filename)
		assert.FileExists(t, done.ResultPath)
		assert.Empty(t, done.Error)
		require.NotEmpty(t, done.Token)

		l, ok := links.Peek(done.Token)
		require.True(t, ok)
		assert.Equal(t, done.ResultPath, l.FilePath)

		items := hist.List()
		require.Len(t, items, 1)
		assert.Equal(t, "video.mp4", items[0].Filename)
		assert.Equal(t, "720", items[0].Quality)
		assert.Equal(t, "video", items[0].Mode)
		assert.Equal(t, "/api/link/"+done.Token, items[0].Link)
	})

	t.Run("failed processing", func(t *testing.T) {
		cfg := testConfig(t)
		var workDir string
		runner := &mockRunner{
			downloadFunc: func(ctx context.Context, req ytdlp.Request, dir string, _ ytdlp.ProgressFunc) (ytdlp.Result, error) {
				workDir = dir
				require.NoError(t, os.MkdirAll(dir, 0o755))
				return ytdlp.Result{}, apperr.Upstream("This video is private.", errors.New("exit status 1"))
			},
		}
		hist := history.New()
		mgr, err := NewManager(cfg, runner, nil, hist)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		j, err := mgr.Create("client-a", videoReq)
		require.NoError(t, err)

		done := waitTerminal(t, mgr, j.ID)
		assert.Equal(t, StatusError, done.Status)
		assert.Equal(t, "This video is private.", done.Error)
		assert.Empty(t, done.ResultPath)
		assert.NoDirExists(t, workDir)
		assert.Zero(t, hist.Len())
	})

	t.Run("unexpected errors are reported generically", func(t *testing.T) {
		runner := &mockRunner{
			downloadFunc: func(context.Context, ytdlp.Request, string, ytdlp.ProgressFunc) (ytdlp.Result, error) {
				return ytdlp.Result{}, errors.New("open /secret/path: permission denied")
			},
		}
		mgr, err := NewManager(testConfig(t), runner, nil, nil)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		j, err := mgr.Create("client-a", videoReq)
		require.NoError(t, err)
		done := waitTerminal(t, mgr, j.ID)
		assert.Equal(t, "An unexpected error occurred.", done.Error)
	})

	t.Run("panic in worker becomes an error", func(t *testing.T) {
		runner := &mockRunner{
			downloadFunc: func(context.Context, ytdlp.Request, string, ytdlp.ProgressFunc) (ytdlp.Result, error) {
				panic("boom")
			},
		}
		mgr, err := NewManager(testConfig(t), runner, nil, nil)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		j, err := mgr.Create("client-a", videoReq)
		require.NoError(t, err)
		done := waitTerminal(t, mgr, j.ID)
		assert.Equal(t, StatusError, done.Status)
		assert.Equal(t, "An unexpected error occurred.", done.Error)

		_, err = mgr.Create("client-a", videoReq)
		assert.NoError(t, err)
	})
}

func TestManager_Advance(t *testing.T) {
	mgr, err := NewManager(testConfig(t), &mockRunner{}, nil, nil)
	require.NoError(t, err)
	j, err := mgr.Create("client-a", videoReq)
	require.NoError(t, err)

	assert.True(t, mgr.Advance(j.ID, StatusDownloading, 40))
	assert.True(t, mgr.Advance(j.ID, StatusDownloading, 20))
	got, _ := mgr.Get(j.ID)
	assert.Equal(t, 40, got.Progress, "progress never decreases")

	assert.True(t, mgr.Advance(j.ID, StatusMerging, 99))
	assert.True(t, mgr.Advance(j.ID, StatusDownloading, 100))
	got, _ = mgr.Get(j.ID)
	assert.Equal(t, StatusMerging, got.Status, "stage never goes back")
	assert.Equal(t, 99, got.Progress, "only completion reaches 100")

	assert.False(t, mgr.Advance(j.ID, StatusCompleted, 100), "terminal states are set by the worker only")
	assert.False(t, mgr.Advance("missing", StatusDownloading, 1))

	val, _ := mgr.jobs.Load(j.ID)
	require.True(t, mgr.fail(val.(*record), "stopped"))
	assert.False(t, mgr.fail(val.(*record), "again"), "only one terminal transition")
	assert.False(t, mgr.complete(val.(*record), ytdlp.Result{Path: "/x"}, ""))
	assert.False(t, mgr.Advance(j.ID, StatusMerging, 99))

	got, _ = mgr.Get(j.ID)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "stopped", got.Error)
	assert.Empty(t, got.ResultPath)
}

func TestManager_ProgressInvariant(t *testing.T) {
	var observed []Job

	step := make(chan struct{})
	runner := &mockRunner{
		downloadFunc: func(ctx context.Context, req ytdlp.Request, workDir string, onProgress ytdlp.ProgressFunc) (ytdlp.Result, error) {
			for _, p := range []int{5, 30, 25, 70, 99} {
				onProgress(ytdlp.StageDownloading, p)
				step <- struct{}{}
			}
			onProgress(ytdlp.StageMerging, 99)
			return writeResult(workDir, "video.mp4")
		},
	}
	mgr, err := NewManager(testConfig(t), runner, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	j, err := mgr.Create("client-a", videoReq)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		<-step
		snap, _ := mgr.Get(j.ID)
		observed = append(observed, snap)
	}
	observed = append(observed, waitTerminal(t, mgr, j.ID))

	last := -1
	for _, s := range observed {
		assert.GreaterOrEqual(t, s.Progress, last)
		last = s.Progress
		if s.Status.Terminal() {
			assert.True(t, (s.ResultPath != "") != (s.Error != ""), "exactly one terminal field")
		} else {
			assert.Empty(t, s.ResultPath)
			assert.Empty(t, s.Error)
		}
	}
	assert.Equal(t, 100, last)
}

func TestManager_InUseAndPrune(t *testing.T) {
	release := make(chan struct{})
	runner := &mockRunner{
		downloadFunc: func(ctx context.Context, req ytdlp.Request, workDir string, _ ytdlp.ProgressFunc) (ytdlp.Result, error) {
			<-release
			return writeResult(workDir, "video.mp4")
		},
	}
	mgr, err := NewManager(testConfig(t), runner, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	j, err := mgr.Create("client-a", videoReq)
	require.NoError(t, err)
	assert.True(t, mgr.InUse(j.WorkDir))
	assert.True(t, mgr.InUse(filepath.Join(j.WorkDir, "video.mp4")))
	assert.False(t, mgr.InUse(filepath.Join(filepath.Dir(j.WorkDir), "elsewhere")))

	assert.Zero(t, mgr.Prune(0), "running jobs are never pruned")

	close(release)
	waitTerminal(t, mgr, j.ID)
	assert.False(t, mgr.InUse(j.WorkDir))

	assert.Zero(t, mgr.Prune(time.Hour))
	mgr.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, mgr.Prune(time.Hour))

	_, err = mgr.Get(j.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestManager_ListNewestFirst(t *testing.T) {
	mgr, err := NewManager(testConfig(t), &mockRunner{}, nil, nil)
	require.NoError(t, err)
	base := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	mgr.now = func() time.Time { return base }
	a, err := mgr.Create("client-a", videoReq)
	require.NoError(t, err)
	mgr.now = func() time.Time { return base.Add(time.Minute) }
	b, err := mgr.Create("client-b", videoReq)
	require.NoError(t, err)

	list := mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)
}

func TestNewManager_RejectsZeroConcurrency(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrency = 0
	_, err := NewManager(cfg, &mockRunner{}, nil, nil)
	assert.Error(t, err)
}

func TestManager_Hold(t *testing.T) {
	mgr, err := NewManager(testConfig(t), &mockRunner{}, nil, nil)
	require.NoError(t, err)

	release, err := mgr.Hold("client-a")
	require.NoError(t, err)

	_, err = mgr.Hold("client-a")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = mgr.Create("client-a", videoReq)
	assert.ErrorIs(t, err, apperr.ErrConflict, "a held client cannot queue a job either")

	release()
	release()

	_, err = mgr.Create("client-a", videoReq)
	require.NoError(t, err)
	_, err = mgr.Hold("client-a")
	assert.ErrorIs(t, err, apperr.ErrConflict, "a queued job blocks a direct download")
}
