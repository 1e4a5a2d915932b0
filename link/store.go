// Package link hands out one-time download tokens for prepared files.
package link

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"

	"ytweb/apperr"
	"ytweb/ytdlp"
)

// DefaultTTL is how long an unfetched link stays valid.
const DefaultTTL = 30 * time.Minute

// Downloader produces the file a link points at.
type Downloader interface {
	Download(ctx context.Context, req ytdlp.Request, workDir string, onProgress ytdlp.ProgressFunc) (ytdlp.Result, error)
}

type Link struct {
	Token     string    `json:"token"`
	FilePath  string    `json:"-"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
	// WorkDir, when set, is removed together with the file.
	WorkDir string `json:"-"`
}

// Store maps tokens to prepared files. A token resolves at most once; after
// that, or once the TTL has passed, the file is deleted.
type Store struct {
	mu     sync.Mutex
	links  map[string]Link
	leases map[string]Link // resolved links whose file is still being served
	// work dirs of downloads still running under Prepare
	pending map[string]struct{}
	dir     string
	ttl     time.Duration
	now     func() time.Time
}

func NewStore(dir string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		links:   make(map[string]Link),
		leases:  make(map[string]Link),
		pending: make(map[string]struct{}),
		dir:     dir,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *Store) TTL() time.Duration { return s.ttl }

// URL is the public address of token's fetch endpoint. An empty base gives a
// relative path.
func URL(base, token string) string {
	return strings.TrimRight(base, "/") + "/api/link/" + token
}

// ExpiresAt is the last instant l can be resolved.
func (s *Store) ExpiresAt(l Link) time.Time { return l.CreatedAt.Add(s.ttl) }

// Prepare runs a download into a fresh work directory and issues a token for
// the result. The work directory is removed if the download fails, and is
// reported by InUse for as long as the download runs.
func (s *Store) Prepare(ctx context.Context, d Downloader, req ytdlp.Request) (Link, error) {
	workDir := filepath.Join(s.dir, "link-"+shortuuid.New())

	s.mu.Lock()
	s.pending[workDir] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, workDir)
		s.mu.Unlock()
	}()

	res, err := d.Download(ctx, req, workDir, nil)
	if err != nil {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", workDir).Msg("could not remove failed link work dir")
		}
		return Link{}, err
	}
	return s.Issue(res.Path, res.Filename, workDir), nil
}

// Issue registers an already prepared file and returns its link.
func (s *Store) Issue(filePath, filename, workDir string) Link {
	l := Link{
		Token:     shortuuid.New(),
		FilePath:  filePath,
		Filename:  filename,
		CreatedAt: s.now(),
		WorkDir:   workDir,
	}

	s.mu.Lock()
	s.links[l.Token] = l
	s.mu.Unlock()

	log.Debug().Str("token", l.Token).Str("path", filePath).Msg("link issued")
	return l
}

// Resolve consumes token. Exactly one caller wins for a given token; every
// other caller gets NotFound. An expired token is deleted along with its file
// and reported as Expired. The winner must call Release on the lease once
// the file has been served.
func (s *Store) Resolve(token string) (*Lease, error) {
	s.mu.Lock()
	l, ok := s.links[token]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFound("This link is invalid or has already been used.")
	}
	delete(s.links, token)

	if s.now().Sub(l.CreatedAt) > s.ttl {
		s.mu.Unlock()
		removeFiles(l)
		log.Debug().Str("token", token).Msg("link expired on access")
		return nil, apperr.Expired("This link has expired.")
	}
	s.leases[token] = l
	s.mu.Unlock()

	return &Lease{Link: l, store: s}, nil
}

// Peek reports the link for token without consuming it.
func (s *Store) Peek(token string) (Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[token]
	return l, ok
}

// PurgeExpired removes every expired, unfetched link and its file.
func (s *Store) PurgeExpired() int {
	now := s.now()
	var expired []Link

	s.mu.Lock()
	for token, l := range s.links {
		if now.Sub(l.CreatedAt) > s.ttl {
			expired = append(expired, l)
			delete(s.links, token)
		}
	}
	s.mu.Unlock()

	for _, l := range expired {
		removeFiles(l)
		log.Info().Str("token", l.Token).Msg("purged expired link")
	}
	return len(expired)
}

// InUse reports whether path holds a file behind a live or in-flight link.
func (s *Store) InUse(path string) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for dir := range s.pending {
		if Overlaps(dir, path) {
			return true
		}
	}
	for _, l := range s.leases {
		if l.covers(path) {
			return true
		}
	}
	for _, l := range s.links {
		if now.Sub(l.CreatedAt) <= s.ttl && l.covers(path) {
			return true
		}
	}
	return false
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

func (l Link) covers(path string) bool {
	for _, own := range []string{l.WorkDir, l.FilePath} {
		if own != "" && Overlaps(own, path) {
			return true
		}
	}
	return false
}

// Overlaps reports whether one path is the other or contains it.
func Overlaps(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	sep := string(filepath.Separator)
	return a == b || strings.HasPrefix(a, b+sep) || strings.HasPrefix(b, a+sep)
}

func removeFiles(l Link) {
	target := l.FilePath
	if l.WorkDir != "" {
		target = l.WorkDir
	}
	if target == "" {
		return
	}
	if err := os.RemoveAll(target); err != nil {
		log.Warn().Err(err).Str("path", target).Msg("could not remove link file")
	}
}

// Lease is a resolved link whose file is being served.
type Lease struct {
	Link
	store *Store
	once  sync.Once
}

// Release deletes the file and forgets the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.store.mu.Lock()
		delete(l.store.leases, l.Token)
		l.store.mu.Unlock()
		removeFiles(l.Link)
	})
}
