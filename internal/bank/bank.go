// Package bank runs the problem bank workflows on top of the store and the
// document pipeline: ingesting sources, tagging, selecting and composing
// worksheets.
package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pbaille/problembank/internal/compose"
	"github.com/pbaille/problembank/internal/config"
	"github.com/pbaille/problembank/internal/document"
	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/extract"
	"github.com/pbaille/problembank/internal/logging"
	"github.com/pbaille/problembank/internal/selection"
	"github.com/pbaille/problembank/internal/store"
)

var ErrInvalidRequest = errors.New("invalid request")

type Service struct {
	Store     *store.Store
	Opener    document.Opener
	Config    config.Config
	Extractor *extract.Extractor
	Composer  *compose.Composer
	Selector  *selection.Engine
	Logger    *slog.Logger

	// Backoff returns the retry policy for one session acquisition.
	// Attempts are capped by Config.Editor.AcquireAttempts either way.
	Backoff func() backoff.BackOff
	Now     func() time.Time

	// composeMu keeps two compositions from sharing a live editor.
	composeMu sync.Mutex
}

func New(st *store.Store, opener document.Opener, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	sel, err := selection.NewEngine(cfg.Schema, cfg.Selection.UnitCategory, cfg.Selection.DifficultyCategory)
	if err != nil {
		return nil, fmt.Errorf("selection engine: %w", err)
	}
	return &Service{
		Store:     st,
		Opener:    opener,
		Config:    cfg,
		Extractor: extract.New(cfg.Markers, cfg.Extract.RequireStem, logger),
		Composer:  compose.New(cfg.Markers, cfg.Render, logger),
		Selector:  sel,
		Logger:    logger,
		Backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		Now: time.Now,
	}, nil
}

func (s *Service) Schema() domain.TagSchema { return s.Config.Schema }

func (s *Service) Markers() domain.MarkerSet { return s.Config.Markers }

// CreateSource registers a source document.
func (s *Service) CreateSource(name string, kind domain.SourceKind, defaultTags domain.Tags) (*domain.Source, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: source name is required", ErrInvalidRequest)
	}
	switch kind {
	case domain.SourceTextbook, domain.SourceExam:
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrInvalidRequest, kind)
	}
	return s.Store.CreateSource(name, kind, defaultTags)
}

// acquire opens path, retrying SessionAcquisitionError with backoff until
// the attempts or the acquisition timeout run out. Other errors are final.
func (s *Service) acquire(ctx context.Context, path string, opts document.OpenOptions) (document.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Config.Editor.AcquireTimeout)
	defer cancel()

	attempts := max(s.Config.Editor.AcquireAttempts, 1)
	policy := backoff.WithContext(backoff.WithMaxRetries(s.Backoff(), uint64(attempts-1)), ctx)

	op := func() (document.Session, error) {
		sess, err := s.Opener.Open(ctx, path, opts)
		if err == nil {
			return sess, nil
		}
		var acq *document.SessionAcquisitionError
		if !errors.As(err, &acq) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		s.Logger.Warn("bank.acquire_retry", "path", path, "error", err, "wait", wait)
	}
	sess, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		var acq *document.SessionAcquisitionError
		if ctx.Err() != nil && !errors.As(err, &acq) {
			return nil, &document.SessionAcquisitionError{Path: path, Err: err}
		}
		return nil, err
	}
	s.Logger.Debug("bank.acquired", "path", path)
	return sess, nil
}

// closeSession releases a session and logs, rather than returns, a close failure.
func (s *Service) closeSession(sess document.Session, path string) {
	if err := sess.Close(); err != nil {
		s.Logger.Warn("bank.close_failed", "path", path, "error", err)
	}
}
