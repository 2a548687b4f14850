// Package predictor loads a trained artifact and answers single-image
// predictions. Handle is the plain, synchronous API; Service wraps one
// handle for serving with asynchronous loading, admission control and a
// short-lived result cache.
package predictor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"maps"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"tumorclf/internal/clferr"
	"tumorclf/internal/events"
	"tumorclf/internal/model"
	"tumorclf/pkg/types"
)

// State represents the artifact lifecycle of a Service.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Defaults applied when corresponding ServiceConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultCacheSize     = 1024
)

// ServiceConfig encapsulates all tunables for Service construction.
type ServiceConfig struct {
	ArtifactPath  string
	Load          model.LoadOptions
	MaxInflight   int
	MaxQueueDepth int
	MaxWait       time.Duration
	// CacheTTL of zero disables the result cache.
	CacheTTL  time.Duration
	CacheSize uint64

	Logger zerolog.Logger
	Events events.Publisher
}

type Service struct {
	mu    sync.RWMutex
	state State
	err   string

	cfg     ServiceConfig
	handle  atomic.Pointer[lease]
	queueCh chan struct{}
	genCh   chan struct{}
	maxWait time.Duration
	cache   *ttlcache.Cache[string, Result]

	startTime   time.Time
	predictions atomic.Uint64
	loadOnce    sync.Once
	closeOnce   sync.Once
	log         zerolog.Logger
	pub         events.Publisher
}

// NewService constructs a Service in the loading state. Call Start or
// SetHandle to make it ready.
func NewService(cfg ServiceConfig) *Service {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = runtime.GOMAXPROCS(0)
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.MaxQueueDepth < cfg.MaxInflight {
		cfg.MaxQueueDepth = cfg.MaxInflight
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultCacheSize
	}
	s := &Service{
		state:     StateLoading,
		cfg:       cfg,
		queueCh:   make(chan struct{}, cfg.MaxQueueDepth),
		genCh:     make(chan struct{}, cfg.MaxInflight),
		maxWait:   cfg.MaxWait,
		startTime: time.Now(),
		log:       cfg.Logger,
		pub:       events.OrNoop(cfg.Events),
	}
	if cfg.CacheTTL > 0 {
		s.cache = ttlcache.New[string, Result](
			ttlcache.WithTTL[string, Result](cfg.CacheTTL),
			ttlcache.WithCapacity[string, Result](cfg.CacheSize),
		)
		go s.cache.Start()
	}
	return s
}

// Start loads the configured artifact in the background. Predictions fail
// with a model-not-loaded error until the load completes.
func (s *Service) Start(ctx context.Context) {
	s.loadOnce.Do(func() {
		go func() { _ = s.Load(ctx) }()
	})
}

// Load synchronously loads the configured artifact and installs it.
func (s *Service) Load(ctx context.Context) error {
	path := s.cfg.ArtifactPath
	s.setState(StateLoading, "")
	s.pub.Publish(events.Event{Name: "load_start", Subject: path})
	start := time.Now()
	h, err := Load(ctx, path, s.cfg.Load)
	if err != nil {
		s.setState(StateError, err.Error())
		s.log.Error().Err(err).Str("artifact", path).Msg("artifact load failed")
		s.pub.Publish(events.Event{Name: "load_error", Subject: path, Fields: map[string]any{"error": err.Error()}})
		return err
	}
	s.install(h)
	s.log.Info().Str("artifact", path).Strs("labels", h.Labels()).
		Str("run_id", h.Metadata().RunID).Dur("dur", time.Since(start)).Msg("artifact loaded")
	s.pub.Publish(events.Event{Name: "load_ready", Subject: path, Fields: map[string]any{"labels": h.Labels()}})
	return nil
}

// SetHandle installs an already loaded handle, replacing any previous one.
func (s *Service) SetHandle(h *Handle) {
	if h == nil {
		return
	}
	s.install(h)
}

func (s *Service) install(h *Handle) {
	old := s.handle.Swap(&lease{h: h})
	if s.cache != nil {
		s.cache.DeleteAll()
	}
	s.setState(StateReady, "")
	if old != nil && old.h != h {
		old.retire()
	}
}

// lease reference-counts a served handle so a replaced one is closed only
// after the last prediction using it returns.
type lease struct {
	h *Handle

	mu      sync.Mutex
	refs    int
	retired bool
}

func (l *lease) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return false
	}
	l.refs++
	return true
}

func (l *lease) release() {
	l.mu.Lock()
	l.refs--
	done := l.retired && l.refs == 0
	l.mu.Unlock()
	if done {
		_ = l.h.Close()
	}
}

// retire closes the handle now if idle, otherwise on the last release.
func (l *lease) retire() error {
	l.mu.Lock()
	if l.retired {
		l.mu.Unlock()
		return nil
	}
	l.retired = true
	idle := l.refs == 0
	l.mu.Unlock()
	if idle {
		return l.h.Close()
	}
	return nil
}

// current returns the served handle, or nil before the first load.
func (s *Service) current() *Handle {
	if l := s.handle.Load(); l != nil {
		return l.h
	}
	return nil
}

// acquire pins the served handle for one prediction. A lease retired
// between Load and acquire means a replacement is already installed.
func (s *Service) acquire() (*lease, bool) {
	for {
		l := s.handle.Load()
		if l == nil {
			return nil, false
		}
		if l.acquire() {
			return l, true
		}
	}
}

func (s *Service) setState(st State, msg string) {
	s.mu.Lock()
	s.state, s.err = st, msg
	s.mu.Unlock()
}

func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateReady && s.handle.Load() != nil
}

// Labels returns the serving label order.
func (s *Service) Labels() ([]string, error) {
	h := s.current()
	if h == nil {
		return nil, clferr.ErrModelNotLoaded()
	}
	return h.Labels(), nil
}

// Predict classifies one encoded image. Identical bytes within the cache
// TTL are answered without a forward pass.
func (s *Service) Predict(ctx context.Context, b []byte) (Result, error) {
	l, ok := s.acquire()
	if !ok {
		predictionErrorsTotal.WithLabelValues(string(clferr.KindModelNotLoaded)).Inc()
		return Result{}, clferr.ErrModelNotLoaded()
	}
	defer l.release()

	var key string
	if s.cache != nil {
		sum := sha256.Sum256(b)
		key = hex.EncodeToString(sum[:])
		if it := s.cache.Get(key); it != nil {
			predictionCacheHits.Inc()
			return cloneResult(it.Value()), nil
		}
	}

	release, err := s.admit(ctx)
	if err != nil {
		s.countError(err)
		return Result{}, err
	}
	defer release()

	start := time.Now()
	res, err := l.h.PredictBytes(ctx, b)
	predictionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.countError(err)
		return Result{}, err
	}
	s.predictions.Add(1)
	predictionsTotal.WithLabelValues(res.Label).Inc()
	if s.cache != nil {
		s.cache.Set(key, cloneResult(res), ttlcache.DefaultTTL)
	}
	return res, nil
}

func (s *Service) countError(err error) {
	kind := "internal"
	if k, ok := clferr.KindOf(err); ok {
		kind = string(k)
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = "canceled"
	}
	predictionErrorsTotal.WithLabelValues(kind).Inc()
}

func cloneResult(r Result) Result {
	r.Distribution = maps.Clone(r.Distribution)
	return r
}

// Status builds a detailed status response for /status.
func (s *Service) Status() types.StatusResponse {
	s.mu.RLock()
	resp := types.StatusResponse{
		State:        string(s.state),
		Error:        s.err,
		ArtifactPath: s.cfg.ArtifactPath,
	}
	s.mu.RUnlock()
	if h := s.current(); h != nil {
		meta := h.Metadata()
		resp.Labels = h.Labels()
		resp.Backbone = string(h.clf.Backbone.Kind())
		resp.Interpolation = string(h.clf.Preprocess.Interpolation)
		resp.RunID = meta.RunID
		resp.ValAccuracy = meta.FinalValAccuracy
		if h.Path() != "" {
			resp.ArtifactPath = h.Path()
		}
	}
	now := time.Now()
	resp.UptimeSeconds = int64(now.Sub(s.startTime).Seconds())
	resp.ServerTimeUnix = now.Unix()
	resp.Inflight = len(s.genCh)
	resp.QueueLen = len(s.queueCh)
	resp.MaxQueueDepth = cap(s.queueCh)
	resp.PredictionsTotal = s.predictions.Load()
	return resp
}

// Close releases the handle and stops the cache janitor.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cache != nil {
			s.cache.Stop()
		}
		if l := s.handle.Swap(nil); l != nil {
			err = l.retire()
		}
	})
	return err
}
