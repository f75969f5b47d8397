// Package harness drives a store through random writes and simulated crashes
// and checks what survives against an in-memory model.
//
// After every crash the store must hold exactly the logged writes that were
// synced before it, and nothing written with the WAL disabled. Reopening
// without writing in between must not change anything.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"time"

	"walkv/pkg/config"
	"walkv/pkg/faultfs"
	"walkv/pkg/metrics"
	"walkv/pkg/store"
)

var ErrViolation = errors.New("harness: consistency violation")

const dbPath = "crashtest"

type Config struct {
	Seed            int64
	Iterations      int
	OpsPerIteration int
	Keys            int
	// SyncRatio is the chance that an op is followed by FlushWAL(true).
	SyncRatio float64
	// UnloggedRatio is the chance that a write skips the WAL.
	UnloggedRatio float64
	// TornWriteRatio is the chance that a logged write is torn by the Env.
	TornWriteRatio float64
	ManualWALFlush bool

	// Env defaults to a fresh in-memory Env.
	Env     *faultfs.Env
	Logger  *slog.Logger
	Metrics metrics.Collector
}

func FromConfig(c config.CrashtestConfig) Config {
	return Config{
		Seed:            c.Seed,
		Iterations:      c.Iterations,
		OpsPerIteration: c.OpsPerIteration,
		Keys:            c.Keys,
		SyncRatio:       c.SyncRatio,
		UnloggedRatio:   c.UnloggedRatio,
		TornWriteRatio:  c.TornWriteRatio,
		ManualWALFlush:  c.ManualWALFlush,
	}
}

type Report struct {
	Iterations     int           `json:"iterations"`
	Ops            int           `json:"ops"`
	Syncs          int           `json:"syncs"`
	UnloggedWrites int           `json:"unlogged_writes"`
	TornWrites     int           `json:"torn_writes"`
	KeysChecked    int           `json:"keys_checked"`
	Duration       time.Duration `json:"duration"`
}

// state maps a key to its value; a missing key is absent.
type state map[string]string

type model struct {
	live    state
	durable state
	pending []mutation
}

type mutation struct {
	key     string
	value   string
	deleted bool
}

func (m mutation) apply(s state) {
	if m.deleted {
		delete(s, m.key)
		return
	}
	s[m.key] = m.value
}

// commit makes every logged mutation durable.
func (m *model) commit() {
	for _, mu := range m.pending {
		mu.apply(m.durable)
	}
	m.pending = m.pending[:0]
}

// crash forgets everything that was not durable.
func (m *model) crash() {
	m.live = maps.Clone(m.durable)
	m.pending = m.pending[:0]
}

type runner struct {
	cfg     Config
	env     *faultfs.Env
	rng     *rand.Rand
	log     *slog.Logger
	metrics metrics.Collector
	keys    []string
	model   model
	report  Report
}

// Run executes cfg.Iterations crash cycles. It stops at the first violation,
// returning an error wrapping ErrViolation, or when ctx is done.
func Run(ctx context.Context, cfg Config) (Report, error) {
	if cfg.Iterations <= 0 || cfg.OpsPerIteration <= 0 || cfg.Keys <= 0 {
		return Report{}, fmt.Errorf("harness: iterations, ops and keys must be positive")
	}

	r := &runner{
		cfg:     cfg,
		env:     cfg.Env,
		rng:     rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0x9e3779b97f4a7c15)),
		log:     cfg.Logger,
		metrics: metrics.OrNop(cfg.Metrics),
		model:   model{live: state{}, durable: state{}},
	}
	if r.env == nil {
		r.env = faultfs.NewMem()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	for i := 0; i < cfg.Keys; i++ {
		r.keys = append(r.keys, fmt.Sprintf("key-%04d", i))
	}

	start := time.Now()
	err := r.run(ctx)
	r.report.Duration = time.Since(start)
	return r.report, err
}

func (r *runner) run(ctx context.Context) error {
	s, err := r.open()
	if err != nil {
		return err
	}

	for iter := 0; iter < r.cfg.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			_ = s.Close()
			return err
		}

		if err := r.iteration(s, iter); err != nil {
			_ = s.Close()
			return fmt.Errorf("iteration %d: %w", iter, err)
		}

		if s, err = r.crashAndReopen(s); err != nil {
			return fmt.Errorf("iteration %d: %w", iter, err)
		}
		if err := r.verify(s, "after crash"); err != nil {
			_ = s.Close()
			return fmt.Errorf("iteration %d: %w", iter, err)
		}

		if s, err = r.reopen(s); err != nil {
			return fmt.Errorf("iteration %d: %w", iter, err)
		}
		if err := r.verify(s, "after second reopen"); err != nil {
			_ = s.Close()
			return fmt.Errorf("iteration %d: %w", iter, err)
		}

		r.report.Iterations++
		r.metrics.IncCounter("harness_iterations_total", nil, 1)
		r.log.Debug("crash iteration passed", "iteration", iter, "keys", len(r.model.durable))
	}

	return s.Close()
}

func (r *runner) open() (*store.Store, error) {
	return store.Open(dbPath, store.Options{
		Env:             r.env,
		CreateIfMissing: true,
		ManualWALFlush:  r.cfg.ManualWALFlush,
		Logger:          r.log,
		Metrics:         r.cfg.Metrics,
	})
}

func (r *runner) iteration(s *store.Store, iter int) error {
	for op := 0; op < r.cfg.OpsPerIteration; op++ {
		if err := r.step(s, fmt.Sprintf("v-%d-%d", iter, op)); err != nil {
			return err
		}
		r.report.Ops++

		if r.rng.Float64() < r.cfg.SyncRatio {
			if err := s.FlushWAL(true); err != nil {
				return fmt.Errorf("flush wal: %w", err)
			}
			r.model.commit()
			r.report.Syncs++
		}
	}
	return nil
}

func (r *runner) step(s *store.Store, value string) error {
	mu := mutation{
		key:     r.keys[r.rng.IntN(len(r.keys))],
		value:   value,
		deleted: r.rng.IntN(5) == 0,
	}
	wo := store.WriteOptions{DisableWAL: r.rng.Float64() < r.cfg.UnloggedRatio}
	wo.Sync = !wo.DisableWAL && r.rng.IntN(50) == 0
	torn := !wo.DisableWAL && r.rng.Float64() < r.cfg.TornWriteRatio
	if torn {
		r.env.InjectTornWrite(r.rng.IntN(16))
	}

	var err error
	if mu.deleted {
		err = s.Delete([]byte(mu.key), wo)
	} else {
		err = s.Put([]byte(mu.key), []byte(mu.value), wo)
	}

	switch {
	case torn && err == nil:
		return fmt.Errorf("%w: torn write to %s reported success", ErrViolation, mu.key)
	case torn:
		r.report.TornWrites++
	case err != nil:
		return fmt.Errorf("write %s: %w", mu.key, err)
	default:
		mu.apply(r.model.live)
		if wo.DisableWAL {
			r.report.UnloggedWrites++
		} else {
			r.model.pending = append(r.model.pending, mu)
			if wo.Sync || !r.cfg.ManualWALFlush {
				r.model.commit()
			}
		}
	}

	return r.check(s, mu.key, r.model.live, "on live handle")
}

func (r *runner) crashAndReopen(s *store.Store) (*store.Store, error) {
	if err := s.Close(); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}
	if err := r.env.DropUnsyncedData(); err != nil {
		return nil, fmt.Errorf("drop unsynced data: %w", err)
	}
	r.model.crash()
	return r.open()
}

func (r *runner) reopen(s *store.Store) (*store.Store, error) {
	if err := s.Close(); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}
	return r.open()
}

func (r *runner) verify(s *store.Store, phase string) error {
	for _, k := range r.keys {
		if err := r.check(s, k, r.model.durable, phase); err != nil {
			return err
		}
	}
	if got := s.Stats().Keys; got < len(r.model.durable) {
		return fmt.Errorf("%w: %s: index holds %d keys, expected at least %d",
			ErrViolation, phase, got, len(r.model.durable))
	}
	return nil
}

func (r *runner) check(s *store.Store, key string, want state, phase string) error {
	r.report.KeysChecked++

	got, found, err := s.GetString(key)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	exp, expFound := want[key]
	if found != expFound || got != exp {
		r.metrics.IncCounter("harness_violations_total", nil, 1)
		return fmt.Errorf("%w: %s: key %s: got (%q, %v), expected (%q, %v)",
			ErrViolation, phase, key, got, found, exp, expFound)
	}
	return nil
}
