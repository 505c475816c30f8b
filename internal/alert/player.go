// Package alert plays the repeating audible alert for a due reminder.
//
// A Player spawns an external audio command (paplay on Linux, afplay on
// macOS by default) in a loop until the returned handle is stopped. With
// alerts disabled the player hands out silent handles, so callers see the
// same lifecycle either way.
package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"taskbell/internal/reminder"
	logx "taskbell/pkg/logx"
)

var (
	// ErrDisabled is returned by Start after the player was closed.
	ErrDisabled = errors.New("alert: player closed")
	ErrNoSound  = errors.New("alert: sound not loadable")
	ErrNoPlayer = errors.New("alert: no audio player command")
)

const soundPlaceholder = "{sound}"

type Config struct {
	Enabled     bool
	SoundPath   string
	Command     []string
	LoadTimeout time.Duration
	Gap         time.Duration
}

func (c Config) withDefaults() Config {
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 5 * time.Second
	}
	if c.Gap < 0 {
		c.Gap = 0
	}
	return c
}

// process is one running play of the sound.
type process interface {
	Wait() error
}

// spawnFunc starts argv under ctx. Killing ctx must end the process.
type spawnFunc func(ctx context.Context, argv []string) (process, error)

// killGrace bounds how long Wait may block on I/O after the player was
// killed, e.g. when a forked child outlives it.
const killGrace = 500 * time.Millisecond

// execSpawn runs the player in its own process group so a kill also reaches
// anything it forked. Output goes to the null device.
func execSpawn(ctx context.Context, argv []string) (process, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = killGrace
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

type Player struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	spawn  spawnFunc
	goos   string
	closed bool

	seq    uint64
	active map[uint64]*handle
}

func New(cfg Config, log logx.Logger) *Player {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Player{
		cfg:    cfg.withDefaults(),
		log:    log,
		spawn:  execSpawn,
		goos:   runtime.GOOS,
		active: map[uint64]*handle{},
	}
}

// Apply affects alerts started afterwards; running alerts keep their command.
func (p *Player) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

// Start loads the sound and spawns the first play. The alert keeps
// repeating until the handle is stopped; ctx only bounds the start itself.
func (p *Player) Start(ctx context.Context, taskID string) (reminder.Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrDisabled
	}
	cfg := p.cfg
	spawn := p.spawn
	goos := p.goos
	p.mu.Unlock()

	if !cfg.Enabled {
		h := p.track(taskID, func() {})
		close(h.done)
		return h, nil
	}

	lctx, cancel := context.WithTimeout(ctx, cfg.LoadTimeout)
	err := loadSound(lctx, cfg.SoundPath)
	cancel()
	if err != nil {
		return nil, err
	}
	argv, err := playerArgv(cfg.Command, cfg.SoundPath, goos)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	hctx, hcancel := context.WithCancel(context.Background())
	first, err := spawn(hctx, argv)
	if err != nil {
		hcancel()
		return nil, fmt.Errorf("alert: spawn %s: %w", argv[0], err)
	}
	h := p.track(taskID, hcancel)
	go p.loop(hctx, h, argv, first, spawn, cfg.Gap)
	p.log.Debug("alert started", logx.String("task", taskID), logx.String("cmd", argv[0]))
	return h, nil
}

func (p *Player) loop(ctx context.Context, h *handle, argv []string, cur process, spawn spawnFunc, gap time.Duration) {
	defer close(h.done)
	failures := 0
	for {
		err := cur.Wait()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			p.log.Debug("alert play exited", logx.String("task", h.taskID), logx.Err(err), logx.Int("failures", failures))
			if failures >= 3 {
				p.log.Warn("alert player keeps failing, giving up", logx.String("task", h.taskID), logx.Err(err))
				return
			}
		} else {
			failures = 0
		}
		if gap > 0 {
			t := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		next, err := spawn(ctx, argv)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("alert respawn failed", logx.String("task", h.taskID), logx.Err(err))
			}
			return
		}
		cur = next
	}
}

func (p *Player) track(taskID string, cancel context.CancelFunc) *handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	h := &handle{id: p.seq, taskID: taskID, cancel: cancel, done: make(chan struct{}), p: p}
	p.active[h.id] = h
	return h
}

func (p *Player) release(id uint64) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// Active returns the number of handles not yet stopped.
func (p *Player) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Close stops every live alert and rejects further starts.
func (p *Player) Close() {
	p.mu.Lock()
	p.closed = true
	hs := make([]*handle, 0, len(p.active))
	for _, h := range p.active {
		hs = append(hs, h)
	}
	p.mu.Unlock()
	for _, h := range hs {
		h.Stop()
	}
}

type handle struct {
	id     uint64
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	p      *Player
}

// Stop kills the current play and waits for the loop to exit. Idempotent.
func (h *handle) Stop() {
	h.once.Do(func() {
		h.cancel()
		<-h.done
		h.p.release(h.id)
		h.p.log.Debug("alert stopped", logx.String("task", h.taskID))
	})
}

func loadSound(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: no sound_path configured", ErrNoSound)
	}
	res := make(chan error, 1)
	go func() {
		f, err := os.Open(path)
		if err != nil {
			res <- err
			return
		}
		defer f.Close()
		var head [512]byte
		n, err := f.Read(head[:])
		if err != nil && !errors.Is(err, io.EOF) {
			res <- err
			return
		}
		if n == 0 {
			res <- errors.New("empty file")
			return
		}
		res <- nil
	}()
	select {
	case err := <-res:
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNoSound, path, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrNoSound, path, ctx.Err())
	}
}

func playerArgv(command []string, sound, goos string) ([]string, error) {
	if len(command) == 0 {
		switch goos {
		case "linux":
			command = []string{"paplay", soundPlaceholder}
		case "darwin":
			command = []string{"afplay", soundPlaceholder}
		default:
			return nil, fmt.Errorf("%w for %s", ErrNoPlayer, goos)
		}
	}
	out := make([]string, 0, len(command)+1)
	replaced := false
	for _, a := range command {
		if strings.Contains(a, soundPlaceholder) {
			a = strings.ReplaceAll(a, soundPlaceholder, sound)
			replaced = true
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, sound)
	}
	if strings.TrimSpace(out[0]) == "" {
		return nil, ErrNoPlayer
	}
	return out, nil
}
