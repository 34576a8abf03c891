package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/peterje/dbgmcp/internal/repl"
)

// DefaultPrefix is used for ids when a StartSpec names no prefix.
const DefaultPrefix = "session"

var idCounter atomic.Uint64

// GenerateID returns "<prefix>-<n>" where n comes from a process-wide counter
// starting at 0. Ids are never reused within a process.
func GenerateID(prefix string) string {
	return prefix + "-" + strconv.FormatUint(idCounter.Add(1)-1, 10)
}

type entry struct {
	sess *repl.Session
	info Info
}

// Registry is the in-process Manager. Its lock guards only the id map; each
// session serializes its own commands, so a slow debugger never blocks
// commands to other sessions.
type Registry struct {
	log      logr.Logger
	observer Observer

	mu       sync.RWMutex
	sessions map[string]*entry
}

func NewRegistry(log logr.Logger, observer Observer) *Registry {
	return &Registry{
		log:      log,
		observer: observer,
		sessions: make(map[string]*entry),
	}
}

// Insert adds a spawned session under id.
func (r *Registry) Insert(id string, sess *repl.Session, info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("session %s already exists", id)
	}
	info.ID = id
	r.sessions[id] = &entry{sess: sess, info: info}
	return nil
}

// Get returns the live session registered under id.
func (r *Registry) Get(id string) (*repl.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return e.sess, nil
}

// Remove takes the session out of the registry. The caller owns it afterwards
// and is responsible for terminating it.
func (r *Registry) Remove(id string) (*repl.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	delete(r.sessions, id)
	return e.sess, nil
}

// Start implements Manager. The session is registered only once its banner
// has been read; on any failure the child is killed and the registry is left
// untouched.
func (r *Registry) Start(ctx context.Context, spec StartSpec) (StartResult, error) {
	prefix := spec.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	id := GenerateID(prefix)
	log := r.log.WithValues("session", id)

	sess, err := repl.New(spec.Program).
		Args(spec.Args...).
		Prompt(spec.Prompt).
		QuitCommand(spec.QuitCommand).
		Dir(spec.Dir).
		Env(spec.Env...).
		Terminal(spec.Terminal).
		Timeout(spec.Timeout).
		Label(id).
		Logger(log).
		Spawn()
	if err != nil {
		return StartResult{}, err
	}

	var banner string
	if !spec.SkipBanner {
		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = repl.DefaultTimeout
		}
		banner, err = sess.ReadResponseUntil(ctx, spec.WaitFor, timeout)
		if err != nil {
			sess.Close()
			return StartResult{}, err
		}
	}

	info := Info{
		Program:   spec.Program,
		Args:      spec.Args,
		Prompt:    sess.Prompt(),
		PID:       sess.Pid(),
		CreatedAt: time.Now(),
	}
	if err := r.Insert(id, sess, info); err != nil {
		sess.Close()
		return StartResult{}, err
	}
	info.ID = id
	info.State = sess.State().String()

	log.Info("session started", "program", spec.Program, "pid", info.PID)
	if r.observer != nil {
		r.observer.SessionStarted(info, banner)
	}
	return StartResult{ID: id, Banner: banner, PID: info.PID}, nil
}

// Execute implements Manager.
func (r *Registry) Execute(ctx context.Context, id, command string) (string, error) {
	sess, err := r.Get(id)
	if err != nil {
		return "", err
	}
	out, err := sess.ExecuteCommand(ctx, command)
	err = r.translate(id, err)
	if r.observer != nil {
		r.observer.CommandExecuted(id, KindCommand, command, out, err)
	}
	return out, err
}

// Wait implements Manager.
func (r *Registry) Wait(ctx context.Context, id, pattern string, timeout time.Duration) (string, error) {
	sess, err := r.Get(id)
	if err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = repl.DefaultTimeout
	}
	out, err := sess.ReadResponseUntil(ctx, pattern, timeout)
	err = r.translate(id, err)
	if r.observer != nil {
		r.observer.CommandExecuted(id, KindWait, pattern, out, err)
	}
	return out, err
}

// Stop implements Manager. The session is removed first, so a second Stop
// for the same id reports ErrSessionNotFound even if termination failed.
func (r *Registry) Stop(ctx context.Context, id string) error {
	sess, err := r.Remove(id)
	if err != nil {
		return err
	}
	err = sess.Terminate(ctx)
	if err != nil {
		r.log.Error(err, "session did not terminate cleanly", "session", id)
	} else {
		r.log.Info("session terminated", "session", id)
	}
	if r.observer != nil {
		r.observer.SessionStopped(id, err)
	}
	return err
}

// List implements Manager.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, e := range r.sessions {
		info := e.info
		info.State = e.sess.State().String()
		infos = append(infos, info)
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// StopAll implements Manager. Sessions are terminated in parallel.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Stop(ctx, id)
		}()
	}
	wg.Wait()
}

// translate turns a closed-session error into ErrSessionNotFound: the session
// was removed by a concurrent Stop while this call held a reference.
func (r *Registry) translate(id string, err error) error {
	if errors.Is(err, repl.ErrSessionClosed) {
		return notFound(id)
	}
	return err
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

var _ Manager = (*Registry)(nil)
