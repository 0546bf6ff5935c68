// ABOUTME: Allocates unique agent identities backed by an append-only log file.
// ABOUTME: Each accepted identity is fsynced to the log before it is returned.

package identity

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ErrAllocationExhausted indicates no unused identity could be drawn.
var ErrAllocationExhausted = errors.New("identity space exhausted")

// ErrMalformedLog indicates the identity log contains a line that is not an identity.
var ErrMalformedLog = errors.New("malformed identity log")

const (
	// persistedGroups is the number of first-group values available to
	// persisted identities; 999 is reserved for temporaries.
	persistedGroups = 999

	defaultMaxDraws = 10_000
)

// Allocator issues identities that are never reused across process runs.
// Allocations are serialized; the log has a single writer per process.
type Allocator struct {
	path     string
	mu       sync.Mutex
	used     map[Identity]struct{}
	inSpace  int // used identities that fall inside the candidate space
	rand     *rand.Rand
	space    int
	maxDraws int
	logger   *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRand sets the random source used to draw candidates.
func WithRand(r *rand.Rand) Option {
	return func(a *Allocator) { a.rand = r }
}

// WithSpace limits the candidate space to the first n persisted identities.
// Intended for tests that need to exercise exhaustion.
func WithSpace(n int) Option {
	return func(a *Allocator) { a.space = n }
}

// WithMaxDraws bounds how many colliding candidates are drawn before giving up.
func WithMaxDraws(n int) Option {
	return func(a *Allocator) { a.maxDraws = n }
}

// WithLogger sets the allocator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) { a.logger = logger }
}

// Open loads the identity log at path. A missing file is an empty log.
// Parent directories are created if needed.
func Open(path string, opts ...Option) (*Allocator, error) {
	a := &Allocator{
		path:     path,
		used:     make(map[Identity]struct{}),
		rand:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		space:    persistedGroups * 1000 * 1000,
		maxDraws: defaultMaxDraws,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "identity")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating identity log directory: %w", err)
	}
	if err := a.reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Allocate returns an identity that has never been returned before.
//
// When no unused identity can be found, or the log cannot be appended, a
// temporary identity is returned together with a non-nil error. Temporary
// identities are not written to the log.
func (a *Allocator) Allocate() (Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Pick up identities appended by other processes sharing the log.
	if err := a.reload(); err != nil {
		return a.temporary(), err
	}

	id, ok := a.draw()
	if !ok {
		a.logger.Warn("identity space exhausted, issuing temporary identity",
			"used", len(a.used),
			"space", a.space,
		)
		return a.temporary(), ErrAllocationExhausted
	}

	if err := a.appendLocked(id); err != nil {
		a.logger.Error("persisting identity failed, issuing temporary identity", "error", err)
		return a.temporary(), fmt.Errorf("persisting identity: %w", err)
	}
	a.markUsed(id)

	a.logger.Info("identity allocated", "identity", id, "used", len(a.used))
	return id, nil
}

// Used reports how many identities the log holds.
func (a *Allocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

func (a *Allocator) draw() (Identity, bool) {
	if a.inSpace >= a.space {
		return "", false
	}
	for range a.maxDraws {
		n := a.rand.IntN(a.space)
		id := format(n/1_000_000, (n/1000)%1000, n%1000)
		if _, taken := a.used[id]; !taken {
			return id, true
		}
	}
	return "", false
}

func (a *Allocator) markUsed(id Identity) {
	if _, ok := a.used[id]; ok {
		return
	}
	a.used[id] = struct{}{}
	if index(id) < a.space {
		a.inSpace++
	}
}

// index maps a well-formed identity to its position in the candidate space.
func index(id Identity) int {
	s := string(id)
	g1, _ := strconv.Atoi(s[0:3])
	g2, _ := strconv.Atoi(s[4:7])
	g3, _ := strconv.Atoi(s[8:11])
	return g1*1_000_000 + g2*1000 + g3
}

func (a *Allocator) temporary() Identity {
	return Identity(fmt.Sprintf("%s-%03d-%03d", temporaryGroup, a.rand.IntN(1000), a.rand.IntN(1000)))
}

func (a *Allocator) appendLocked(id Identity) error {
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(string(id) + "\n"); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// reload rereads the log into the used set.
func (a *Allocator) reload() error {
	f, err := os.Open(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening identity log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := Parse(line)
		if err != nil {
			return fmt.Errorf("%w: line %d: %q", ErrMalformedLog, lineNo, line)
		}
		a.markUsed(id)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading identity log: %w", err)
	}
	return nil
}
