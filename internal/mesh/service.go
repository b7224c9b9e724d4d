// Package mesh implements the device operations callers use: contact
// queries, status and telemetry requests, chat send/sync and the local
// node info cache. Every operation returns a Result; raw errors do not
// cross this boundary.
package mesh

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roelfdiedericks/meshclaw/internal/device"
	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/payload"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

const (
	// TopicContactResolved is published with the *store.Contact after a
	// contact info payload is persisted.
	TopicContactResolved = "contact.resolved"

	extrasRefreshGap  = 20 * time.Second
	baseRefreshGap    = 10 * time.Second
	backgroundTimeout = 2 * time.Minute
	defaultNodeMaxAge = time.Hour
	defaultNodeName   = "self"
)

// Result is the outcome of an operation. Partial is set when Data was
// produced by a fallback path or from a stale cache; Error then explains
// what failed first.
type Result struct {
	OK        bool   `json:"ok"`
	Partial   bool   `json:"partial,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func success(data any) Result {
	return Result{OK: true, Data: data}
}

func failure(err error) Result {
	return Result{Error: err.Error(), Retryable: device.IsTimeout(err)}
}

func partial(data any, err error) Result {
	r := Result{OK: true, Partial: true, Data: data}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Runner runs one-shot device commands.
type Runner interface {
	RunJSON(ctx context.Context, args ...string) (any, string, error)
	RunText(ctx context.Context, args ...string) (string, error)
}

// Session runs commands on the interactive device session.
type Session interface {
	RunTextCommand(ctx context.Context, line string, opts device.TextOptions) (string, error)
	TextDefaults() device.TextOptions
}

// Store is the persistence the service needs.
type Store interface {
	UpsertContact(ctx context.Context, publicKey, name string) (*store.Contact, error)
	TouchContact(ctx context.Context, c *store.Contact, name string) error
	ContactByName(ctx context.Context, name string) (*store.Contact, error)
	AppendTelemetry(ctx context.Context, t *store.Telemetry) error
	BackfillMessages(ctx context.Context, name, publicKey string, contactID int64) (int64, error)
	LatestNodeInfo(ctx context.Context, name string) (*store.NodeInfo, error)
	AppendNodeInfo(ctx context.Context, name string, data string) (*store.NodeInfo, error)
}

// Recorder stores chat messages.
type Recorder interface {
	Record(ctx context.Context, msg *store.Message, source string) (bool, error)
	IngestEvent(ctx context.Context, ev payload.Map) (bool, error)
	ResolveByName(ctx context.Context, msg *store.Message)
}

// Options wires a Service.
type Options struct {
	Runner   Runner
	Session  Session // optional; sends fall back to the runner
	Store    Store
	Recorder Recorder
	Contacts *payload.ContactNormalizer // optional; default jq program
	NodeName string                     // default: self
	NodeAge  time.Duration              // default node info max age (default: 1h)
}

// Service exposes the device operations.
type Service struct {
	runner   Runner
	session  Session
	store    Store
	recorder Recorder
	contacts *payload.ContactNormalizer
	nodeName string
	nodeAge  time.Duration

	baseGate   *Gate
	extrasGate *Gate
	initial    singleflight.Group

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewService creates a service. Call Close to stop background refreshes.
func NewService(opts Options) (*Service, error) {
	normalizer := opts.Contacts
	if normalizer == nil {
		var err error
		normalizer, err = payload.NewContactNormalizer("")
		if err != nil {
			return nil, err
		}
	}
	if opts.NodeName == "" {
		opts.NodeName = defaultNodeName
	}
	if opts.NodeAge <= 0 {
		opts.NodeAge = defaultNodeMaxAge
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		runner:     opts.Runner,
		session:    opts.Session,
		store:      opts.Store,
		recorder:   opts.Recorder,
		contacts:   normalizer,
		nodeName:   opts.NodeName,
		nodeAge:    opts.NodeAge,
		baseGate:   NewGate(baseRefreshGap),
		extrasGate: NewGate(extrasRefreshGap),
		bgCtx:      ctx,
		bgCancel:   cancel,
	}, nil
}

// Close cancels background jobs and waits for them to finish.
func (s *Service) Close() {
	s.bgCancel()
	s.bgWG.Wait()
}

// spawn runs job in the background with its own timeout. Panics are
// recovered and the context is always released.
func (s *Service) spawn(name string, job func(ctx context.Context) error) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ctx, cancel := context.WithTimeout(s.bgCtx, backgroundTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				L_error("mesh: background job panic", "job", name, "panic", r)
			}
		}()

		started := time.Now()
		if err := job(ctx); err != nil {
			L_warn("mesh: background job failed", "job", name, "error", err)
			return
		}
		L_debug("mesh: background job done", "job", name, "elapsed", time.Since(started).Round(time.Millisecond))
	}()
}
