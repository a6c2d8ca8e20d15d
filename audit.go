package permguard

import (
	"context"
	"errors"
	"io"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oarkflow/permguard/logger"
)

// AuditAction is drawn from a fixed taxonomy.
type AuditAction string

const (
	AuditUserCreated   AuditAction = "USER_CREATED"
	AuditUserUpdated   AuditAction = "USER_UPDATED"
	AuditUserDeleted   AuditAction = "USER_DELETED"
	AuditUserLogin     AuditAction = "USER_LOGIN"
	AuditUserLogout    AuditAction = "USER_LOGOUT"
	AuditLoginFailed   AuditAction = "LOGIN_FAILED"
	AuditRoleCreated   AuditAction = "ROLE_CREATED"
	AuditRoleUpdated   AuditAction = "ROLE_UPDATED"
	AuditRoleDeleted   AuditAction = "ROLE_DELETED"
	AuditRoleAssigned  AuditAction = "ROLE_ASSIGNED"
	AuditRoleRevoked   AuditAction = "ROLE_REVOKED"
	AuditPermGranted   AuditAction = "PERMISSION_GRANTED"
	AuditPermRevoked   AuditAction = "PERMISSION_REVOKED"
	AuditDataAccessed  AuditAction = "DATA_ACCESSED"
	AuditDataExported  AuditAction = "DATA_EXPORTED"
	AuditPermDenied    AuditAction = "PERMISSION_DENIED"
	AuditSuperAdmin    AuditAction = "SUPER_ADMIN_BYPASS"
	AuditRuleError     AuditAction = "RULE_EVALUATION_ERROR"
	AuditSuspicious    AuditAction = "SUSPICIOUS_LOGIN"
	AuditStoreDown     AuditAction = "STORE_UNAVAILABLE"
	AuditCompanySusp   AuditAction = "COMPANY_SUSPENDED"
	AuditCompanyChange AuditAction = "COMPANY_SETTINGS_CHANGED"
)

var knownActions = map[AuditAction]struct{}{
	AuditUserCreated: {}, AuditUserUpdated: {}, AuditUserDeleted: {}, AuditUserLogin: {},
	AuditUserLogout: {}, AuditLoginFailed: {}, AuditRoleCreated: {}, AuditRoleUpdated: {},
	AuditRoleDeleted: {}, AuditRoleAssigned: {}, AuditRoleRevoked: {}, AuditPermGranted: {},
	AuditPermRevoked: {}, AuditDataAccessed: {}, AuditDataExported: {}, AuditPermDenied: {},
	AuditSuperAdmin: {}, AuditRuleError: {}, AuditSuspicious: {}, AuditStoreDown: {},
	AuditCompanySusp: {}, AuditCompanyChange: {},
}

// Valid reports whether a is part of the taxonomy.
func (a AuditAction) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// AuditEntry is append-only. ID and Timestamp are assigned by AuditLogger.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    AuditAction    `json:"action"`
	ActorID   string         `json:"actor_id"`
	CompanyID string         `json:"company_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

type ctxKey string

const requestIDKey ctxKey = "permguard_request_id"

// WithRequestID attaches a request id that Record copies into entries.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

var ErrAuditClosed = errors.New("permguard: audit logger closed")

// AuditLoggerOptions tunes the queue. Zero values pick defaults.
type AuditLoggerOptions struct {
	QueueSize    int
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       logger.Logger
	Metrics      *Metrics
	Now          func() time.Time
}

// AuditLogger queues entries for an AuditSink. Record blocks when the queue
// is full instead of dropping, and returns once the entry is queued.
type AuditLogger struct {
	sink       AuditSink
	queue      chan *AuditEntry
	logger     logger.Logger
	metrics    *Metrics
	now        func() time.Time
	maxRetries int
	backoff    time.Duration

	mu      sync.Mutex
	last    map[string]time.Time
	entropy io.Reader

	// sendMu is read-held by senders so Close never closes the queue under them.
	sendMu sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAuditLogger(sink AuditSink, opts AuditLoggerOptions) *AuditLogger {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNullLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &AuditLogger{
		sink:       sink,
		queue:      make(chan *AuditEntry, opts.QueueSize),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		last:       make(map[string]time.Time),
		entropy:    ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
	for i := 0; i < opts.Workers; i++ {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

// Record stamps and enqueues entry. It returns an error only when ctx ends
// while waiting for queue space or the logger is closed.
func (a *AuditLogger) Record(ctx context.Context, entry *AuditEntry) error {
	if entry == nil {
		return errors.New("permguard: nil audit entry")
	}
	if !entry.Action.Valid() {
		return errors.New("permguard: unknown audit action " + string(entry.Action))
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		if entry.Context == nil {
			entry.Context = map[string]any{}
		}
		if _, ok := entry.Context["request_id"]; !ok {
			entry.Context["request_id"] = rid
		}
	}

	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.closed {
		return ErrAuditClosed
	}
	a.stamp(entry)
	select {
	case a.queue <- entry:
		a.metrics.auditQueued()
		return nil
	default:
	}
	// queue full: wait rather than drop
	a.metrics.auditBackpressure()
	select {
	case a.queue <- entry:
		a.metrics.auditQueued()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stamp assigns a timestamp strictly after the actor's previous one and a
// monotonic ULID.
func (a *AuditLogger) stamp(entry *AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.now()
	if prev, ok := a.last[entry.ActorID]; ok && !ts.After(prev) {
		ts = prev.Add(time.Nanosecond)
	}
	a.last[entry.ActorID] = ts
	entry.Timestamp = ts
	id, err := ulid.New(ulid.Timestamp(ts), a.entropy)
	if err != nil {
		id = ulid.Make()
	}
	entry.ID = id.String()
	if len(a.last) > 4096 {
		a.pruneLocked(ts)
	}
}

// pruneLocked forgets actors idle for a minute; the wall clock has moved
// past their last stamp so monotonicity still holds for them.
func (a *AuditLogger) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	for actor, ts := range a.last {
		if ts.Before(cutoff) {
			delete(a.last, actor)
		}
	}
}

func (a *AuditLogger) run() {
	defer a.wg.Done()
	for entry := range a.queue {
		a.deliver(entry)
	}
}

func (a *AuditLogger) deliver(entry *AuditEntry) {
	var err error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(a.backoff * time.Duration(1<<(attempt-1)))
		}
		if err = a.sink.Append(context.Background(), entry); err == nil {
			a.metrics.auditWritten(true)
			return
		}
	}
	a.metrics.auditWritten(false)
	a.logger.Error("audit append failed",
		"id", entry.ID,
		"action", string(entry.Action),
		"actor", entry.ActorID,
		"company", entry.CompanyID,
		"attempts", a.maxRetries,
		"error", err)
}

// Pending returns the number of queued entries not yet handed to the sink.
func (a *AuditLogger) Pending() int {
	return len(a.queue)
}

// Close stops accepting entries and waits for the queue to drain.
func (a *AuditLogger) Close(ctx context.Context) error {
	a.sendMu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
