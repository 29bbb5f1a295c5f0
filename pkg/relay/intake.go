package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/benchdepot/pkg/audit"
	"github.com/Mindburn-Labs/benchdepot/pkg/dataset"
	"github.com/Mindburn-Labs/benchdepot/pkg/observability"
)

// AuditName is the operation name on every relay audit record.
const AuditName = "relay"

// DefaultRetentionDays applies when a manifest doesn't request a deletion
// date.
const DefaultRetentionDays = 730

// State is a step of a single intake.
type State string

const (
	StateStart           State = "START"
	StateResolving       State = "RESOLVING"
	StateBeginRecorded   State = "BEGIN_RECORDED"
	StateValidating      State = "VALIDATING"
	StateFinalizing      State = "FINALIZING"
	StateCleaning        State = "CLEANING"
	StateSuccessRecorded State = "SUCCESS_RECORDED"
	StateFailureRecorded State = "FAILURE_RECORDED"
	// StateAbandoned is reached when validation fails in an unexpected way:
	// BEGIN exists but no terminal record is written.
	StateAbandoned State = "ABANDONED"
)

// ErrAbandoned wraps unexpected validation failures.
var ErrAbandoned = errors.New("relay intake abandoned")

// Request is one relay intake.
type Request struct {
	// URI is the primary relay URI serving the manifest.
	URI string
	// Delete asks for both relay resources to be removed on success.
	Delete bool
	Actor  audit.Actor
}

// Result describes a stored (or already present) dataset.
type Result struct {
	ResourceID string
	Name       string
	CreatedAt  time.Time
	Notes      []string
	// Duplicate is set when the store already held the declared checksum
	// and nothing was transferred.
	Duplicate bool
	State     State
}

// IntakeOptions holds the optional collaborators of an Intake.
type IntakeOptions struct {
	RetentionDays int
	Observability *observability.Provider
	Now           func() time.Time
	Logger        *slog.Logger
}

// Intake runs the relay pipeline: resolve the manifest, stream and verify
// the tarball, finalize the dataset and optionally clean up the relay.
type Intake struct {
	resolver  Resolver
	validator Validator
	cleaner   Remover
	store     dataset.Store
	recorder  *audit.Recorder

	obs           *observability.Provider
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

func NewIntake(resolver Resolver, validator Validator, cleaner Remover, store dataset.Store, recorder *audit.Recorder, opts IntakeOptions) *Intake {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "relay")
	}
	if opts.Observability == nil {
		// A disabled provider never fails to construct.
		opts.Observability, _ = observability.New(context.Background(), &observability.Config{})
	}
	return &Intake{
		resolver:      resolver,
		validator:     validator,
		cleaner:       cleaner,
		store:         store,
		recorder:      recorder,
		obs:           opts.Observability,
		retentionDays: opts.RetentionDays,
		now:           opts.Now,
		logger:        opts.Logger,
	}
}

// Run performs one intake. A returned *Error carries the status and
// message for the caller; any other error is internal.
func (i *Intake) Run(ctx context.Context, req Request) (*Result, error) {
	state := StateStart
	defer func() { i.obs.RecordIntake(ctx, string(state)) }()

	state = StateResolving
	m, tags, err := i.resolve(ctx, req)
	if err != nil {
		rerr, ok := AsError(err)
		if !ok {
			return nil, fmt.Errorf("resolve relay manifest: %w", err)
		}
		if i.reject(ctx, req, rerr) {
			state = StateFailureRecorded
		}
		return nil, err
	}

	// A malformed checksum can't name a stored dataset; the transfer
	// reports it as a checksum mismatch.
	if !isChecksum(m.MD5) {
		i.logger.WarnContext(ctx, "relay manifest checksum is malformed", "uri", req.URI, "md5", m.MD5)
	} else if existing, err := i.store.Find(ctx, m.MD5); err == nil {
		state = StateStart
		i.logger.InfoContext(ctx, "relay dataset already present", "name", existing.Name, "resource_id", m.MD5)
		return &Result{
			ResourceID: m.MD5,
			Name:       existing.Name,
			CreatedAt:  existing.CreatedAt,
			Notes:      []string{},
			Duplicate:  true,
			State:      StateStart,
		}, nil
	} else if !errors.Is(err, dataset.ErrNotFound) {
		return nil, fmt.Errorf("look up dataset %s: %w", m.MD5, err)
	}

	md5 := m.MD5
	begin, err := i.recorder.Begin(ctx, audit.Entry{
		Name:       AuditName,
		Operation:  audit.OperationCreate,
		ObjectType: audit.ObjectDataset,
		ObjectID:   &md5,
		ObjectName: dataset.Stem(m.Name),
		Actor:      req.Actor,
		Attributes: map[string]any{
			"access":   string(m.Access),
			"metadata": tags.Mapping(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("record relay begin: %w", err)
	}

	state = StateValidating
	tarball, err := i.stream(ctx, m)
	if err != nil {
		rerr, ok := AsError(err)
		if !ok {
			// No terminal record: the failure says nothing about the
			// relay content.
			state = StateAbandoned
			i.logger.ErrorContext(ctx, "relay intake abandoned",
				"state", state, "audit_id", begin.ID, "uri", m.URI, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrAbandoned, err)
		}
		if i.fail(ctx, begin, rerr) {
			state = StateFailureRecorded
		}
		return nil, err
	}
	i.obs.RecordTarball(ctx, tarball.Size)

	state = StateFinalizing
	notes, err := i.finalize(ctx, m, tags, tarball)
	if err != nil {
		rerr, _ := AsError(err)
		if i.fail(ctx, begin, rerr) {
			state = StateFailureRecorded
		}
		return nil, err
	}

	if req.Delete {
		state = StateCleaning
		notes = append(notes, i.cleanup(ctx, req.URI, m.URI)...)
	}

	if _, err := i.recorder.Finish(ctx, begin, audit.StatusSuccess, nil, map[string]any{
		"access":   string(m.Access),
		"metadata": tags.Mapping(),
		"notes":    notes,
	}); err != nil {
		// The dataset is stored; losing the terminal record must not undo it.
		i.logger.ErrorContext(ctx, "unable to record relay success", "audit_id", begin.ID, "error", err)
	}
	state = StateSuccessRecorded

	i.logger.InfoContext(ctx, "relay intake complete",
		"name", tarball.Name, "resource_id", tarball.ResourceID, "notes", len(notes))
	return &Result{
		ResourceID: tarball.ResourceID,
		Name:       tarball.Name,
		CreatedAt:  tarball.CreatedAt,
		Notes:      notes,
		State:      state,
	}, nil
}

func (i *Intake) resolve(ctx context.Context, req Request) (m *Manifest, tags *Tags, err error) {
	ctx, done := i.obs.TrackOperation(ctx, "relay.resolve")
	defer func() { done(err) }()

	m, err = i.resolver.Resolve(ctx, req.URI)
	if err != nil {
		return nil, nil, err
	}
	tags, err = ParseTags(m.Metadata)
	if err != nil {
		return nil, nil, err
	}
	return m, tags, nil
}

func (i *Intake) stream(ctx context.Context, m *Manifest) (t *dataset.Tarball, err error) {
	ctx, done := i.obs.TrackOperation(ctx, "relay.stream", attribute.String("md5", m.MD5))
	defer func() { done(err) }()
	return i.validator.Stream(ctx, m)
}

func (i *Intake) cleanup(ctx context.Context, uris ...string) []string {
	ctx, done := i.obs.TrackOperation(ctx, "relay.cleanup")
	notes := i.cleaner.Remove(ctx, uris...)
	done(nil)
	return notes
}

// finalize stamps server metadata on the new dataset and returns the
// notes describing it. On failure the dataset is removed again.
func (i *Intake) finalize(ctx context.Context, m *Manifest, tags *Tags, t *dataset.Tarball) ([]string, error) {
	expiration := FormatDate(tags.Expiration(i.now(), i.retentionDays))
	notes := []string{
		fmt.Sprintf("Identified benchmark workload '%s'.", workload(t)),
		fmt.Sprintf("Expected expiration date is %s.", expiration),
	}

	metadata := make(map[string]any, len(tags.Values)+3)
	for k, v := range tags.Values {
		metadata[k] = v
	}
	metadata["dataset.access"] = string(m.Access)
	metadata[KeyDeletion] = expiration
	metadata[KeyOrigin] = "relay"

	if err := i.store.SetMetadata(ctx, t.ResourceID, metadata); err != nil {
		i.logger.ErrorContext(ctx, "unable to finalize dataset", "resource_id", t.ResourceID, "error", err)
		if derr := t.Delete(ctx); derr != nil {
			i.logger.ErrorContext(ctx, "unable to roll back dataset", "resource_id", t.ResourceID, "error", derr)
		}
		return nil, Inconsistent(http.StatusInternalServerError, "Unable to finalize dataset %s", t.Name)
	}
	return notes, nil
}

func workload(t *dataset.Tarball) string {
	if section, ok := t.Metadata["pbench"].(map[string]any); ok {
		if script, ok := section["script"].(string); ok && script != "" {
			return script
		}
	}
	return "unknown"
}

// reject audits a request that failed before its dataset could be
// identified. It reports whether the FAILURE record was written.
func (i *Intake) reject(ctx context.Context, req Request, rerr *Error) bool {
	begin, err := i.recorder.Begin(ctx, audit.Entry{
		Name:       AuditName,
		Operation:  audit.OperationCreate,
		ObjectType: audit.ObjectDataset,
		ObjectName: req.URI,
		Actor:      req.Actor,
		Attributes: map[string]any{},
	})
	if err != nil {
		i.logger.ErrorContext(ctx, "unable to record relay begin", "uri", req.URI, "error", err)
		return false
	}
	if _, err := i.recorder.Finish(ctx, begin, audit.StatusFailure, nil, map[string]any{"message": rerr.Message}); err != nil {
		i.logger.ErrorContext(ctx, "unable to record relay failure", "audit_id", begin.ID, "error", err)
		return false
	}
	return true
}

func (i *Intake) fail(ctx context.Context, begin *audit.Record, rerr *Error) bool {
	if _, err := i.recorder.Finish(ctx, begin, audit.StatusFailure, audit.ReasonConsistency.Ptr(),
		map[string]any{"message": rerr.Message}); err != nil {
		i.logger.ErrorContext(ctx, "unable to record relay failure", "audit_id", begin.ID, "error", err)
		return false
	}
	return true
}

// isChecksum reports whether s is a lowercase hex MD5 digest.
func isChecksum(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
