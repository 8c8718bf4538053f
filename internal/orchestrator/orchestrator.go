// Package orchestrator drives a session's task graph from a user query to
// either a pause that needs the user or a final summary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/llm"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/taskgraph"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

var (
	ErrEmptyQuery    = errors.New("query is empty")
	ErrSummaryFailed = errors.New("summary generation failed")
	ErrCycleLimit    = errors.New("walk cycle limit reached")
)

// Defaults for Advance limits. A zero auto-resume cap means the answer
// generator is consulted on every pause and only the cycle cap bounds a call.
const (
	DefaultMaxAutoResume = 0
	DefaultMaxCycles     = 64
)

var tracer = otel.Tracer("github.com/flexinfer/mentatlab/services/taskgraph-go/internal/orchestrator")

// Answerer decides whether an agent's question can be answered without the user.
type Answerer interface {
	Answer(ctx context.Context, req llm.AnswerRequest) (llm.Answer, error)
}

// Summarizer turns accumulated results into the final reply.
type Summarizer interface {
	Summarize(ctx context.Context, results []types.Result) (string, error)
}

// PlanValidator checks a planning payload before its tasks are trusted.
type PlanValidator interface {
	ValidatePlanningJSON(data []byte) *validator.ValidationResult
}

// Orchestrator advances sessions. It holds no session state of its own and
// may be shared by concurrent calls on different sessions.
type Orchestrator struct {
	executor   taskgraph.Executor
	answerer   Answerer
	summarizer Summarizer
	plans      PlanValidator
	recorder   Recorder
	logger     *slog.Logger

	maxAutoResume int
	maxCycles     int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPlanValidator validates planning artifacts before extending the graph.
func WithPlanValidator(v PlanValidator) Option {
	return func(o *Orchestrator) { o.plans = v }
}

// WithRecorder sets where progress is recorded.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMaxAutoResume caps how many pauses one call may answer on its own.
// Zero removes the cap.
func WithMaxAutoResume(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxAutoResume = n
		}
	}
}

// WithMaxCycles caps walk cycles per call.
func WithMaxCycles(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxCycles = n
		}
	}
}

// New creates an orchestrator.
func New(exec taskgraph.Executor, answerer Answerer, summarizer Summarizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		executor:      exec,
		answerer:      answerer,
		summarizer:    summarizer,
		recorder:      NopRecorder{},
		logger:        slog.Default(),
		maxAutoResume: DefaultMaxAutoResume,
		maxCycles:     DefaultMaxCycles,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.answerer == nil {
		o.answerer = llm.NeverAnswer{}
	}
	if o.summarizer == nil {
		o.summarizer = llm.ListSummarizer{}
	}
	return o
}

// Advance feeds query into sess and streams what happens. The stream ends
// after a Paused outcome, after a Summary outcome, or with an error. The
// caller may stop ranging at any time; the running walk is stopped with it.
//
// A contextID different from the session's resets the session first. A
// non-empty taskID is written into the node the call starts from.
func (o *Orchestrator) Advance(ctx context.Context, sess *Session, query, contextID, taskID string) iter.Seq2[types.Outcome, error] {
	return func(yield func(types.Outcome, error) bool) {
		if strings.TrimSpace(query) == "" {
			yield(types.Outcome{}, ErrEmptyQuery)
			return
		}

		ctx, span := tracer.Start(ctx, "orchestrator.advance", trace.WithAttributes(
			attribute.String("taskgraph.context_id", contextID),
		))
		defer span.End()
		start := time.Now()

		a := &advance{o: o, sess: sess, yield: yield, rctx: context.WithoutCancel(ctx)}
		result, err := a.run(ctx, query, contextID, taskID)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.logger.Warn("advance failed",
				slog.String("context_id", sess.ContextID),
				slog.Any("error", err))
		}
		o.recorder.End(a.rctx, a.graph, err)
		metrics.AdvancesTotal.WithLabelValues(result).Inc()
		metrics.AdvanceDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("taskgraph.outcome", result))

		if err != nil && result != resultAbandoned {
			yield(types.Outcome{}, err)
		}
	}
}

const (
	resultSummary   = "summary"
	resultPaused    = "paused"
	resultError     = "error"
	resultAbandoned = "abandoned"
)

// advance is the state of one Advance call.
type advance struct {
	o     *Orchestrator
	sess  *Session
	graph *taskgraph.Graph
	yield func(types.Outcome, error) bool

	// rctx outlives the caller so recording survives cancellation.
	rctx context.Context

	restartAt   string
	autoResumed int
}

func (a *advance) run(ctx context.Context, query, contextID, taskID string) (string, error) {
	sess := a.sess
	if contextID != sess.ContextID {
		if sess.Graph != nil {
			a.o.logger.Info("context changed, resetting session",
				slog.String("from", sess.ContextID),
				slog.String("to", contextID))
		}
		sess.Reset(contextID)
	}
	sess.touch()
	sess.addQuery(query)

	startID := a.start(query)
	g := sess.Graph
	a.graph = g

	for cycle := 0; ; cycle++ {
		if cycle >= a.o.maxCycles {
			return resultError, fmt.Errorf("%w: %d", ErrCycleLimit, a.o.maxCycles)
		}

		n, ok := g.Node(startID)
		if !ok {
			return resultError, fmt.Errorf("%w: %s", taskgraph.ErrUnknownNode, startID)
		}
		n.SetAttr(types.AttrContextID, sess.ContextID)
		if cycle == 0 && taskID != "" {
			n.SetAttr(types.AttrTaskID, taskID)
		}
		sess.StartID = startID
		a.restartAt = ""

		a.o.recorder.Begin(a.rctx, sess.ContextID, g)
		metrics.WalksTotal.Inc()
		a.o.logger.Debug("walk cycle",
			slog.String("context_id", sess.ContextID),
			slog.String("start", startID),
			slog.Int("cycle", cycle))

		for step, err := range g.Run(ctx, startID) {
			if err != nil {
				metrics.NodesTotal.WithLabelValues("failed").Inc()
				return resultError, err
			}
			switch a.handle(ctx, step) {
			case stepPaused:
				return resultPaused, nil
			case stepAbandoned:
				return resultAbandoned, nil
			}
		}

		switch {
		case a.restartAt != "":
			startID = a.restartAt
		case g.Status() == types.StatusCompleted:
			return a.finish(ctx)
		default:
			pending := g.Pending()
			if len(pending) == 0 {
				return a.finish(ctx)
			}
			startID = pending[0].ID()
		}
	}
}

// start picks the node the first cycle starts from, creating the graph for
// a fresh session.
func (a *advance) start(query string) string {
	sess := a.sess
	switch {
	case sess.Graph == nil:
		g := taskgraph.New(a.o.executor, taskgraph.WithLogger(a.o.logger))
		n, _ := g.AddChainedNode("", query, types.PlannerKey, types.PlannerKey, map[string]string{
			types.AttrQuery: query,
		})
		sess.Graph = g
		return n.ID()
	case sess.Graph.Status() == types.StatusPaused:
		id := sess.Graph.PausedNodeID()
		if n, ok := sess.Graph.Node(id); ok {
			n.SetAttr(types.AttrQuery, query)
			return id
		}
	}
	return sess.StartID
}

type stepResult int

const (
	stepContinue stepResult = iota
	stepPaused
	stepAbandoned
)

func (a *advance) handle(ctx context.Context, step taskgraph.Step) stepResult {
	g := a.graph
	n, _ := g.Node(step.NodeID)

	switch e := step.Event.(type) {
	case *types.InputRequired:
		if a.tryAnswer(ctx, n, e) {
			return stepContinue
		}
		a.o.recorder.Event(a.rctx, g, n.ID(), types.EventTypeInputRequired, e)
		metrics.NodesTotal.WithLabelValues("paused").Inc()
		metrics.PausesTotal.WithLabelValues("forwarded").Inc()
		a.sess.StartID = n.ID()
		a.yield(types.Outcome{
			Kind:      types.OutcomePaused,
			ContextID: a.sess.ContextID,
			NodeID:    n.ID(),
			NodeKey:   n.Key,
			Event:     e,
		}, nil)
		return stepPaused

	case *types.Artifact:
		a.o.recorder.Event(a.rctx, g, n.ID(), types.EventTypeArtifact, e)
		if e.IsPlanning() {
			a.extend(n, e)
		} else {
			a.sess.addResult(types.Result{NodeID: n.ID(), Task: n.Task, Artifact: e})
		}

	case *types.Completed:
		metrics.NodesTotal.WithLabelValues("completed").Inc()
		a.o.recorder.Event(a.rctx, g, n.ID(), types.EventTypeNodeStatus, types.NodeStatusEvent{
			Status: n.Status(),
			Key:    n.Key,
			Task:   n.Task,
		})

	case *types.StatusWorking:
		a.o.recorder.Event(a.rctx, g, n.ID(), types.EventTypeProgress, e)
	}

	if !a.yield(a.outcome(step), nil) {
		return stepAbandoned
	}
	return stepContinue
}

func (a *advance) outcome(step taskgraph.Step) types.Outcome {
	return types.Outcome{
		Kind:      types.OutcomeEvent,
		ContextID: a.sess.ContextID,
		NodeID:    step.NodeID,
		NodeKey:   step.NodeKey,
		Event:     step.Event,
	}
}

// tryAnswer resolves a pause without the user when the answer generator can.
func (a *advance) tryAnswer(ctx context.Context, n *taskgraph.Node, e *types.InputRequired) bool {
	log := a.o.logger.With(slog.String("context_id", a.sess.ContextID), slog.String("node_id", n.ID()))
	if a.o.maxAutoResume > 0 && a.autoResumed >= a.o.maxAutoResume {
		log.Debug("auto-resume limit reached", slog.Int("limit", a.o.maxAutoResume))
		return false
	}

	ans, err := a.o.answerer.Answer(ctx, llm.AnswerRequest{
		Question: e.Question,
		Context:  a.sess.Context,
		History:  a.sess.History(),
	})
	if err != nil {
		log.Warn("answer generation failed", slog.Any("error", err))
		return false
	}
	text := strings.TrimSpace(ans.Text)
	if !ans.CanAnswer || text == "" {
		return false
	}

	a.autoResumed++
	n.SetAttr(types.AttrQuery, text)
	if e.TaskID != "" {
		n.SetAttr(types.AttrTaskID, e.TaskID)
	}
	a.restartAt = n.ID()

	metrics.PausesTotal.WithLabelValues("auto_resumed").Inc()
	a.o.recorder.Event(a.rctx, a.graph, n.ID(), types.EventTypeAutoResumed, map[string]string{
		"question": e.Question,
		"answer":   text,
	})
	log.Info("answered input request", slog.String("question", e.Question))
	return true
}

// extend chains the planned tasks after the current tail. A node re-run
// after its plan was applied leaves the graph alone; its tasks already hang
// off it and are on the current walk.
func (a *advance) extend(planner *taskgraph.Node, art *types.Artifact) {
	log := a.o.logger.With(slog.String("context_id", a.sess.ContextID), slog.String("node_id", planner.ID()))

	if first := planner.Extension(); first != "" {
		log.Debug("plan already applied", slog.String("first", first))
		return
	}

	if a.o.plans != nil {
		if res := a.o.plans.ValidatePlanningJSON(art.Data); !res.Valid {
			log.Warn("ignoring invalid planning artifact", slog.String("error", res.Error()))
			return
		}
	}
	plan, err := art.Plan()
	if err != nil {
		log.Warn("ignoring malformed planning artifact", slog.Any("error", err))
		return
	}
	if len(plan.Context) > 0 {
		a.sess.Context = plan.Context
	}

	g := a.graph
	after := ""
	if tail := g.Tail(); tail != nil {
		after = tail.ID()
	}
	first := after

	added := make([]string, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		n, err := g.AddChainedNode(after, t.Description, taskKey(t.Description), t.Description, map[string]string{
			types.AttrQuery:     t.Description,
			types.AttrContextID: a.sess.ContextID,
		})
		if err != nil {
			log.Warn("failed to add planned task", slog.String("task", t.Description), slog.Any("error", err))
			break
		}
		added = append(added, n.ID())
		after = n.ID()
	}
	if len(added) == 0 {
		return
	}
	if err := g.MarkExtended(planner.ID(), added[0]); err != nil {
		log.Warn("failed to mark plan applied", slog.Any("error", err))
	}

	if a.restartAt == "" {
		a.restartAt = added[0]
	}
	metrics.PlanExtensionsTotal.Add(float64(len(added)))
	a.o.recorder.Event(a.rctx, g, planner.ID(), types.EventTypePlanExtended, types.PlanExtendedEvent{
		After: first,
		Added: added,
	})
	log.Info("extended plan", slog.Int("added", len(added)))
}

// finish summarizes a completed graph and resets the session.
func (a *advance) finish(ctx context.Context) (string, error) {
	sess := a.sess
	summary, err := a.o.summarizer.Summarize(ctx, sess.Results())
	if err != nil {
		metrics.SummariesTotal.WithLabelValues("error").Inc()
		return resultError, fmt.Errorf("%w: %w", ErrSummaryFailed, err)
	}
	metrics.SummariesTotal.WithLabelValues("success").Inc()

	a.o.recorder.Summarized(a.rctx, sess, summary)
	contextID := sess.ContextID
	sess.Reset(contextID)

	a.yield(types.Outcome{
		Kind:      types.OutcomeSummary,
		ContextID: contextID,
		Summary:   summary,
	}, nil)
	return resultSummary, nil
}

// taskKey derives a resolver key from a task description.
func taskKey(desc string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(desc) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			dash = false
		case !dash && sb.Len() > 0:
			sb.WriteByte('-')
			dash = true
		}
		if sb.Len() >= 48 {
			break
		}
	}
	key := strings.TrimSuffix(sb.String(), "-")
	if key == "" || key == types.PlannerKey {
		return "task"
	}
	return key
}
