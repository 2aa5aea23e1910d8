package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/guardrail"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
)

const tracerName = "github.com/kirillkom/grounded-retrieval/internal/core/usecase"

// Deps are the collaborators of the workflow service. Reranker, Traces,
// Logger and Tracer are optional.
type Deps struct {
	Embedder ports.QueryEmbedder
	Vector   ports.VectorIndex
	Lexical  ports.LexicalIndex
	Drafter  ports.AnswerDrafter
	Reranker *Reranker
	Scanner  *guardrail.Scanner
	Traces   ports.TraceSink
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// Service drives retrieve and answer workflows.
type Service struct {
	normalizer *QueryNormalizer
	retriever  *HybridRetriever
	reranker   *Reranker
	drafter    ports.AnswerDrafter
	validator  *CitationValidator
	scanner    *guardrail.Scanner
	traces     ports.TraceSink
	settings   Settings
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

var _ ports.RetrievalService = (*Service)(nil)

func NewService(deps Deps, settings Settings) *Service {
	settings = settings.WithDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	scanner := deps.Scanner
	if scanner == nil {
		scanner = guardrail.NewScanner(guardrail.DefaultProfile())
	}
	return &Service{
		normalizer: NewQueryNormalizer(settings),
		retriever:  NewHybridRetriever(deps.Embedder, deps.Vector, deps.Lexical, settings, logger),
		reranker:   deps.Reranker,
		drafter:    deps.Drafter,
		validator:  NewCitationValidator(settings.Grounding),
		scanner:    scanner,
		traces:     deps.Traces,
		settings:   settings,
		logger:     logger,
		tracer:     tracer,
		now:        time.Now,
	}
}

// run accumulates the audit record of one workflow invocation.
type run struct {
	trace domain.TraceRecord
}

func (s *Service) begin(kind domain.WorkflowKind, raw domain.RawQuery) *run {
	requestID := raw.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &run{trace: domain.TraceRecord{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Kind:      kind,
		StartedAt: s.now().UTC(),
		Legs:      make(map[domain.RetrievalMethod]domain.LegStatus, 2),
	}}
}

func (r *run) enter(state domain.WorkflowState) {
	r.trace.States = append(r.trace.States, state)
}

func (s *Service) stage(ctx context.Context, r *run, state domain.WorkflowState) (context.Context, trace.Span) {
	r.enter(state)
	return s.tracer.Start(ctx, "workflow."+string(state))
}

func (s *Service) Retrieve(ctx context.Context, raw domain.RawQuery) (*domain.ResultSet, error) {
	r := s.begin(domain.WorkflowRetrieve, raw)
	raw.RequestID = r.trace.RequestID

	ctx, span := s.tracer.Start(ctx, "workflow.retrieve", trace.WithAttributes(
		attribute.String("request.id", r.trace.RequestID),
	))
	defer span.End()

	query, err := s.normalizer.Normalize(raw)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.trace.Query = query

	rs, err := s.retrieveRanked(ctx, r, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() == nil {
			r.trace.Status = domain.AnswerRejected
			r.trace.RejectReason = domain.RejectUnavailable
			r.trace.Error = err.Error()
			r.enter(domain.StateRejected)
			s.record(ctx, r)
		}
		return nil, err
	}

	r.trace.Status = domain.AnswerFinal
	terminal := domain.StateFinalized
	if rs.Partial {
		r.trace.Status = domain.AnswerDegraded
		terminal = domain.StateDegraded
	}
	r.enter(terminal)
	span.SetAttributes(attribute.String("workflow.status", string(r.trace.Status)))
	s.record(ctx, r)
	return rs, nil
}

func (s *Service) retrieveRanked(ctx context.Context, r *run, query domain.Query) (*domain.ResultSet, error) {
	legCtx, legSpan := s.stage(ctx, r, domain.StateRetrieving)
	retrieval, err := s.retriever.Retrieve(legCtx, query)
	if err != nil {
		legSpan.RecordError(err)
		legSpan.End()
		return nil, err
	}
	for method, status := range retrieval.Legs {
		r.trace.Legs[method] = status
		legSpan.SetAttributes(attribute.String("leg."+string(method), string(status)))
	}
	legSpan.End()
	r.trace.Partial = retrieval.Partial
	r.trace.Snapshot = retrieval.Snapshot()

	_, fuseSpan := s.stage(ctx, r, domain.StateFusing)
	fused := FuseRRF(s.settings.FusionConstant, retrieval.Vector, retrieval.Lexical)
	candidates := make([]domain.RankedPassage, 0, len(fused))
	for _, f := range fused {
		candidates = append(candidates, domain.RankedPassage{
			Passage: retrieval.Passages[f.PassageID],
			Fused:   f,
			Rank:    f.Rank,
		})
	}
	candidates = trimRanked(candidates, s.settings.CandidatePool)
	fuseSpan.SetAttributes(attribute.Int("fusion.candidates", len(candidates)))
	fuseSpan.End()

	rerankStatus := domain.RerankDisabled
	rerankReason := ""
	if s.reranker.Enabled() {
		rerankCtx, rerankSpan := s.stage(ctx, r, domain.StateReranking)
		outcome := s.reranker.Rerank(rerankCtx, query.Text, candidates)
		candidates = outcome.Value.Ranked
		rerankStatus = outcome.Value.Status
		rerankReason = outcome.Reason
		rerankSpan.SetAttributes(attribute.String("rerank.status", string(rerankStatus)))
		if outcome.Err != nil {
			rerankSpan.RecordError(outcome.Err)
		}
		rerankSpan.End()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := trimRanked(candidates, query.K)
	r.trace.RerankStatus = rerankStatus
	r.trace.RerankReason = rerankReason
	r.trace.Ranked = traceFinals(results)

	return &domain.ResultSet{
		Query:        query,
		Results:      results,
		Partial:      retrieval.Partial,
		Legs:         retrieval.Legs,
		RerankStatus: rerankStatus,
		RerankReason: rerankReason,
		Snapshot:     r.trace.Snapshot,
	}, nil
}

// Answer runs the full pipeline. A rejected answer is returned together with
// a *domain.RejectionError.
func (s *Service) Answer(ctx context.Context, raw domain.RawQuery) (*domain.Answer, error) {
	r := s.begin(domain.WorkflowAnswer, raw)
	raw.RequestID = r.trace.RequestID

	ctx, span := s.tracer.Start(ctx, "workflow.answer", trace.WithAttributes(
		attribute.String("request.id", r.trace.RequestID),
	))
	defer span.End()

	query, err := s.normalizer.Normalize(raw)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.trace.Query = query

	answer, err := s.answer(ctx, r, query)
	if err != nil && ctx.Err() != nil {
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, ctx.Err()
	}
	span.SetAttributes(
		attribute.String("workflow.status", string(answer.Status)),
		attribute.Int("workflow.generations", r.trace.Generations),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	answer.Trace = r.trace
	s.record(ctx, r)
	answer.Trace.FinishedAt = r.trace.FinishedAt
	return answer, err
}

func (s *Service) answer(ctx context.Context, r *run, query domain.Query) (*domain.Answer, error) {
	rs, err := s.retrieveRanked(ctx, r, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return s.reject(r, domain.RejectUnavailable, err), rejection(domain.RejectUnavailable, err)
	}
	if len(rs.Results) == 0 {
		return s.reject(r, domain.RejectInsufficientEvidence, nil), rejection(domain.RejectInsufficientEvidence, nil)
	}

	passages := make([]domain.Passage, 0, len(rs.Results))
	for _, rp := range rs.Results {
		passages = append(passages, rp.Passage)
	}

	contextFindings := s.scanner.ScanPassages(passages)
	r.trace.GuardrailFindings = append(r.trace.GuardrailFindings, contextFindings...)
	switch guardrail.Decide(contextFindings) {
	case domain.DecisionBlock:
		cause := domain.WrapError(domain.ErrGuardrailViolation, "scan retrieved context", errors.New("high severity finding"))
		return s.reject(r, domain.RejectUnsafeContent, cause), rejection(domain.RejectUnsafeContent, cause)
	case domain.DecisionRegenerate:
		passages, r.trace.SuppressedIDs = suppress(passages, guardrail.PassagesAtLeast(contextFindings, domain.SeverityMedium))
	}
	if len(passages) == 0 {
		return s.reject(r, domain.RejectInsufficientEvidence, nil), rejection(domain.RejectInsufficientEvidence, nil)
	}

	instruction := ""
	for {
		draft, err := s.generate(ctx, r, query, passages, instruction)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			cause := domain.WrapError(domain.ErrTemporary, "draft answer", err)
			return s.reject(r, domain.RejectUnavailable, cause), rejection(domain.RejectUnavailable, cause)
		}

		_, validateSpan := s.stage(ctx, r, domain.StateValidating)
		verdict := s.validator.Validate(draft, passages)
		r.trace.Grounding = append(r.trace.Grounding, verdict)
		outputFindings := s.scanner.Scan(draft.Text, domain.SourceDraftedOutput)
		r.trace.GuardrailFindings = append(r.trace.GuardrailFindings, outputFindings...)
		decision := guardrail.Decide(outputFindings)
		validateSpan.SetAttributes(
			attribute.Bool("grounding.grounded", verdict.Grounded),
			attribute.String("guardrail.decision", string(decision)),
		)
		validateSpan.End()

		if decision == domain.DecisionBlock {
			cause := domain.WrapError(domain.ErrGuardrailViolation, "scan drafted output", errors.New("high severity finding"))
			return s.reject(r, domain.RejectUnsafeContent, cause), rejection(domain.RejectUnsafeContent, cause)
		}

		ungrounded := !verdict.Grounded
		unsafe := decision == domain.DecisionRegenerate
		if !ungrounded && !unsafe {
			return s.finalize(r, rs, draft, passages, contextFindings, outputFindings), nil
		}

		if r.trace.Generations >= s.settings.MaxGenerations {
			if verdict.EmptyDraft {
				cause := groundingError(verdict)
				return s.reject(r, domain.RejectInsufficientEvidence, cause), rejection(domain.RejectInsufficientEvidence, cause)
			}
			if ungrounded {
				cause := domain.WrapError(domain.ErrUnsupportedCitation, "validate citations", groundingError(verdict))
				return s.reject(r, domain.RejectUngrounded, cause), rejection(domain.RejectUngrounded, cause)
			}
			cause := domain.WrapError(domain.ErrGuardrailViolation, "scan drafted output", errors.New("medium severity finding after regeneration"))
			return s.reject(r, domain.RejectUnsafeContent, cause), rejection(domain.RejectUnsafeContent, cause)
		}
		instruction = correctiveInstruction(verdict, outputFindings, ungrounded, unsafe)
		s.logger.Info("answer_regenerate",
			"request_id", r.trace.RequestID,
			"ungrounded", ungrounded,
			"unsafe", unsafe,
		)
	}
}

func (s *Service) generate(
	ctx context.Context,
	r *run,
	query domain.Query,
	passages []domain.Passage,
	instruction string,
) (domain.Draft, error) {
	genCtx, span := s.stage(ctx, r, domain.StateGenerating)
	defer span.End()
	genCtx, cancel := context.WithTimeout(genCtx, s.settings.GenerationTimeout)
	defer cancel()

	r.trace.Generations++
	span.SetAttributes(attribute.Int("generation.attempt", r.trace.Generations))
	draft, err := s.drafter.Draft(genCtx, ports.DraftRequest{
		Query:       query.Text,
		Passages:    passages,
		Instruction: instruction,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Draft{}, err
	}
	return draft, nil
}

func (s *Service) finalize(
	r *run,
	rs *domain.ResultSet,
	draft domain.Draft,
	passages []domain.Passage,
	contextFindings, outputFindings []domain.GuardrailFinding,
) *domain.Answer {
	status := domain.AnswerFinal
	terminal := domain.StateFinalized
	if rs.Partial {
		status = domain.AnswerDegraded
		terminal = domain.StateDegraded
	}
	r.enter(terminal)
	r.trace.Status = status

	supplied := make(map[string]struct{}, len(passages))
	for _, p := range passages {
		supplied[p.ID] = struct{}{}
	}
	sources := make([]domain.RankedPassage, 0, len(passages))
	for _, rp := range rs.Results {
		if _, ok := supplied[rp.Passage.ID]; ok {
			sources = append(sources, rp)
		}
	}

	findings := make([]domain.GuardrailFinding, 0, len(contextFindings)+len(outputFindings))
	findings = append(findings, contextFindings...)
	findings = append(findings, outputFindings...)

	citations := draft.Citations
	if citations == nil {
		citations = []domain.Citation{}
	}
	return &domain.Answer{
		Text:              draft.Text,
		Citations:         citations,
		GuardrailFindings: findings,
		Status:            status,
		Sources:           sources,
	}
}

func (s *Service) reject(r *run, reason domain.RejectReason, cause error) *domain.Answer {
	r.enter(domain.StateRejected)
	r.trace.Status = domain.AnswerRejected
	r.trace.RejectReason = reason
	if cause != nil {
		r.trace.Error = cause.Error()
	}
	return &domain.Answer{
		Text:              domain.FallbackMessage(reason),
		Citations:         []domain.Citation{},
		GuardrailFindings: []domain.GuardrailFinding{},
		Status:            domain.AnswerRejected,
		RejectReason:      reason,
	}
}

func rejection(reason domain.RejectReason, cause error) error {
	return &domain.RejectionError{Reason: reason, Message: domain.FallbackMessage(reason), Cause: cause}
}

// record hands the trace to the sink once. Sink failures are logged only.
func (s *Service) record(ctx context.Context, r *run) {
	r.trace.FinishedAt = s.now().UTC()
	if s.traces == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settings.TraceTimeout)
	defer cancel()
	if err := s.traces.Record(recordCtx, r.trace); err != nil {
		s.logger.Warn("trace_record_failed",
			"trace_id", r.trace.ID,
			"request_id", r.trace.RequestID,
			"error", err,
		)
	}
}

func suppress(passages []domain.Passage, drop map[string]struct{}) ([]domain.Passage, []string) {
	kept := make([]domain.Passage, 0, len(passages))
	var suppressed []string
	for _, p := range passages {
		if _, bad := drop[p.ID]; bad {
			suppressed = append(suppressed, p.ID)
			continue
		}
		kept = append(kept, p)
	}
	return kept, suppressed
}

func traceFinals(results []domain.RankedPassage) []domain.TraceFinal {
	out := make([]domain.TraceFinal, 0, len(results))
	for _, rp := range results {
		entry := domain.TraceFinal{
			PassageID:  rp.Passage.ID,
			FusedScore: rp.Fused.FusedScore,
			Rank:       rp.Rank,
		}
		if rp.Reranked != nil {
			score := rp.Reranked.RerankerScore
			entry.RerankerScore = &score
		}
		out = append(out, entry)
	}
	return out
}

func groundingError(verdict domain.GroundingVerdict) error {
	if verdict.EmptyDraft {
		return errors.New("draft is empty")
	}
	if verdict.MissingCitations {
		return errors.New("draft has no citations")
	}
	bad := verdict.Unsupported()
	parts := make([]string, 0, len(bad))
	for _, c := range bad {
		parts = append(parts, fmt.Sprintf("%s(%s)", c.Citation.PassageID, c.Issue))
	}
	return fmt.Errorf("%d of %d citations unsupported: %s", len(bad), len(verdict.Checks), strings.Join(parts, ", "))
}

func correctiveInstruction(verdict domain.GroundingVerdict, findings []domain.GuardrailFinding, ungrounded, unsafe bool) string {
	var b strings.Builder
	if ungrounded {
		switch {
		case verdict.EmptyDraft:
			b.WriteString("Your previous answer was empty. Answer the question from the passages and cite each claim. ")
		case verdict.MissingCitations:
			b.WriteString("Your previous answer had no citations. Cite every claim with the passage id it comes from. ")
		default:
			b.WriteString("Your previous answer cited sources that do not support it: ")
			for i, c := range verdict.Unsupported() {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(c.Citation.PassageID)
			}
			b.WriteString(". Cite only the passage ids listed in the context and only locations those passages contain. ")
		}
	}
	if unsafe {
		seen := make(map[domain.GuardrailCategory]bool)
		cats := make([]string, 0, len(findings))
		for _, f := range findings {
			if !seen[f.Category] {
				seen[f.Category] = true
				cats = append(cats, string(f.Category))
			}
		}
		b.WriteString("Your previous answer contained disallowed content (")
		b.WriteString(strings.Join(cats, ", "))
		b.WriteString("). Answer in plain prose without markup, code, commands or credentials. ")
	}
	b.WriteString("If the passages do not answer the question, say so.")
	return b.String()
}
