// Package lifecycle drives NFP-e documents through their states: creation,
// key assignment, assembly, signing, transmission, receipt polling and the
// events (cancellation, correction letter) that follow authorization.
//
// The service is the only place where failures become persisted document
// state. Lower layers return typed errors and never touch status.
package lifecycle

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fazendabrasil/gonfpe/internal/adapters/assembler"
	"fazendabrasil/gonfpe/internal/core/accesskey"
	"fazendabrasil/gonfpe/internal/core/authority"
	"fazendabrasil/gonfpe/internal/core/erp"
	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/core/queue"
	"fazendabrasil/gonfpe/internal/core/signing"
	"fazendabrasil/gonfpe/internal/core/tax"
	"fazendabrasil/gonfpe/internal/infrastructure/config"
	ctxutil "fazendabrasil/gonfpe/internal/infrastructure/context"
)

var (
	// ErrStillProcessing is recorded when SEFAZ keeps answering 105 for a
	// receipt. The receipt is kept and the next attempt resumes polling.
	ErrStillProcessing = errors.New("lifecycle: batch still in process")
	// ErrUnexpectedAnswer marks a reply whose code makes no sense at that
	// step, such as 107 to a batch submission.
	ErrUnexpectedAnswer = errors.New("lifecycle: unexpected authority answer")
	// ErrXMLUnavailable is returned when a document was never signed.
	ErrXMLUnavailable = errors.New("lifecycle: document has no signed xml")
	// ErrConcurrentChange is returned when a status compare-and-set lost.
	ErrConcurrentChange = errors.New("lifecycle: document changed concurrently")
)

// Recorder receives lifecycle metrics.
type Recorder interface {
	Transition(status string)
	ObserveProcess(status string, elapsed time.Duration)
}

// Dependencies are the collaborators of the service. ERP and Recorder are
// optional.
type Dependencies struct {
	Documents nfpe.DocumentRepository
	Events    nfpe.EventRepository
	Farms     nfpe.FarmRepository
	Signer    signing.Signer
	Authority authority.Authority
	Queue     queue.Queue
	ERP       erp.Source
	Recorder  Recorder
}

// Service orchestrates the document lifecycle.
type Service struct {
	docs      nfpe.DocumentRepository
	events    nfpe.EventRepository
	farms     nfpe.FarmRepository
	signer    signing.Signer
	authority authority.Authority
	queue     queue.Queue
	erp       erp.Source
	recorder  Recorder

	cfg  config.SefazSettings
	opts assembler.Options
	log  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates the lifecycle service. Polling attempts and interval
// come from cfg; transport retries are the authority client's concern.
func NewService(deps Dependencies, cfg config.SefazSettings, appVersion string, log *slog.Logger) *Service {
	stateCode := cfg.StateCode
	if stateCode == "" {
		stateCode = "51"
	}
	return &Service{
		docs:      deps.Documents,
		events:    deps.Events,
		farms:     deps.Farms,
		signer:    deps.Signer,
		authority: deps.Authority,
		queue:     deps.Queue,
		erp:       deps.ERP,
		recorder:  deps.Recorder,
		cfg:       cfg,
		opts: assembler.Options{
			Ambient:    cfg.AmbientCode(),
			StateCode:  stateCode,
			Location:   cfg.Location(),
			AppVersion: appVersion,
		},
		log:   log.With("component", "lifecycle"),
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Create computes taxes and totals, validates the document and stores it
// with the farm's next number. The new document is queued for processing
// without waiting for room; a full queue or a failed enqueue is only
// logged because the sweeper picks up every PENDING document.
func (s *Service) Create(ctx context.Context, doc nfpe.Document) (nfpe.Document, error) {
	if _, err := s.farms.GetFarm(ctx, doc.FarmID); err != nil {
		return nfpe.Document{}, fmt.Errorf("load farm %s: %w", doc.FarmID, err)
	}
	if doc.IssuedAt.IsZero() {
		doc.IssuedAt = s.now()
	}
	tax.ApplyDocument(&doc)
	if err := doc.Validate(); err != nil {
		return nfpe.Document{}, err
	}

	created, err := s.docs.Create(ctx, doc)
	if err != nil {
		return nfpe.Document{}, fmt.Errorf("create document: %w", err)
	}
	s.transitioned(created.Status)
	s.log.InfoContext(ctx, "document created",
		"document_id", created.ID,
		"farm_id", created.FarmID,
		"number", created.Number,
		"series", created.Series,
	)

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, created.ID); err != nil {
			s.log.WarnContext(ctx, "enqueue new document failed", "document_id", created.ID, "error", err)
		}
	}
	return created, nil
}

// Get returns a document with its items.
func (s *Service) Get(ctx context.Context, id string) (*nfpe.Document, error) {
	return s.docs.Get(ctx, id)
}

// List returns a page of documents and the total matching the filter.
func (s *Service) List(ctx context.Context, filter nfpe.ListFilter) ([]nfpe.Document, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, &nfpe.ValidationError{Problems: []string{fmt.Sprintf("status desconhecido: %s", filter.Status)}}
	}
	return s.docs.List(ctx, filter)
}

// Events returns the event history of a document.
func (s *Service) Events(ctx context.Context, id string) ([]nfpe.Event, error) {
	if _, err := s.docs.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.events.ListEvents(ctx, id)
}

// Transmit queues a PENDING or ERROR document for processing, whatever its
// attempt count.
func (s *Service) Transmit(ctx context.Context, id string) (*nfpe.Document, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !doc.Status.Claimable() {
		return doc, fmt.Errorf("document %s in status %s: %w", id, doc.Status, nfpe.ErrNotClaimable)
	}
	if err := s.queue.Enqueue(ctx, id); err != nil {
		return doc, fmt.Errorf("enqueue document %s: %w", id, err)
	}
	s.log.InfoContext(ctx, "document queued for transmission", "document_id", id, "status", doc.Status)
	return doc, nil
}

// Delete removes a document that never reached the authority's books,
// together with its items and events.
func (s *Service) Delete(ctx context.Context, id string) error {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !doc.Status.Deletable() {
		return fmt.Errorf("document %s in status %s: %w", id, doc.Status, nfpe.ErrNotDeletable)
	}
	if err := s.docs.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	s.log.InfoContext(ctx, "document deleted", "document_id", id, "status", doc.Status)
	return nil
}

// DistributionXML returns the nfeProc (signed NFe plus protNFe) of an
// authorized or cancelled document, or the signed NFe otherwise.
func (s *Service) DistributionXML(ctx context.Context, id string) (*nfpe.Document, []byte, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if len(doc.XML) == 0 {
		return doc, nil, ErrXMLUnavailable
	}
	if len(doc.ProtocolXML) > 0 && (doc.Status == nfpe.StatusAuthorized || doc.Status == nfpe.StatusCancelled) {
		return doc, assembler.WrapProc(doc.XML, doc.ProtocolXML), nil
	}
	return doc, doc.XML, nil
}

// Process runs one processing attempt. A document already in a terminal
// state is returned untouched. Any failure after the claim leaves the
// document in ERROR with the failure text.
func (s *Service) Process(ctx context.Context, id string) (*nfpe.Document, error) {
	ctx = ctxutil.WithDocumentID(ctx, id)
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	if doc.Status.Terminal() {
		s.log.DebugContext(ctx, "document already settled", "document_id", id, "status", doc.Status)
		return doc, nil
	}
	if !doc.Status.Claimable() {
		return doc, fmt.Errorf("document %s in status %s: %w", id, doc.Status, nfpe.ErrNotClaimable)
	}

	claimed, err := s.docs.Claim(ctx, id, nfpe.ClaimableStatuses()...)
	if err != nil {
		return nil, fmt.Errorf("claim document %s: %w", id, err)
	}
	if !claimed {
		return doc, fmt.Errorf("document %s: %w", id, nfpe.ErrNotClaimable)
	}
	if doc, err = s.held(ctx, id); err != nil {
		return doc, err
	}
	s.transitioned(doc.Status)

	start := s.now()
	log := s.log.With("document_id", doc.ID, "attempt", doc.Attempts)
	log.InfoContext(ctx, "processing document", "number", doc.Number, "series", doc.Series)

	if err := s.drive(ctx, doc, log); err != nil {
		if errors.Is(err, nfpe.ErrOwnershipLost) {
			log.WarnContext(ctx, "attempt lost the document to another worker, result dropped", "error", err)
			return doc, err
		}
		s.fail(ctx, doc, err, log)
		s.observe(doc.Status, start)
		return doc, err
	}
	s.observe(doc.Status, start)
	s.notifyERP(ctx, doc, log)
	return doc, nil
}

// held reloads a document right after a successful claim so the attempt
// works with the stored attempt count, which guards every later Save.
func (s *Service) held(ctx context.Context, id string) (*nfpe.Document, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload claimed document %s: %w", id, err)
	}
	if doc.Status != nfpe.StatusProcessing {
		return doc, fmt.Errorf("document %s in status %s after claim: %w", id, doc.Status, nfpe.ErrOwnershipLost)
	}
	return doc, nil
}

func (s *Service) drive(ctx context.Context, doc *nfpe.Document, log *slog.Logger) error {
	farm, err := s.farms.GetFarm(ctx, doc.FarmID)
	if err != nil {
		return fmt.Errorf("load farm %s: %w", doc.FarmID, err)
	}

	if doc.Receipt != "" {
		cert, err := s.signer.ClientCertificate(ctx, *farm)
		if err != nil {
			return fmt.Errorf("client certificate: %w", err)
		}
		log.InfoContext(ctx, "resuming receipt polling", "receipt", doc.Receipt)
		return s.poll(ctx, doc, cert, log)
	}

	if doc.AccessKey != "" && doc.Attempts > 1 {
		settled, err := s.settledRemotely(ctx, doc, *farm, log)
		if err != nil || settled {
			return err
		}
	}

	cert, err := s.submit(ctx, doc, *farm, log)
	if err != nil {
		return err
	}
	if doc.Status != nfpe.StatusProcessing {
		return nil
	}
	return s.poll(ctx, doc, cert, log)
}

// settledRemotely asks SEFAZ whether a retried document was authorized by
// an earlier attempt whose answer was lost. Resubmitting it would only get
// a duplicity rejection.
func (s *Service) settledRemotely(ctx context.Context, doc *nfpe.Document, farm nfpe.Farm, log *slog.Logger) (bool, error) {
	cert, err := s.signer.ClientCertificate(ctx, farm)
	if err != nil {
		return false, fmt.Errorf("client certificate: %w", err)
	}
	resp, err := s.authority.QueryDocument(ctx, cert, doc.AccessKey)
	if err != nil {
		log.WarnContext(ctx, "situation query before resubmission failed", "error", err)
		return false, nil
	}
	if resp.Outcome() != authority.OutcomeAuthorized {
		return false, nil
	}
	log.InfoContext(ctx, "document already authorized by a previous attempt", "access_key", doc.AccessKey)
	return true, s.authorize(ctx, doc, resp, log)
}

// assignKey derives the nonce and the access key once. A retried document
// keeps the key of its first attempt.
func (s *Service) assignKey(doc *nfpe.Document, farm nfpe.Farm) error {
	if doc.AccessKey != "" {
		return nil
	}
	nonce := accesskey.Nonce(farm.CNPJ, doc.Series, doc.Number, doc.ID)
	key, err := accesskey.Build(accesskey.Params{
		StateCode:    s.opts.StateCode,
		IssuedAt:     doc.IssuedAt.In(s.opts.Location),
		CNPJ:         farm.CNPJ,
		Model:        nfpe.Model,
		Series:       doc.Series,
		Number:       doc.Number,
		EmissionType: doc.EmissionType,
		Nonce:        nonce,
	})
	if err != nil {
		return fmt.Errorf("build access key: %w", err)
	}
	doc.Nonce = nonce
	doc.AccessKey = key
	return nil
}

func (s *Service) submit(ctx context.Context, doc *nfpe.Document, farm nfpe.Farm, log *slog.Logger) (*tls.Certificate, error) {
	if err := s.assignKey(doc, farm); err != nil {
		return nil, err
	}
	unsigned, err := assembler.Assemble(*doc, farm, s.opts)
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	signed, err := s.signer.SignDocument(ctx, farm, unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign document: %w", err)
	}
	doc.XML = signed
	if err := s.docs.Save(ctx, doc, nfpe.StatusProcessing); err != nil {
		return nil, fmt.Errorf("save signed document: %w", err)
	}

	batch := assembler.Batch(assembler.LotID(s.now()), signed)
	if s.cfg.SignBatch {
		if batch, err = s.signer.SignBatch(ctx, farm, batch); err != nil {
			return nil, fmt.Errorf("sign batch: %w", err)
		}
	}
	cert, err := s.signer.ClientCertificate(ctx, farm)
	if err != nil {
		return nil, fmt.Errorf("client certificate: %w", err)
	}

	resp, err := s.authority.SubmitBatch(ctx, cert, batch)
	if err != nil {
		return nil, fmt.Errorf("submit batch: %w", err)
	}
	log.InfoContext(ctx, "batch answered", "access_key", doc.AccessKey, "cstat", resp.Code, "xmotivo", resp.Message)

	switch resp.Outcome() {
	case authority.OutcomeBatchReceived:
		if resp.Receipt == "" {
			return nil, fmt.Errorf("%w: batch received without nRec", authority.ErrMalformedResponse)
		}
		doc.Receipt = resp.Receipt
		doc.StatusCode, doc.StatusMessage = resp.Code, resp.Message
		if err := s.docs.Save(ctx, doc, nfpe.StatusProcessing); err != nil {
			return nil, fmt.Errorf("save receipt: %w", err)
		}
		return cert, nil
	case authority.OutcomeBatchProcessed:
		return cert, s.settle(ctx, doc, resp, log)
	case authority.OutcomeRejected:
		return cert, s.reject(ctx, doc, resp.Code, resp.Message, log)
	case authority.OutcomeUnavailable:
		return nil, fmt.Errorf("submit batch: %w", resp.Unavailable())
	}
	return nil, fmt.Errorf("%w: batch answered %s - %s", ErrUnexpectedAnswer, resp.Code, resp.Message)
}

func (s *Service) poll(ctx context.Context, doc *nfpe.Document, cert *tls.Certificate, log *slog.Logger) error {
	attempts := max(s.cfg.PollAttempts, 1)
	for i := 1; i <= attempts; i++ {
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return fmt.Errorf("poll receipt %s: %w", doc.Receipt, err)
		}
		if err := s.docs.Touch(ctx, doc.ID, doc.Attempts); err != nil {
			return fmt.Errorf("poll receipt %s: %w", doc.Receipt, err)
		}
		resp, err := s.authority.PollReceipt(ctx, cert, doc.Receipt)
		if err != nil {
			return fmt.Errorf("poll receipt %s: %w", doc.Receipt, err)
		}
		if outcome, _, _ := resp.Result(); outcome == authority.OutcomeInProcess {
			log.DebugContext(ctx, "batch still in process", "receipt", doc.Receipt, "poll", i)
			continue
		}
		return s.settle(ctx, doc, resp, log)
	}
	return fmt.Errorf("receipt %s after %d polls: %w", doc.Receipt, attempts, ErrStillProcessing)
}

// settle applies the per-document result of a processed batch.
func (s *Service) settle(ctx context.Context, doc *nfpe.Document, resp authority.Response, log *slog.Logger) error {
	outcome, code, message := resp.Result()
	switch outcome {
	case authority.OutcomeAuthorized:
		return s.authorize(ctx, doc, resp, log)
	case authority.OutcomeRejected:
		return s.reject(ctx, doc, code, message, log)
	case authority.OutcomeUnavailable:
		return resp.Unavailable()
	}
	return fmt.Errorf("%w: %s - %s", ErrUnexpectedAnswer, code, message)
}

func (s *Service) authorize(ctx context.Context, doc *nfpe.Document, resp authority.Response, log *slog.Logger) error {
	_, code, message := resp.Result()
	at := s.now()
	if p := resp.Protocol; p != nil {
		doc.Protocol = p.Number
		if !p.ReceivedAt.IsZero() {
			at = p.ReceivedAt
		}
		doc.ProtocolXML = p.XML
	}
	if len(doc.ProtocolXML) == 0 {
		doc.ProtocolXML = resp.Raw
	}
	doc.Status = nfpe.StatusAuthorized
	doc.AuthorizedAt = &at
	doc.StatusCode, doc.StatusMessage = code, message

	if err := s.docs.Save(ctx, doc, nfpe.StatusProcessing); err != nil {
		return fmt.Errorf("save authorization: %w", err)
	}
	s.transitioned(doc.Status)
	log.InfoContext(ctx, "document authorized", "access_key", doc.AccessKey, "protocol", doc.Protocol, "status", doc.Status)
	return nil
}

func (s *Service) reject(ctx context.Context, doc *nfpe.Document, code, message string, log *slog.Logger) error {
	doc.Status = nfpe.StatusRejected
	doc.StatusCode, doc.StatusMessage = code, message
	if err := s.docs.Save(ctx, doc, nfpe.StatusProcessing); err != nil {
		return fmt.Errorf("save rejection: %w", err)
	}
	s.transitioned(doc.Status)
	log.WarnContext(ctx, "document rejected", "access_key", doc.AccessKey, "cstat", code, "xmotivo", message, "status", doc.Status)
	return nil
}

// fail records cause on the document. It persists even when ctx is already
// cancelled so shutdown never leaves a document in PROCESSING.
func (s *Service) fail(ctx context.Context, doc *nfpe.Document, cause error, log *slog.Logger) {
	doc.Status = nfpe.StatusError
	doc.StatusCode = ""
	if errors.Is(cause, authority.ErrTransport) {
		doc.StatusCode = authority.CodeGenericFailure
	}
	doc.StatusMessage = cause.Error()

	level := slog.LevelError
	if errors.Is(cause, authority.ErrTransport) || errors.Is(cause, ErrStillProcessing) {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "document processing failed",
		"status", doc.Status,
		"certificate_error", signing.IsCertificateError(cause),
		"error", cause,
	)

	if err := s.docs.Save(context.WithoutCancel(ctx), doc, nfpe.StatusProcessing); err != nil {
		if errors.Is(err, nfpe.ErrOwnershipLost) {
			log.WarnContext(ctx, "error status dropped, document no longer held by this attempt")
			return
		}
		log.ErrorContext(ctx, "could not persist error status", "error", err)
		return
	}
	s.transitioned(doc.Status)
}

// notifyERP reports a settled document back to the movement it came from.
// Failures are logged; the document state is already final.
func (s *Service) notifyERP(ctx context.Context, doc *nfpe.Document, log *slog.Logger) {
	if s.erp == nil || doc.ERPMovementID == "" {
		return
	}
	update := erp.StatusUpdate{UpdatedAt: s.now()}
	switch doc.Status {
	case nfpe.StatusAuthorized:
		update.Status = erp.StatusAuthorized
		update.AccessKey = doc.AccessKey
		update.Number = doc.Number
		update.Series = doc.Series
	case nfpe.StatusRejected:
		update.Status = erp.StatusRejected
	default:
		return
	}
	if err := s.erp.UpdateMovementStatus(ctx, doc.ERPMovementID, update); err != nil {
		log.WarnContext(ctx, "erp status update failed", "movement_id", doc.ERPMovementID, "erp_status", update.Status, "error", err)
		return
	}
	log.InfoContext(ctx, "erp movement updated", "movement_id", doc.ERPMovementID, "erp_status", update.Status)
}

// Cancel registers a cancellation event for an authorized document and
// moves it to CANCELLED when SEFAZ homologates it. A rejected event is
// returned with a nil error; its status tells the outcome.
func (s *Service) Cancel(ctx context.Context, id, justification string) (*nfpe.Event, error) {
	if err := nfpe.ValidateJustification(justification); err != nil {
		return nil, err
	}
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != nfpe.StatusAuthorized || doc.Protocol == "" {
		return nil, fmt.Errorf("document %s in status %s: %w", id, doc.Status, nfpe.ErrNotCancellable)
	}

	evt, err := s.sendEvent(ctx, doc, assembler.EventRequest{
		Type:     nfpe.EventCancellation,
		Sequence: 1,
		Protocol: doc.Protocol,
		Text:     strings.TrimSpace(justification),
	})
	if err != nil || evt.Status != nfpe.EventRegistered {
		return evt, err
	}

	ok, err := s.docs.Transition(ctx, doc.ID, nfpe.StatusAuthorized, nfpe.StatusCancelled)
	if err != nil {
		return evt, fmt.Errorf("cancel document %s: %w", id, err)
	}
	if !ok {
		return evt, fmt.Errorf("cancel document %s: %w", id, ErrConcurrentChange)
	}
	doc.Status = nfpe.StatusCancelled
	doc.StatusCode, doc.StatusMessage = evt.StatusCode, evt.StatusMessage
	if err := s.docs.Save(ctx, doc, nfpe.StatusCancelled); err != nil {
		return evt, fmt.Errorf("save cancellation: %w", err)
	}
	s.transitioned(doc.Status)
	s.log.InfoContext(ctx, "document cancelled", "document_id", doc.ID, "access_key", doc.AccessKey, "protocol", evt.Protocol)
	return evt, nil
}

// Correct registers a correction letter (CC-e) for an authorized document.
func (s *Service) Correct(ctx context.Context, id, text string) (*nfpe.Event, error) {
	if err := nfpe.ValidateCorrection(text); err != nil {
		return nil, err
	}
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != nfpe.StatusAuthorized {
		return nil, fmt.Errorf("document %s in status %s: %w", id, doc.Status, nfpe.ErrNotCorrectable)
	}
	history, err := s.events.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	seq, err := nfpe.NextCorrectionSequence(history)
	if err != nil {
		return nil, err
	}
	return s.sendEvent(ctx, doc, assembler.EventRequest{
		Type:     nfpe.EventCorrection,
		Sequence: seq,
		Text:     strings.TrimSpace(text),
	})
}

// sendEvent signs and stores the event before sending it once. The event
// record is created first so a crash mid-call still leaves a trace.
func (s *Service) sendEvent(ctx context.Context, doc *nfpe.Document, req assembler.EventRequest) (*nfpe.Event, error) {
	ctx = ctxutil.WithDocumentID(ctx, doc.ID)
	farm, err := s.farms.GetFarm(ctx, doc.FarmID)
	if err != nil {
		return nil, fmt.Errorf("load farm %s: %w", doc.FarmID, err)
	}
	req.AccessKey = doc.AccessKey
	req.CNPJ = farm.CNPJ
	req.At = s.now()

	unsigned, err := assembler.Event(req, s.opts)
	if err != nil {
		return nil, fmt.Errorf("assemble event: %w", err)
	}
	signed, err := s.signer.SignEvent(ctx, *farm, unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	cert, err := s.signer.ClientCertificate(ctx, *farm)
	if err != nil {
		return nil, fmt.Errorf("client certificate: %w", err)
	}

	evt, err := s.events.CreateEvent(ctx, nfpe.Event{
		DocumentID:    doc.ID,
		Type:          req.Type,
		Sequence:      req.Sequence,
		Justification: req.Text,
		Status:        nfpe.EventPending,
		RequestXML:    signed,
	})
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	log := s.log.With("document_id", doc.ID, "event_id", evt.ID, "event_type", string(evt.Type), "sequence", evt.Sequence)
	resp, sendErr := s.authority.SubmitEvent(ctx, cert, assembler.EventBatch(assembler.LotID(req.At), signed))
	evt.ResponseXML = resp.Raw
	if sendErr != nil {
		evt.Status = nfpe.EventError
		evt.StatusCode, evt.StatusMessage = authority.CodeGenericFailure, sendErr.Error()
	} else {
		outcome, code, message := resp.Result()
		evt.StatusCode, evt.StatusMessage = code, message
		switch outcome {
		case authority.OutcomeEventRegistered, authority.OutcomeCancelled:
			evt.Status = nfpe.EventRegistered
			at := s.now()
			if p := resp.Protocol; p != nil {
				evt.Protocol = p.Number
				if !p.ReceivedAt.IsZero() {
					at = p.ReceivedAt
				}
			}
			evt.RegisteredAt = &at
		case authority.OutcomeUnavailable:
			evt.Status = nfpe.EventError
		default:
			evt.Status = nfpe.EventRejected
		}
	}

	if err := s.events.UpdateEvent(context.WithoutCancel(ctx), evt); err != nil {
		log.ErrorContext(ctx, "could not persist event result", "error", err)
	}
	if sendErr != nil {
		log.ErrorContext(ctx, "event transmission failed", "error", sendErr)
		return &evt, fmt.Errorf("submit event: %w", sendErr)
	}
	log.InfoContext(ctx, "event answered", "cstat", evt.StatusCode, "xmotivo", evt.StatusMessage, "event_status", string(evt.Status))
	return &evt, nil
}

// Refresh queries SEFAZ for the situation of the document's access key and
// reconciles the local status: an authorization the service never heard
// of is applied, and a cancellation registered elsewhere is mirrored.
func (s *Service) Refresh(ctx context.Context, id string) (*nfpe.Document, authority.Response, error) {
	ctx = ctxutil.WithDocumentID(ctx, id)
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, authority.Response{}, err
	}
	if doc.AccessKey == "" {
		return doc, authority.Response{}, nfpe.ErrMissingAccessKey
	}
	farm, err := s.farms.GetFarm(ctx, doc.FarmID)
	if err != nil {
		return doc, authority.Response{}, fmt.Errorf("load farm %s: %w", doc.FarmID, err)
	}
	cert, err := s.signer.ClientCertificate(ctx, *farm)
	if err != nil {
		return doc, authority.Response{}, fmt.Errorf("client certificate: %w", err)
	}
	resp, err := s.authority.QueryDocument(ctx, cert, doc.AccessKey)
	if err != nil {
		return doc, resp, fmt.Errorf("query document: %w", err)
	}

	log := s.log.With("document_id", doc.ID, "access_key", doc.AccessKey)
	// The envelope code is the current situation; a nested protNFe is the
	// original authorization even for a cancelled key.
	switch {
	case resp.Outcome() == authority.OutcomeAuthorized:
		err = s.reconcileAuthorized(ctx, doc, resp, log)
	case resp.Outcome() == authority.OutcomeCancelled, resp.Code == authority.CodeEventRegistered:
		err = s.reconcileCancelled(ctx, doc, resp, log)
	default:
		log.InfoContext(ctx, "situation query answered", "cstat", resp.Code, "xmotivo", resp.Message, "status", doc.Status)
	}
	return doc, resp, err
}

func (s *Service) reconcileAuthorized(ctx context.Context, doc *nfpe.Document, resp authority.Response, log *slog.Logger) error {
	switch {
	case doc.Status == nfpe.StatusAuthorized:
		return nil
	case doc.Status.Claimable():
		claimed, err := s.docs.Claim(ctx, doc.ID, nfpe.ClaimableStatuses()...)
		if err != nil {
			return fmt.Errorf("claim document %s: %w", doc.ID, err)
		}
		if !claimed {
			return fmt.Errorf("document %s: %w", doc.ID, ErrConcurrentChange)
		}
		claimedDoc, err := s.held(ctx, doc.ID)
		if err != nil {
			return err
		}
		*doc = *claimedDoc
		s.transitioned(doc.Status)
		if err := s.authorize(ctx, doc, resp, log); err != nil {
			if !errors.Is(err, nfpe.ErrOwnershipLost) {
				s.fail(ctx, doc, err, log)
			}
			return err
		}
		s.notifyERP(ctx, doc, log)
		return nil
	}
	log.WarnContext(ctx, "authority reports the document authorized", "status", doc.Status)
	return nil
}

func (s *Service) reconcileCancelled(ctx context.Context, doc *nfpe.Document, resp authority.Response, log *slog.Logger) error {
	if doc.Status == nfpe.StatusCancelled {
		return nil
	}
	if doc.Status != nfpe.StatusAuthorized {
		log.WarnContext(ctx, "authority reports the document cancelled", "status", doc.Status)
		return nil
	}
	ok, err := s.docs.Transition(ctx, doc.ID, nfpe.StatusAuthorized, nfpe.StatusCancelled)
	if err != nil {
		return fmt.Errorf("cancel document %s: %w", doc.ID, err)
	}
	if !ok {
		return fmt.Errorf("document %s: %w", doc.ID, ErrConcurrentChange)
	}
	doc.Status = nfpe.StatusCancelled
	doc.StatusCode, doc.StatusMessage = resp.Code, resp.Message
	if err := s.docs.Save(ctx, doc, nfpe.StatusCancelled); err != nil {
		return fmt.Errorf("save cancellation: %w", err)
	}
	s.transitioned(doc.Status)
	log.InfoContext(ctx, "cancellation reconciled from authority", "cstat", resp.Code, "status", doc.Status)
	return nil
}

// ServiceStatus asks SEFAZ whether the authorization service is up, using
// the certificate of farmID. An empty farmID uses the first registered farm.
func (s *Service) ServiceStatus(ctx context.Context, farmID string) (authority.Response, error) {
	var farm *nfpe.Farm
	if farmID != "" {
		f, err := s.farms.GetFarm(ctx, farmID)
		if err != nil {
			return authority.Response{}, err
		}
		farm = f
	} else {
		farms, err := s.farms.ListFarms(ctx)
		if err != nil {
			return authority.Response{}, fmt.Errorf("list farms: %w", err)
		}
		if len(farms) == 0 {
			return authority.Response{}, fmt.Errorf("no farm registered: %w", nfpe.ErrNotFound)
		}
		farm = &farms[0]
	}

	cert, err := s.signer.ClientCertificate(ctx, *farm)
	if err != nil {
		return authority.Response{}, err
	}
	return s.authority.ServiceStatus(ctx, cert)
}

func (s *Service) transitioned(status nfpe.Status) {
	if s.recorder != nil {
		s.recorder.Transition(string(status))
	}
}

func (s *Service) observe(status nfpe.Status, start time.Time) {
	if s.recorder != nil {
		s.recorder.ObserveProcess(string(status), s.now().Sub(start))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
