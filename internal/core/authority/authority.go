// Package authority describes the tax authority (SEFAZ) as seen by the
// lifecycle: request operations and the outcomes of their status codes.
package authority

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport marks a call that did not produce a business answer:
	// timeout, connection failure, HTTP error or open circuit.
	ErrTransport = errors.New("authority: transport failure")
	// ErrMalformedResponse marks a reply without a readable cStat. It is
	// treated as a transport failure.
	ErrMalformedResponse = errors.New("authority: malformed response")
)

// Status codes with fixed meaning.
const (
	CodeAuthorized            = "100"
	CodeCancelHomologated     = "101"
	CodeBatchReceived         = "103"
	CodeBatchProcessed        = "104"
	CodeBatchInProcess        = "105"
	CodeServiceAvailable      = "107"
	CodeServicePaused         = "108"
	CodeServiceStopped        = "109"
	CodeEventBatchProcessed   = "128"
	CodeEventRegistered       = "135"
	CodeEventRegisteredNoLink = "136"
	CodeAuthorizedLate        = "150"
	CodeCancelLate            = "155"
	CodeGenericFailure        = "999"
)

// Outcome classifies a status code.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeServiceAvailable
	OutcomeBatchReceived
	OutcomeBatchProcessed
	OutcomeInProcess
	OutcomeAuthorized
	OutcomeCancelled
	OutcomeEventRegistered
	OutcomeRejected
	OutcomeUnavailable
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeServiceAvailable:
		return "service_available"
	case OutcomeBatchReceived:
		return "batch_received"
	case OutcomeBatchProcessed:
		return "batch_processed"
	case OutcomeInProcess:
		return "in_process"
	case OutcomeAuthorized:
		return "authorized"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeEventRegistered:
		return "event_registered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeFailure:
		return "failure"
	}
	return "unknown"
}

// Classify maps a cStat to its outcome. A paralysed service (108, 109) says
// nothing about the document and is worth retrying. Any code not listed is
// a business rejection.
func Classify(code string) Outcome {
	switch code {
	case "":
		return OutcomeUnknown
	case CodeServiceAvailable:
		return OutcomeServiceAvailable
	case CodeBatchReceived:
		return OutcomeBatchReceived
	case CodeBatchProcessed, CodeEventBatchProcessed:
		return OutcomeBatchProcessed
	case CodeBatchInProcess:
		return OutcomeInProcess
	case CodeAuthorized, CodeAuthorizedLate:
		return OutcomeAuthorized
	case CodeCancelHomologated, CodeCancelLate:
		return OutcomeCancelled
	case CodeEventRegistered, CodeEventRegisteredNoLink:
		return OutcomeEventRegistered
	case CodeServicePaused, CodeServiceStopped:
		return OutcomeUnavailable
	case CodeGenericFailure:
		return OutcomeFailure
	}
	return OutcomeRejected
}

// Protocol is the per-document (protNFe/infProt) or per-event
// (retEvento/infEvento) result nested inside a reply.
type Protocol struct {
	AccessKey  string
	Code       string
	Message    string
	Number     string
	ReceivedAt time.Time
	XML        []byte
}

// Outcome classifies the protocol code.
func (p Protocol) Outcome() Outcome { return Classify(p.Code) }

// Response is a parsed SEFAZ reply.
type Response struct {
	Code       string
	Message    string
	Receipt    string
	ReceivedAt time.Time
	Protocol   *Protocol
	Raw        []byte
}

// Outcome classifies the envelope code.
func (r Response) Outcome() Outcome { return Classify(r.Code) }

// Result is the code and message that decide the document's fate: the
// nested protocol when present, the envelope otherwise.
func (r Response) Result() (Outcome, string, string) {
	if r.Protocol != nil && r.Protocol.Code != "" {
		return r.Protocol.Outcome(), r.Protocol.Code, r.Protocol.Message
	}
	return r.Outcome(), r.Code, r.Message
}

// Unavailable wraps ErrTransport for a reply from a paralysed service, so
// callers retry it like a failed call.
func (r Response) Unavailable() error {
	_, code, message := r.Result()
	return fmt.Errorf("%w: service paralysed %s - %s", ErrTransport, code, message)
}

// Failure builds the 999 response used when a call failed outright.
func Failure(err error) Response {
	return Response{Code: CodeGenericFailure, Message: err.Error()}
}

// Authority is the remote RPC surface. cert is the issuer's client
// certificate used for mutual TLS; nil means the client default.
// Business rejections are returned as a Response with a nil error; err is
// non-nil only for transport failures (wrapping ErrTransport).
type Authority interface {
	ServiceStatus(ctx context.Context, cert *tls.Certificate) (Response, error)
	SubmitBatch(ctx context.Context, cert *tls.Certificate, batch []byte) (Response, error)
	PollReceipt(ctx context.Context, cert *tls.Certificate, receipt string) (Response, error)
	QueryDocument(ctx context.Context, cert *tls.Certificate, accessKey string) (Response, error)
	SubmitEvent(ctx context.Context, cert *tls.Certificate, event []byte) (Response, error)
}
