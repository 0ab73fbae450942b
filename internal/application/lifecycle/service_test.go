package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fazendabrasil/gonfpe/internal/adapters/nfpe/memory"
	memqueue "fazendabrasil/gonfpe/internal/adapters/queue/memory"
	adaptersigning "fazendabrasil/gonfpe/internal/adapters/signing"
	"fazendabrasil/gonfpe/internal/core/authority"
	"fazendabrasil/gonfpe/internal/core/erp"
	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/core/signing"
	"fazendabrasil/gonfpe/internal/infrastructure/config"
	"fazendabrasil/gonfpe/internal/testutil"
)

const (
	testReceipt  = "510000000000001"
	testProtocol = "151240000000123"
)

type fakeRecorder struct {
	mu          sync.Mutex
	transitions map[string]int
	processed   map[string]int
}

func (r *fakeRecorder) Transition(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[status]++
}

func (r *fakeRecorder) ObserveProcess(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[status]++
}

func (r *fakeRecorder) count(status nfpe.Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitions[string(status)]
}

type harness struct {
	svc       *Service
	store     *memory.Store
	authority *testutil.MockAuthority
	signer    *testutil.MockSigner
	erp       *testutil.MockERPSource
	queue     *memqueue.Queue
	recorder  *fakeRecorder
	farm      nfpe.Farm
}

func sefazSettings() config.SefazSettings {
	return config.SefazSettings{
		Environment:  config.EnvironmentHomologation,
		StateCode:    "51",
		TimeZone:     "America/Cuiaba",
		PollAttempts: 3,
		PollInterval: time.Second,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	farm, err := store.CreateFarm(context.Background(), testutil.Farm())
	require.NoError(t, err)

	h := &harness{
		store:     store,
		authority: &testutil.MockAuthority{},
		signer:    &testutil.MockSigner{},
		erp:       &testutil.MockERPSource{},
		queue:     memqueue.New(100),
		recorder:  &fakeRecorder{transitions: map[string]int{}, processed: map[string]int{}},
		farm:      farm,
	}
	h.svc = NewService(Dependencies{
		Documents: store,
		Events:    store,
		Farms:     store,
		Signer:    h.signer,
		Authority: h.authority,
		Queue:     h.queue,
		ERP:       h.erp,
		Recorder:  h.recorder,
	}, sefazSettings(), "test", testutil.NewNullLogger())
	h.svc.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return h
}

func (h *harness) create(t *testing.T) nfpe.Document {
	t.Helper()
	doc, err := h.svc.Create(context.Background(), testutil.Document(h.farm.ID))
	require.NoError(t, err)
	return doc
}

func authorizedAnswer() authority.Response {
	return authority.Response{
		Code:    authority.CodeBatchProcessed,
		Message: "Lote processado",
		Protocol: &authority.Protocol{
			Code:       authority.CodeAuthorized,
			Message:    "Autorizado o uso da NF-e",
			Number:     testProtocol,
			ReceivedAt: time.Date(2024, 10, 15, 9, 31, 0, 0, time.UTC),
			XML:        []byte(`<protNFe versao="4.00"><infProt><nProt>` + testProtocol + `</nProt><cStat>100</cStat></infProt></protNFe>`),
		},
	}
}

// authorize drives a fresh document to AUTHORIZED through the synchronous
// batch answer.
func (h *harness) authorize(t *testing.T) nfpe.Document {
	t.Helper()
	h.authority.SubmitBatchFunc = func(context.Context, []byte) (authority.Response, error) {
		return authorizedAnswer(), nil
	}
	doc := h.create(t)
	got, err := h.svc.Process(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, nfpe.StatusAuthorized, got.Status)
	return *got
}

func (h *harness) reload(t *testing.T, id string) *nfpe.Document {
	t.Helper()
	doc, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	doc := h.create(t)

	assert.Equal(t, nfpe.StatusPending, doc.Status)
	assert.EqualValues(t, 1, doc.Number)
	assert.Equal(t, "300.00", doc.Totals.ICMS.StringFixed(2), "12% of 2500.00")
	assert.Equal(t, "41.25", doc.Totals.PIS.StringFixed(2))
	assert.Equal(t, "190", doc.Totals.COFINS.StringFixed(0))

	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "new documents are queued")
	assert.Equal(t, 1, h.recorder.count(nfpe.StatusPending))

	t.Run("invalid document", func(t *testing.T) {
		bad := testutil.Document(h.farm.ID)
		bad.Items = nil
		_, err := h.svc.Create(context.Background(), bad)
		assert.True(t, nfpe.IsValidation(err))
	})

	t.Run("unknown farm", func(t *testing.T) {
		_, err := h.svc.Create(context.Background(), testutil.Document("nope"))
		assert.ErrorIs(t, err, nfpe.ErrNotFound)
	})
}

func TestCreate_FullQueueDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	q := memqueue.New(1)
	h.svc.queue = q
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := h.svc.Create(ctx, testutil.Document(h.farm.ID))
	require.NoError(t, err)
	start := time.Now()
	second, err := h.svc.Create(ctx, testutil.Document(h.farm.ID))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, ctx.Err(), "create returned before the caller deadline")
	assert.Equal(t, nfpe.StatusPending, h.reload(t, second.ID).Status)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, d.DocumentID)
	h.authority.SubmitBatchFunc = func(context.Context, []byte) (authority.Response, error) {
		return authorizedAnswer(), nil
	}
	_, err = h.svc.Process(ctx, first.ID)
	require.NoError(t, err)

	sweeper := NewSweeper(h.store, q, config.LifecycleSettings{MaxAttempts: 3, SweepBatch: 10}, nil, testutil.NewNullLogger())
	res, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, d.DocumentID, "the document left out of the queue is swept in")
}

// A 103 answer stores the receipt and keeps the document in PROCESSING
// until a poll returns the protocol, which is stored exactly.
func TestProcess_ReceiptThenAuthorization(t *testing.T) {
	h := newHarness(t)
	doc := h.create(t)

	polls := 0
	h.authority.PollReceiptFunc = func(ctx context.Context, receipt string) (authority.Response, error) {
		polls++
		stored := h.reload(t, doc.ID)
		assert.Equal(t, nfpe.StatusProcessing, stored.Status)
		assert.Equal(t, testReceipt, stored.Receipt)
		assert.Equal(t, authority.CodeBatchReceived, stored.StatusCode)
		if polls == 1 {
			return authority.Response{Code: authority.CodeBatchInProcess, Message: "Lote em processamento"}, nil
		}
		return authorizedAnswer(), nil
	}

	got, err := h.svc.Process(context.Background(), doc.ID)
	require.NoError(t, err)

	assert.Equal(t, nfpe.StatusAuthorized, got.Status)
	assert.Equal(t, testProtocol, got.Protocol)
	assert.Equal(t, []string{testReceipt, testReceipt}, h.authority.Polls)

	stored := h.reload(t, doc.ID)
	assert.Equal(t, nfpe.StatusAuthorized, stored.Status)
	assert.Equal(t, testProtocol, stored.Protocol)
	assert.Equal(t, authority.CodeAuthorized, stored.StatusCode)
	require.NotNil(t, stored.AuthorizedAt)
	assert.Len(t, stored.AccessKey, 44)
	assert.Contains(t, string(stored.XML), `Id="NFe`+stored.AccessKey+`"`)
	assert.Contains(t, string(stored.ProtocolXML), testProtocol)

	assert.Equal(t, 1, h.recorder.count(nfpe.StatusProcessing))
	assert.Equal(t, 1, h.recorder.count(nfpe.StatusAuthorized))
}

func TestProcess_RejectionIsTerminal(t *testing.T) {
	h := newHarness(t)
	doc := h.create(t)
	h.authority.PollReceiptFunc = func(context.Context, string) (authority.Response, error) {
		return authority.Response{
			Code: authority.CodeBatchProcessed,
			Protocol: &authority.Protocol{
				Code:    "204",
				Message: "Rejeicao: Duplicidade de NF-e",
			},
		}, nil
	}

	got, err := h.svc.Process(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, nfpe.StatusRejected, got.Status)
	assert.Equal(t, "204", got.StatusCode)
	assert.Equal(t, "Rejeicao: Duplicidade de NF-e", got.StatusMessage)

	again, err := h.svc.Process(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, nfpe.StatusRejected, again.Status)
	assert.Equal(t, 1, h.authority.BatchCount(), "rejections are never retransmitted")

	ids, err := h.store.ListRetryable(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.NotContains(t, ids, doc.ID)
}

func TestProcess_EnvelopeRejection(t *testing.T) {
	h := newHarness(t)
	doc := h.create(t)
	h.authority.SubmitBatchFunc = func(context.Context, []byte) (authority.Response, error) {
		return authority.Response{Code: "225", Message: "Rejeicao: Falha no Schema XML"}, nil
	}

	got, err := h.svc.Process(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, nfpe.StatusRejected, got.Status)
	assert.Equal(t, "225", got.StatusCode)
	assert.Empty(t, h.authority.Polls)
}

func TestProcess_ParalysedServiceIsRetried(t *testing.T) {
	for _, code := range []string{authority.CodeServicePaused, authority.CodeServiceStopped} {
		t.Run(code, func(t *testing.T) {
			h := newHarness(t)
			doc := h.create(t)
			h.authority.SubmitBatchFunc = func(context.Context, []byte) (authority.Response, error) {
				return authority.Response{Code: code, Message: "Rejeicao: Servico Paralisado"}, nil
			}

			got, err := h.svc.Process(context.Background(), doc.ID)
			require.Error(t, err)
			assert.ErrorIs(t, err, authority.ErrTransport)
			assert.Equal(t, nfpe.StatusError, got.Status)
			assert.Equal(t, authority.CodeGenericFailure, got.StatusCode)
			assert.Contains(t, got.StatusMessage, code)

			ids, err := h.store.ListRetryable(context.Background(), 10, 0)
			require.NoError(t, err)
			assert.Contains(t, ids, doc.ID)

			h.authority.SubmitBatchFunc = func(context.Context, []byte) (authority.Response, error) {
				return authorizedAnswer(), nil
			}
			got, err = h.svc.Process(context.Background(), doc.ID)
			require.NoError(t, err)
			assert.Equal(t, nfpe.StatusAuthorized, got.Status)
		})
	}
}

func TestProcess_ExpiredCertificate(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	password := "segredo-de-teste"

	farm := testutil.Farm()
	farm.ID = "farm-expired"
	farm.CNPJ = "11222333000181"
	farm.CertificatePath = testutil.WritePFX(t, password, testutil.CertificateOptions{
		NotBefore: now.Add(-400 * 24 * time.Hour),
		NotAfter:  now.Add(-time.Hour),
	})
	farm, err := h.store.CreateFarm(context.Background(), farm)
	require.NoError(t, err)

	provider := adaptersigning.NewProvider(testutil.StaticSecrets{farm.CertificateSecret: password}, time.Hour, 30*24*time.Hour, testutil.NewNullLogger())
	h.svc.signer = provider

	doc, err := h.svc.Create(context.Background(), testutil.Document(farm.ID))
	require.NoError(t, err)

	got, err := h.svc.Process(context.Background(), doc.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, signing.ErrCertificateExpired)
	assert.True(t, signing.IsCertificateError(err))

	assert.Equal(t, nfpe.StatusError, got.Status)
	stored := h.reload(t, doc.ID)
	assert.Equal(t, nfpe.StatusError, stored.Status)
	assert.Contains(t, stored.StatusMessage, "expired")
	assert.Zero(t, h.authority.BatchCount(), "nothing is sent without a signature")
}

func TestCreate_ConcurrentNumbering(t *testing.T) {
	h := newHarness(t)

	const workers = 20
	numbers := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := h.svc.Create(context.Background(), testutil.Document(h.farm.ID))
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			numbers[i] = doc.Number
		}(i)
	}
	wg.Wait()

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, n := range numbers {
		assert.EqualValues(t, i+1, n)
	}
}

func TestProcess_AuthorizedIsNoOp(t *testing.T) {
	h := newHarness(t)
	doc := h.authorize(t)

	got, err := h.svc.Process(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, nfpe.StatusAuthorized, got.Status)
	assert.Equal(t, 1, h.authority.BatchCount())
	assert.Equal(t, 1, h.reload(t, doc.ID).Attempts)
}

func TestProcess_NotClaimableWhileProcessing(t *testing.T) {
	h := newHarness(t)
	doc := h.create(t)
	ok, err := h.store.Claim(context.Background(), doc.ID, nfpe.ClaimableStatuses()...)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.svc.Process(context.Background(), doc.ID)
	assert.ErrorIs(t, err, nfpe.ErrNotClaimable)
	assert.Zero(t, h.authority.BatchCount())
}

func TestProcess_TransportFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	doc := h.create(t)

	calls := 0
	h.authority.SubmitBatchFunc = func(context.Context, []byte) (authority.Response, error) {
		calls++
		if calls == 1 {
			err := fmt.Errorf("%w: NfeAutorizacao4: context deadline exceeded", authority.ErrTransport)
			return authority.Failure(err), err
		}
		return authorizedAnswer(), nil
	}

	got, err := h.svc.Process(context.Background(), doc.ID)
	require.ErrorIs(t, err, authority.ErrTransport)
	assert.Equal(t, nfpe.StatusError, got.Status)

	failed := h.reload(t, doc.ID)
	assert.Equal(t, nfpe.StatusError, failed.Status)
	assert.Equal(t, authority.CodeGenericFailure, failed.StatusCode)
	assert.Contains(t, failed.StatusMessage, "deadline exceeded")
	firstKey := failed.AccessKey
	require.Len(t, firstKey, 44)

	got, err = h.svc.Process(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, nfpe.StatusAuthorized, got.Status)
	assert.Equal(t, firstKey, got.AccessKey, "the key survives retries")
	assert.Equal(t, 2, h.reload(t, doc.ID).Attempts)
	assert.Equal(t, []string{firstKey}, h.authority.Queries, "situation checked before resubmitting")
}

func TestProcess_LostAuthorizationIsRecovered(t *testing.T) {
	h := newHarness(t)
	doc := h.create(t)

	h.authority.SubmitBatchFunc = func(context.Context, []byte) (authority.Response, error) {
		err := fmt.Errorf("%w: connection reset", authority.ErrTransport)
		return authority.Failure(err), err
	}
	_, err := h.svc.Process(context.Background(), doc.ID)
	require.Error(t, err)

	h.authority.QueryDocumentFunc = func(context.Context, string) (authority.Response, error) {
		answer := authorizedAnswer()
		answer.Code, answer.Message = authority.CodeAuthorized, "Autorizado o uso da NF-e"
		return answer, nil
	}
	got, err := h.svc.Process(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, nfpe.StatusAuthorized, got.Status)
	assert.Equal(t, testProtocol, got.Protocol)
	assert.Equal(t, 1, h.authority.BatchCount(), "no duplicate submission")
}

// An attempt released as stale while it waits on SEFAZ must not overwrite
// the result of the attempt that took the document over.
func TestProcess_ReleasedAttemptCannotOverwriteNewerResult(t *testing.T) {
	h := newHarness(t)
	doc := h.create(t)

	takenOver := false
	h.authority.PollReceiptFunc = func(ctx context.Context, _ string) (authority.Response, error) {
		if takenOver {
			return authorizedAnswer(), nil
		}
		takenOver = true
		ids, err := h.store.ReleaseStale(ctx, -time.Second, StaleMessage)
		require.NoError(t, err)
		require.Equal(t, []string{doc.ID}, ids)

		second, err := h.svc.Process(ctx, doc.ID)
		require.NoError(t, err)
		require.Equal(t, nfpe.StatusAuthorized, second.Status)

		err = fmt.Errorf("%w: timeout", authority.ErrTransport)
		return authority.Failure(err), err
	}

	_, err := h.svc.Process(context.Background(), doc.ID)
	require.ErrorIs(t, err, authority.ErrTransport)

	stored := h.reload(t, doc.ID)
	assert.Equal(t, nfpe.StatusAuthorized, stored.Status)
	assert.Equal(t, testProtocol, stored.Protocol)
	assert.Equal(t, authority.CodeAuthorized, stored.StatusCode)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, 1, h.recorder.count(nfpe.StatusAuthorized))
	assert.Zero(t, h.recorder.count(nfpe.StatusError))
}

func TestProcess_StopsPollingOnceReleased(t *testing.T) {
	h := newHarness(t)
	doc := h.create(t)

	h.authority.PollReceiptFunc = func(ctx context.Context, _ string) (authority.Response, error) {
		_, err := h.store.ReleaseStale(ctx, -time.Second, StaleMessage)
		require.NoError(t, err)
		return authority.Response{Code: authority.CodeBatchInProcess, Message: "Lote em processamento"}, nil
	}

	_, err := h.svc.Process(context.Background(), doc.ID)
	require.ErrorIs(t, err, nfpe.ErrOwnershipLost)
	assert.Len(t, h.authority.Polls, 1, "the next poll sees the release")

	stored := h.reload(t, doc.ID)
	assert.Equal(t, nfpe.StatusError, stored.Status)
	assert.Equal(t, StaleMessage, stored.StatusMessage)
	assert.Equal(t, testReceipt, stored.Receipt, "the receipt survives for the next attempt")
}

func TestProcess_ResumesPollingWithStoredReceipt(t *testing.T) {
	h := newHarness(t)
	doc := h.create(t)

	_, err := h.svc.Process(context.Background(), doc.ID)
	require.ErrorIs(t, err, ErrStillProcessing)

	stalled := h.reload(t, doc.ID)
	assert.Equal(t, nfpe.StatusError, stalled.Status)
	assert.Equal(t, testReceipt, stalled.Receipt)
	assert.Len(t, h.authority.Polls, 3, "PollAttempts from config")

	h.authority.PollReceiptFunc = func(context.Context, string) (authority.Response, error) {
		return authorizedAnswer(), nil
	}
	got, err := h.svc.Process(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, nfpe.StatusAuthorized, got.Status)
	assert.Equal(t, 1, h.authority.BatchCount(), "polling resumed instead of resubmitting")
}

func TestProcess_NotifiesERP(t *testing.T) {
	h := newHarness(t)
	h.authority.SubmitBatchFunc = func(context.Context, []byte) (authority.Response, error) {
		return authorizedAnswer(), nil
	}
	input := testutil.Document(h.farm.ID)
	input.ERPMovementID = "MOV-001"
	doc, err := h.svc.Create(context.Background(), input)
	require.NoError(t, err)

	got, err := h.svc.Process(context.Background(), doc.ID)
	require.NoError(t, err)

	updates := h.erp.StatusUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, "MOV-001", updates[0].MovementID)
	assert.Equal(t, erp.StatusAuthorized, updates[0].Update.Status)
	assert.Equal(t, got.AccessKey, updates[0].Update.AccessKey)
	assert.Equal(t, got.Number, updates[0].Update.Number)
	assert.Equal(t, got.Series, updates[0].Update.Series)
}

func cancellationAnswer(code string) authority.Response {
	return authority.Response{
		Code:    authority.CodeEventBatchProcessed,
		Message: "Lote de Evento Processado",
		Raw:     []byte("<retEnvEvento/>"),
		Protocol: &authority.Protocol{
			Code:    code,
			Message: "Evento registrado e vinculado a NF-e",
			Number:  "151240000000456",
		},
	}
}

func TestCancel(t *testing.T) {
	const justification = "Erro na quantidade informada ao destinatario"

	t.Run("justification too short", func(t *testing.T) {
		h := newHarness(t)
		doc := h.authorize(t)
		_, err := h.svc.Cancel(context.Background(), doc.ID, "  curta demais ")
		assert.ErrorIs(t, err, nfpe.ErrJustificationLength)
		assert.Zero(t, h.authority.EventCount())
	})

	t.Run("justification too long", func(t *testing.T) {
		h := newHarness(t)
		doc := h.authorize(t)
		_, err := h.svc.Cancel(context.Background(), doc.ID, strings.Repeat("x", nfpe.MaxJustificationLength+1))
		assert.ErrorIs(t, err, nfpe.ErrJustificationLength)
		assert.Zero(t, h.authority.EventCount())
	})

	t.Run("not authorized", func(t *testing.T) {
		h := newHarness(t)
		doc := h.create(t)
		_, err := h.svc.Cancel(context.Background(), doc.ID, justification)
		assert.ErrorIs(t, err, nfpe.ErrNotCancellable)
		assert.Zero(t, h.authority.EventCount())
	})

	t.Run("homologated", func(t *testing.T) {
		h := newHarness(t)
		doc := h.authorize(t)
		h.authority.SubmitEventFunc = func(context.Context, []byte) (authority.Response, error) {
			return cancellationAnswer(authority.CodeEventRegistered), nil
		}

		evt, err := h.svc.Cancel(context.Background(), doc.ID, justification)
		require.NoError(t, err)
		assert.Equal(t, nfpe.EventRegistered, evt.Status)
		assert.Equal(t, "151240000000456", evt.Protocol)
		require.NotNil(t, evt.RegisteredAt)

		sent := string(h.authority.Events[0])
		assert.Contains(t, sent, "<tpEvento>110111</tpEvento>")
		assert.Contains(t, sent, "<nProt>"+testProtocol+"</nProt>")
		assert.Contains(t, sent, justification)

		stored := h.reload(t, doc.ID)
		assert.Equal(t, nfpe.StatusCancelled, stored.Status)

		events, err := h.svc.Events(context.Background(), doc.ID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, nfpe.EventCancellation, events[0].Type)
		assert.Equal(t, justification, events[0].Justification)
		assert.NotEmpty(t, events[0].RequestXML)

		_, err = h.svc.Cancel(context.Background(), doc.ID, justification)
		assert.ErrorIs(t, err, nfpe.ErrNotCancellable)
	})

	t.Run("rejected event keeps the document authorized", func(t *testing.T) {
		h := newHarness(t)
		doc := h.authorize(t)
		h.authority.SubmitEventFunc = func(context.Context, []byte) (authority.Response, error) {
			return authority.Response{
				Code:     authority.CodeEventBatchProcessed,
				Protocol: &authority.Protocol{Code: "501", Message: "Rejeicao: Prazo de cancelamento superior ao previsto"},
			}, nil
		}

		evt, err := h.svc.Cancel(context.Background(), doc.ID, justification)
		require.NoError(t, err)
		assert.Equal(t, nfpe.EventRejected, evt.Status)
		assert.Equal(t, "501", evt.StatusCode)
		assert.Equal(t, nfpe.StatusAuthorized, h.reload(t, doc.ID).Status)
	})

	t.Run("transport failure", func(t *testing.T) {
		h := newHarness(t)
		doc := h.authorize(t)
		h.authority.SubmitEventFunc = func(context.Context, []byte) (authority.Response, error) {
			err := fmt.Errorf("%w: timeout", authority.ErrTransport)
			return authority.Failure(err), err
		}

		evt, err := h.svc.Cancel(context.Background(), doc.ID, justification)
		require.ErrorIs(t, err, authority.ErrTransport)
		assert.Equal(t, nfpe.EventError, evt.Status)
		assert.Equal(t, nfpe.StatusAuthorized, h.reload(t, doc.ID).Status)
		assert.Equal(t, 1, h.authority.EventCount(), "events are sent once")
	})
}

func TestCorrect(t *testing.T) {
	h := newHarness(t)
	doc := h.authorize(t)
	h.authority.SubmitEventFunc = func(context.Context, []byte) (authority.Response, error) {
		return cancellationAnswer(authority.CodeEventRegistered), nil
	}

	_, err := h.svc.Correct(context.Background(), doc.ID, "curto")
	require.ErrorIs(t, err, nfpe.ErrCorrectionLength)

	first, err := h.svc.Correct(context.Background(), doc.ID, "Placa do veiculo correta: QBA1D23")
	require.NoError(t, err)
	second, err := h.svc.Correct(context.Background(), doc.ID, "Talhao de origem correto: T-09 safra 2024/2025")
	require.NoError(t, err)

	assert.Equal(t, 1, first.Sequence)
	assert.Equal(t, 2, second.Sequence)
	assert.Contains(t, string(h.authority.Events[1]), "<tpEvento>110110</tpEvento>")
	assert.Contains(t, string(h.authority.Events[1]), "<nSeqEvento>2</nSeqEvento>")
	assert.Equal(t, nfpe.StatusAuthorized, h.reload(t, doc.ID).Status)

	t.Run("only authorized documents", func(t *testing.T) {
		pending := h.create(t)
		_, err := h.svc.Correct(context.Background(), pending.ID, "Placa do veiculo correta: QBA1D23")
		assert.ErrorIs(t, err, nfpe.ErrNotCorrectable)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("cancelled elsewhere", func(t *testing.T) {
		h := newHarness(t)
		doc := h.authorize(t)
		h.authority.QueryDocumentFunc = func(context.Context, string) (authority.Response, error) {
			answer := authorizedAnswer()
			answer.Code, answer.Message = authority.CodeCancelHomologated, "Cancelamento de NF-e homologado"
			return answer, nil
		}

		got, resp, err := h.svc.Refresh(context.Background(), doc.ID)
		require.NoError(t, err)
		assert.Equal(t, authority.CodeCancelHomologated, resp.Code)
		assert.Equal(t, nfpe.StatusCancelled, got.Status)
		assert.Equal(t, nfpe.StatusCancelled, h.reload(t, doc.ID).Status)
	})

	t.Run("authorization the service missed", func(t *testing.T) {
		h := newHarness(t)
		doc := h.create(t)
		h.authority.SubmitBatchFunc = func(context.Context, []byte) (authority.Response, error) {
			err := errors.Join(authority.ErrTransport, errors.New("EOF"))
			return authority.Failure(err), err
		}
		_, err := h.svc.Process(context.Background(), doc.ID)
		require.Error(t, err)

		h.authority.QueryDocumentFunc = func(context.Context, string) (authority.Response, error) {
			answer := authorizedAnswer()
			answer.Code = authority.CodeAuthorized
			return answer, nil
		}
		got, _, err := h.svc.Refresh(context.Background(), doc.ID)
		require.NoError(t, err)
		assert.Equal(t, nfpe.StatusAuthorized, got.Status)
		assert.Equal(t, testProtocol, h.reload(t, doc.ID).Protocol)
	})

	t.Run("without access key", func(t *testing.T) {
		h := newHarness(t)
		doc := h.create(t)
		_, _, err := h.svc.Refresh(context.Background(), doc.ID)
		assert.ErrorIs(t, err, nfpe.ErrMissingAccessKey)
	})
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	pending := h.create(t)
	require.NoError(t, h.svc.Delete(context.Background(), pending.ID))
	_, err := h.svc.Get(context.Background(), pending.ID)
	assert.ErrorIs(t, err, nfpe.ErrNotFound)

	authorized := h.authorize(t)
	err = h.svc.Delete(context.Background(), authorized.ID)
	assert.ErrorIs(t, err, nfpe.ErrNotDeletable)
}

func TestDistributionXML(t *testing.T) {
	h := newHarness(t)
	pending := h.create(t)
	_, _, err := h.svc.DistributionXML(context.Background(), pending.ID)
	assert.ErrorIs(t, err, ErrXMLUnavailable)

	doc := h.authorize(t)
	_, out, err := h.svc.DistributionXML(context.Background(), doc.ID)
	require.NoError(t, err)
	xml := string(out)
	assert.True(t, strings.HasPrefix(xml, `<?xml version="1.0" encoding="UTF-8"?><nfeProc`))
	assert.Contains(t, xml, "<protNFe")
	assert.Equal(t, 1, strings.Count(xml, "<?xml"))
}

func TestTransmit(t *testing.T) {
	h := newHarness(t)
	doc := h.authorize(t)
	_, err := h.svc.Transmit(context.Background(), doc.ID)
	assert.ErrorIs(t, err, nfpe.ErrNotClaimable)
}

func TestServiceStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.svc.ServiceStatus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, authority.CodeServiceAvailable, resp.Code)

	resp, err = h.svc.ServiceStatus(ctx, h.farm.ID)
	require.NoError(t, err)
	assert.Equal(t, authority.OutcomeServiceAvailable, resp.Outcome())

	_, err = h.svc.ServiceStatus(ctx, "missing")
	assert.ErrorIs(t, err, nfpe.ErrNotFound)

	empty := NewService(Dependencies{Farms: memory.New(), Signer: h.signer, Authority: h.authority}, sefazSettings(), "test", testutil.NewNullLogger())
	_, err = empty.ServiceStatus(ctx, "")
	assert.ErrorIs(t, err, nfpe.ErrNotFound)
}
