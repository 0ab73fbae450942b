package memory

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/testutil"
)

func seeded(t *testing.T) (*Store, nfpe.Farm) {
	t.Helper()
	s := New()
	farm, err := s.CreateFarm(context.Background(), testutil.Farm())
	require.NoError(t, err)
	return s, farm
}

func TestStore_CreateAllocatesSequentialNumbers(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()

	first, err := s.Create(ctx, testutil.Document(farm.ID))
	require.NoError(t, err)
	second, err := s.Create(ctx, testutil.Document(farm.ID))
	require.NoError(t, err)

	assert.EqualValues(t, 1, first.Number)
	assert.EqualValues(t, 2, second.Number)
	assert.Equal(t, farm.DefaultSeries, first.Series)
	assert.Equal(t, nfpe.StatusPending, first.Status)
	require.Len(t, first.Items, 1)
	assert.NotEmpty(t, first.Items[0].ID)
	assert.Equal(t, first.ID, first.Items[0].DocumentID)

	stored, err := s.GetFarm(ctx, farm.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stored.LastNumber)
}

func TestStore_ConcurrentCreateHasNoGapsOrDuplicates(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()

	const n = 50
	numbers := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := s.Create(ctx, testutil.Document(farm.ID))
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			numbers[i] = doc.Number
		}(i)
	}
	wg.Wait()

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, got := range numbers {
		assert.EqualValues(t, i+1, got)
	}
}

func TestStore_CreateRejectsUnknownFarmAndDuplicateMovement(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()

	_, err := s.Create(ctx, testutil.Document("missing"))
	assert.ErrorIs(t, err, nfpe.ErrNotFound)

	doc := testutil.Document(farm.ID)
	doc.ERPMovementID = "MOV-1"
	_, err = s.Create(ctx, doc)
	require.NoError(t, err)
	_, err = s.Create(ctx, doc)
	assert.ErrorIs(t, err, nfpe.ErrDuplicateMovement)

	found, err := s.FindByERPMovement(ctx, "MOV-1")
	require.NoError(t, err)
	assert.Equal(t, "MOV-1", found.ERPMovementID)
}

func TestStore_ClaimIsExclusive(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()
	doc, err := s.Create(ctx, testutil.Document(farm.ID))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(ctx, doc.ID, nfpe.ClaimableStatuses()...)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, nfpe.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestStore_SaveEnforcesUniqueAccessKey(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()
	a, _ := s.Create(ctx, testutil.Document(farm.ID))
	b, _ := s.Create(ctx, testutil.Document(farm.ID))

	a.AccessKey = "51241012345678000195550010000000011123456780"
	require.NoError(t, s.Save(ctx, &a, nfpe.StatusPending))

	b.AccessKey = a.AccessKey
	assert.ErrorIs(t, s.Save(ctx, &b, nfpe.StatusPending), nfpe.ErrDuplicateAccessKey)

	a.XML = []byte("<NFe/>")
	a.Status = nfpe.StatusError
	require.NoError(t, s.Save(ctx, &a, nfpe.StatusPending))
	a.XML[1] = 'X'

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "<NFe/>", string(got.XML), "store must not alias caller buffers")
	assert.Equal(t, nfpe.StatusError, got.Status)
}

func TestStore_DeleteCascades(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()
	doc, err := s.Create(ctx, testutil.Document(farm.ID))
	require.NoError(t, err)
	_, err = s.CreateEvent(ctx, nfpe.Event{DocumentID: doc.ID, Type: nfpe.EventCancellation, Sequence: 1})
	require.NoError(t, err)

	docs, items, events := s.Counts()
	assert.Equal(t, []int{1, 1, 1}, []int{docs, items, events})

	require.NoError(t, s.Delete(ctx, doc.ID))
	docs, items, events = s.Counts()
	assert.Equal(t, []int{0, 0, 0}, []int{docs, items, events})

	_, err = s.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, nfpe.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, doc.ID), nfpe.ErrNotFound)
}

func TestStore_EventsAreAppendOnly(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()
	doc, _ := s.Create(ctx, testutil.Document(farm.ID))

	evt, err := s.CreateEvent(ctx, nfpe.Event{
		DocumentID:    doc.ID,
		Type:          nfpe.EventCancellation,
		Sequence:      1,
		Justification: "Erro na emissao do documento",
		Status:        nfpe.EventPending,
		RequestXML:    []byte("<evento/>"),
	})
	require.NoError(t, err)

	evt.Status = nfpe.EventRegistered
	evt.Protocol = "151240000000456"
	evt.Justification = "tentativa de alterar"
	evt.RequestXML = []byte("<outro/>")
	require.NoError(t, s.UpdateEvent(ctx, evt))

	events, err := s.ListEvents(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, nfpe.EventRegistered, events[0].Status)
	assert.Equal(t, "151240000000456", events[0].Protocol)
	assert.Equal(t, "Erro na emissao do documento", events[0].Justification)
	assert.Equal(t, "<evento/>", string(events[0].RequestXML))
}

func TestStore_ListAndRetryable(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		doc, err := s.Create(ctx, testutil.Document(farm.ID))
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}
	// ids[0] stays PENDING, ids[1] ERROR once, ids[2] ERROR exhausted, ids[3] AUTHORIZED.
	for _, id := range ids[1:] {
		ok, err := s.Claim(ctx, id, nfpe.ClaimableStatuses()...)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, _ = s.Transition(ctx, ids[1], nfpe.StatusProcessing, nfpe.StatusError)
	_, _ = s.Transition(ctx, ids[2], nfpe.StatusProcessing, nfpe.StatusError)
	for i := 0; i < 2; i++ {
		_, _ = s.Claim(ctx, ids[2], nfpe.StatusError)
		_, _ = s.Transition(ctx, ids[2], nfpe.StatusProcessing, nfpe.StatusError)
	}
	_, _ = s.Transition(ctx, ids[3], nfpe.StatusProcessing, nfpe.StatusAuthorized)

	retryable, err := s.ListRetryable(ctx, 3, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ids[0], ids[1]}, retryable)

	page, total, err := s.List(ctx, nfpe.ListFilter{FarmID: farm.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, page, 2)

	errored, total, err := s.List(ctx, nfpe.ListFilter{Status: nfpe.StatusError})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, errored, 2)

	empty, total, err := s.List(ctx, nfpe.ListFilter{Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Empty(t, empty)
}

func TestStore_FarmLookups(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()

	_, err := s.CreateFarm(ctx, testutil.Farm())
	assert.ErrorIs(t, err, nfpe.ErrDuplicateFarm)

	found, err := s.FindFarmByCNPJ(ctx, farm.CNPJ)
	require.NoError(t, err)
	assert.Equal(t, farm.ID, found.ID)

	_, err = s.GetFarm(ctx, "nope")
	assert.ErrorIs(t, err, nfpe.ErrNotFound)

	farms, err := s.ListFarms(ctx)
	require.NoError(t, err)
	assert.Len(t, farms, 1)
}

func TestStore_ReleaseStale(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()
	clock := time.Date(2024, 10, 15, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	stuck, err := s.Create(ctx, testutil.Document(farm.ID))
	require.NoError(t, err)
	fresh, err := s.Create(ctx, testutil.Document(farm.ID))
	require.NoError(t, err)

	_, err = s.Claim(ctx, stuck.ID, nfpe.ClaimableStatuses()...)
	require.NoError(t, err)
	clock = clock.Add(20 * time.Minute)
	_, err = s.Claim(ctx, fresh.ID, nfpe.ClaimableStatuses()...)
	require.NoError(t, err)

	ids, err := s.ReleaseStale(ctx, 10*time.Minute, "processamento interrompido")
	require.NoError(t, err)
	assert.Equal(t, []string{stuck.ID}, ids)

	got, err := s.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, nfpe.StatusError, got.Status)
	assert.Equal(t, "processamento interrompido", got.StatusMessage)

	got, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, nfpe.StatusProcessing, got.Status)
}

func TestStore_SaveRequiresTheHoldingAttempt(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()
	clock := time.Date(2024, 10, 15, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	doc, err := s.Create(ctx, testutil.Document(farm.ID))
	require.NoError(t, err)
	_, err = s.Claim(ctx, doc.ID, nfpe.ClaimableStatuses()...)
	require.NoError(t, err)
	first, err := s.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, 1, first.Attempts)

	clock = clock.Add(20 * time.Minute)
	ids, err := s.ReleaseStale(ctx, 10*time.Minute, "processamento interrompido")
	require.NoError(t, err)
	require.Equal(t, []string{doc.ID}, ids)
	assert.ErrorIs(t, s.Touch(ctx, doc.ID, first.Attempts), nfpe.ErrOwnershipLost)

	ok, err := s.Claim(ctx, doc.ID, nfpe.ClaimableStatuses()...)
	require.NoError(t, err)
	require.True(t, ok)
	second, err := s.Get(ctx, doc.ID)
	require.NoError(t, err)
	second.Status = nfpe.StatusAuthorized
	second.Protocol = "151240000000123"
	require.NoError(t, s.Save(ctx, second, nfpe.StatusProcessing))

	first.Status = nfpe.StatusError
	first.StatusMessage = "poll receipt: timeout"
	assert.ErrorIs(t, s.Save(ctx, first, nfpe.StatusProcessing), nfpe.ErrOwnershipLost)

	got, err := s.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, nfpe.StatusAuthorized, got.Status)
	assert.Equal(t, "151240000000123", got.Protocol)
	assert.Equal(t, 2, got.Attempts)
}

func TestStore_TouchKeepsLiveAttemptsFromRelease(t *testing.T) {
	s, farm := seeded(t)
	ctx := context.Background()
	clock := time.Date(2024, 10, 15, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	doc, err := s.Create(ctx, testutil.Document(farm.ID))
	require.NoError(t, err)
	_, err = s.Claim(ctx, doc.ID, nfpe.ClaimableStatuses()...)
	require.NoError(t, err)

	clock = clock.Add(9 * time.Minute)
	require.NoError(t, s.Touch(ctx, doc.ID, 1))
	clock = clock.Add(9 * time.Minute)

	ids, err := s.ReleaseStale(ctx, 10*time.Minute, "processamento interrompido")
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.ErrorIs(t, s.Touch(ctx, "missing", 1), nfpe.ErrNotFound)
}
