package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/cliniko-referrals/internal/testutil"
	"github.com/Sternrassler/cliniko-referrals/pkg/client"
	"github.com/Sternrassler/cliniko-referrals/pkg/progress"
	"github.com/Sternrassler/cliniko-referrals/pkg/referrals"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mock *testutil.MockCliniko) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig("test-key", "au1", "TestApp (test@example.com)")
	cfg.BaseURL = mock.URL()
	cfg.Retry = client.RetryConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond}

	c, err := client.New(cfg, nil)
	require.NoError(t, err)
	return c
}

// sharedDoctorMock serves two patients referred by Jane Doe and one without
// a referring doctor.
func sharedDoctorMock(t *testing.T) *testutil.MockCliniko {
	t.Helper()

	mock := testutil.NewMockCliniko()
	t.Cleanup(mock.Close)

	mock.AddContact("10", referrals.Contact{FirstName: "Jane", LastName: "Doe"})
	mock.AddPatient(1, "10")
	mock.AddPatient(2, "10")
	mock.AddPatient(3, "")
	return mock
}

func collect(em *progress.Emitter) []progress.Event {
	var events []progress.Event
	for ev := range em.Events() {
		events = append(events, ev)
	}
	return events
}

func TestRun_SharedDoctor(t *testing.T) {
	mock := sharedDoctorMock(t)
	runner := NewRunner(newTestClient(t, mock), nil, DefaultOptions(), zerolog.Nop())

	em := runner.NewEmitter()
	result, err := runner.Run(context.Background(), em)
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalPatients)
	assert.Equal(t, 2, result.PatientsWithKnownDoctor)
	assert.Equal(t, 2, result.ContactLookups)
	assert.Equal(t, []referrals.DoctorCount{{Name: "Jane Doe", Count: 2}}, result.Ranking)
	assert.Equal(t, 1, mock.RequestCount("/v1/contacts/10"))

	events := collect(em)
	require.Len(t, events, 5)

	phases := make([]progress.Phase, len(events))
	for i, ev := range events {
		phases[i] = ev.Phase
		assert.Equal(t, em.RunID(), ev.RunID)
	}
	assert.Equal(t, []progress.Phase{
		progress.PhaseFetching,
		progress.PhaseFetching,
		progress.PhaseProcessing,
		progress.PhaseProcessing,
		progress.PhaseComplete,
	}, phases)

	assert.Equal(t, 0, events[0].Current)
	assert.Equal(t, 3, events[1].Current)
	assert.Equal(t, 3, events[1].Total)
	assert.Equal(t, 3, events[3].Current)
	require.NotNil(t, events[3].ContactLookups)
	assert.Equal(t, 2, *events[3].ContactLookups)

	done := events[4]
	require.NotNil(t, done.Summary)
	assert.True(t, *done.Success)
	assert.Equal(t, 3, done.TotalPatients)
	assert.Equal(t, 2, done.PatientsWithKnownDoctor)
	assert.Equal(t, progress.Debug{ContactFetchSuccess: 1, ContactCacheHits: 1}, done.Debug)
}

func TestRun_UpstreamErrorEmitsSingleErrorEvent(t *testing.T) {
	mock := sharedDoctorMock(t)
	mock.Script("/v1/patients", testutil.NewStatusResponse(401, `{"message":"unauthorized"}`))

	before := promtest.ToFloat64(RunsTotal.WithLabelValues("error"))

	runner := NewRunner(newTestClient(t, mock), nil, DefaultOptions(), zerolog.Nop())
	em := runner.NewEmitter()
	_, err := runner.Run(context.Background(), em)
	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrClientError))

	events := collect(em)
	require.Len(t, events, 2)
	assert.Equal(t, progress.PhaseFetching, events[0].Phase)

	failed := events[1]
	assert.Equal(t, progress.PhaseError, failed.Phase)
	assert.False(t, *failed.Success)
	assert.Contains(t, failed.Error, "status 401")
	assert.Nil(t, failed.Summary)

	assert.Equal(t, before+1, promtest.ToFloat64(RunsTotal.WithLabelValues("error")))
}

func TestRun_FailedContactIsSkipped(t *testing.T) {
	mock := testutil.NewMockCliniko()
	defer mock.Close()
	mock.AddContact("10", referrals.Contact{CompanyName: "Harbour Physio"})
	mock.AddPatient(1, "10")
	mock.AddPatient(2, "99") // unknown contact, 404

	runner := NewRunner(newTestClient(t, mock), nil, DefaultOptions(), zerolog.Nop())
	em := runner.NewEmitter()
	result, err := runner.Run(context.Background(), em)
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalPatients)
	assert.Equal(t, 1, result.PatientsWithKnownDoctor)
	assert.Equal(t, []referrals.DoctorCount{{Name: "Harbour Physio", Count: 1}}, result.Ranking)

	events := collect(em)
	last := events[len(events)-1]
	require.Equal(t, progress.PhaseComplete, last.Phase)
	assert.Equal(t, progress.Debug{ContactFetchSuccess: 1, ContactFetchFailed: 1}, last.Debug)
}

// cancellingFetcher cancels the run after the first contact is fetched.
type cancellingFetcher struct {
	Fetcher
	cancel context.CancelFunc
	once   sync.Once
}

func (f *cancellingFetcher) FetchInto(ctx context.Context, endpoint string, v any) error {
	err := f.Fetcher.FetchInto(ctx, endpoint, v)
	if _, ok := v.(*referrals.Contact); ok {
		f.once.Do(f.cancel)
	}
	return err
}

func TestRun_PartialOnError(t *testing.T) {
	tests := []struct {
		name        string
		partial     bool
		wantSummary bool
	}{
		{"partial results disabled", false, false},
		{"partial results enabled", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := sharedDoctorMock(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			opts := DefaultOptions()
			opts.PartialOnError = tt.partial
			fetcher := &cancellingFetcher{Fetcher: newTestClient(t, mock), cancel: cancel}
			runner := NewRunner(fetcher, nil, opts, zerolog.Nop())

			em := runner.NewEmitter()
			result, err := runner.Run(ctx, em)
			require.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, 1, result.PatientsWithKnownDoctor)

			events := collect(em)
			failed := events[len(events)-1]
			require.Equal(t, progress.PhaseError, failed.Phase)
			assert.Equal(t, tt.wantSummary, failed.Partial)

			if tt.wantSummary {
				require.NotNil(t, failed.Summary)
				assert.Equal(t, 3, failed.TotalPatients)
				assert.Equal(t, 1, failed.PatientsWithKnownDoctor)
			} else {
				assert.Nil(t, failed.Summary)
			}
		})
	}
}

type panickingFetcher struct{}

func (panickingFetcher) FetchInto(context.Context, string, any) error {
	panic("decoder exploded")
}

func TestRun_PanicBecomesErrorEvent(t *testing.T) {
	runner := NewRunner(panickingFetcher{}, nil, DefaultOptions(), zerolog.Nop())
	em := runner.NewEmitter()

	_, err := runner.Run(context.Background(), em)
	require.ErrorIs(t, err, ErrPanic)

	events := collect(em)
	require.Len(t, events, 2)
	assert.Equal(t, progress.PhaseError, events[1].Phase)
	assert.Contains(t, events[1].Error, "decoder exploded")
}

func TestRun_FreshStatePerRun(t *testing.T) {
	mock := sharedDoctorMock(t)
	runner := NewRunner(newTestClient(t, mock), nil, DefaultOptions(), zerolog.Nop())

	first := runner.NewEmitter()
	_, err := runner.Run(context.Background(), first)
	require.NoError(t, err)

	second := runner.NewEmitter()
	_, err = runner.Run(context.Background(), second)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID(), second.RunID())
	// the second run fetches the contact again instead of reusing the first run's cache
	assert.Equal(t, 2, mock.RequestCount("/v1/contacts/10"))

	a, b := collect(first), collect(second)
	assert.Equal(t, a[len(a)-1].Summary, b[len(b)-1].Summary)
}

func TestRun_DetachedSubscriber(t *testing.T) {
	mock := sharedDoctorMock(t)
	opts := DefaultOptions()
	opts.Buffer = 1
	runner := NewRunner(newTestClient(t, mock), nil, opts, zerolog.Nop())

	em := runner.NewEmitter()
	em.Detach()

	result, err := runner.Run(context.Background(), em)
	require.NoError(t, err)
	assert.Equal(t, 2, result.PatientsWithKnownDoctor)
	assert.Equal(t, 5, em.Dropped())
	assert.Equal(t, progress.PhaseComplete, em.Phase())
}

func TestCheck(t *testing.T) {
	mock := sharedDoctorMock(t)
	runner := NewRunner(newTestClient(t, mock), nil, DefaultOptions(), zerolog.Nop())

	total, err := runner.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, mock.RequestCount("/v1/patients"))
}
