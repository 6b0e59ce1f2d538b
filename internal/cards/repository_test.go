package cards

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/turnkeeper/internal/domain"
	"github.com/ashureev/turnkeeper/internal/store"
	"github.com/ashureev/turnkeeper/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sched(local, remote, title string) domain.ScheduleCard {
	return domain.ScheduleCard{
		CardIdentity: domain.CardIdentity{LocalID: local, RemoteID: remote},
		Title:        title,
		StartsAt:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestDedupByKeepsFirstOccurrence(t *testing.T) {
	t.Parallel()

	in := []domain.ScheduleCard{
		sched("1", "", "first"),
		sched("2", "", "second"),
		sched("1", "", "dup of first"),
		sched("3", "r3", "third"),
		sched("9", "r3", "dup of third by remote id"),
	}

	once := DedupBy(in, scheduleKey)
	require.Len(t, once, 3)
	assert.Equal(t, "first", once[0].Title)
	assert.Equal(t, "second", once[1].Title)
	assert.Equal(t, "third", once[2].Title)

	twice := DedupBy(once, scheduleKey)
	assert.Equal(t, once, twice)

	assert.Nil(t, DedupBy([]domain.ScheduleCard(nil), scheduleKey))
}

func TestDedupByGenericKeys(t *testing.T) {
	t.Parallel()

	got := DedupBy([]int{3, 1, 3, 2, 1}, func(i int) int { return i })
	assert.Equal(t, []int{3, 1, 2}, got)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sqlite, err := store.NewSQLite(filepath.Join(t.TempDir(), "cards.db"))
	require.NoError(t, err)
	defer func() { _ = sqlite.Close() }()

	repo := NewRepository(sqlite, nil)
	ref := domain.TurnRef{ID: "turn-1", Timestamp: time.Unix(1000, 0)}
	input := domain.Cards{Schedules: []domain.ScheduleCard{
		sched("a", "", "A"),
		sched("b", "", "B"),
		sched("a", "", "A again"),
	}}

	require.NoError(t, repo.Save(ctx, ref, domain.KindSchedule, input))

	loaded, err := repo.Load(ctx, []domain.TurnRef{ref}, domain.KindSchedule)
	require.NoError(t, err)
	require.Contains(t, loaded, "turn-1")
	assert.Equal(t, DedupBy(input.Schedules, scheduleKey), loaded["turn-1"].Schedules)
}

func TestSaveEmptyDeletesBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storetest.NewMemory()
	repo := NewRepository(mem, nil)
	ref := domain.TurnRef{ID: "t", Timestamp: time.Unix(5, 0)}

	require.NoError(t, repo.Save(ctx, ref, domain.KindInvoice, domain.Cards{
		Invoices: []domain.InvoiceCard{{CardIdentity: domain.CardIdentity{LocalID: "i1"}, Vendor: "ACME", Amount: 12}},
	}))
	_, ok := mem.Batch("t", domain.KindInvoice)
	require.True(t, ok)

	require.NoError(t, repo.Save(ctx, ref, domain.KindInvoice, domain.Cards{}))
	_, ok = mem.Batch("t", domain.KindInvoice)
	assert.False(t, ok)
}

func TestSaveRefreshesCreationTimestampAndVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storetest.NewMemory()
	repo := NewRepository(mem, nil)

	cards := domain.Cards{Meetings: []domain.MeetingCard{{CardIdentity: domain.CardIdentity{LocalID: "m"}, Title: "Sync"}}}
	require.NoError(t, repo.Save(ctx, domain.TurnRef{ID: "t", Timestamp: time.Unix(10, 0)}, domain.KindMeeting, cards))
	require.NoError(t, repo.Save(ctx, domain.TurnRef{ID: "t", Timestamp: time.Unix(20, 0)}, domain.KindMeeting, cards))

	b, ok := mem.Batch("t", domain.KindMeeting)
	require.True(t, ok)
	assert.Equal(t, int64(2), b.Version)
	assert.Equal(t, time.Unix(20, 0), b.CreatedAt)
}

func TestLoadFiltersToRequestedTurns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storetest.NewMemory()
	repo := NewRepository(mem, nil)

	a := domain.TurnRef{ID: "a", Timestamp: time.Unix(100, 0)}
	between := domain.TurnRef{ID: "between", Timestamp: time.Unix(150, 0)}
	c := domain.TurnRef{ID: "c", Timestamp: time.Unix(200, 0)}
	for _, ref := range []domain.TurnRef{a, between, c} {
		require.NoError(t, repo.Save(ctx, ref, domain.KindSchedule, domain.Cards{
			Schedules: []domain.ScheduleCard{sched("x-"+ref.ID, "", ref.ID)},
		}))
	}

	loaded, err := repo.Load(ctx, []domain.TurnRef{a, c}, domain.KindSchedule)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
	assert.NotContains(t, loaded, "between")
	assert.Equal(t, "c", loaded["c"].Schedules[0].Title)
}

func TestSaveAllReportsKindsIndependently(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storetest.NewMemory()
	contactErr := errors.New("contact table unavailable")
	mem.BatchErr[domain.KindContact] = contactErr
	repo := NewRepository(mem, nil)

	ref := domain.TurnRef{ID: "t", Timestamp: time.Unix(1, 0)}
	cards := domain.Cards{
		Schedules: []domain.ScheduleCard{sched("s", "", "Dentist")},
		Contacts:  []domain.ContactCard{{CardIdentity: domain.CardIdentity{LocalID: "c"}, Name: "Ada"}},
	}

	err := repo.SaveAll(ctx, ref, cards, []domain.CardKind{domain.KindSchedule, domain.KindContact})
	require.ErrorIs(t, err, contactErr)

	_, ok := mem.Batch("t", domain.KindSchedule)
	assert.True(t, ok, "schedule batch must persist even when contacts fail")
}

func TestLoadAllFailsAsAWhole(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storetest.NewMemory()
	repo := NewRepository(mem, nil)
	ref := domain.TurnRef{ID: "t", Timestamp: time.Unix(1, 0)}

	require.NoError(t, repo.SaveAll(ctx, ref, domain.Cards{
		Schedules: []domain.ScheduleCard{sched("s", "", "Dentist")},
		Invoices:  []domain.InvoiceCard{{CardIdentity: domain.CardIdentity{LocalID: "i"}, Vendor: "ACME"}},
	}, domain.AllKinds))

	all, err := repo.LoadAll(ctx, []domain.TurnRef{ref})
	require.NoError(t, err)
	assert.Len(t, all["t"].Schedules, 1)
	assert.Len(t, all["t"].Invoices, 1)
	assert.Empty(t, all["t"].Contacts)

	mem.BatchErr[domain.KindMeeting] = errors.New("io")
	_, err = repo.LoadAll(ctx, []domain.TurnRef{ref})
	require.Error(t, err)
}
