package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixtureTime = time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)

func newPos(id, symbol, entry string) Position {
	return Position{
		ID:             id,
		Symbol:         symbol,
		OptionType:     OptionTypeCall,
		StrikePrice:    450,
		ExpirationDate: "2025-02-21",
		PositionSide:   PositionSideLong,
		Quantity:       1,
		EntryPrice:     2.35,
		EntryDate:      entry,
		CreatedAt:      fixtureTime,
		UpdatedAt:      fixtureTime,
	}
}

func newGroup(id, strategy, underlying string, gross float64) TradeGroup {
	return TradeGroup{
		ID:            id,
		Strategy:      strategy,
		Underlying:    underlying,
		GrossProceeds: gross,
		CreatedAt:     fixtureTime,
		UpdatedAt:     fixtureTime,
	}
}

func ids(ps []Position) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func groupIDs(gs []TradeGroup) []string {
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.ID
	}
	return out
}

type repoFactory func(t *testing.T) (PositionRepository, GroupRepository)

func localBackends() map[string]repoFactory {
	return map[string]repoFactory{
		"memory": func(t *testing.T) (PositionRepository, GroupRepository) {
			mem := newMemoryStore()
			return NewMemoryPositionRepo(mem), NewMemoryGroupRepo(mem)
		},
		"csv": func(t *testing.T) (PositionRepository, GroupRepository) {
			st, err := NewCSVStore(t.TempDir())
			require.NoError(t, err)
			return NewCSVPositionRepo(st), NewCSVGroupRepo(st)
		},
		"sqlite": func(t *testing.T) (PositionRepository, GroupRepository) {
			db, err := NewSQLiteStore(filepath.Join(t.TempDir(), "options.db"))
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return NewSQLitePositionRepo(db), NewSQLiteGroupRepo(db)
		},
	}
}

func TestRepositories(t *testing.T) {
	for name, factory := range localBackends() {
		t.Run(name, func(t *testing.T) {
			t.Run("positions", func(t *testing.T) {
				pr, _ := factory(t)
				positionRepoContract(t, pr)
			})
			t.Run("groups", func(t *testing.T) {
				_, gr := factory(t)
				groupRepoContract(t, gr)
			})
		})
	}
}

func positionRepoContract(t *testing.T, repo PositionRepository) {
	t.Helper()

	_, err := repo.GetByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	p1 := newPos("p1", "SPY", "2025-01-15T10:30:00.000Z")
	got, err := repo.Create(p1)
	require.NoError(t, err)
	assert.Equal(t, p1, got)

	_, err = repo.CreateBatch([]Position{
		newPos("p2", "aapl", "2025-01-14T09:00:00.000Z"),
		newPos("p3", "SPY", "2025-01-16T11:00:00.000Z"),
		newPos("p4", "AAPL", "2025-01-14T09:00:00.000Z"),
	})
	require.NoError(t, err)

	fetched, err := repo.GetByID("p1")
	require.NoError(t, err)
	assert.Equal(t, p1, fetched)

	all, err := repo.List(ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, ids(all), "insertion order")

	bySymbol, err := repo.List(ListFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p4"}, ids(bySymbol), "symbol filter ignores case")

	asc, err := repo.List(ListFilter{Sort: SortEntryAsc})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p4", "p1", "p3"}, ids(asc), "ties keep insertion order")

	desc, err := repo.List(ListFilter{Sort: SortEntryDesc})
	require.NoError(t, err)
	assert.Equal(t, []string{"p3", "p1", "p2", "p4"}, ids(desc))

	page, err := repo.List(ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3"}, ids(page))

	tail, err := repo.List(ListFilter{Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"p4"}, ids(tail))

	past, err := repo.List(ListFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)

	// update
	changed := p1
	changed.Quantity = 3
	updated, err := repo.Update(changed)
	require.NoError(t, err)
	assert.Equal(t, 3.0, updated.Quantity)
	assert.True(t, updated.UpdatedAt.After(fixtureTime))
	reread, err := repo.GetByID("p1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, reread.Quantity)
	assert.True(t, reread.CreatedAt.Equal(fixtureTime))

	_, err = repo.Update(newPos("ghost", "SPY", "2025-01-15"))
	assert.ErrorIs(t, err, ErrNotFound)

	// group assignment
	require.NoError(t, repo.AssignGroups(map[string]string{"p2": "g1", "p4": "g1", "ghost": "g9"}))
	inGroup, err := repo.List(ListFilter{GroupID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p4"}, ids(inGroup))
	p2, err := repo.GetByID("p2")
	require.NoError(t, err)
	assert.Equal(t, "g1", p2.GroupID)
	assert.True(t, p2.UpdatedAt.Equal(fixtureTime), "assignment leaves updated_at alone")

	// delete
	require.NoError(t, repo.Delete("p3"))
	assert.ErrorIs(t, repo.Delete("p3"), ErrNotFound)
	_, err = repo.GetByID("p3")
	assert.ErrorIs(t, err, ErrNotFound)
	all, err = repo.List(ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p4"}, ids(all))
}

func groupRepoContract(t *testing.T, repo GroupRepository) {
	t.Helper()

	empty, err := repo.List()
	require.NoError(t, err)
	assert.Empty(t, empty)

	g1 := newGroup("g1", "strategy-2025-01-15", "SPY", 1100)
	got, err := repo.Create(g1)
	require.NoError(t, err)
	assert.Equal(t, g1, got)
	_, err = repo.Create(newGroup("g2", "strategy-2025-01-16", "AAPL", 850))
	require.NoError(t, err)

	all, err := repo.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, groupIDs(all))

	fetched, err := repo.GetByID("g1")
	require.NoError(t, err)
	assert.Equal(t, g1, fetched)
	_, err = repo.GetByID("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	g1.Strategy = "iron condor"
	_, err = repo.Update(g1)
	require.NoError(t, err)
	fetched, err = repo.GetByID("g1")
	require.NoError(t, err)
	assert.Equal(t, "iron condor", fetched.Strategy)
	_, err = repo.Update(newGroup("nope", "x", "y", 0))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Delete("g2"))
	assert.ErrorIs(t, repo.Delete("g2"), ErrNotFound)

	require.NoError(t, repo.Clear())
	all, err = repo.List()
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = repo.Create(newGroup("g3", "strategy-2025-01-17", "QQQ", 10))
	require.NoError(t, err)
	all, err = repo.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"g3"}, groupIDs(all))
}

func TestCSVStore_ReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	st, err := NewCSVStore(dir)
	require.NoError(t, err)

	p := newPos("p1", "SPY", "2025-01-15T10:30:00.000Z")
	p.EntryPrice = 0.1 + 0.2 // exact float round trip
	_, err = NewCSVPositionRepo(st).CreateBatch([]Position{p, newPos("p2", "QQQ", "2025-01-15")})
	require.NoError(t, err)
	require.NoError(t, NewCSVPositionRepo(st).AssignGroups(map[string]string{"p1": "g1"}))
	_, err = NewCSVGroupRepo(st).Create(newGroup("g1", "strategy-2025-01-15", "SPY", 1100))
	require.NoError(t, err)

	reopened, err := NewCSVStore(dir)
	require.NoError(t, err)
	all, err := NewCSVPositionRepo(reopened).List(ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2"}, ids(all))
	p.GroupID = "g1"
	assert.Equal(t, p, all[0])

	groups, err := NewCSVGroupRepo(reopened).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, groupIDs(groups))
	assert.FileExists(t, filepath.Join(dir, "positions.csv"))
	assert.FileExists(t, filepath.Join(dir, "trade_groups.csv"))
}

func TestSQLiteStore_ReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.db")
	db, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = NewSQLitePositionRepo(db).Create(newPos("p1", "SPY", "2025-01-15T10:30:00.000Z"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := NewSQLitePositionRepo(db).GetByID("p1")
	require.NoError(t, err)
	assert.Equal(t, newPos("p1", "SPY", "2025-01-15T10:30:00.000Z"), got)
}
