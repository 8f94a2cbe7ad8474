package sync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdsync "sync"
	"testing"
	"time"

	"possync/internal/domain/sync"
	"possync/internal/infrastructure/storage/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

// fakeClock строго возрастающее время, которое можно сдвигать
type fakeClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     stdsync.Mutex
	events []sync.ChangeEvent
}

func (n *recordingNotifier) Notify(e sync.ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc      *sync.Service
	store    *memory.Storage
	clock    *fakeClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, cfg *sync.ServiceConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(testLogger()),
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
	}
	if cfg == nil {
		c := sync.DefaultServiceConfig()
		cfg = &c
	}
	cfg.TokenCost = bcrypt.MinCost
	f.svc = sync.NewService(f.store, testLogger(), cfg, sync.WithClock(f.clock), sync.WithNotifier(f.notifier))
	return f
}

func (f *fixture) device(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	_, err := f.svc.RegisterDevice(context.Background(), sync.DeviceRegistration{DeviceID: id})
	require.NoError(t, err)
	return id
}

func op(id string, c sync.Collection, kind sync.OperationKind, data string, ts time.Time) sync.OperationInput {
	return sync.OperationInput{
		ID:              id,
		Collection:      string(c),
		Operation:       string(kind),
		Data:            json.RawMessage(data),
		ClientTimestamp: sync.Timestamp{Time: ts},
	}
}

func (f *fixture) push(t *testing.T, deviceID string, ops ...sync.OperationInput) *sync.PushResult {
	t.Helper()
	res, err := f.svc.ProcessPush(context.Background(), deviceID, ops)
	require.NoError(t, err)
	return res
}

func (f *fixture) pull(t *testing.T, deviceID string, since time.Time, maxItems int, cols ...sync.Collection) *sync.PullResponse {
	t.Helper()
	res, err := f.svc.ProcessPull(context.Background(), deviceID, sync.PullRequest{
		LastSyncTimestamp: since,
		Collections:       cols,
		MaxItems:          maxItems,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) entity(t *testing.T, c sync.Collection, id string) *sync.Entity {
	t.Helper()
	e, err := f.store.GetEntity(context.Background(), c, id)
	require.NoError(t, err)
	return e
}

func itemIDs(d *sync.CollectionDelta) []string {
	ids := make([]string, 0, len(d.Items))
	for _, it := range d.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

func TestProcessPush_AppliesCreate(t *testing.T) {
	f := newFixture(t, nil)
	dev := f.device(t)

	res := f.push(t, dev, op("op-1", sync.CollectionProducts, sync.OperationCreate,
		`{"id":"p1","name":"Cola","price":"1.50","stock":10}`, f.clock.Now()))

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Acknowledged)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Results, 1)
	assert.Equal(t, sync.ResultAcknowledged, res.Results[0].Status)
	assert.Equal(t, int64(1), res.Results[0].Version)

	e := f.entity(t, sync.CollectionProducts, "p1")
	assert.Equal(t, "Cola", e.Data["name"])
	assert.Equal(t, dev, e.ModifiedBy)
	assert.False(t, e.Deleted())

	ops, err := f.store.ListPendingOperations(context.Background(), dev)
	require.NoError(t, err)
	assert.Empty(t, ops)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, sync.ChangeEvent{
		DeviceID:   dev,
		Collection: sync.CollectionProducts,
		IDs:        []string{"p1"},
		Timestamp:  res.Timestamp,
	}, f.notifier.events[0])
}

func TestProcessPush_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	dev := f.device(t)
	in := op("op-1", sync.CollectionCustomers, sync.OperationCreate, `{"id":"c1","name":"Ann"}`, f.clock.Now())

	first := f.push(t, dev, in)
	require.Equal(t, 1, first.Acknowledged)
	before := f.entity(t, sync.CollectionCustomers, "c1")

	second := f.push(t, dev, in)
	assert.True(t, second.Success)
	assert.Equal(t, 0, second.Acknowledged)
	assert.Equal(t, 1, second.Duplicates)
	assert.Equal(t, sync.ResultDuplicate, second.Results[0].Status)

	after := f.entity(t, sync.CollectionCustomers, "c1")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.ModifiedAt, after.ModifiedAt)
}

func TestProcessPush_AppliesInClientOrder(t *testing.T) {
	f := newFixture(t, nil)
	dev := f.device(t)
	t1 := f.clock.Now()
	t2 := t1.Add(time.Second)

	// порядок в пакете обратный порядку изменений на устройстве
	res := f.push(t, dev,
		op("op-2", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","name":"second"}`, t2),
		op("op-1", sync.CollectionProducts, sync.OperationCreate, `{"id":"p1","name":"first","price":2}`, t1),
	)

	assert.Equal(t, 2, res.Acknowledged)
	e := f.entity(t, sync.CollectionProducts, "p1")
	assert.Equal(t, "second", e.Data["name"])
	assert.Equal(t, json.Number("2"), e.Data["price"])
	assert.Equal(t, int64(2), e.Version)
	// результаты остаются в порядке пакета
	assert.Equal(t, "op-2", res.Results[0].OperationID)
	assert.Equal(t, int64(2), res.Results[0].Version)
}

func TestProcessPush_RejectsInvalidIndividually(t *testing.T) {
	f := newFixture(t, nil)
	dev := f.device(t)
	now := f.clock.Now()

	res := f.push(t, dev,
		op("bad-collection", "inventory", sync.OperationCreate, `{"id":"x"}`, now),
		op("bad-kind", sync.CollectionProducts, "UPSERT", `{"id":"x"}`, now),
		op("no-id", sync.CollectionProducts, sync.OperationCreate, `{"name":"x"}`, now),
		op("bad-amount", sync.CollectionSales, sync.OperationCreate, `{"id":"s1","total":"ten"}`, now),
		op("negative-price", sync.CollectionProducts, sync.OperationCreate, `{"id":"p9","price":-1}`, now),
		op("ok", sync.CollectionSales, sync.OperationCreate, `{"id":"s2","total":"10.25"}`, now),
	)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Acknowledged)
	require.Len(t, res.Errors, 5)
	for i, e := range res.Errors {
		assert.Equal(t, i, e.Index)
		assert.Equal(t, sync.CodeValidationFailed, e.Code)
		assert.False(t, e.Retryable)
		assert.Equal(t, sync.ResultRejected, res.Results[i].Status)
	}
	assert.Equal(t, sync.ResultAcknowledged, res.Results[5].Status)
}

func TestProcessPush_DeleteMissingIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	dev := f.device(t)

	res := f.push(t, dev, op("op-1", sync.CollectionProducts, sync.OperationDelete, `{"id":"ghost"}`, f.clock.Now()))

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Acknowledged)
	_, err := f.store.GetEntity(context.Background(), sync.CollectionProducts, "ghost")
	assert.ErrorIs(t, err, sync.ErrEntityNotFound)
}

func TestProcessPush_DeleteTombstones(t *testing.T) {
	f := newFixture(t, nil)
	dev := f.device(t)

	f.push(t, dev, op("op-1", sync.CollectionCustomers, sync.OperationCreate, `{"id":"c1","name":"Ann"}`, f.clock.Now()))
	res := f.push(t, dev, op("op-2", sync.CollectionCustomers, sync.OperationDelete, `{"id":"c1"}`, f.clock.Now()))
	require.Equal(t, 1, res.Acknowledged)

	e := f.entity(t, sync.CollectionCustomers, "c1")
	assert.True(t, e.Deleted())
	assert.Equal(t, int64(2), e.Version)

	other := f.device(t)
	pulled := f.pull(t, other, time.Time{}, 0, sync.CollectionCustomers)
	assert.Empty(t, pulled.Collections[sync.CollectionCustomers].Items)
	assert.Equal(t, []string{"c1"}, pulled.Collections[sync.CollectionCustomers].DeletedIDs)
}

// Устройство видело p1 в одном состоянии, сервер изменил его, устройство отправило правку:
// конфликт, каноническое состояние не тронуто, p1 не отдаётся, пока конфликт не решён.
func TestSyncCycle_ServerWinsRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dev := f.device(t)

	_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationCreate,
		map[string]any{"id": "p1", "name": "Cola", "price": 10})
	require.NoError(t, err)

	first := f.pull(t, dev, time.Time{}, 0, sync.CollectionProducts)
	require.Equal(t, []string{"p1"}, itemIDs(first.Collections[sync.CollectionProducts]))

	_, err = f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationUpdate,
		map[string]any{"id": "p1", "price": 12})
	require.NoError(t, err)

	res := f.push(t, dev, op("op1", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","price":11}`, f.clock.Now()))
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Acknowledged)
	require.Len(t, res.Conflicts, 1)
	conflict := res.Conflicts[0]
	assert.Equal(t, sync.ConflictBothModified, conflict.Type)
	assert.Equal(t, sync.ResolutionPending, conflict.Resolution)
	assert.Equal(t, "p1", conflict.LocalItemID)
	assert.Equal(t, "op1", conflict.OperationID)
	assert.Equal(t, 12, conflict.ServerData["price"])
	assert.Equal(t, json.Number("11"), conflict.LocalData["price"])
	assert.Equal(t, sync.ResultConflict, res.Results[0].Status)
	assert.Equal(t, conflict.ID, res.Results[0].ConflictID)

	assert.Equal(t, 12, f.entity(t, sync.CollectionProducts, "p1").Data["price"])

	// спорная сущность не отдаётся, конфликт виден
	during := f.pull(t, dev, first.Timestamp, 0, sync.CollectionProducts)
	assert.Empty(t, during.Collections[sync.CollectionProducts].Items)
	require.Len(t, during.Conflicts, 1)
	assert.Equal(t, conflict.ID, during.Conflicts[0].ID)

	resolved, err := f.svc.ResolveConflicts(ctx, dev, []sync.ConflictResolution{
		{ConflictID: conflict.ID, Resolution: sync.ResolutionUseServer},
	})
	require.NoError(t, err)
	assert.True(t, resolved.Success)
	assert.Equal(t, 1, resolved.Resolved)

	ops, err := f.store.ListPendingOperations(ctx, dev)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, sync.StatusFailed, ops[0].Status)
	assert.Equal(t, "discarded: server version kept", ops[0].LastError)

	// серверная версия приходит на устройство, даже если контрольная точка её уже прошла
	after := f.pull(t, dev, during.Timestamp, 0, sync.CollectionProducts)
	items := after.Collections[sync.CollectionProducts].Items
	require.Len(t, items, 1)
	assert.Equal(t, 12, items[0].Data["price"])
	require.Len(t, after.Conflicts, 1)
	assert.Equal(t, sync.ResolutionUseServer, after.Conflicts[0].Resolution)

	again := f.pull(t, dev, after.Timestamp, 0, sync.CollectionProducts)
	assert.Empty(t, again.Collections[sync.CollectionProducts].Items)
	assert.Empty(t, again.Conflicts)
}

// Устройство настаивает на своей правке: после USE_LOCAL оно получает
// каноническую версию со своим значением и решение конфликта ровно один раз.
func TestSyncCycle_LocalWinsRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dev := f.device(t)

	_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationCreate,
		map[string]any{"id": "p1", "name": "Cola", "price": 10})
	require.NoError(t, err)

	first := f.pull(t, dev, time.Time{}, 0, sync.CollectionProducts)
	require.Equal(t, []string{"p1"}, itemIDs(first.Collections[sync.CollectionProducts]))

	_, err = f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationUpdate,
		map[string]any{"id": "p1", "price": 12})
	require.NoError(t, err)

	res := f.push(t, dev, op("op1", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","price":11}`, f.clock.Now()))
	require.Len(t, res.Conflicts, 1)
	conflict := res.Conflicts[0]

	during := f.pull(t, dev, first.Timestamp, 0, sync.CollectionProducts)
	assert.Empty(t, during.Collections[sync.CollectionProducts].Items)
	require.Len(t, during.Conflicts, 1)

	resolved, err := f.svc.ResolveConflicts(ctx, dev, []sync.ConflictResolution{
		{ConflictID: conflict.ID, Resolution: sync.ResolutionUseLocal},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resolved.Resolved)

	// от контрольной точки до конфликта: сущность одна, со значением устройства
	after := f.pull(t, dev, first.Timestamp, 0, sync.CollectionProducts)
	items := after.Collections[sync.CollectionProducts].Items
	require.Len(t, items, 1)
	assert.Equal(t, "p1", items[0].ID)
	assert.Equal(t, json.Number("11"), items[0].Data["price"])
	assert.Equal(t, "Cola", items[0].Data["name"])
	require.Len(t, after.Conflicts, 1)
	assert.Equal(t, conflict.ID, after.Conflicts[0].ID)
	assert.Equal(t, sync.ResolutionUseLocal, after.Conflicts[0].Resolution)
	assert.Equal(t, json.Number("11"), after.Conflicts[0].ResolvedData["price"])

	again := f.pull(t, dev, first.Timestamp, 0, sync.CollectionProducts)
	assert.Equal(t, []string{"p1"}, itemIDs(again.Collections[sync.CollectionProducts]))
	assert.Empty(t, again.Conflicts)

	caughtUp := f.pull(t, dev, after.Timestamp, 0, sync.CollectionProducts)
	assert.Empty(t, caughtUp.Collections[sync.CollectionProducts].Items)
	assert.Empty(t, caughtUp.Conflicts)
}

func TestProcessPush_ConflictTypes(t *testing.T) {
	ctx := context.Background()

	t.Run("server deleted", func(t *testing.T) {
		f := newFixture(t, nil)
		dev := f.device(t)
		_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionCustomers, sync.OperationCreate, map[string]any{"id": "c1"})
		require.NoError(t, err)
		pulled := f.pull(t, dev, time.Time{}, 0)
		_, err = f.svc.ApplyDirect(ctx, "admin", sync.CollectionCustomers, sync.OperationDelete, map[string]any{"id": "c1"})
		require.NoError(t, err)

		res := f.push(t, dev, op("op1", sync.CollectionCustomers, sync.OperationUpdate, `{"id":"c1","name":"Bob"}`, pulled.Timestamp))
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, sync.ConflictServerDeleted, res.Conflicts[0].Type)
		assert.True(t, f.entity(t, sync.CollectionCustomers, "c1").Deleted())
	})

	t.Run("local deleted", func(t *testing.T) {
		f := newFixture(t, nil)
		dev := f.device(t)
		_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionCustomers, sync.OperationCreate, map[string]any{"id": "c1"})
		require.NoError(t, err)
		pulled := f.pull(t, dev, time.Time{}, 0)
		_, err = f.svc.ApplyDirect(ctx, "admin", sync.CollectionCustomers, sync.OperationUpdate, map[string]any{"id": "c1", "name": "Eve"})
		require.NoError(t, err)

		res := f.push(t, dev, op("op1", sync.CollectionCustomers, sync.OperationDelete, `{"id":"c1"}`, pulled.Timestamp))
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, sync.ConflictLocalDeleted, res.Conflicts[0].Type)
		assert.False(t, f.entity(t, sync.CollectionCustomers, "c1").Deleted())
	})

	t.Run("base version", func(t *testing.T) {
		f := newFixture(t, nil)
		dev := f.device(t)
		_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionCustomers, sync.OperationCreate, map[string]any{"id": "c1"})
		require.NoError(t, err)

		// устройство явно видело версию 1, изменений после неё нет
		in := op("op1", sync.CollectionCustomers, sync.OperationUpdate, `{"id":"c1","name":"Bob"}`, f.clock.Now())
		in.BaseVersion = 1
		res := f.push(t, dev, in)
		assert.Equal(t, 1, res.Acknowledged)
		assert.Empty(t, res.Conflicts)
	})

	t.Run("own changes never conflict", func(t *testing.T) {
		f := newFixture(t, nil)
		dev := f.device(t)
		f.push(t, dev, op("op1", sync.CollectionCustomers, sync.OperationCreate, `{"id":"c1"}`, f.clock.Now()))
		res := f.push(t, dev, op("op2", sync.CollectionCustomers, sync.OperationUpdate, `{"id":"c1","name":"Bob"}`, f.clock.Now()))
		assert.Equal(t, 1, res.Acknowledged)
	})
}

func TestProcessPush_RefreshesPendingConflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dev := f.device(t)

	_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationCreate, map[string]any{"id": "p1", "price": 1})
	require.NoError(t, err)

	first := f.push(t, dev, op("op1", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","price":2}`, f.clock.Now()))
	require.Len(t, first.Conflicts, 1)

	second := f.push(t, dev, op("op2", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","price":3}`, f.clock.Now()))
	require.Len(t, second.Conflicts, 1)
	assert.Equal(t, first.Conflicts[0].ID, second.Conflicts[0].ID)
	assert.Equal(t, "op2", second.Conflicts[0].OperationID)
	assert.Equal(t, json.Number("3"), second.Conflicts[0].LocalData["price"])
	assert.Equal(t, []string{"op1", "op2"}, second.Conflicts[0].OperationIDs)

	pending, err := f.svc.ListConflicts(ctx, dev, true)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestProcessPush_PendingConflictAccumulatesEdits(t *testing.T) {
	ctx := context.Background()

	t.Run("partial updates merge", func(t *testing.T) {
		f := newFixture(t, nil)
		dev := f.device(t)
		_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationCreate,
			map[string]any{"id": "p1", "name": "Cola", "price": 1, "stock": 1})
		require.NoError(t, err)

		first := f.push(t, dev, op("op1", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","price":2}`, f.clock.Now()))
		require.Len(t, first.Conflicts, 1)
		second := f.push(t, dev, op("op2", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","stock":7}`, f.clock.Now()))
		require.Len(t, second.Conflicts, 1)
		assert.Equal(t, sync.ResultConflict, second.Results[0].Status)

		c := second.Conflicts[0]
		assert.Equal(t, first.Conflicts[0].ID, c.ID)
		assert.Equal(t, []string{"op1", "op2"}, c.OperationIDs)
		assert.Equal(t, json.Number("2"), c.LocalData["price"])
		assert.Equal(t, json.Number("7"), c.LocalData["stock"])
		assert.Equal(t, sync.OperationUpdate, c.OperationKind)
	})

	t.Run("delete replaces", func(t *testing.T) {
		f := newFixture(t, nil)
		dev := f.device(t)
		_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationCreate,
			map[string]any{"id": "p1", "price": 1})
		require.NoError(t, err)

		f.push(t, dev, op("op1", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","price":2}`, f.clock.Now()))
		res := f.push(t, dev, op("op2", sync.CollectionProducts, sync.OperationDelete, `{"id":"p1"}`, f.clock.Now()))
		require.Len(t, res.Conflicts, 1)

		c := res.Conflicts[0]
		assert.Equal(t, sync.OperationDelete, c.OperationKind)
		assert.Equal(t, map[string]any{"id": "p1"}, c.LocalData)
		assert.Equal(t, []string{"op1", "op2"}, c.OperationIDs)
	})
}

func TestProcessPush_LastWriteWinsPolicy(t *testing.T) {
	policies, err := sync.ParsePolicies("products=last_write_wins")
	require.NoError(t, err)
	cfg := sync.DefaultServiceConfig()
	cfg.Policies = policies
	f := newFixture(t, &cfg)
	ctx := context.Background()
	dev := f.device(t)

	p1, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationCreate, map[string]any{"id": "p1", "price": 1})
	require.NoError(t, err)
	p2, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationCreate, map[string]any{"id": "p2", "price": 1})
	require.NoError(t, err)

	res := f.push(t, dev,
		op("newer", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","price":5}`, p1.ModifiedAt.Add(time.Hour)),
		op("older", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p2","price":5}`, p2.ModifiedAt.Add(-time.Hour)),
	)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Acknowledged)
	require.Len(t, res.Conflicts, 2)
	// пакет применяется по clientTimestamp: сначала older
	assert.Equal(t, sync.ResolutionUseServer, res.Conflicts[0].Resolution)
	assert.Equal(t, sync.ResolutionUseLocal, res.Conflicts[1].Resolution)
	assert.Equal(t, sync.PolicyLastWriteWins, res.Conflicts[1].Policy)
	assert.Equal(t, sync.ResultAcknowledged, res.Results[0].Status)
	assert.Equal(t, sync.ResultDiscarded, res.Results[1].Status)

	assert.Equal(t, json.Number("5"), f.entity(t, sync.CollectionProducts, "p1").Data["price"])
	assert.Equal(t, 1, f.entity(t, sync.CollectionProducts, "p2").Data["price"])

	pending, err := f.svc.ListConflicts(ctx, dev, true)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolveConflicts(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, string, sync.Conflict) {
		f := newFixture(t, nil)
		dev := f.device(t)
		_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationCreate,
			map[string]any{"id": "p1", "name": "Cola", "price": 10})
		require.NoError(t, err)
		res := f.push(t, dev, op("op1", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","price":11}`, f.clock.Now()))
		require.Len(t, res.Conflicts, 1)
		return f, dev, res.Conflicts[0]
	}

	t.Run("use local", func(t *testing.T) {
		f, dev, c := setup(t)
		res, err := f.svc.ResolveConflicts(ctx, dev, []sync.ConflictResolution{{ConflictID: c.ID, Resolution: sync.ResolutionUseLocal}})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Resolved)

		e := f.entity(t, sync.CollectionProducts, "p1")
		assert.Equal(t, json.Number("11"), e.Data["price"])
		assert.Equal(t, "Cola", e.Data["name"])
		assert.Equal(t, dev, e.ModifiedBy)

		ops, err := f.store.ListPendingOperations(ctx, dev)
		require.NoError(t, err)
		assert.Empty(t, ops)
	})

	t.Run("use local keeps every queued edit", func(t *testing.T) {
		f := newFixture(t, nil)
		dev := f.device(t)
		_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationCreate,
			map[string]any{"id": "p1", "name": "Cola", "price": 1, "stock": 1})
		require.NoError(t, err)

		f.push(t, dev, op("op1", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","price":2}`, f.clock.Now()))
		pushed := f.push(t, dev, op("op2", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","stock":7}`, f.clock.Now()))
		require.Len(t, pushed.Conflicts, 1)

		res, err := f.svc.ResolveConflicts(ctx, dev, []sync.ConflictResolution{
			{ConflictID: pushed.Conflicts[0].ID, Resolution: sync.ResolutionUseLocal},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Resolved)

		e := f.entity(t, sync.CollectionProducts, "p1")
		assert.Equal(t, json.Number("2"), e.Data["price"])
		assert.Equal(t, json.Number("7"), e.Data["stock"])
		assert.Equal(t, "Cola", e.Data["name"])

		ops, err := f.store.ListPendingOperations(ctx, dev)
		require.NoError(t, err)
		assert.Empty(t, ops)
	})

	t.Run("use server discards every queued edit", func(t *testing.T) {
		f, dev, c := setup(t)
		pushed := f.push(t, dev, op("op2", sync.CollectionProducts, sync.OperationUpdate, `{"id":"p1","name":"Pepsi"}`, f.clock.Now()))
		require.Len(t, pushed.Conflicts, 1)
		require.Equal(t, c.ID, pushed.Conflicts[0].ID)

		_, err := f.svc.ResolveConflicts(ctx, dev, []sync.ConflictResolution{{ConflictID: c.ID, Resolution: sync.ResolutionUseServer}})
		require.NoError(t, err)

		ops, err := f.store.ListPendingOperations(ctx, dev)
		require.NoError(t, err)
		require.Len(t, ops, 2)
		for _, o := range ops {
			assert.Equal(t, sync.StatusFailed, o.Status)
			assert.Equal(t, "discarded: server version kept", o.LastError)
		}
	})

	t.Run("merge", func(t *testing.T) {
		f, dev, c := setup(t)
		res, err := f.svc.ResolveConflicts(ctx, dev, []sync.ConflictResolution{{
			ConflictID: c.ID,
			Resolution: sync.ResolutionMerge,
			MergedData: map[string]any{"name": "Cola Zero", "price": 10.5},
		}})
		require.NoError(t, err)
		require.True(t, res.Success)

		e := f.entity(t, sync.CollectionProducts, "p1")
		assert.Equal(t, map[string]any{"id": "p1", "name": "Cola Zero", "price": 10.5}, e.Data)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, sync.ResolutionMerge, res.Conflicts[0].Resolution)
		assert.NotNil(t, res.Conflicts[0].ResolvedAt)
	})

	t.Run("merge requires data", func(t *testing.T) {
		f, dev, c := setup(t)
		res, err := f.svc.ResolveConflicts(ctx, dev, []sync.ConflictResolution{{ConflictID: c.ID, Resolution: sync.ResolutionMerge}})
		require.NoError(t, err)
		assert.False(t, res.Success)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, sync.CodeInvalidRequest, res.Errors[0].Code)
	})

	t.Run("already resolved", func(t *testing.T) {
		f, dev, c := setup(t)
		_, err := f.svc.ResolveConflicts(ctx, dev, []sync.ConflictResolution{{ConflictID: c.ID, Resolution: sync.ResolutionUseServer}})
		require.NoError(t, err)

		res, err := f.svc.ResolveConflicts(ctx, dev, []sync.ConflictResolution{{ConflictID: c.ID, Resolution: sync.ResolutionUseLocal}})
		require.NoError(t, err)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, sync.CodeConflictResolved, res.Errors[0].Code)
		assert.Equal(t, 10, f.entity(t, sync.CollectionProducts, "p1").Data["price"])
	})

	t.Run("foreign device", func(t *testing.T) {
		f, _, c := setup(t)
		other := f.device(t)
		res, err := f.svc.ResolveConflicts(ctx, other, []sync.ConflictResolution{{ConflictID: c.ID, Resolution: sync.ResolutionUseLocal}})
		require.NoError(t, err)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, sync.CodeConflictNotFound, res.Errors[0].Code)
	})

	t.Run("empty request", func(t *testing.T) {
		f, dev, _ := setup(t)
		_, err := f.svc.ResolveConflicts(ctx, dev, nil)
		assert.ErrorIs(t, err, sync.ErrInvalidRequest)
	})
}

func TestProcessPull_PaginatesWithoutGaps(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dev := f.device(t)

	for i := 1; i <= 5; i++ {
		_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionProducts, sync.OperationCreate,
			map[string]any{"id": fmt.Sprintf("p%d", i)})
		require.NoError(t, err)
	}

	var (
		since time.Time
		seen  []string
		pages int
	)
	for {
		res := f.pull(t, dev, since, 2, sync.CollectionProducts)
		assert.False(t, res.Timestamp.Before(since))
		seen = append(seen, itemIDs(res.Collections[sync.CollectionProducts])...)
		since = res.Timestamp
		pages++
		if !res.HasMore {
			break
		}
		require.Less(t, pages, 10)
	}

	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5"}, seen)
	assert.Equal(t, 3, pages)
}

func TestProcessPull_TimestampTies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dev := f.device(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	save := func(id string, at time.Time) {
		err := f.store.InTx(ctx, func(ctx context.Context, tx sync.Tx) error {
			return tx.SaveEntity(ctx, &sync.Entity{
				Collection: sync.CollectionProducts,
				ID:         id,
				Data:       map[string]any{"id": id},
				Version:    1,
				ModifiedAt: at,
				ModifiedBy: "api:import",
			}, 0)
		})
		require.NoError(t, err)
	}

	t.Run("boundary tie is trimmed", func(t *testing.T) {
		save("a", base.Add(1*time.Second))
		save("b", base.Add(2*time.Second))
		save("c", base.Add(2*time.Second))
		save("d", base.Add(3*time.Second))

		first := f.pull(t, dev, base, 2, sync.CollectionProducts)
		assert.True(t, first.HasMore)
		assert.Equal(t, []string{"a"}, itemIDs(first.Collections[sync.CollectionProducts]))
		assert.Equal(t, base.Add(time.Second), first.Timestamp)

		second := f.pull(t, dev, first.Timestamp, 2, sync.CollectionProducts)
		assert.Equal(t, []string{"b", "c"}, itemIDs(second.Collections[sync.CollectionProducts]))

		third := f.pull(t, dev, second.Timestamp, 2, sync.CollectionProducts)
		assert.False(t, third.HasMore)
		assert.Equal(t, []string{"d"}, itemIDs(third.Collections[sync.CollectionProducts]))
	})

	t.Run("whole page shares one timestamp", func(t *testing.T) {
		at := base.Add(time.Hour)
		for _, id := range []string{"t1", "t2", "t3"} {
			save(id, at)
		}

		res := f.pull(t, dev, base.Add(time.Hour-time.Second), 2, sync.CollectionProducts)
		assert.True(t, res.HasMore)
		assert.Equal(t, []string{"t1", "t2", "t3"}, itemIDs(res.Collections[sync.CollectionProducts]))
		assert.Equal(t, at, res.Timestamp)
	})
}

func TestProcessPull_CheckpointNeverMovesBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dev := f.device(t)

	_, err := f.svc.ApplyDirect(ctx, "admin", sync.CollectionSettings, sync.OperationCreate, map[string]any{"id": "currency", "value": "USD"})
	require.NoError(t, err)

	first := f.pull(t, dev, time.Time{}, 0, sync.CollectionSettings)
	require.False(t, first.Timestamp.IsZero())

	// повторная полная выгрузка не откатывает сохранённую точку
	rewind := f.pull(t, dev, time.Time{}, 0, sync.CollectionSettings)
	assert.False(t, rewind.Collections[sync.CollectionSettings].Checkpoint.Before(first.Timestamp))

	cps, err := f.store.GetCheckpoints(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp, cps[sync.CollectionSettings])
}

func TestProcessPull_UnknownCollection(t *testing.T) {
	f := newFixture(t, nil)
	dev := f.device(t)

	_, err := f.svc.ProcessPull(context.Background(), dev, sync.PullRequest{Collections: []sync.Collection{"inventory"}})
	assert.ErrorIs(t, err, sync.ErrInvalidRequest)
}

// unavailableStorage хранилище, у которого не открываются транзакции
type unavailableStorage struct {
	*memory.Storage
}

func (s unavailableStorage) InTx(context.Context, func(context.Context, sync.Tx) error) error {
	return fmt.Errorf("begin tx: connection refused: %w", sync.ErrStorageUnavailable)
}

func TestProcessPush_StorageUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dev := f.device(t)

	broken := sync.NewService(unavailableStorage{f.store}, testLogger(), nil, sync.WithClock(f.clock))
	in := op("op-1", sync.CollectionCashTransactions, sync.OperationCreate, `{"id":"ct1","amount":"-20.00"}`, f.clock.Now())

	res, err := broken.ProcessPush(ctx, dev, []sync.OperationInput{in})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, sync.CodeStorageUnavailable, res.Errors[0].Code)
	assert.True(t, res.Errors[0].Retryable)
	assert.Equal(t, sync.ResultFailed, res.Results[0].Status)

	ops, err := f.store.ListPendingOperations(ctx, dev)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, sync.StatusFailed, ops[0].Status)
	assert.Equal(t, 1, ops[0].RetryCount)

	// повторная отправка той же операции после восстановления
	retry := f.push(t, dev, in)
	assert.Equal(t, 1, retry.Acknowledged)
	assert.Equal(t, "-20.00", f.entity(t, sync.CollectionCashTransactions, "ct1").Data["amount"])
}

// blockingStorage задерживает push на чтении контрольных точек
type blockingStorage struct {
	*memory.Storage
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStorage) GetCheckpoints(ctx context.Context, deviceID string) (map[sync.Collection]time.Time, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.Storage.GetCheckpoints(ctx, deviceID)
}

func TestProcessPush_RejectsConcurrentPushFromSameDevice(t *testing.T) {
	store := &blockingStorage{
		Storage: memory.New(testLogger()),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cfg := sync.DefaultServiceConfig()
	cfg.TokenCost = bcrypt.MinCost
	svc := sync.NewService(store, testLogger(), &cfg)
	ctx := context.Background()
	dev := uuid.NewString()
	_, err := svc.RegisterDevice(ctx, sync.DeviceRegistration{DeviceID: dev})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.ProcessPush(ctx, dev, nil)
		done <- err
	}()
	<-store.entered

	_, err = svc.ProcessPush(ctx, dev, nil)
	assert.ErrorIs(t, err, sync.ErrSyncInProgress)
	assert.Equal(t, sync.CodeSyncInProgress, sync.CodeOf(err))

	close(store.release)
	require.NoError(t, <-done)
}

func TestProcessPush_BatchTooLarge(t *testing.T) {
	cfg := sync.DefaultServiceConfig()
	cfg.MaxBatch = 1
	f := newFixture(t, &cfg)
	dev := f.device(t)
	now := f.clock.Now()

	_, err := f.svc.ProcessPush(context.Background(), dev, []sync.OperationInput{
		op("a", sync.CollectionProducts, sync.OperationCreate, `{"id":"a"}`, now),
		op("b", sync.CollectionProducts, sync.OperationCreate, `{"id":"b"}`, now),
	})
	assert.ErrorIs(t, err, sync.ErrBatchTooLarge)
}

func TestRegisterDevice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.NewString()

	d, err := f.svc.RegisterDevice(ctx, sync.DeviceRegistration{DeviceID: id, Token: "secret", Name: "till-1"})
	require.NoError(t, err)
	assert.Equal(t, "till-1", d.Name)
	assert.NotEmpty(t, d.TokenHash)

	_, err = f.svc.RegisterDevice(ctx, sync.DeviceRegistration{DeviceID: id, Token: "secret", UserID: "u1"})
	require.NoError(t, err)

	_, err = f.svc.RegisterDevice(ctx, sync.DeviceRegistration{DeviceID: id, Token: "wrong"})
	assert.ErrorIs(t, err, sync.ErrInvalidDeviceToken)

	_, err = f.svc.RegisterDevice(ctx, sync.DeviceRegistration{DeviceID: id})
	assert.ErrorIs(t, err, sync.ErrInvalidDeviceToken)

	stored, err := f.store.GetDevice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "u1", stored.UserID)
}

func TestJanitorPass(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	stale := f.device(t)

	f.push(t, stale, op("op-1", sync.CollectionProducts, sync.OperationCreate, `{"id":"p1"}`, f.clock.Now()))
	f.clock.Advance(40 * 24 * time.Hour)
	active := f.device(t)

	st, err := f.svc.GetStatus(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, sync.DeviceIdle, st.State)

	err = f.svc.JanitorPass(ctx, sync.JanitorConfig{RetentionDays: 30, DeviceStaleDays: 30})
	require.NoError(t, err)

	// состояние архивного устройства больше не хранится
	st, err = f.svc.GetStatus(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, sync.DeviceUnregistered, st.State)
	st, err = f.svc.GetStatus(ctx, active)
	require.NoError(t, err)
	assert.Equal(t, sync.DeviceRegistered, st.State)

	d, err := f.store.GetDevice(ctx, stale)
	require.NoError(t, err)
	assert.NotNil(t, d.ArchivedAt)

	d, err = f.store.GetDevice(ctx, active)
	require.NoError(t, err)
	assert.Nil(t, d.ArchivedAt)

	counts, err := f.store.CountOperations(ctx, stale, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, counts)

	// архивное устройство возвращается при следующем обращении
	back, err := f.svc.RegisterDevice(ctx, sync.DeviceRegistration{DeviceID: stale})
	require.NoError(t, err)
	assert.Nil(t, back.ArchivedAt)
	st, err = f.svc.GetStatus(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, sync.DeviceRegistered, st.State)
}

func TestActivityRegistry_Forget(t *testing.T) {
	r := sync.NewActivityRegistry()

	done, err := r.BeginPush("busy")
	require.NoError(t, err)
	idle, err := r.BeginPush("idle")
	require.NoError(t, err)
	idle()

	r.Forget("busy", "idle", "unknown")
	assert.Equal(t, sync.DeviceSyncing, r.State("busy"))
	assert.Equal(t, sync.DeviceUnregistered, r.State("idle"))

	done()
	r.Forget("busy")
	assert.Equal(t, sync.DeviceUnregistered, r.State("busy"))
}
