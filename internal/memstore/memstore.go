// Package memstore is an in-memory implementation of store.Store. It is safe for
// concurrent use and is intended for tests, local development and single-node
// deployments without Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"csms/internal/models"
	"csms/internal/store"

	clock "go.llib.dev/testcase/clock"
)

type seqKey struct {
	station string
	kind    models.SequenceType
}

type evseKey struct {
	station string
	evse    int
}

type connectorKey struct {
	station   string
	evseDbId  int64
	connector int
}

type statusKey struct {
	station   string
	evse      int
	connector int
}

type txKey struct {
	station string
	tx      string
}

type eventKey struct {
	txDbId    int64
	eventType models.TransactionEventType
	seqNo     int
	ts        int64
}

type pendingKey struct {
	station     string
	correlation string
}

type Store struct {
	*queries

	locksMu sync.Mutex
	locks   map[string]*stationLock

	mu     sync.Mutex
	nextID int64

	stations       map[string]models.Station
	statuses       map[statusKey]models.ConnectorStatus
	boots          map[string]models.BootRecord
	auths          map[int64]models.Authorization
	authByToken    map[models.IdToken]int64
	pending        map[pendingKey]models.PendingListUpdate
	lists          map[string]models.LocalListVersion
	sequences      map[seqKey]int64
	locations      map[int64]models.Location
	locationByName map[string]int64
	tariffs        map[int64]models.Tariff
	evses          map[evseKey]models.Evse
	connectors     map[connectorKey]models.Connector
	connectorByID  map[int64]connectorKey
	txs            map[int64]models.Transaction
	txByKey        map[txKey]int64
	events         map[int64][]models.TransactionEvent
	eventKeys      map[eventKey]int64
	meterValues    map[int64][]models.MeterValue
	commands       map[string]models.Command
	commandByIdem  map[string]string
	messages       []models.OcppMessage
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	s := &Store{
		locks:          make(map[string]*stationLock),
		nextID:         1,
		stations:       make(map[string]models.Station),
		statuses:       make(map[statusKey]models.ConnectorStatus),
		boots:          make(map[string]models.BootRecord),
		auths:          make(map[int64]models.Authorization),
		authByToken:    make(map[models.IdToken]int64),
		pending:        make(map[pendingKey]models.PendingListUpdate),
		lists:          make(map[string]models.LocalListVersion),
		sequences:      make(map[seqKey]int64),
		locations:      make(map[int64]models.Location),
		locationByName: make(map[string]int64),
		tariffs:        make(map[int64]models.Tariff),
		evses:          make(map[evseKey]models.Evse),
		connectors:     make(map[connectorKey]models.Connector),
		connectorByID:  make(map[int64]connectorKey),
		txs:            make(map[int64]models.Transaction),
		txByKey:        make(map[txKey]int64),
		events:         make(map[int64][]models.TransactionEvent),
		eventKeys:      make(map[eventKey]int64),
		meterValues:    make(map[int64][]models.MeterValue),
		commands:       make(map[string]models.Command),
		commandByIdem:  make(map[string]string),
	}
	s.queries = &queries{s: s}
	return s
}

func (s *Store) Close() {}

// WithStation holds the station's lock for the duration of fn and undoes every
// write fn made when it fails.
func (s *Store) WithStation(ctx context.Context, stationId string, fn func(ctx context.Context, q store.Queries) error) error {
	l := s.acquire(stationId)
	defer s.release(stationId, l)

	if err := ctx.Err(); err != nil {
		return err
	}
	q := &queries{s: s, j: &journal{}}
	if err := fn(ctx, q); err != nil {
		s.mu.Lock()
		q.j.rollback()
		s.mu.Unlock()
		return err
	}
	return nil
}

type stationLock struct {
	mu   sync.Mutex
	refs int
}

func (s *Store) acquire(stationId string) *stationLock {
	s.locksMu.Lock()
	l, ok := s.locks[stationId]
	if !ok {
		l = &stationLock{}
		s.locks[stationId] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return l
}

func (s *Store) release(stationId string, l *stationLock) {
	l.mu.Unlock()

	s.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, stationId)
	}
	s.locksMu.Unlock()
}

func (s *Store) nextIDLocked() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// journal collects undo steps for one unit of work. Steps run with s.mu held.
type journal struct {
	undo []func()
}

func (j *journal) record(f func()) {
	if j != nil {
		j.undo = append(j.undo, f)
	}
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

func put[K comparable, V any](j *journal, m map[K]V, k K, v V) {
	prev, existed := m[k]
	m[k] = v
	j.record(func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func del[K comparable, V any](j *journal, m map[K]V, k K) {
	prev, existed := m[k]
	if !existed {
		return
	}
	delete(m, k)
	j.record(func() { m[k] = prev })
}

// queries implements store.Queries. j is nil outside WithStation.
type queries struct {
	s *Store
	j *journal
}

var _ store.Queries = (*queries)(nil)

func (q *queries) lock() func() {
	q.s.mu.Lock()
	return q.s.mu.Unlock
}

// Stations ---------------------------------------------------------------------

func (q *queries) UpsertStation(_ context.Context, st models.Station) error {
	defer q.lock()()
	now := clock.Now().UTC()
	cur, ok := q.s.stations[st.StationId]
	if !ok {
		st.CreatedAt = now
		st.UpdatedAt = now
		put(q.j, q.s.stations, st.StationId, st)
		return nil
	}
	if st.Protocol != "" {
		cur.Protocol = st.Protocol
	}
	if st.Vendor != "" {
		cur.Vendor = st.Vendor
	}
	if st.Model != "" {
		cur.Model = st.Model
	}
	if st.LocationId != nil {
		cur.LocationId = cloneInt64(st.LocationId)
	}
	cur.UpdatedAt = now
	put(q.j, q.s.stations, st.StationId, cur)
	return nil
}

func (q *queries) GetStation(_ context.Context, id string) (*models.Station, error) {
	defer q.lock()()
	st, ok := q.s.stations[id]
	if !ok {
		return nil, nil
	}
	st.LocationId = cloneInt64(st.LocationId)
	st.LastSeenAt = cloneTime(st.LastSeenAt)
	return &st, nil
}

func (q *queries) SetStationOnline(_ context.Context, id string, online bool, at time.Time) error {
	defer q.lock()()
	st, ok := q.s.stations[id]
	if !ok {
		st = models.Station{StationId: id, CreatedAt: at}
	}
	st.IsOnline = online
	st.LastSeenAt = &at
	st.UpdatedAt = at
	put(q.j, q.s.stations, id, st)
	return nil
}

func (q *queries) TouchLastSeen(_ context.Context, id string, at time.Time) error {
	defer q.lock()()
	st, ok := q.s.stations[id]
	if !ok {
		return nil
	}
	st.LastSeenAt = &at
	put(q.j, q.s.stations, id, st)
	return nil
}

func (q *queries) UpsertConnectorStatus(_ context.Context, st models.ConnectorStatus) error {
	defer q.lock()()
	put(q.j, q.s.statuses, statusKey{st.StationId, st.EvseId, st.ConnectorId}, st)
	return nil
}

func (q *queries) ListConnectorStatuses(_ context.Context, stationId string) ([]models.ConnectorStatus, error) {
	defer q.lock()()
	var out []models.ConnectorStatus
	for k, v := range q.s.statuses {
		if k.station == stationId {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EvseId != out[j].EvseId {
			return out[i].EvseId < out[j].EvseId
		}
		return out[i].ConnectorId < out[j].ConnectorId
	})
	return out, nil
}

// Boot records -----------------------------------------------------------------

func (q *queries) GetBootRecord(_ context.Context, stationId string) (*models.BootRecord, error) {
	defer q.lock()()
	b, ok := q.s.boots[stationId]
	if !ok {
		return nil, nil
	}
	b = cloneBoot(b)
	return &b, nil
}

func (q *queries) SaveBootRecord(_ context.Context, b models.BootRecord) error {
	defer q.lock()()
	b = cloneBoot(b)
	b.UpdatedAt = clock.Now().UTC()
	put(q.j, q.s.boots, b.StationId, b)
	return nil
}

// Authorizations ---------------------------------------------------------------

func (q *queries) GetAuthorization(_ context.Context, id int64) (*models.Authorization, error) {
	defer q.lock()()
	a, ok := q.s.auths[id]
	if !ok {
		return nil, nil
	}
	a = cloneAuthorization(a)
	return &a, nil
}

func (q *queries) GetAuthorizationByToken(_ context.Context, token models.IdToken) (*models.Authorization, error) {
	defer q.lock()()
	id, ok := q.s.authByToken[token]
	if !ok {
		return nil, nil
	}
	a := cloneAuthorization(q.s.auths[id])
	return &a, nil
}

func (q *queries) UpsertAuthorization(_ context.Context, a models.Authorization) (int64, error) {
	defer q.lock()()
	now := clock.Now().UTC()
	token := a.Token()
	if id, ok := q.s.authByToken[token]; ok {
		cur := q.s.auths[id]
		a.Id = id
		a.CreatedAt = cur.CreatedAt
		a.UpdatedAt = now
		put(q.j, q.s.auths, id, cloneAuthorization(a))
		return id, nil
	}
	a.Id = q.s.nextIDLocked()
	a.CreatedAt = now
	a.UpdatedAt = now
	put(q.j, q.s.auths, a.Id, cloneAuthorization(a))
	put(q.j, q.s.authByToken, token, a.Id)
	return a.Id, nil
}

func (q *queries) DeleteAuthorization(_ context.Context, id int64) error {
	defer q.lock()()
	a, ok := q.s.auths[id]
	if !ok {
		return nil
	}
	del(q.j, q.s.auths, id)
	del(q.j, q.s.authByToken, a.Token())

	for station, list := range q.s.lists {
		changed := false
		entries := cloneEntries(list.Entries)
		for i := range entries {
			if entries[i].AuthorizationId != nil && *entries[i].AuthorizationId == id {
				entries[i].AuthorizationId = nil
				changed = true
			}
		}
		if changed {
			list.Entries = entries
			put(q.j, q.s.lists, station, list)
		}
	}
	for otherId, other := range q.s.auths {
		if other.GroupAuthorizationId != nil && *other.GroupAuthorizationId == id {
			other.GroupAuthorizationId = nil
			put(q.j, q.s.auths, otherId, other)
		}
	}
	for txId, tx := range q.s.txs {
		if tx.AuthorizationId != nil && *tx.AuthorizationId == id {
			tx.AuthorizationId = nil
			put(q.j, q.s.txs, txId, tx)
		}
	}
	return nil
}

// Local lists ------------------------------------------------------------------

func (q *queries) CreatePendingListUpdate(_ context.Context, u models.PendingListUpdate) error {
	defer q.lock()()
	k := pendingKey{u.StationId, u.CorrelationId}
	if _, ok := q.s.pending[k]; ok {
		return fmt.Errorf("pending list update %s/%s already exists", u.StationId, u.CorrelationId)
	}
	u.Entries = cloneEntries(u.Entries)
	put(q.j, q.s.pending, k, u)
	return nil
}

func (q *queries) GetPendingListUpdate(_ context.Context, stationId, correlationId string) (*models.PendingListUpdate, error) {
	defer q.lock()()
	u, ok := q.s.pending[pendingKey{stationId, correlationId}]
	if !ok {
		return nil, nil
	}
	u.Entries = cloneEntries(u.Entries)
	return &u, nil
}

func (q *queries) GetLocalListVersion(_ context.Context, stationId string) (*models.LocalListVersion, error) {
	defer q.lock()()
	v, ok := q.s.lists[stationId]
	if !ok {
		return nil, nil
	}
	v.Entries = cloneEntries(v.Entries)
	return &v, nil
}

func (q *queries) ReplaceLocalList(_ context.Context, stationId string, version int, entries []models.LocalListEntry) error {
	defer q.lock()()
	put(q.j, q.s.lists, stationId, models.LocalListVersion{
		StationId: stationId,
		Version:   version,
		Entries:   q.assignEntryIDs(entries),
		UpdatedAt: clock.Now().UTC(),
	})
	return nil
}

func (q *queries) SetLocalListVersion(_ context.Context, stationId string, version int) error {
	defer q.lock()()
	v, ok := q.s.lists[stationId]
	if !ok {
		return store.ErrNotFound
	}
	v.Version = version
	v.UpdatedAt = clock.Now().UTC()
	put(q.j, q.s.lists, stationId, v)
	return nil
}

func (q *queries) UpsertLocalListEntries(_ context.Context, stationId string, entries []models.LocalListEntry) error {
	defer q.lock()()
	v, ok := q.s.lists[stationId]
	if !ok {
		v = models.LocalListVersion{StationId: stationId}
	}
	kept := make([]models.LocalListEntry, 0, len(v.Entries)+len(entries))
	for _, cur := range v.Entries {
		if !supersededBy(cur, entries) {
			kept = append(kept, cloneEntry(cur))
		}
	}
	v.Entries = append(kept, q.assignEntryIDs(entries)...)
	v.UpdatedAt = clock.Now().UTC()
	put(q.j, q.s.lists, stationId, v)
	return nil
}

func supersededBy(cur models.LocalListEntry, next []models.LocalListEntry) bool {
	for _, n := range next {
		if n.AuthorizationId != nil {
			if cur.AuthorizationId != nil && *cur.AuthorizationId == *n.AuthorizationId {
				return true
			}
			continue
		}
		if cur.IdToken == n.IdToken && cur.IdTokenType == n.IdTokenType {
			return true
		}
	}
	return false
}

func (q *queries) ResetLocalList(_ context.Context, stationId string, version int) error {
	defer q.lock()()
	put(q.j, q.s.lists, stationId, models.LocalListVersion{
		StationId: stationId,
		Version:   version,
		UpdatedAt: clock.Now().UTC(),
	})
	return nil
}

func (q *queries) assignEntryIDs(entries []models.LocalListEntry) []models.LocalListEntry {
	out := cloneEntries(entries)
	for i := range out {
		out[i].Id = q.s.nextIDLocked()
	}
	return out
}

// Sequences --------------------------------------------------------------------

func (q *queries) NextSequenceValue(_ context.Context, stationId string, kind models.SequenceType) (int64, error) {
	defer q.lock()()
	k := seqKey{stationId, kind}
	v := q.s.sequences[k] + 1
	put(q.j, q.s.sequences, k, v)
	return v, nil
}

// Locations --------------------------------------------------------------------

func (q *queries) CreateLocation(_ context.Context, name string) (int64, error) {
	defer q.lock()()
	if id, ok := q.s.locationByName[name]; ok {
		return id, nil
	}
	id := q.s.nextIDLocked()
	put(q.j, q.s.locations, id, models.Location{LocationId: id, Name: name, CreatedAt: clock.Now().UTC()})
	put(q.j, q.s.locationByName, name, id)
	return id, nil
}

func (q *queries) SetStationLocation(_ context.Context, stationId string, locationId int64) error {
	defer q.lock()()
	st, ok := q.s.stations[stationId]
	if !ok {
		return store.ErrNotFound
	}
	st.LocationId = &locationId
	put(q.j, q.s.stations, stationId, st)
	return nil
}

func (q *queries) UpsertTariff(_ context.Context, t models.Tariff) (int64, error) {
	defer q.lock()()
	if t.TariffId == 0 {
		t.TariffId = q.s.nextIDLocked()
		t.CreatedAt = clock.Now().UTC()
	} else {
		cur, ok := q.s.tariffs[t.TariffId]
		if !ok {
			return 0, store.ErrNotFound
		}
		t.CreatedAt = cur.CreatedAt
	}
	put(q.j, q.s.tariffs, t.TariffId, t)
	return t.TariffId, nil
}

func (q *queries) GetTariff(_ context.Context, id int64) (*models.Tariff, error) {
	defer q.lock()()
	t, ok := q.s.tariffs[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (q *queries) FindOrCreateEvse(_ context.Context, stationId string, evseId int) (*models.Evse, error) {
	defer q.lock()()
	k := evseKey{stationId, evseId}
	e, ok := q.s.evses[k]
	if !ok {
		e = models.Evse{Id: q.s.nextIDLocked(), StationId: stationId, EvseId: evseId}
		put(q.j, q.s.evses, k, e)
	}
	return &e, nil
}

func (q *queries) FindOrCreateConnector(_ context.Context, stationId string, evseDbId int64, connectorId int) (*models.Connector, error) {
	defer q.lock()()
	k := connectorKey{stationId, evseDbId, connectorId}
	c, ok := q.s.connectors[k]
	if !ok {
		c = models.Connector{Id: q.s.nextIDLocked(), StationId: stationId, EvseDbId: evseDbId, ConnectorId: connectorId}
		put(q.j, q.s.connectors, k, c)
		put(q.j, q.s.connectorByID, c.Id, k)
	}
	c.TariffId = cloneInt64(c.TariffId)
	return &c, nil
}

func (q *queries) SetConnectorTariff(_ context.Context, connectorDbId int64, tariffId int64) error {
	defer q.lock()()
	k, ok := q.s.connectorByID[connectorDbId]
	if !ok {
		return store.ErrNotFound
	}
	c := q.s.connectors[k]
	c.TariffId = &tariffId
	put(q.j, q.s.connectors, k, c)
	return nil
}

// Transactions -----------------------------------------------------------------

func (q *queries) GetTransaction(_ context.Context, stationId, transactionId string) (*models.Transaction, error) {
	defer q.lock()()
	id, ok := q.s.txByKey[txKey{stationId, transactionId}]
	if !ok {
		return nil, nil
	}
	t := cloneTransaction(q.s.txs[id])
	return &t, nil
}

func (q *queries) CreateTransaction(_ context.Context, t models.Transaction) (int64, error) {
	defer q.lock()()
	k := txKey{t.StationId, t.TransactionId}
	if _, ok := q.s.txByKey[k]; ok {
		return 0, fmt.Errorf("transaction %s/%s already exists", t.StationId, t.TransactionId)
	}
	now := clock.Now().UTC()
	t = cloneTransaction(t)
	t.Id = q.s.nextIDLocked()
	t.CreatedAt = now
	t.UpdatedAt = now
	put(q.j, q.s.txs, t.Id, t)
	put(q.j, q.s.txByKey, k, t.Id)
	return t.Id, nil
}

func (q *queries) UpdateTransaction(_ context.Context, t models.Transaction) error {
	defer q.lock()()
	cur, ok := q.s.txs[t.Id]
	if !ok {
		return store.ErrNotFound
	}
	t = cloneTransaction(t)
	t.StationId = cur.StationId
	t.TransactionId = cur.TransactionId
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = clock.Now().UTC()
	put(q.j, q.s.txs, t.Id, t)
	return nil
}

func (q *queries) ListTransactions(_ context.Context, stationId string, limit int) ([]models.Transaction, error) {
	defer q.lock()()
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.Transaction
	for _, t := range q.s.txs {
		if t.StationId == stationId {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id > out[j].Id })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *queries) InsertTransactionEvent(_ context.Context, e models.TransactionEvent) (int64, bool, error) {
	defer q.lock()()
	k := eventKey{e.TransactionDbId, e.EventType, e.SeqNo, e.Timestamp.UnixNano()}
	if _, ok := q.s.eventKeys[k]; ok {
		return 0, false, nil
	}
	e.Id = q.s.nextIDLocked()
	e.Payload = append([]byte(nil), e.Payload...)
	prev := q.s.events[e.TransactionDbId]
	put(q.j, q.s.events, e.TransactionDbId, append(append([]models.TransactionEvent(nil), prev...), e))
	put(q.j, q.s.eventKeys, k, e.Id)
	return e.Id, true, nil
}

func (q *queries) ListTransactionEvents(_ context.Context, transactionDbId int64) ([]models.TransactionEvent, error) {
	defer q.lock()()
	out := append([]models.TransactionEvent(nil), q.s.events[transactionDbId]...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].SeqNo < out[j].SeqNo
	})
	return out, nil
}

func (q *queries) InsertMeterValue(_ context.Context, mv models.MeterValue) (int64, error) {
	defer q.lock()()
	mv.Id = q.s.nextIDLocked()
	mv.SampledValues = append([]models.SampledValue(nil), mv.SampledValues...)
	var key int64
	if mv.TransactionDbId != nil {
		key = *mv.TransactionDbId
	}
	prev := q.s.meterValues[key]
	put(q.j, q.s.meterValues, key, append(append([]models.MeterValue(nil), prev...), mv))
	return mv.Id, nil
}

func (q *queries) ListMeterValues(_ context.Context, transactionDbId int64) ([]models.MeterValue, error) {
	defer q.lock()()
	out := append([]models.MeterValue(nil), q.s.meterValues[transactionDbId]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Commands ---------------------------------------------------------------------

func (q *queries) CreateCommand(_ context.Context, c models.Command) error {
	defer q.lock()()
	if _, ok := q.s.commands[c.CommandId]; ok {
		return fmt.Errorf("command %s already exists", c.CommandId)
	}
	if c.IdempotencyKey != nil {
		if _, ok := q.s.commandByIdem[*c.IdempotencyKey]; ok {
			return fmt.Errorf("idempotency key %s already used", *c.IdempotencyKey)
		}
		put(q.j, q.s.commandByIdem, *c.IdempotencyKey, c.CommandId)
	}
	now := clock.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	put(q.j, q.s.commands, c.CommandId, c)
	return nil
}

func (q *queries) GetCommand(_ context.Context, id string) (*models.Command, error) {
	defer q.lock()()
	c, ok := q.s.commands[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (q *queries) GetCommandByIdempotency(_ context.Context, key string) (*models.Command, error) {
	defer q.lock()()
	id, ok := q.s.commandByIdem[key]
	if !ok {
		return nil, nil
	}
	c := q.s.commands[id]
	return &c, nil
}

func (q *queries) MarkCommand(_ context.Context, id string, status models.CommandStatus, response []byte, errMsg *string) error {
	defer q.lock()()
	c, ok := q.s.commands[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = status
	if response != nil {
		c.ResponseJSON = response
	}
	if errMsg != nil {
		c.Error = errMsg
	}
	c.UpdatedAt = clock.Now().UTC()
	put(q.j, q.s.commands, id, c)
	return nil
}

// Messages ---------------------------------------------------------------------

func (q *queries) InsertMessage(_ context.Context, m models.OcppMessage) error {
	defer q.lock()()
	m.Id = q.s.nextIDLocked()
	prev := q.s.messages
	q.s.messages = append(q.s.messages, m)
	q.j.record(func() { q.s.messages = prev })
	return nil
}

// Messages returns a copy of the recorded frame log.
func (s *Store) Messages() []models.OcppMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OcppMessage(nil), s.messages...)
}
