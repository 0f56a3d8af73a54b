// ABOUTME: Session API — the sole surface the (out-of-scope) command layer sees
// ABOUTME: Grounded on internal/server/server.go's method-per-operation shape, generalized from gRPC request/response structs to plain Go parameters per spec.md §6

package session

import (
	"bytes"
	"fmt"

	"github.com/nainya/graphcore/pkg/gerrors"
	"github.com/nainya/graphcore/pkg/graphedge"
	"github.com/nainya/graphcore/pkg/index"
	"github.com/nainya/graphcore/pkg/mvcc"
	"github.com/nainya/graphcore/pkg/page"
	"github.com/nainya/graphcore/pkg/storage"
)

// Row is a statement's column values, keyed by column name rather than
// position — the typed row shape a command handler hands to a session.
type Row map[string]storage.Value

// TableSink is the write side of a table's MemTable, from the session's
// point of view: append a physical key/value, report whether the append
// sealed the memtable.
type TableSink interface {
	Put(key []byte, val []byte, tombstone bool) (sealed bool, err error)
}

// Store bundles every engine-owned dependency a Session needs: row id
// allocation, committed-state reads for visibility and point lookups, index
// definitions and their physical column families, and the write sink a
// commit folds buffered mutations into. Concrete wiring (page storage, the
// B+Tree, the memtable set) lives in the bootstrap layer, not here.
type Store interface {
	NextRowId(table string) (uint64, error)
	NextTxId() uint64

	Reader() mvcc.Reader
	Committed() mvcc.CommittedSet

	Columns(table string) []string
	Indexes(table string) []index.Def

	// ScanRowIds enumerates every committed rowId with a DATA entry for
	// table, in ascending order, stopping early if visit returns false.
	ScanRowIds(table string, visit func(rowId uint64) bool) error
	// FetchRow reads a committed row's column values by rowId.
	FetchRow(table string, rowId uint64) ([]storage.Value, bool, error)
	// ScanIndexLive enumerates every live entry key for one index, in key
	// order, stopping early if visit returns false.
	ScanIndexLive(table string, def index.Def, visit func(indexKey []byte) bool) error

	TableSink(table string) (TableSink, error)
	// HandleSealed is invoked when a TableSink.Put reports sealed=true,
	// handing the sealed memtable off to the flush pipeline.
	HandleSealed(table string) error

	// TableId resolves table to the stable identifier a LinkRequest stamps
	// into a pointer-key record's peerTableId field.
	TableId(table string) (uint64, error)
	// TableName reverses TableId, resolving a graph edge's peer back to a
	// table Session.Reachable's caller can read from.
	TableName(id uint64) (string, bool)
	// XmaxPointerRecords satisfies pkg/graphedge.PointerReader, letting
	// graphedge.ScanReachable read a row's edge endpoints off a Store
	// directly.
	XmaxPointerRecords(table string, rowId uint64, dir graphedge.Direction) ([]graphedge.PointerRecord, error)

	RecordBaseTableRead(table string)
	RecordIndexLocalSearch(indexName string)
}

// Options mirrors spec.md §6's four session-scoped settings.
type Options struct {
	AutoCommit           bool
	ScanConcurrency      int
	TxUndergoingMaxCount int
	SessionMemorySize    int64
}

// Option mutates a session's Options; construct with the SetXxx functions
// below and apply via Session.Set.
type Option func(*Options) error

// SetAutoCommit toggles whether a statement that isn't itself a
// begin/commit/rollback commits immediately after executing.
func SetAutoCommit(v bool) Option {
	return func(o *Options) error { o.AutoCommit = v; return nil }
}

// SetScanConcurrency records how many goroutines a table scan may use. The
// value is kept in Options; Session's own scans run on the calling goroutine
// and do not read it.
func SetScanConcurrency(n int) Option {
	return func(o *Options) error {
		if n <= 0 {
			return gerrors.New(gerrors.KindInvariant, "session.SetScanConcurrency", fmt.Errorf("scan concurrency must be > 0, got %d", n))
		}
		o.ScanConcurrency = n
		return nil
	}
}

// SetTxUndergoingMaxCount records how many transactions may be in flight
// across the engine at once. The value is kept in Options; nothing in this
// package counts or limits in-flight transactions.
func SetTxUndergoingMaxCount(n int) Option {
	return func(o *Options) error {
		if n <= 0 {
			return gerrors.New(gerrors.KindInvariant, "session.SetTxUndergoingMaxCount", fmt.Errorf("tx undergoing max count must be > 0, got %d", n))
		}
		o.TxUndergoingMaxCount = n
		return nil
	}
}

// SetSessionMemorySize records a memtable size budget for this session's
// writes. The value is kept in Options; sealing is decided by the Store's
// TableSink, which does not receive it.
func SetSessionMemorySize(bytes int64) Option {
	return func(o *Options) error {
		if bytes <= 0 {
			return gerrors.New(gerrors.KindInvariant, "session.SetSessionMemorySize", fmt.Errorf("session memory size must be > 0, got %d", bytes))
		}
		o.SessionMemorySize = bytes
		return nil
	}
}

// CursorRequest is one statement a Session can Execute: InsertRequest,
// UpdateRequest, DeleteRequest, SelectRequest, LinkRequest, or
// UnlinkRequest.
type CursorRequest interface{ isCursorRequest() }

// InsertRequest adds a new row to Table.
type InsertRequest struct {
	Table string
	Row   Row
}

// UpdateRequest replaces RowId's values in Table, chaining the MVCC origin.
type UpdateRequest struct {
	Table string
	RowId uint64
	Row   Row
}

// DeleteRequest marks RowId deleted in Table.
type DeleteRequest struct {
	Table string
	RowId uint64
}

// SelectRequest reads Columns from Table, restricted by Filters.
type SelectRequest struct {
	Table   string
	Filters []index.Filter
	Columns []string
}

// LinkRequest stages a graph edge from (Table, RowId) to (PeerTable,
// PeerRowId), recorded under Direction, per spec.md §3/§4.7's
// KEY_PREFIX_POINTER pointer-key scheme.
type LinkRequest struct {
	Table     string
	RowId     uint64
	Direction graphedge.Direction
	PeerTable string
	PeerRowId uint64
}

// UnlinkRequest removes a previously staged edge, leaving its xmin marker in
// place but superseding its xmax sentinel at the current tx — the pointer-key
// analogue of DeleteRequest.
type UnlinkRequest struct {
	Table     string
	RowId     uint64
	Direction graphedge.Direction
	PeerTable string
	PeerRowId uint64
}

func (InsertRequest) isCursorRequest() {}
func (UpdateRequest) isCursorRequest() {}
func (DeleteRequest) isCursorRequest() {}
func (SelectRequest) isCursorRequest() {}
func (LinkRequest) isCursorRequest()   {}
func (UnlinkRequest) isCursorRequest() {}

// SelectResult is the front-end-facing projection of a SelectRequest,
// spec.md §6's SelectResultToFront.
type SelectResult struct {
	Columns []string
	Rows    []Row
}

// Session is one client's transaction-scoped view of the engine: it owns a
// single in-flight *mvcc.Transaction and the Options governing how its
// statements execute, per spec.md §6.
type Session struct {
	store Store
	tx    *mvcc.Transaction
	opts  Options
	idx   *index.Engine
}

// New opens a session with a fresh transaction against store.
func New(store Store, opts Options) *Session {
	return &Session{
		store: store,
		tx:    mvcc.New(store.NextTxId(), opts.AutoCommit),
		opts:  opts,
		idx:   index.NewEngine(),
	}
}

// Set applies session-scoped options.
func (s *Session) Set(opt Option) error {
	return opt(&s.opts)
}

// Execute runs one statement against the session's current transaction. For
// InsertRequest/UpdateRequest/DeleteRequest the returned *SelectResult is
// always nil; for SelectRequest it carries the projected rows. If
// AutoCommit is set, a successful mutation commits immediately afterward.
func (s *Session) Execute(req CursorRequest) (*SelectResult, error) {
	switch r := req.(type) {
	case InsertRequest:
		return nil, s.afterMutation(s.insert(r))
	case UpdateRequest:
		return nil, s.afterMutation(s.update(r))
	case DeleteRequest:
		return nil, s.afterMutation(s.delete(r))
	case SelectRequest:
		return s.selectRows(r)
	case LinkRequest:
		return nil, s.afterMutation(s.link(r))
	case UnlinkRequest:
		return nil, s.afterMutation(s.unlink(r))
	default:
		return nil, gerrors.New(gerrors.KindInvariant, "session.Session.Execute", fmt.Errorf("unknown cursor request %T", req))
	}
}

func (s *Session) afterMutation(err error) error {
	if err != nil {
		// spec.md §7 Conflict: the offending statement fails, the
		// transaction itself may continue.
		return err
	}
	if s.opts.AutoCommit {
		return s.Commit()
	}
	return nil
}

func (s *Session) insert(r InsertRequest) error {
	columns := s.store.Columns(r.Table)
	rowId, err := s.store.NextRowId(r.Table)
	if err != nil {
		return err
	}
	values := projectRow(columns, r.Row)
	if err := s.tx.Insert(r.Table, rowId, storage.EncodeValues(values), 0); err != nil {
		return err
	}
	return s.stageIndexInserts(r.Table, rowId, r.Row)
}

func (s *Session) update(r UpdateRequest) error {
	columns := s.store.Columns(r.Table)
	oldValues, ok, err := s.fetchRowAnyVersion(r.Table, r.RowId)
	if err != nil {
		return err
	}
	if !ok {
		return gerrors.New(gerrors.KindInvariant, "session.Session.update", fmt.Errorf("table %s: row %d not found", r.Table, r.RowId))
	}
	oldRow := toRow(columns, oldValues)

	newRowId, err := s.store.NextRowId(r.Table)
	if err != nil {
		return err
	}
	newValues := projectRow(columns, r.Row)
	if err := s.tx.Update(r.Table, r.RowId, newRowId, storage.EncodeValues(newValues)); err != nil {
		return err
	}
	if err := s.stageIndexDeletes(r.Table, r.RowId, oldRow); err != nil {
		return err
	}
	return s.stageIndexInserts(r.Table, newRowId, r.Row)
}

func (s *Session) delete(r DeleteRequest) error {
	columns := s.store.Columns(r.Table)
	values, ok, err := s.fetchRowAnyVersion(r.Table, r.RowId)
	if err != nil {
		return err
	}
	if !ok {
		return gerrors.New(gerrors.KindInvariant, "session.Session.delete", fmt.Errorf("table %s: row %d not found", r.Table, r.RowId))
	}
	if err := s.tx.Delete(r.Table, r.RowId); err != nil {
		return err
	}
	return s.stageIndexDeletes(r.Table, r.RowId, toRow(columns, values))
}

func (s *Session) link(r LinkRequest) error {
	peerTableId, err := s.store.TableId(r.PeerTable)
	if err != nil {
		return err
	}
	return graphedge.StageEdge(s.tx, r.Table, r.RowId, r.Direction, peerTableId, r.PeerRowId)
}

func (s *Session) unlink(r UnlinkRequest) error {
	peerTableId, err := s.store.TableId(r.PeerTable)
	if err != nil {
		return err
	}
	return graphedge.RemoveEdge(s.tx, r.Table, r.RowId, r.Direction, peerTableId, r.PeerRowId)
}

// ReachablePeer is one graph edge target, resolved back to a table a caller
// can FetchRow/SelectRequest from.
type ReachablePeer struct {
	Table string
	RowId uint64
}

// Reachable resolves every peer dir-reachable from (table, rowId) as of this
// session's committed-visibility snapshot, per spec.md §4.7's "Pointer-key
// MVCC" (the pointer-key analogue of row xmax visibility). Edges this
// session staged but hasn't yet committed are not reflected here, matching
// how graph edges — unlike rows — have no tx-local overlay in
// fetchRowAnyVersion's sense.
func (s *Session) Reachable(table string, rowId uint64, dir graphedge.Direction) ([]ReachablePeer, error) {
	peers, err := graphedge.ScanReachable(s.tx.TxId, table, rowId, dir, s.store)
	if err != nil {
		return nil, err
	}
	out := make([]ReachablePeer, 0, len(peers))
	for _, p := range peers {
		name, ok := s.store.TableName(p.TableId)
		if !ok {
			continue
		}
		out = append(out, ReachablePeer{Table: name, RowId: p.DataKey})
	}
	return out, nil
}

// fetchRowAnyVersion prefers this tx's own uncommitted write for rowId
// (an update/delete following an insert within the same tx) over the
// committed store, matching S1's "insert then read in the same tx".
func (s *Session) fetchRowAnyVersion(table string, rowId uint64) ([]storage.Value, bool, error) {
	if mut, ok := s.tx.Get(table, storage.DataKey(rowId)); ok {
		values, err := storage.DecodeValues(mut.Val)
		return values, true, err
	}
	return s.store.FetchRow(table, rowId)
}

func (s *Session) stageIndexInserts(table string, rowId uint64, row Row) error {
	dataKey := storage.DataKey(rowId)
	for _, def := range s.store.Indexes(table) {
		values := projectRow(def.Columns, row)
		if err := s.idx.StageInsert(s.tx, table, def, values, dataKey); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) stageIndexDeletes(table string, rowId uint64, row Row) error {
	dataKey := storage.DataKey(rowId)
	for _, def := range s.store.Indexes(table) {
		values := projectRow(def.Columns, row)
		if err := s.idx.StageDelete(s.tx, table, def, values, dataKey, s.tx.TxId); err != nil {
			return err
		}
	}
	return nil
}

// selectRows serves a query either entirely from a secondary index (spec.md
// S6, never touching KEY_PREFIX_DATA) or by scanning the base table and
// applying filters in memory.
func (s *Session) selectRows(r SelectRequest) (*SelectResult, error) {
	defs := s.store.Indexes(r.Table)
	plan, ok := index.Select(defs, r.Filters, r.Columns)
	if ok && plan.LocalSearch {
		return s.selectViaIndex(r, plan)
	}
	return s.selectViaScan(r)
}

func (s *Session) selectViaIndex(r SelectRequest, plan index.Plan) (*SelectResult, error) {
	s.store.RecordIndexLocalSearch(plan.Index.Name)

	result := &SelectResult{Columns: r.Columns}
	var scanErr error
	err := s.store.ScanIndexLive(r.Table, plan.Index, func(indexKey []byte) bool {
		values, _, err := index.DecodeKeyColumns(plan.Index, indexKey)
		if err != nil {
			scanErr = err
			return false
		}
		row := toRow(plan.Index.Columns, values)
		if !matchesFilters(row, r.Filters) {
			return true
		}
		result.Rows = append(result.Rows, projectSelected(row, r.Columns))
		return true
	})
	if err == nil {
		err = scanErr
	}
	return result, err
}

// selectViaScan merges two sources of rowIds, per spec.md §9's "scans merge
// committed iterator and mutation iterator by key": this tx's own buffered
// inserts (never yet committed, so store.ScanRowIds alone would miss them —
// spec's S1, "Begin T=5. INSERT -> SELECT returns the row before Commit")
// and the committed rowIds store.ScanRowIds enumerates. A rowId this tx has
// already staged a delete for is excluded from the committed pass entirely,
// whether or not it's also visible to other transactions.
func (s *Session) selectViaScan(r SelectRequest) (*SelectResult, error) {
	columns := s.store.Columns(r.Table)
	result := &SelectResult{Columns: r.Columns}

	emit := func(rowId uint64) (bool, error) {
		values, ok, err := s.fetchRowAnyVersion(r.Table, rowId)
		if err != nil || !ok {
			return true, err
		}
		row := toRow(columns, values)
		if !matchesFilters(row, r.Filters) {
			return true, nil
		}
		result.Rows = append(result.Rows, projectSelected(row, r.Columns))
		return true, nil
	}

	txLocal := make(map[uint64]bool)
	var txErr error
	s.tx.ForEach(r.Table, func(key []byte, mut mvcc.Mutation) bool {
		rowId, ok := storage.SplitDataKey(key)
		if !ok {
			return true
		}
		txLocal[rowId] = true
		if mut.Tombstone || s.tx.HasDeleted(r.Table, rowId) {
			return true
		}
		cont, err := emit(rowId)
		if err != nil {
			txErr = err
			return false
		}
		return cont
	})
	if txErr != nil {
		return result, txErr
	}

	var scanErr error
	err := s.store.ScanRowIds(r.Table, func(rowId uint64) bool {
		if txLocal[rowId] || s.tx.HasDeleted(r.Table, rowId) {
			return true
		}

		visible, err := mvcc.IsVisible(s.tx.TxId, r.Table, rowId, s.store.Reader(), s.store.Committed(), s.tx)
		if err != nil {
			scanErr = err
			return false
		}
		if !visible {
			return true
		}

		s.store.RecordBaseTableRead(r.Table)
		cont, err := emit(rowId)
		if err != nil {
			scanErr = err
			return false
		}
		return cont
	})
	if err == nil {
		err = scanErr
	}
	return result, err
}

// Commit folds every physical key this session's transaction buffered into
// its table's MemTable, suffixing each logical key with the committing tx's
// id (page.AppendTxId) so it sorts correctly once flushed into the B+Tree
// alongside older versions of the same logical key, then starts a fresh
// transaction for the next statement.
func (s *Session) Commit() error {
	tables := s.tx.Tables()
	for _, table := range tables {
		sink, err := s.store.TableSink(table)
		if err != nil {
			return err
		}
		var putErr error
		s.tx.ForEach(table, func(key []byte, mut mvcc.Mutation) bool {
			physicalKey := page.AppendTxId(key, s.tx.TxId)
			sealed, err := sink.Put(physicalKey, mut.Val, mut.Tombstone)
			if err != nil {
				putErr = err
				return false
			}
			if sealed {
				if err := s.store.HandleSealed(table); err != nil {
					putErr = err
					return false
				}
			}
			return true
		})
		if putErr != nil {
			return putErr
		}
	}
	s.beginNext()
	return nil
}

// Rollback discards the transaction's buffered mutations and starts a fresh one.
func (s *Session) Rollback() error {
	s.tx.Rollback()
	s.beginNext()
	return nil
}

func (s *Session) beginNext() {
	s.tx = mvcc.New(s.store.NextTxId(), s.opts.AutoCommit)
}

func projectRow(columns []string, row Row) []storage.Value {
	values := make([]storage.Value, len(columns))
	for i, c := range columns {
		values[i] = row[c]
	}
	return values
}

func toRow(columns []string, values []storage.Value) Row {
	row := make(Row, len(columns))
	for i, c := range columns {
		if i < len(values) {
			row[c] = values[i]
		}
	}
	return row
}

func projectSelected(row Row, columns []string) Row {
	out := make(Row, len(columns))
	for _, c := range columns {
		out[c] = row[c]
	}
	return out
}

func matchesFilters(row Row, filters []index.Filter) bool {
	for _, f := range filters {
		v, ok := row[f.Column]
		if !ok {
			return false
		}
		if !matchesFilter(v, f) {
			return false
		}
	}
	return true
}

func matchesFilter(v storage.Value, f index.Filter) bool {
	if f.Op == index.OpLike {
		kind, core := index.ClassifyLike(f.Pattern)
		return matchesLike(v, kind, core)
	}
	cmp := compareValue(v, f)
	switch f.Op {
	case index.OpEq:
		return cmp == 0
	case index.OpLt:
		return cmp < 0
	case index.OpLe:
		return cmp <= 0
	case index.OpGt:
		return cmp > 0
	case index.OpGe:
		return cmp >= 0
	default:
		return false
	}
}

// compareValue orders v against f.Value using the same order-preserving
// byte encoding an index seek would use.
func compareValue(v storage.Value, f index.Filter) int {
	a := storage.EncodeValues([]storage.Value{v})
	b := storage.EncodeValues([]storage.Value{f.Value})
	return bytes.Compare(a, b)
}

func matchesLike(v storage.Value, kind index.LikeKind, core string) bool {
	if v.Type != storage.TYPE_BYTES {
		return false
	}
	s := string(v.Str)
	switch kind {
	case index.LikeNonsense:
		return true
	case index.LikeEqual:
		return s == core
	case index.LikeStartWith:
		return len(s) >= len(core) && s[:len(core)] == core
	case index.LikeEndWith:
		return len(s) >= len(core) && s[len(s)-len(core):] == core
	case index.LikeContain:
		return containsSubstring(s, core)
	default:
		return false
	}
}

func containsSubstring(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
