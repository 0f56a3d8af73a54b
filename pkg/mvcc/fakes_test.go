package mvcc

type fakeReader struct {
	xmin   map[uint64][]uint64
	xmax   map[uint64][]uint64
	origin map[uint64]uint64
}

func newFakeReader() *fakeReader {
	return &fakeReader{xmin: make(map[uint64][]uint64), xmax: make(map[uint64][]uint64), origin: make(map[uint64]uint64)}
}

func (r *fakeReader) XminTxIds(table string, rowId uint64) ([]uint64, error) { return r.xmin[rowId], nil }
func (r *fakeReader) XmaxTxIds(table string, rowId uint64) ([]uint64, error) { return r.xmax[rowId], nil }
func (r *fakeReader) Origin(table string, rowId uint64) (uint64, bool, error) {
	o, ok := r.origin[rowId]
	return o, ok, nil
}

type fakeCommitted struct{ committed map[uint64]bool }

func newFakeCommitted(ids ...uint64) *fakeCommitted {
	m := make(map[uint64]bool)
	for _, id := range ids {
		m[id] = true
	}
	return &fakeCommitted{committed: m}
}

func (c *fakeCommitted) IsCommitted(txId uint64) bool { return c.committed[txId] }
