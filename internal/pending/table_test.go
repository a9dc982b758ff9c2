package pending

import (
	"errors"
	"testing"

	"github.com/srg/blelink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	hrm     = device.AttributeRef{Service: "0000180d-0000-1000-8000-00805f9b34fb", Characteristic: "00002a37-0000-1000-8000-00805f9b34fb"}
	battery = device.AttributeRef{Service: "0000180f-0000-1000-8000-00805f9b34fb", Characteristic: "00002a19-0000-1000-8000-00805f9b34fb"}
)

// recorder counts resolver invocations.
type recorder struct {
	calls    int
	outcomes []Outcome
}

func (r *recorder) resolver() Resolver {
	return func(o Outcome) {
		r.calls++
		r.outcomes = append(r.outcomes, o)
	}
}

type TableTestSuite struct {
	suite.Suite
	table *Table
}

func (s *TableTestSuite) SetupTest() {
	s.table = NewTable()
}

func (s *TableTestSuite) TestDuplicateRegistrationIsRejected() {
	first, second := &recorder{}, &recorder{}

	_, err := s.table.Register(DeviceKey(KindConnect), "d1", first.resolver())
	s.Require().NoError(err)

	_, err = s.table.Register(DeviceKey(KindConnect), "d2", second.resolver())
	s.ErrorIs(err, device.ErrDuplicateRequest)

	target, ok := s.table.Target(DeviceKey(KindConnect))
	s.True(ok)
	s.Equal("d1", target, "first registration stays intact")

	d, err := s.table.Resolve(DeviceKey(KindConnect), Success(nil))
	s.Require().NoError(err)
	d.Deliver()
	s.Equal(1, first.calls)
	s.Equal(0, second.calls)
}

func (s *TableTestSuite) TestResolveExactlyOnce() {
	rec := &recorder{}
	key := AttributeKey(KindRead, "d1", hrm)
	_, err := s.table.Register(key, "d1", rec.resolver())
	s.Require().NoError(err)

	d, err := s.table.Resolve(key, Success([]byte{0x01}))
	s.Require().NoError(err)
	d.Deliver()

	_, err = s.table.Resolve(key, Success([]byte{0x02}))
	s.ErrorIs(err, device.ErrNoPendingRequest)

	s.Equal(1, rec.calls)
	s.Equal([]byte{0x01}, rec.outcomes[0].Value)
	s.False(s.table.Has(key))
}

func (s *TableTestSuite) TestResolveAbsentKey() {
	_, err := s.table.Resolve(DeviceKey(KindScan), Success(nil))
	s.ErrorIs(err, device.ErrNoPendingRequest)
}

func (s *TableTestSuite) TestAttributeKeysDoNotCollide() {
	a, b := &recorder{}, &recorder{}
	_, err := s.table.Register(AttributeKey(KindRead, "d1", hrm), "d1", a.resolver())
	s.Require().NoError(err)
	_, err = s.table.Register(AttributeKey(KindRead, "d1", battery), "d1", b.resolver())
	s.Require().NoError(err)
	_, err = s.table.Register(AttributeKey(KindRead, "d2", hrm), "d2", b.resolver())
	s.Require().NoError(err)
	_, err = s.table.Register(AttributeKey(KindWrite, "d1", hrm), "d1", b.resolver())
	s.Require().NoError(err)

	s.Equal(4, s.table.Len())
}

func (s *TableTestSuite) TestCancelByTicket() {
	old := &recorder{}
	ticket, err := s.table.Register(DeviceKey(KindScan), "", old.resolver())
	s.Require().NoError(err)
	s.True(ticket.Valid())

	d, err := s.table.Cancel(ticket, device.ErrCancelled)
	s.Require().NoError(err)
	d.Deliver()
	s.Equal(1, old.calls)
	s.ErrorIs(old.outcomes[0].Err, device.ErrCancelled)

	// a newer registration under the same key is not touched by the stale ticket
	newer := &recorder{}
	_, err = s.table.Register(DeviceKey(KindScan), "", newer.resolver())
	s.Require().NoError(err)

	_, err = s.table.Cancel(ticket, device.ErrCancelled)
	s.ErrorIs(err, device.ErrNoPendingRequest)
	s.True(s.table.Has(DeviceKey(KindScan)))
	s.Equal(0, newer.calls)
}

func (s *TableTestSuite) TestCancelWhereDevice() {
	d1Read, d1Write, d2Read, connect := &recorder{}, &recorder{}, &recorder{}, &recorder{}
	_, _ = s.table.Register(AttributeKey(KindRead, "d1", hrm), "d1", d1Read.resolver())
	_, _ = s.table.Register(AttributeKey(KindWrite, "d1", battery), "d1", d1Write.resolver())
	_, _ = s.table.Register(AttributeKey(KindRead, "d2", hrm), "d2", d2Read.resolver())
	_, _ = s.table.Register(DeviceKey(KindConnect), "d1", connect.resolver())

	deliveries := s.table.CancelWhere(func(k Key, target string) bool {
		return k.Kind.AttributeScoped() && target == "d1"
	}, device.ErrDisconnected)
	s.Require().Len(deliveries, 2)
	s.Equal(KindRead, deliveries[0].Key.Kind, "registration order")
	s.Equal(KindWrite, deliveries[1].Key.Kind)
	DeliverAll(deliveries)

	s.Equal(1, d1Read.calls)
	s.ErrorIs(d1Read.outcomes[0].Err, device.ErrDisconnected)
	s.Equal(1, d1Write.calls)
	s.Equal(0, d2Read.calls)
	s.Equal(0, connect.calls)
	s.Equal([]Key{AttributeKey(KindRead, "d2", hrm), DeviceKey(KindConnect)}, s.table.Keys())
}

func (s *TableTestSuite) TestCancelAll() {
	recs := []*recorder{{}, {}, {}}
	_, _ = s.table.Register(DeviceKey(KindScan), "", recs[0].resolver())
	_, _ = s.table.Register(DeviceKey(KindDiscover), "d1", recs[1].resolver())
	_, _ = s.table.Register(AttributeKey(KindRead, "d1", hrm), "d1", recs[2].resolver())

	deliveries := s.table.CancelAll(device.ErrCancelled)
	s.Len(deliveries, 3)
	s.Zero(s.table.Len())
	DeliverAll(deliveries)

	for _, r := range recs {
		s.Equal(1, r.calls)
		s.False(r.outcomes[0].Succeeded())
	}
	s.Empty(s.table.CancelAll(device.ErrCancelled))
}

func (s *TableTestSuite) TestNilResolverRejected() {
	_, err := s.table.Register(DeviceKey(KindScan), "", nil)
	s.ErrorIs(err, device.ErrMissingParameter)
	s.Zero(s.table.Len())
}

func TestTableTestSuite(t *testing.T) {
	suite.Run(t, new(TableTestSuite))
}

func TestKeyString(t *testing.T) {
	tests := []struct {
		key      Key
		expected string
	}{
		{DeviceKey(KindScan), "scan"},
		{DeviceKey(KindDisconnect), "disconnect"},
		{AttributeKey(KindWrite, "d1", hrm), "write(d1 " + hrm.Key() + ")"},
		{Key{Kind: Kind(42)}, "kind(42)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.key.String())
	}
}

func TestDuplicateErrorMentionsKey(t *testing.T) {
	table := NewTable()
	_, err := table.Register(DeviceKey(KindDiscover), "d1", func(Outcome) {})
	require.NoError(t, err)
	_, err = table.Register(DeviceKey(KindDiscover), "d1", func(Outcome) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrDuplicateRequest))
	assert.Contains(t, err.Error(), "discover")
}
