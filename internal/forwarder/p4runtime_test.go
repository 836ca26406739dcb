package forwarder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	p4 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/simpleswitch/go-ss2/internal/flow"
)

const (
	aclTableID    uint32 = 33554433
	policyTableID uint32 = 33554434
	ethSrcTableID uint32 = 33554435
	ethDstTableID uint32 = 33554436
)

func newTestDriver(t *testing.T) (*P4Runtime, *fakeDevice, *flow.Compiler) {
	t.Helper()
	dev := newFakeDevice()
	policy := testPolicy()
	d, err := newP4Runtime(dev, loadTestP4Info(t), 1, 1, policy)
	require.NoError(t, err)
	c, err := flow.NewCompiler(policy)
	require.NoError(t, err)
	return d, dev, c
}

func mustMAC(t *testing.T, s string) flow.MAC {
	t.Helper()
	mac, err := flow.ParseMAC(s)
	require.NoError(t, err)
	return mac
}

func provision(t *testing.T, d *P4Runtime, c *flow.Compiler) {
	t.Helper()
	ops := append(c.CleanAll(), c.DefaultPipeline()...)
	require.NoError(t, d.Apply(context.Background(), ops))
}

func TestApplyDefaultPipeline(t *testing.T) {
	d, dev, c := newTestDriver(t)
	provision(t, d, c)

	assert.Len(t, dev.table(aclTableID), 2)
	assert.Len(t, dev.table(policyTableID), 4)
	assert.Len(t, dev.table(ethSrcTableID), 1)
	assert.Len(t, dev.table(ethDstTableID), 4)

	for _, entry := range dev.table(ethDstTableID) {
		assert.Equal(t, uint64(0x55c3), entry.GetControllerMetadata())
		assert.Zero(t, entry.GetIdleTimeoutNs())
	}
	assert.Zero(t, d.expiry.size())

	// provisioning again replaces rather than duplicates
	provision(t, d, c)
	assert.Equal(t, 11, dev.size())
}

func TestApplyACLRedirects(t *testing.T) {
	dev := newFakeDevice()
	policy := testPolicy()
	policy.ACL = append(policy.ACL,
		flow.ACLRule{Name: "mirror", Action: flow.ACLRedirect, Tier: flow.TierMid, Port: 23,
			Match: flow.Match{EthType: flow.EthType(0x0806)}},
		flow.ACLRule{Name: "spray", Action: flow.ACLRedirect, Tier: flow.TierHigh, Port: flow.PortFlood,
			Match: flow.Match{InPort: flow.Port(5)}},
	)
	c, err := flow.NewCompiler(policy)
	require.NoError(t, err)
	d, err := newP4Runtime(dev, loadTestP4Info(t), 1, 1, policy)
	require.NoError(t, err)

	provision(t, d, c)
	assert.Len(t, dev.table(aclTableID), 4)
}

func TestApplyWithoutPolicyStage(t *testing.T) {
	dev := newFakeDevice()
	policy := testPolicy()
	policy.Tables = flow.Tables{ACL: 0, EthSrc: 1, EthDst: 2}
	d, err := newP4Runtime(dev, loadTestP4Info(t), 1, 1, policy)
	require.NoError(t, err)
	c, err := flow.NewCompiler(policy)
	require.NoError(t, err)
	provision(t, d, c)

	// deny rule, three link-local drops and the miss
	assert.Len(t, dev.table(aclTableID), 5)
	assert.Empty(t, dev.table(policyTableID))
	assert.Len(t, dev.table(ethSrcTableID), 1)
	assert.Len(t, dev.table(ethDstTableID), 4)

	var miss *p4.TableEntry
	for _, entry := range dev.table(aclTableID) {
		if len(entry.GetMatch()) == 0 {
			miss = entry
		}
	}
	require.NotNil(t, miss)
	assert.Equal(t, uint32(16777218), miss.GetAction().GetAction().GetActionId())

	_, ok := d.operators[2]
	assert.True(t, ok)
	assert.Len(t, d.operators, 3)
}

func TestCleanAllKeepsForeignEntries(t *testing.T) {
	d, dev, c := newTestDriver(t)
	provision(t, d, c)

	foreign := &p4.TableEntry{
		TableId:            ethDstTableID,
		Priority:           5,
		ControllerMetadata: 0x1234,
		Match: []*p4.FieldMatch{{
			FieldId: 1,
			FieldMatchType: &p4.FieldMatch_Ternary_{
				Ternary: &p4.FieldMatch_Ternary{
					Value: []byte{0xaa, 0, 0, 0, 0, 9},
					Mask:  []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
				},
			},
		}},
	}
	dev.insert(foreign)

	require.NoError(t, d.Apply(context.Background(), c.CleanAll()))
	assert.Equal(t, 1, dev.size())
	assert.Equal(t, uint64(0x1234), dev.table(ethDstTableID)[0].GetControllerMetadata())
}

func TestLearnHostEntries(t *testing.T) {
	d, dev, c := newTestDriver(t)
	provision(t, d, c)
	mac := mustMAC(t, "aa:aa:aa:aa:aa:01")

	require.NoError(t, d.Apply(context.Background(), c.LearnHost(3, mac)))

	var src, dst *p4.TableEntry
	for _, entry := range dev.table(ethSrcTableID) {
		if entry.GetPriority() == p4Priority(30000) {
			src = entry
		}
	}
	for _, entry := range dev.table(ethDstTableID) {
		if entry.GetPriority() == p4Priority(30000) {
			dst = entry
		}
	}
	require.NotNil(t, src)
	require.NotNil(t, dst)

	assert.Zero(t, src.GetIdleTimeoutNs())
	assert.Equal(t, (310 * time.Second).Nanoseconds(), dst.GetIdleTimeoutNs())
	assert.Equal(t, 1, d.expiry.size())

	port, ok := d.operators[3].outPort(dst)
	require.True(t, ok)
	assert.Equal(t, flow.PortNo(3), port)
}

func TestLearnHostMovedPort(t *testing.T) {
	d, dev, c := newTestDriver(t)
	provision(t, d, c)
	mac := mustMAC(t, "aa:aa:aa:aa:aa:01")
	ctx := context.Background()

	require.NoError(t, d.Apply(ctx, c.LearnHost(3, mac)))
	require.NoError(t, d.Apply(ctx, c.LearnHost(5, mac)))

	assert.Len(t, dev.table(ethSrcTableID), 2)
	assert.Len(t, dev.table(ethDstTableID), 5)
	assert.Equal(t, 1, d.expiry.size())

	for _, entry := range dev.table(ethSrcTableID) {
		m, err := d.operators[2].decodeMatch(entry.GetMatch())
		require.NoError(t, err)
		if m.InPort != nil {
			assert.Equal(t, flow.PortNo(5), *m.InPort)
		}
	}
	for _, entry := range dev.table(ethDstTableID) {
		if entry.GetPriority() != p4Priority(30000) {
			continue
		}
		port, ok := d.operators[3].outPort(entry)
		require.True(t, ok)
		assert.Equal(t, flow.PortNo(5), port)
	}
}

func TestUnlearnHostLeavesOtherHosts(t *testing.T) {
	d, dev, c := newTestDriver(t)
	provision(t, d, c)
	ctx := context.Background()
	a := mustMAC(t, "aa:aa:aa:aa:aa:01")
	b := mustMAC(t, "aa:aa:aa:aa:aa:02")

	require.NoError(t, d.Apply(ctx, c.LearnHost(3, a)))
	require.NoError(t, d.Apply(ctx, c.LearnHost(4, b)))
	require.NoError(t, d.Apply(ctx, c.UnlearnHost(a)))

	assert.Len(t, dev.table(ethSrcTableID), 2)
	assert.Len(t, dev.table(ethDstTableID), 5)
	assert.Equal(t, 1, d.expiry.size())
}

func TestBarrierFlushesBatch(t *testing.T) {
	d, dev, _ := newTestDriver(t)
	mac := mustMAC(t, "aa:aa:aa:aa:aa:01")
	dst := func(port flow.PortNo, m flow.MAC) flow.Install {
		return flow.Install{
			Table:    3,
			Priority: 30000,
			Match:    flow.Match{EthDst: flow.ExactMAC(m)},
			Outputs:  []flow.Output{{Port: port}},
			Cookie:   0x55c3,
		}
	}
	other := mustMAC(t, "aa:aa:aa:aa:aa:02")
	third := mustMAC(t, "aa:aa:aa:aa:aa:03")

	ops := []flow.Op{dst(1, mac), dst(2, other), flow.Barrier{}, dst(3, third)}
	require.NoError(t, d.Apply(context.Background(), ops))

	writes := dev.takeWrites()
	require.Len(t, writes, 2)
	assert.Len(t, writes[0].GetUpdates(), 2)
	assert.Len(t, writes[1].GetUpdates(), 1)
	assert.Equal(t, uint64(1), writes[0].GetElectionId().GetLow())
}

func TestDeleteFlushesEarlierInstalls(t *testing.T) {
	d, dev, c := newTestDriver(t)
	mac := mustMAC(t, "aa:aa:aa:aa:aa:01")

	// the delete must see the install queued before it
	ops := append(c.DefaultPipeline(), c.UnlearnHost(mac)...)
	ops = append(ops, c.CleanAll()...)
	require.NoError(t, d.Apply(context.Background(), ops))
	assert.Zero(t, dev.size())
}

func TestDeleteFilters(t *testing.T) {
	d, dev, c := newTestDriver(t)
	provision(t, d, c)
	ctx := context.Background()
	mac := mustMAC(t, "aa:aa:aa:aa:aa:01")
	require.NoError(t, d.Apply(ctx, c.LearnHost(3, mac)))

	low := flow.Priority(10000)
	// flood entries only
	require.NoError(t, d.Apply(ctx, []flow.Op{flow.Delete{
		Table:    3,
		Priority: &low,
		OutPort:  flow.PortAny,
		Cookie:   0x55c3,
	}}))
	assert.Len(t, dev.table(ethDstTableID), 2)

	// out port filter leaves the table-miss flood entry
	require.NoError(t, d.Apply(ctx, []flow.Op{flow.Delete{
		Table:   3,
		OutPort: 3,
		Cookie:  0x55c3,
	}}))
	require.Len(t, dev.table(ethDstTableID), 1)
	port, ok := d.operators[3].outPort(dev.table(ethDstTableID)[0])
	require.True(t, ok)
	assert.Equal(t, flow.PortFlood, port)

	// wrong cookie removes nothing
	require.NoError(t, d.Apply(ctx, []flow.Op{flow.Delete{
		Table:   3,
		OutPort: flow.PortAny,
		Cookie:  0x1,
	}}))
	assert.Len(t, dev.table(ethDstTableID), 1)
}

func TestApplyWriteFailure(t *testing.T) {
	d, dev, c := newTestDriver(t)
	dev.fail(status.Error(codes.Unavailable, "switch gone"))

	err := d.Apply(context.Background(), c.DefaultPipeline())
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(errors.Cause(err)))
	assert.Zero(t, dev.size())
}

func TestApplyUnknownTable(t *testing.T) {
	d, _, _ := newTestDriver(t)
	err := d.Apply(context.Background(), []flow.Op{flow.Install{Table: 9, Cookie: 1}})
	assert.Error(t, err)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestHardTimeoutExpiry(t *testing.T) {
	d, dev, c := newTestDriver(t)
	clock := &testClock{t: time.Unix(1000, 0)}
	d.now = clock.Now
	provision(t, d, c)
	ctx := context.Background()
	mac := mustMAC(t, "aa:aa:aa:aa:aa:01")
	require.NoError(t, d.Apply(ctx, c.LearnHost(3, mac)))
	require.Len(t, dev.table(ethSrcTableID), 2)

	clock.Advance(299 * time.Second)
	require.NoError(t, d.expire(ctx))
	assert.Len(t, dev.table(ethSrcTableID), 2)

	clock.Advance(time.Second)
	require.NoError(t, d.expire(ctx))
	assert.Len(t, dev.table(ethSrcTableID), 1)
	assert.Len(t, dev.table(ethDstTableID), 5)
	assert.Zero(t, d.expiry.size())
}

func TestHardTimeoutRestartsOnRelearn(t *testing.T) {
	d, dev, c := newTestDriver(t)
	clock := &testClock{t: time.Unix(1000, 0)}
	d.now = clock.Now
	ctx := context.Background()
	mac := mustMAC(t, "aa:aa:aa:aa:aa:01")

	require.NoError(t, d.Apply(ctx, c.LearnHost(3, mac)))
	clock.Advance(200 * time.Second)
	require.NoError(t, d.Apply(ctx, c.LearnHost(3, mac)))
	clock.Advance(200 * time.Second)
	require.NoError(t, d.expire(ctx))
	assert.Len(t, dev.table(ethSrcTableID), 1)
}

func idleNotification(entries []*p4.TableEntry) *p4.StreamMessageResponse {
	return &p4.StreamMessageResponse{
		Update: &p4.StreamMessageResponse_IdleTimeoutNotification{
			IdleTimeoutNotification: &p4.IdleTimeoutNotification{TableEntry: entries},
		},
	}
}

func TestIdleTimeoutKeepsRelearnedEntry(t *testing.T) {
	d, dev, c := newTestDriver(t)
	clock := &testClock{t: time.Unix(1000, 0)}
	d.now = clock.Now
	ctx := context.Background()
	mac := mustMAC(t, "aa:aa:aa:aa:aa:01")

	require.NoError(t, d.Apply(ctx, c.LearnHost(3, mac)))
	clock.Advance(200 * time.Second)
	require.NoError(t, d.Apply(ctx, c.LearnHost(3, mac)))

	// counted from the first install, reported after the relearn
	clock.Advance(110 * time.Second)
	d.handleStream(ctx, idleNotification(dev.table(ethDstTableID)))
	assert.Len(t, dev.table(ethDstTableID), 1)

	clock.Advance(200 * time.Second)
	d.handleStream(ctx, idleNotification(dev.table(ethDstTableID)))
	assert.Empty(t, dev.table(ethDstTableID))
}

func TestIdleTimeoutUnknownWrite(t *testing.T) {
	d, dev, _ := newTestDriver(t)
	entry := &p4.TableEntry{
		TableId:            ethDstTableID,
		Priority:           30001,
		ControllerMetadata: 0x55c3,
		IdleTimeoutNs:      (310 * time.Second).Nanoseconds(),
	}
	dev.insert(entry)

	// left over from an earlier session, so nothing says it is fresh
	d.handleStream(context.Background(), idleNotification([]*p4.TableEntry{entry}))
	assert.Empty(t, dev.table(ethDstTableID))
}

func TestStreamEvents(t *testing.T) {
	d, dev, c := newTestDriver(t)
	clock := &testClock{t: time.Unix(1000, 0)}
	d.now = clock.Now
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	require.NoError(t, d.Start(ctx, &wg))

	reqs := dev.stream.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, uint64(1), reqs[0].GetArbitration().GetDeviceId())
	assert.Equal(t, uint64(1), reqs[0].GetArbitration().GetElectionId().GetLow())

	dev.stream.in <- &p4.StreamMessageResponse{
		Update: &p4.StreamMessageResponse_Arbitration{
			Arbitration: &p4.MasterArbitrationUpdate{
				DeviceId: 1,
				Status:   status.New(codes.OK, "").Proto(),
			},
		},
	}
	ev := <-d.Events()
	assert.Equal(t, &AttachEvent{Datapath: 1}, ev)

	frame := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01, 0x08, 0x06}
	dev.stream.in <- &p4.StreamMessageResponse{
		Update: &p4.StreamMessageResponse_Packet{
			Packet: &p4.PacketIn{
				Payload:  frame,
				Metadata: []*p4.PacketMetadata{{MetadataId: 1, Value: []byte{7}}},
			},
		},
	}
	ev = <-d.Events()
	assert.Equal(t, &PacketInEvent{Datapath: 1, InPort: 7, Frame: frame}, ev)

	mac := mustMAC(t, "aa:aa:aa:aa:aa:01")
	require.NoError(t, d.Apply(ctx, c.LearnHost(3, mac)))
	dst := dev.table(ethDstTableID)
	require.Len(t, dst, 1)
	clock.Advance(310 * time.Second)
	dev.stream.in <- idleNotification(dst)

	dev.stream.closeWith(status.Error(codes.Unavailable, "reset"))
	ev = <-d.Events()
	detach, ok := ev.(*DetachEvent)
	require.True(t, ok)
	assert.Equal(t, flow.DatapathID(1), detach.Datapath)
	assert.Error(t, detach.Err)

	_, open := <-d.Events()
	assert.False(t, open)
	// the notification was handled before the stream ended
	assert.Empty(t, dev.table(ethDstTableID))

	d.Close()
	wg.Wait()
}

func TestStreamNotPrimary(t *testing.T) {
	d, dev, _ := newTestDriver(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	require.NoError(t, d.Start(ctx, &wg))

	dev.stream.in <- &p4.StreamMessageResponse{
		Update: &p4.StreamMessageResponse_Arbitration{
			Arbitration: &p4.MasterArbitrationUpdate{
				DeviceId: 1,
				Status:   status.New(codes.AlreadyExists, "other primary").Proto(),
			},
		},
	}
	cancel()
	ev := <-d.Events()
	// cancellation is a clean detach
	assert.Equal(t, &DetachEvent{Datapath: 1}, ev)
	wg.Wait()
}

func TestNewP4RuntimeMissingTable(t *testing.T) {
	p4info := loadTestP4Info(t)
	p4info.Tables = p4info.Tables[:2]
	_, err := newP4Runtime(newFakeDevice(), p4info, 1, 1, testPolicy())
	assert.Error(t, err)
}
