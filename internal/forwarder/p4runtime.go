package forwarder

import (
	"context"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	p4config "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/logger"
	"github.com/simpleswitch/go-ss2/pkg/factory"
)

const expiryInterval = time.Second

// P4Runtime programs one device over a P4Runtime session. Batches of
// same-kind updates are written together; a Barrier or a change of kind
// flushes the pending batch with a synchronous Write.
type P4Runtime struct {
	dp        flow.DatapathID
	deviceID  uint64
	election  *p4.Uint128
	conn      *grpc.ClientConn
	client    p4.P4RuntimeClient
	p4info    *p4config.P4Info
	operators map[flow.TableID]*Operator
	byP4ID    map[uint32]*Operator
	portMeta  uint32 // packet_in metadata id of ingress_port

	mu     sync.Mutex // serialises writes
	expiry *expiryTracker
	now    func() time.Time
	events chan Event
	cancel context.CancelFunc
	log    *logrus.Entry
}

// LoadP4Info reads a P4Info in protobuf text format.
func LoadP4Info(path string) (*p4config.P4Info, error) {
	p4infoBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read p4info %s", path)
	}
	p4info := &p4config.P4Info{}
	if err := proto.UnmarshalText(string(p4infoBytes), p4info); err != nil {
		return nil, errors.Wrapf(err, "decode p4info %s", path)
	}
	return p4info, nil
}

func OpenP4Runtime(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg *factory.P4Runtime,
	dp factory.Datapath,
	policy flow.Policy,
) (*P4Runtime, error) {
	p4info, err := LoadP4Info(cfg.P4Info)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.Dial(dp.Addr, grpc.WithInsecure())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", dp.Addr)
	}

	driver, err := newP4Runtime(p4.NewP4RuntimeClient(conn), p4info, dp.ID, cfg.ElectionID, policy)
	if err != nil {
		conn.Close()
		return nil, err
	}
	driver.conn = conn
	driver.log = driver.log.WithField(logger.FieldAddr, dp.Addr)

	if err := driver.Start(ctx, wg); err != nil {
		driver.Close()
		return nil, err
	}

	if cfg.DeviceConfig != "" {
		if err := driver.setPipeline(ctx, cfg.DeviceConfig); err != nil {
			driver.Close()
			return nil, err
		}
	}
	return driver, nil
}

func newP4Runtime(
	client p4.P4RuntimeClient,
	p4info *p4config.P4Info,
	deviceID uint64,
	electionID uint64,
	policy flow.Policy,
) (*P4Runtime, error) {
	dp := flow.DatapathID(deviceID)
	driver := &P4Runtime{
		dp:        dp,
		deviceID:  deviceID,
		election:  &p4.Uint128{High: 0, Low: electionID},
		client:    client,
		p4info:    p4info,
		operators: make(map[flow.TableID]*Operator),
		byP4ID:    make(map[uint32]*Operator),
		expiry:    newExpiryTracker(),
		now:       time.Now,
		events:    make(chan Event, EVENT_CHANNEL_LEN),
		log:       logger.FwderLog.WithField(logger.FieldDatapath, dp.String()),
	}

	st := stages(policy)
	for i, s := range st {
		opt, err := NewOperator(s.name, p4info)
		if err != nil {
			return nil, err
		}
		if i+1 < len(st) {
			next := st[i+1].id
			opt.next = &next
		}
		driver.operators[s.id] = opt
		driver.byP4ID[opt.tableID] = opt
	}

	for _, meta := range p4info.GetControllerPacketMetadata() {
		if meta.GetPreamble().GetName() != PacketIn_MetadataName {
			continue
		}
		for _, m := range meta.GetMetadata() {
			if m.GetName() == IngressPort_MetadataName {
				driver.portMeta = m.GetId()
			}
		}
	}
	if driver.portMeta == 0 {
		return nil, errors.Errorf("p4info has no %s.%s metadata", PacketIn_MetadataName, IngressPort_MetadataName)
	}
	return driver, nil
}

func (d *P4Runtime) setPipeline(ctx context.Context, deviceConfig string) error {
	bin, err := os.ReadFile(deviceConfig)
	if err != nil {
		return errors.Wrapf(err, "read device config %s", deviceConfig)
	}
	req := &p4.SetForwardingPipelineConfigRequest{
		DeviceId:   d.deviceID,
		ElectionId: d.election,
		Action:     p4.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		Config: &p4.ForwardingPipelineConfig{
			P4Info:         d.p4info,
			P4DeviceConfig: bin,
		},
	}
	if _, err := d.client.SetForwardingPipelineConfig(ctx, req); err != nil {
		return errors.Wrap(err, "SetForwardingPipelineConfig")
	}
	d.log.Infof("Pushed pipeline config %s", deviceConfig)
	return nil
}

// Start opens the stream channel, requests primary arbitration and runs
// the receiver and the hard timeout sweeper until ctx ends.
func (d *P4Runtime) Start(ctx context.Context, wg *sync.WaitGroup) error {
	ctx, d.cancel = context.WithCancel(ctx)

	stream, err := d.client.StreamChannel(ctx)
	if err != nil {
		return errors.Wrap(err, "open stream channel")
	}
	err = stream.Send(&p4.StreamMessageRequest{
		Update: &p4.StreamMessageRequest_Arbitration{
			Arbitration: &p4.MasterArbitrationUpdate{
				DeviceId:   d.deviceID,
				ElectionId: d.election,
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "send arbitration")
	}

	wg.Add(2)
	go d.receiver(ctx, wg, stream)
	go d.sweeper(ctx, wg)
	return nil
}

func (d *P4Runtime) receiver(ctx context.Context, wg *sync.WaitGroup, stream p4.P4Runtime_StreamChannelClient) {
	defer func() {
		if p := recover(); p != nil {
			// Print stack for panic to log. Fatalf() will let program exit.
			d.log.Fatalf("panic: %v\n%s", p, string(debug.Stack()))
		}
		d.log.Infoln("stream receiver stopped")
		close(d.events)
		wg.Done()
	}()

	for {
		msg, err := stream.Recv()
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				err = nil
			}
			// delivered even after cancellation, the channel closes next
			select {
			case d.events <- &DetachEvent{Datapath: d.dp, Err: err}:
			default:
				d.log.Warnln("Event queue full, detach dropped")
			}
			return
		}
		d.handleStream(ctx, msg)
	}
}

func (d *P4Runtime) handleStream(ctx context.Context, msg *p4.StreamMessageResponse) {
	switch u := msg.GetUpdate().(type) {
	case *p4.StreamMessageResponse_Arbitration:
		code := codes.Code(u.Arbitration.GetStatus().GetCode())
		if code != codes.OK {
			d.log.Warnf("Not primary for device %d: %s", d.deviceID, code)
			return
		}
		d.log.Infof("Primary for device %d", d.deviceID)
		d.emit(ctx, &AttachEvent{Datapath: d.dp})
	case *p4.StreamMessageResponse_Packet:
		port, ok := d.ingressPort(u.Packet)
		if !ok {
			d.log.Warnln("Drop packet-in without ingress_port")
			return
		}
		d.emit(ctx, &PacketInEvent{Datapath: d.dp, InPort: port, Frame: u.Packet.GetPayload()})
	case *p4.StreamMessageResponse_IdleTimeoutNotification:
		if err := d.idleTimeout(ctx, d.known(u.IdleTimeoutNotification.GetTableEntry())); err != nil {
			d.log.Errorf("Delete idle entries: %+v", err)
		}
	case *p4.StreamMessageResponse_Error:
		d.log.Errorf("Stream error: %v", u.Error)
	default:
		d.log.Debugf("Ignore stream message %T", u)
	}
}

// known keeps the entries of tables in this pipeline.
func (d *P4Runtime) known(entries []*p4.TableEntry) []*p4.TableEntry {
	var out []*p4.TableEntry
	for _, entry := range entries {
		if _, ok := d.byP4ID[entry.GetTableId()]; ok {
			out = append(out, entry)
		} else {
			d.log.Warnf("Idle timeout for unknown table %d", entry.GetTableId())
		}
	}
	return out
}

func (d *P4Runtime) ingressPort(pkt *p4.PacketIn) (flow.PortNo, bool) {
	for _, m := range pkt.GetMetadata() {
		if m.GetMetadataId() == d.portMeta {
			return flow.PortNo(bytesToUint(m.GetValue())), true
		}
	}
	return 0, false
}

func (d *P4Runtime) emit(ctx context.Context, ev Event) {
	select {
	case d.events <- ev:
	case <-ctx.Done():
	}
}

func (d *P4Runtime) sweeper(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(expiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.expire(ctx); err != nil {
				d.log.Errorf("Expire entries: %+v", err)
			}
		}
	}
}

func (d *P4Runtime) Events() <-chan Event {
	return d.events
}

func (d *P4Runtime) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			d.log.Errorf("Close grpc conn: %+v", err)
		}
	}
}

type batch struct {
	kind    p4.Update_Type
	updates []*p4.Update
	hard    []time.Duration
}

// Apply writes ops in order. Deletes read the table, keep the entries the
// delete selects and remove them.
func (d *P4Runtime) Apply(ctx context.Context, ops []flow.Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := &batch{}
	for i, op := range ops {
		var err error
		switch o := op.(type) {
		case flow.Barrier:
			err = d.flush(ctx, b)
		case flow.Install:
			err = d.addInstall(ctx, b, o)
		case flow.Delete:
			err = d.addDelete(ctx, b, o)
		default:
			err = errors.Errorf("unknown op %T", op)
		}
		if err != nil {
			return errors.Wrapf(err, "op %d (%s)", i, op)
		}
	}
	return d.flush(ctx, b)
}

func (d *P4Runtime) operator(t flow.TableID) (*Operator, error) {
	opt, ok := d.operators[t]
	if !ok {
		return nil, errors.Errorf("table %s is not in the pipeline", t)
	}
	return opt, nil
}

func (d *P4Runtime) addInstall(ctx context.Context, b *batch, in flow.Install) error {
	opt, err := d.operator(in.Table)
	if err != nil {
		return err
	}
	entry, err := opt.EntryBuilder(in)
	if err != nil {
		return err
	}
	if b.kind != p4.Update_INSERT && len(b.updates) > 0 {
		if err := d.flush(ctx, b); err != nil {
			return err
		}
	}
	b.kind = p4.Update_INSERT
	b.updates = append(b.updates, tableUpdate(p4.Update_INSERT, entry))
	b.hard = append(b.hard, in.HardTimeout)
	return nil
}

func (d *P4Runtime) addDelete(ctx context.Context, b *batch, del flow.Delete) error {
	opt, err := d.operator(del.Table)
	if err != nil {
		return err
	}
	// The read must observe every earlier op.
	if err := d.flush(ctx, b); err != nil {
		return err
	}
	entries, err := d.readTable(ctx, opt)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		ok, err := selects(opt, del, entry)
		if err != nil {
			return err
		}
		if ok {
			b.updates = append(b.updates, tableUpdate(p4.Update_DELETE, entry))
			b.hard = append(b.hard, 0)
		}
	}
	b.kind = p4.Update_DELETE
	return nil
}

// selects reports whether del removes entry.
func selects(opt *Operator, del flow.Delete, entry *p4.TableEntry) (bool, error) {
	if entry.GetControllerMetadata() != del.Cookie {
		return false, nil
	}
	if del.Priority != nil && entry.GetPriority() != p4Priority(*del.Priority) {
		return false, nil
	}
	m, err := opt.decodeMatch(entry.GetMatch())
	if err != nil {
		return false, err
	}
	if !del.Match.Covers(m) {
		return false, nil
	}
	if del.FiltersOutPort() {
		port, ok := opt.outPort(entry)
		if !ok || port != del.OutPort {
			return false, nil
		}
	}
	return true, nil
}

func (d *P4Runtime) readTable(ctx context.Context, opt *Operator) ([]*p4.TableEntry, error) {
	stream, err := d.client.Read(ctx, &p4.ReadRequest{
		DeviceId: d.deviceID,
		Entities: []*p4.Entity{{
			Entity: &p4.Entity_TableEntry{TableEntry: opt.wildcardEntry()},
		}},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", opt.Name())
	}

	var entries []*p4.TableEntry
	for {
		rsp, err := stream.Recv()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", opt.Name())
		}
		for _, entity := range rsp.GetEntities() {
			if e := entity.GetTableEntry(); e != nil {
				entries = append(entries, e)
			}
		}
	}
}

// flush writes the pending batch and records what it did to timed entries.
func (d *P4Runtime) flush(ctx context.Context, b *batch) error {
	if len(b.updates) == 0 {
		return nil
	}
	if err := d.write(ctx, b.updates); err != nil {
		return err
	}

	now := d.now()
	for i, u := range b.updates {
		entry := u.GetEntity().GetTableEntry()
		if b.kind == p4.Update_DELETE {
			d.expiry.remove(entry)
			continue
		}
		if b.hard[i] > 0 {
			d.expiry.add(entry, now.Add(b.hard[i]))
		}
		if entry.GetIdleTimeoutNs() > 0 {
			d.expiry.written(entry, now)
		}
	}
	b.updates, b.hard = nil, nil
	return nil
}

func (d *P4Runtime) write(ctx context.Context, updates []*p4.Update) error {
	_, err := d.client.Write(ctx, &p4.WriteRequest{
		DeviceId:   d.deviceID,
		ElectionId: d.election,
		Updates:    updates,
	})
	if err != nil {
		return errors.Wrapf(err, "write %d updates", len(updates))
	}
	return nil
}

func tableUpdate(kind p4.Update_Type, entry *p4.TableEntry) *p4.Update {
	return &p4.Update{
		Type: kind,
		Entity: &p4.Entity{
			Entity: &p4.Entity_TableEntry{TableEntry: entry},
		},
	}
}

func (d *P4Runtime) deleteEntries(ctx context.Context, entries []*p4.TableEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteLocked(ctx, entries)
}

// idleTimeout deletes the entries the device reports idle, except those
// written again after the device started counting.
func (d *P4Runtime) idleTimeout(ctx context.Context, entries []*p4.TableEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var stale []*p4.TableEntry
	for _, entry := range entries {
		if d.expiry.fresh(entry, now) {
			d.log.Debugf("Keep relearned entry in table %d", entry.GetTableId())
			continue
		}
		stale = append(stale, entry)
	}
	return d.deleteLocked(ctx, stale)
}

func (d *P4Runtime) deleteLocked(ctx context.Context, entries []*p4.TableEntry) error {
	if len(entries) == 0 {
		return nil
	}
	b := &batch{kind: p4.Update_DELETE}
	for _, entry := range entries {
		b.updates = append(b.updates, tableUpdate(p4.Update_DELETE, entry))
		b.hard = append(b.hard, 0)
	}
	return d.flush(ctx, b)
}

// expire deletes entries whose hard timeout has passed.
func (d *P4Runtime) expire(ctx context.Context) error {
	due := d.expiry.due(d.now())
	if len(due) == 0 {
		return nil
	}
	d.log.Debugf("Hard timeout of %d entries", len(due))
	if err := d.deleteEntries(ctx, due); err != nil {
		// entries gone from the device must not be retried forever
		for _, entry := range due {
			d.expiry.remove(entry)
		}
		return err
	}
	return nil
}
