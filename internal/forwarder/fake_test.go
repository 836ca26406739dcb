package forwarder

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	p4config "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/simpleswitch/go-ss2/internal/flow"
)

const testP4InfoPath = "../../config/ss2_p4info.txt"

func testPolicy() flow.Policy {
	return flow.Policy{
		Tables: flow.Tables{ACL: 0, Policy: flow.Table(1), EthSrc: 2, EthDst: 3},
		Priorities: flow.Tiers{
			Max:  40000,
			High: 30000,
			Mid:  20000,
			Low:  10000,
			Min:  0,
		},
		LearnTimeout: 300 * time.Second,
		IdleTimeout:  310 * time.Second,
		CacheTimeout: time.Second,
		Cookie:       0x55c3,
		ACL: []flow.ACLRule{{
			Name:   "block-uplink",
			Match:  flow.Match{InPort: flow.Port(24)},
			Action: flow.ACLDeny,
			Tier:   flow.TierMax,
		}},
	}
}

func loadTestP4Info(t *testing.T) *p4config.P4Info {
	t.Helper()
	p4info, err := LoadP4Info(testP4InfoPath)
	require.NoError(t, err)
	return p4info
}

// fakeDevice keeps the table entries a P4Runtime server would hold.
type fakeDevice struct {
	p4.P4RuntimeClient

	mu       sync.Mutex
	entries  map[string]*p4.TableEntry
	writes   []*p4.WriteRequest
	failNext error
	stream   *fakeStream
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		entries: make(map[string]*p4.TableEntry),
		stream:  newFakeStream(),
	}
}

func (f *fakeDevice) Write(ctx context.Context, in *p4.WriteRequest, opts ...grpc.CallOption) (*p4.WriteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	f.writes = append(f.writes, in)
	for _, u := range in.GetUpdates() {
		entry := u.GetEntity().GetTableEntry()
		key := entryKey(entry)
		switch u.GetType() {
		case p4.Update_INSERT:
			if _, ok := f.entries[key]; ok {
				return nil, status.Error(codes.AlreadyExists, "entry exists")
			}
			f.entries[key] = entry
		case p4.Update_DELETE:
			if _, ok := f.entries[key]; !ok {
				return nil, status.Error(codes.NotFound, "no such entry")
			}
			delete(f.entries, key)
		default:
			return nil, status.Error(codes.Unimplemented, "modify")
		}
	}
	return &p4.WriteResponse{}, nil
}

func (f *fakeDevice) Read(ctx context.Context, in *p4.ReadRequest, opts ...grpc.CallOption) (p4.P4Runtime_ReadClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rsp := &p4.ReadResponse{}
	for _, entity := range in.GetEntities() {
		table := entity.GetTableEntry().GetTableId()
		for _, entry := range f.entries {
			if table == 0 || entry.GetTableId() == table {
				rsp.Entities = append(rsp.Entities, &p4.Entity{
					Entity: &p4.Entity_TableEntry{TableEntry: entry},
				})
			}
		}
	}
	return &fakeReadClient{responses: []*p4.ReadResponse{rsp}}, nil
}

func (f *fakeDevice) StreamChannel(ctx context.Context, opts ...grpc.CallOption) (p4.P4Runtime_StreamChannelClient, error) {
	f.stream.ctx = ctx
	return f.stream, nil
}

func (f *fakeDevice) insert(entry *p4.TableEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entryKey(entry)] = entry
}

func (f *fakeDevice) table(id uint32) []*p4.TableEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*p4.TableEntry
	for _, entry := range f.entries {
		if entry.GetTableId() == id {
			out = append(out, entry)
		}
	}
	return out
}

func (f *fakeDevice) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeDevice) takeWrites() []*p4.WriteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.writes
	f.writes = nil
	return w
}

func (f *fakeDevice) fail(err error) {
	f.mu.Lock()
	f.failNext = err
	f.mu.Unlock()
}

type fakeReadClient struct {
	grpc.ClientStream
	responses []*p4.ReadResponse
}

func (r *fakeReadClient) Recv() (*p4.ReadResponse, error) {
	if len(r.responses) == 0 {
		return nil, io.EOF
	}
	rsp := r.responses[0]
	r.responses = r.responses[1:]
	return rsp, nil
}

// fakeStream is the device side of the stream channel. Closing in ends the
// stream with io.EOF; setting err ends it with that error.
type fakeStream struct {
	grpc.ClientStream

	ctx  context.Context
	in   chan *p4.StreamMessageResponse
	mu   sync.Mutex
	sent []*p4.StreamMessageRequest
	err  error
}

func newFakeStream() *fakeStream {
	return &fakeStream{in: make(chan *p4.StreamMessageResponse, 16)}
}

func (s *fakeStream) Send(req *p4.StreamMessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	return nil
}

func (s *fakeStream) Recv() (*p4.StreamMessageResponse, error) {
	select {
	case msg, ok := <-s.in:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.err != nil {
				return nil, s.err
			}
			return nil, io.EOF
		}
		return msg, nil
	case <-s.ctx.Done():
		return nil, errors.WithStack(s.ctx.Err())
	}
}

func (s *fakeStream) closeWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.in)
}

func (s *fakeStream) requests() []*p4.StreamMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*p4.StreamMessageRequest(nil), s.sent...)
}
