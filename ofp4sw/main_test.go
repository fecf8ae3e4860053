package ofp4sw

import (
	"sync"
	"testing"
	"time"

	"github.com/hkwi/ofpipe/oxm"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.WarnLevel)
	goleak.VerifyTestMain(m)
}

func newFrame(t *testing.T, txt string) *Frame {
	t.Helper()
	fs, err := oxm.ParseFields(txt)
	require.NoError(t, err)
	return NewFrame(fs, 64)
}

func mustMatch(t *testing.T, txt string) Match {
	t.Helper()
	m, err := MatchFromString(txt)
	require.NoError(t, err)
	return m
}

func setField(t *testing.T, name, value string) ActionSetField {
	t.Helper()
	f, ok := oxm.FieldByName(name)
	require.True(t, ok, name)
	v, err := oxm.ParseValue(f, value)
	require.NoError(t, err)
	return ActionSetField{Field: f, Value: v}
}

func output(port uint32) ActionOutput {
	return ActionOutput{Port: port, MaxLen: OFPCML_NO_BUFFER}
}

func apply(actions ...Action) Instructions {
	return Instructions{Apply: actions}
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

func newClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func newTestPipeline(t *testing.T, nTables int, opts ...PipelineOption) *Pipeline {
	t.Helper()
	profile, err := ProfileFor(OFP13)
	require.NoError(t, err)
	pipe, err := NewPipeline(nTables, profile, opts...)
	require.NoError(t, err)
	return pipe
}

func ports(outs []Output) []uint32 {
	ret := make([]uint32, len(outs))
	for i, out := range outs {
		ret[i] = out.Port
	}
	return ret
}

// testPort records egress frames.
type testPort struct {
	name string

	lock   sync.Mutex
	live   bool
	frames []*Frame
	err    error
}

func newTestPort(name string) *testPort {
	return &testPort{name: name, live: true}
}

func (p *testPort) Name() string { return p.name }

func (p *testPort) Live() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.live
}

func (p *testPort) Egress(f *Frame) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, f)
	return nil
}

func (p *testPort) received() []*Frame {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]*Frame(nil), p.frames...)
}

type testController struct {
	lock      sync.Mutex
	packetIns []PacketIn
	removed   []FlowRemoved
}

func (c *testController) PacketIn(p PacketIn) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.packetIns = append(c.packetIns, p)
}

func (c *testController) FlowRemoved(r FlowRemoved) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.removed = append(c.removed, r)
}
