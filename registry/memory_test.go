package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/notify"
)

type eventLog struct {
	mu     sync.Mutex
	events []RegistryEvent
}

func (l *eventLog) Handle(e RegistryEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) Types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type MemoryRegistrySuite struct {
	suite.Suite
	ctx     context.Context
	metrics *metric.MetricsRegistry
	reg     *MemoryRegistry
}

func (s *MemoryRegistrySuite) SetupTest() {
	s.ctx = context.Background()
	s.metrics = metric.NewMetricsRegistry()
	s.reg = NewMemoryRegistry(WithName("test"), WithNodeID("node-a"), WithMetrics(s.metrics))
}

func (s *MemoryRegistrySuite) register(class string, svc any, props map[string]any) Certificate {
	cert, err := s.reg.Register(s.ctx, RegistrationRequest{
		ClassNames: []string{class},
		Service:    svc,
		Properties: props,
	})
	s.Require().NoError(err)
	return cert
}

func (s *MemoryRegistrySuite) TestRegisterAndFind() {
	s.register("robot.Speech", "tts-1", map[string]any{"zone": "north"})
	s.register("robot.Speech", "tts-2", map[string]any{"zone": "south"})
	s.register("robot.Vision", "cam", nil)

	refs, err := s.reg.FindAll(s.ctx, NewDescriptor("robot.Speech"))
	s.Require().NoError(err)
	s.Len(refs, 2)

	refs, err = s.reg.FindAll(s.ctx, Descriptor{
		ClassName:  "robot.Speech",
		Properties: map[string]string{"zone": "south"},
	})
	s.Require().NoError(err)
	s.Require().Len(refs, 1)
	s.Equal("node-a", refs[0].NodeID)
	s.Equal([]string{"robot.Speech"}, refs[0].ClassNames)

	svc, ok := s.reg.Service(s.ctx, refs[0])
	s.True(ok)
	s.Equal("tts-2", svc)
	s.Equal(1, s.reg.UseCount(refs[0]))
	s.reg.Release(refs[0])
	s.Equal(0, s.reg.UseCount(refs[0]))

	s.Equal(3.0, testutil.ToFloat64(s.metrics.Metrics.RegistryRegistrations.WithLabelValues("test")))
}

func (s *MemoryRegistrySuite) TestFindSinglePrefersRankingThenAge() {
	s.register("svc", "first", nil)
	s.register("svc", "second", nil)

	ref, ok := s.reg.FindSingle(s.ctx, NewDescriptor("svc"))
	s.Require().True(ok)
	svc, _ := s.reg.Service(s.ctx, ref)
	s.Equal("first", svc)

	s.register("svc", "ranked", map[string]any{PropServiceRanking: 5})
	ref, ok = s.reg.FindSingle(s.ctx, NewDescriptor("svc"))
	s.Require().True(ok)
	svc, _ = s.reg.Service(s.ctx, ref)
	s.Equal("ranked", svc)

	_, ok = s.reg.FindSingle(s.ctx, NewDescriptor("missing"))
	s.False(ok)
}

func (s *MemoryRegistrySuite) TestInvalidFilter() {
	_, err := s.reg.FindAll(s.ctx, Descriptor{ClassName: "x", Extra: "(bad"})
	s.ErrorIs(err, errors.ErrInvalidFilter)

	_, ok := s.reg.FindSingle(s.ctx, Descriptor{ClassName: "x", Extra: "(bad"})
	s.False(ok)

	_, err = s.reg.AddListener(Descriptor{Extra: "nope"}, &eventLog{})
	s.ErrorIs(err, errors.ErrInvalidFilter)
}

func (s *MemoryRegistrySuite) TestRegisterValidation() {
	_, err := s.reg.Register(s.ctx, RegistrationRequest{Service: "x"})
	s.ErrorIs(err, errors.ErrInvalidArgument)

	_, err = s.reg.Register(s.ctx, RegistrationRequest{ClassNames: []string{"x"}})
	s.ErrorIs(err, errors.ErrInvalidArgument)

	err = s.reg.Unregister(s.ctx, Certificate{ID: "unknown"})
	s.ErrorIs(err, errors.ErrNotRegistered)
}

func (s *MemoryRegistrySuite) TestListenerEvents() {
	log := &eventLog{}
	h, err := s.reg.AddListener(Descriptor{ClassName: "svc", Extra: "(zone=north)"}, log)
	s.Require().NoError(err)

	cert := s.register("svc", "x", map[string]any{"zone": "north"})
	s.register("svc", "y", map[string]any{"zone": "south"})
	s.register("other", "z", map[string]any{"zone": "north"})

	s.Require().NoError(s.reg.Modify(s.ctx, cert, Modification{Set: map[string]any{"level": 2}}))
	s.Require().NoError(s.reg.Modify(s.ctx, cert, Modification{Set: map[string]any{"zone": "south"}}))
	s.Require().NoError(s.reg.Modify(s.ctx, cert, Modification{Set: map[string]any{"zone": "north"}}))
	s.Require().NoError(s.reg.Unregister(s.ctx, cert))

	s.Equal([]EventType{
		EventRegistered,
		EventModified,
		EventUnregistering,
		EventRegistered,
		EventUnregistering,
	}, log.Types())

	s.reg.RemoveListener(h)
	s.register("svc", "later", map[string]any{"zone": "north"})
	s.Len(log.Types(), 5)
	s.Equal(0, s.reg.ListenerCount())

	events := s.metrics.Metrics.RegistryEvents
	s.Equal(2.0, testutil.ToFloat64(events.WithLabelValues("test", "registered")))
	s.Equal(1.0, testutil.ToFloat64(events.WithLabelValues("test", "modified")))
	s.Equal(2.0, testutil.ToFloat64(events.WithLabelValues("test", "unregistering")))
}

func (s *MemoryRegistrySuite) TestModifyReserved() {
	cert := s.register("svc", "x", nil)
	err := s.reg.Modify(s.ctx, cert, Modification{Set: map[string]any{PropObjectClass: "other"}})
	s.ErrorIs(err, errors.ErrInvalidArgument)
	err = s.reg.Modify(s.ctx, Certificate{ID: "nope"}, Modification{})
	s.ErrorIs(err, errors.ErrNotRegistered)
}

func (s *MemoryRegistrySuite) TestListenerMayCallBackIntoRegistry() {
	var found int
	_, err := s.reg.AddListener(NewDescriptor("svc"), notify.ListenerFunc[RegistryEvent](func(e RegistryEvent) {
		refs, _ := s.reg.FindAll(s.ctx, NewDescriptor("svc"))
		found = len(refs)
	}))
	s.Require().NoError(err)

	s.register("svc", "x", nil)
	s.Equal(1, found)
}

func (s *MemoryRegistrySuite) TestListenerPanicIsContained() {
	_, err := s.reg.AddListener(NewDescriptor("svc"), notify.ListenerFunc[RegistryEvent](func(RegistryEvent) {
		panic("boom")
	}))
	s.Require().NoError(err)
	log := &eventLog{}
	_, err = s.reg.AddListener(NewDescriptor("svc"), log)
	s.Require().NoError(err)

	s.NotPanics(func() { s.register("svc", "x", nil) })
	s.Len(log.Types(), 1)
}

func (s *MemoryRegistrySuite) TestClose() {
	log := &eventLog{}
	_, err := s.reg.AddListener(NewDescriptor("svc"), log)
	s.Require().NoError(err)
	s.register("svc", "x", nil)

	s.Require().NoError(s.reg.Close())
	s.Equal([]EventType{EventRegistered, EventUnregistering}, log.Types())
	s.Equal(0, s.reg.Len())

	_, err = s.reg.Register(s.ctx, RegistrationRequest{ClassNames: []string{"svc"}, Service: "y"})
	s.ErrorIs(err, errors.ErrRegistryClosed)
	s.NoError(s.reg.Close())
}

func TestMemoryRegistrySuite(t *testing.T) {
	suite.Run(t, new(MemoryRegistrySuite))
}

func TestReference_Less(t *testing.T) {
	a := Reference{ID: "a", Seq: 2, Properties: map[string]any{PropServiceRanking: 1}}
	b := Reference{ID: "b", Seq: 1}
	c := Reference{ID: "c", Seq: 3, Properties: map[string]any{PropServiceRanking: "1"}}

	refs := []Reference{b, c, a}
	SortReferences(refs)
	require.Len(t, refs, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{refs[0].ID, refs[1].ID, refs[2].ID})
}
