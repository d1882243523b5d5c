package subscription

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"render-realtime/internal/hub"
)

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) OwnsJob(ctx context.Context, jobID, userID string) (bool, error) {
	args := m.Called(ctx, jobID, userID)
	return args.Bool(0), args.Error(1)
}

type fakeConn struct {
	id     string
	userID string
	dead   atomic.Bool
}

func (c *fakeConn) ID() string             { return c.id }
func (c *fakeConn) UserID() string         { return c.userID }
func (c *fakeConn) Emit(string, any) error { return nil }
func (c *fakeConn) Alive() bool            { return !c.dead.Load() }

type RegistryTestSuite struct {
	suite.Suite
	hub      *hub.Hub
	checker  *mockChecker
	registry *Registry
	jobID    string
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (s *RegistryTestSuite) SetupTest() {
	s.hub = hub.New()
	s.checker = &mockChecker{}
	s.registry = NewRegistry(s.hub, s.checker, zerolog.Nop())
	s.jobID = uuid.NewString()
}

func (s *RegistryTestSuite) TearDownTest() {
	s.checker.AssertExpectations(s.T())
}

func (s *RegistryTestSuite) TestSubscribe_Owner() {
	c := &fakeConn{id: "c1", userID: "alice"}
	s.checker.On("OwnsJob", mock.Anything, s.jobID, "alice").Return(true, nil).Once()

	ack := s.registry.HandleSubscribe(context.Background(), c, []byte(`{"jobId":"`+s.jobID+`"}`))

	s.True(ack.OK)
	s.Empty(ack.Error)
	s.Len(s.hub.JobConns(s.jobID), 1)
}

func (s *RegistryTestSuite) TestSubscribe_NotOwner() {
	c := &fakeConn{id: "c1", userID: "mallory"}
	s.checker.On("OwnsJob", mock.Anything, s.jobID, "mallory").Return(false, nil).Once()

	ack := s.registry.HandleSubscribe(context.Background(), c, []byte(`{"jobId":"`+s.jobID+`"}`))

	s.False(ack.OK)
	s.Contains(ack.Error, "access denied")
	s.Empty(s.hub.JobConns(s.jobID))
}

func (s *RegistryTestSuite) TestSubscribe_CheckerErrorDenies() {
	c := &fakeConn{id: "c1", userID: "alice"}
	s.checker.On("OwnsJob", mock.Anything, s.jobID, "alice").Return(false, errors.New("db down")).Once()

	ack := s.registry.HandleSubscribe(context.Background(), c, []byte(`{"jobId":"`+s.jobID+`"}`))

	s.False(ack.OK)
	s.Contains(ack.Error, "access denied")
	s.NotContains(ack.Error, "db down")
}

func (s *RegistryTestSuite) TestSubscribe_InvalidPayloads() {
	c := &fakeConn{id: "c1", userID: "alice"}
	for _, raw := range []string{``, `{}`, `{"jobId":"not-a-uuid"}`, `{"jobId":42}`, `"` + s.jobID + `"`, `{"jobId":""}`} {
		ack := s.registry.HandleSubscribe(context.Background(), c, []byte(raw))
		s.False(ack.OK, raw)
		s.Contains(ack.Error, "Invalid payload", raw)
	}
	s.checker.AssertNotCalled(s.T(), "OwnsJob", mock.Anything, mock.Anything, mock.Anything)
}

func (s *RegistryTestSuite) TestSubscribe_SameUserTwoConnections() {
	c1 := &fakeConn{id: "c1", userID: "alice"}
	c2 := &fakeConn{id: "c2", userID: "alice"}
	s.checker.On("OwnsJob", mock.Anything, s.jobID, "alice").Return(true, nil).Twice()

	s.NoError(s.registry.Subscribe(context.Background(), c1, s.jobID))
	s.NoError(s.registry.Subscribe(context.Background(), c2, s.jobID))

	s.Len(s.hub.UserJobConns("alice", s.jobID), 2)
}

func (s *RegistryTestSuite) TestSubscribe_DisconnectDuringCheck() {
	c := &fakeConn{id: "c1", userID: "alice"}
	s.checker.On("OwnsJob", mock.Anything, s.jobID, "alice").
		Run(func(mock.Arguments) { c.dead.Store(true) }).
		Return(true, nil).Once()

	s.NoError(s.registry.Subscribe(context.Background(), c, s.jobID))
	s.Empty(s.hub.JobConns(s.jobID))
}

func (s *RegistryTestSuite) TestUnsubscribe_Idempotent() {
	c := &fakeConn{id: "c1", userID: "alice"}
	s.checker.On("OwnsJob", mock.Anything, s.jobID, "alice").Return(true, nil).Once()
	s.NoError(s.registry.Subscribe(context.Background(), c, s.jobID))

	payload := []byte(`{"jobId":"` + s.jobID + `"}`)
	s.True(s.registry.HandleUnsubscribe(c, payload).OK)
	s.True(s.registry.HandleUnsubscribe(c, payload).OK)
	s.True(s.registry.HandleUnsubscribe(c, []byte(`garbage`)).OK)
	s.Empty(s.hub.JobConns(s.jobID))
}

func (s *RegistryTestSuite) TestDisconnect_LeavesAllGroups() {
	c := &fakeConn{id: "c1", userID: "alice"}
	other := uuid.NewString()
	s.checker.On("OwnsJob", mock.Anything, mock.Anything, "alice").Return(true, nil).Twice()
	s.hub.AddUser(c)
	s.NoError(s.registry.Subscribe(context.Background(), c, s.jobID))
	s.NoError(s.registry.Subscribe(context.Background(), c, other))

	s.registry.Disconnect(c)

	s.Empty(s.hub.JobConns(s.jobID))
	s.Empty(s.hub.JobConns(other))
	s.False(s.hub.UserConnected("alice"))
}

func (s *RegistryTestSuite) TestAck() {
	s.Equal("Invalid payload: jobId must be a valid UUID", Ack(ErrInvalidPayload).Error)
	s.Equal("Job not found or access denied", Ack(ErrAccessDenied).Error)
	s.True(Ack(nil).OK)
}
