package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zllovesuki/lighthouse/client"
	"github.com/zllovesuki/lighthouse/provider"
	"github.com/zllovesuki/lighthouse/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testEnv struct {
	store    *memoryStore
	registry *memoryRegistry
	notifier *recordingNotifier
	tokens   *recordingTokens
	handler  *countingHandler
}

func newTestController(t *testing.T, providers ...provider.Provider) (*Controller, *testEnv) {
	env := &testEnv{
		store:    newMemoryStore(),
		registry: newMemoryRegistry(providers...),
		notifier: &recordingNotifier{},
		tokens:   &recordingTokens{},
		handler: &countingHandler{
			ip:   "203.0.113.7",
			port: 27015,
		},
	}
	games := newMemoryGames(
		testGame("tf2"),
		testGame("minecraft"),
	)
	c, err := NewController(ControllerOptions{
		Servers:   env.store,
		Providers: env.registry,
		Games:     games,
		Ports:     nullPorts{},
		Tokens:    env.tokens,
		Notifier:  env.notifier,
		Logger:    zaptest.NewLogger(t),
		HandlerFactory: func(option provider.HandlerOptions) (provider.Handler, error) {
			return env.handler, nil
		},
	})
	require.NoError(t, err)
	return c, env
}

func testClient() *client.Client {
	return &client.Client{
		ID: "client-1",
		Access: client.Access{
			Games: []string{"tf2", "minecraft"},
			Regions: map[string]client.RegionAccess{
				"sydney": {Limit: 2},
			},
			Limit:          4,
			WaitTimerLimit: 600,
			IdleTimerLimit: 3600,
		},
	}
}

func directProvider(id string) provider.Provider {
	return provider.Provider{
		ID:     id,
		Kind:   provider.KindDockerNode,
		Region: "sydney",
		Limit:  -1,
	}
}

func validRequest() *CreateRequest {
	return &CreateRequest{
		Game:   "tf2",
		Region: "sydney",
	}
}

func seedServer(t *testing.T, store *memoryStore, id, clientID, providerID string, status server.Status) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &server.Server{
		ID:       id,
		ClientID: clientID,
		Game:     "tf2",
		Provider: providerID,
		Region:   "sydney",
		Status:   status,
	}))
}

func admissionReason(t *testing.T, err error) AdmissionReason {
	t.Helper()
	var admission *AdmissionError
	require.True(t, errors.As(err, &admission), "expected admission error, got %v", err)
	return admission.Reason
}

func TestCreateRejectsUnknownGame(t *testing.T) {
	c, env := newTestController(t, directProvider("syd-1"))

	req := validRequest()
	req.Game = "quake"
	_, err := c.Create(context.Background(), testClient(), req)
	assert.Equal(t, ReasonUnknownGame, admissionReason(t, err))

	count, _ := env.store.CountActive(context.Background(), server.ListOption{})
	assert.Zero(t, count, "rejected request must not persist a server")
}

func TestCreateRejectsMissingAccess(t *testing.T) {
	c, _ := newTestController(t, directProvider("syd-1"))

	cl := testClient()
	cl.Access.Games = []string{"minecraft"}
	_, err := c.Create(context.Background(), cl, validRequest())
	assert.Equal(t, ReasonNoAccess, admissionReason(t, err))

	cl = testClient()
	req := validRequest()
	req.Region = "singapore"
	_, err = c.Create(context.Background(), cl, req)
	assert.Equal(t, ReasonNoAccess, admissionReason(t, err))
}

func TestCreateRejectsTimerCeilings(t *testing.T) {
	c, _ := newTestController(t, directProvider("syd-1"))

	req := validRequest()
	req.CloseWaitTime = 601
	_, err := c.Create(context.Background(), testClient(), req)
	assert.Equal(t, ReasonTimerLimit, admissionReason(t, err))

	req = validRequest()
	req.CloseIdleTime = 3601
	_, err = c.Create(context.Background(), testClient(), req)
	assert.Equal(t, ReasonTimerLimit, admissionReason(t, err))
}

func TestCreateRejectsAtRegionLimit(t *testing.T) {
	c, env := newTestController(t, directProvider("syd-1"))

	seedServer(t, env.store, "a", "client-1", "syd-1", server.StatusIdle)
	seedServer(t, env.store, "b", "client-1", "syd-1", server.StatusRunning)

	_, err := c.Create(context.Background(), testClient(), validRequest())
	assert.Equal(t, ReasonAtLimit, admissionReason(t, err))
}

func TestCreateIgnoresTerminalServersForLimits(t *testing.T) {
	c, env := newTestController(t, directProvider("syd-1"))

	seedServer(t, env.store, "a", "client-1", "syd-1", server.StatusClosed)
	seedServer(t, env.store, "b", "client-1", "syd-1", server.StatusFailed)
	seedServer(t, env.store, "c", "client-1", "syd-1", server.StatusIdle)

	srv, err := c.Create(context.Background(), testClient(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, server.StatusInit, srv.Status)

	require.Eventually(t, func() bool {
		current, _ := env.store.GetByID(context.Background(), srv.ID)
		return current != nil && current.Status == server.StatusWaiting
	}, time.Second*2, time.Millisecond*10)
}

func TestCreateRejectsProviderAtCapacity(t *testing.T) {
	p := directProvider("syd-1")
	p.Limit = 1
	c, env := newTestController(t, p)

	seedServer(t, env.store, "a", "other", "syd-1", server.StatusRunning)

	req := validRequest()
	req.Provider = "syd-1"
	_, err := c.Create(context.Background(), testClient(), req)
	assert.Equal(t, ReasonAtCapacity, admissionReason(t, err))
}

func TestCreateResolvesLoadBalancerToLeastLoadedChild(t *testing.T) {
	lb := provider.Provider{
		ID:     "syd-lb",
		Kind:   provider.KindLoadBalancer,
		Region: "sydney",
		Limit:  -1,
		Metadata: provider.Metadata{
			Children: []provider.ChildProvider{
				{ID: "syd-1", Weight: 1},
				{ID: "syd-2", Weight: 3},
			},
		},
	}
	c, env := newTestController(t, lb, directProvider("syd-1"), directProvider("syd-2"))

	// syd-1 scores 2x1=2, syd-2 scores 1x3=3
	seedServer(t, env.store, "a", "other", "syd-1", server.StatusRunning)
	seedServer(t, env.store, "b", "other", "syd-1", server.StatusIdle)
	seedServer(t, env.store, "c", "other", "syd-2", server.StatusRunning)

	cl := testClient()
	cl.Access.Regions["sydney"] = client.RegionAccess{Limit: 10}
	cl.Access.Limit = 10

	req := validRequest()
	req.Provider = "syd-lb"
	srv, err := c.Create(context.Background(), cl, req)
	require.NoError(t, err)
	assert.Equal(t, "syd-1", srv.Provider)

	require.Eventually(t, func() bool {
		current, _ := env.store.GetByID(context.Background(), srv.ID)
		return current != nil && current.Status == server.StatusWaiting
	}, time.Second*2, time.Millisecond*10)
}

func TestCreateProvisionsToWaiting(t *testing.T) {
	c, env := newTestController(t, directProvider("syd-1"))

	req := validRequest()
	req.CloseWaitTime = 120
	srv, err := c.Create(context.Background(), testClient(), req)
	require.NoError(t, err)
	require.Equal(t, server.StatusInit, srv.Status)
	assert.Equal(t, DefaultCloseMinPlayers, srv.Data.CloseMinPlayers)
	assert.Equal(t, DefaultCloseIdleTime, srv.Data.CloseIdleTime)

	require.Eventually(t, func() bool {
		current, _ := env.store.GetByID(context.Background(), srv.ID)
		return current != nil && current.Status == server.StatusWaiting
	}, time.Second*2, time.Millisecond*10)

	current, _ := env.store.GetByID(context.Background(), srv.ID)
	assert.Equal(t, "203.0.113.7", current.IP)
	assert.Equal(t, 27015, current.Port)
	require.NotNil(t, current.CloseAt)
	expected := time.Now().Add(120 * time.Second)
	assert.WithinDuration(t, expected, *current.CloseAt, time.Second*5)

	created, _ := env.handler.counts()
	assert.Equal(t, 1, created)
	assert.Contains(t, env.notifier.recorded(), server.StatusAllocating)
	assert.Contains(t, env.notifier.recorded(), server.StatusWaiting)
}

func TestCreateProvisioningFailureIsTerminal(t *testing.T) {
	c, env := newTestController(t, directProvider("syd-1"))
	env.handler.createErr = errors.New("no capacity on node")

	srv, err := c.Create(context.Background(), testClient(), validRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, _ := env.store.GetByID(context.Background(), srv.ID)
		return current != nil && current.Status == server.StatusFailed
	}, time.Second*2, time.Millisecond*10)

	created, destroyed := env.handler.counts()
	assert.Equal(t, 1, created)
	assert.Zero(t, destroyed, "failed provisioning is not retried or torn down")
}

func TestCloseTearsDownAndReleasesToken(t *testing.T) {
	c, env := newTestController(t, directProvider("syd-1"))

	require.NoError(t, env.store.Create(context.Background(), &server.Server{
		ID:       "srv-1",
		ClientID: "client-1",
		Game:     "tf2",
		Provider: "syd-1",
		Region:   "sydney",
		Status:   server.StatusRunning,
		Data: server.Data{
			ServerToken: "TESTTOKEN",
		},
	}))

	closing, err := c.Close(context.Background(), testClient(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, server.StatusClosing, closing.Status)
	require.NotNil(t, closing.CloseAt)

	require.Eventually(t, func() bool {
		current, _ := env.store.GetByID(context.Background(), "srv-1")
		return current != nil && current.Status == server.StatusClosed
	}, time.Second*2, time.Millisecond*10)

	_, destroyed := env.handler.counts()
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, []string{"TESTTOKEN"}, env.tokens.releasedTokens())

	current, _ := env.store.GetByID(context.Background(), "srv-1")
	require.NotNil(t, current.CloseAt)
	assert.True(t, current.CloseAt.Equal(*closing.CloseAt), "the reclamation stamp survives teardown")
}

func TestCloseRejections(t *testing.T) {
	c, env := newTestController(t, directProvider("syd-1"))

	seedServer(t, env.store, "closed", "client-1", "syd-1", server.StatusClosed)
	seedServer(t, env.store, "closing", "client-1", "syd-1", server.StatusClosing)
	seedServer(t, env.store, "deallocating", "client-1", "syd-1", server.StatusDeallocating)
	seedServer(t, env.store, "init", "client-1", "syd-1", server.StatusInit)
	seedServer(t, env.store, "other", "client-2", "syd-1", server.StatusIdle)

	_, err := c.Close(context.Background(), testClient(), "missing")
	assert.Equal(t, ReasonUnknownServer, admissionReason(t, err))

	_, err = c.Close(context.Background(), testClient(), "other")
	assert.Equal(t, ReasonUnknownServer, admissionReason(t, err))

	_, err = c.Close(context.Background(), testClient(), "closed")
	assert.Equal(t, ReasonAlreadyClosed, admissionReason(t, err))

	_, err = c.Close(context.Background(), testClient(), "closing")
	assert.Equal(t, ReasonCloseInProgress, admissionReason(t, err))

	_, err = c.Close(context.Background(), testClient(), "deallocating")
	assert.Equal(t, ReasonCloseInProgress, admissionReason(t, err))

	_, err = c.Close(context.Background(), testClient(), "init")
	assert.Equal(t, ReasonCloseInProgress, admissionReason(t, err))
}

func TestClosePreservesExistingDeadline(t *testing.T) {
	c, env := newTestController(t, directProvider("syd-1"))

	stamped := time.Now().Add(-time.Minute)
	require.NoError(t, env.store.Create(context.Background(), &server.Server{
		ID:       "srv-1",
		ClientID: "client-1",
		Game:     "tf2",
		Provider: "syd-1",
		Region:   "sydney",
		Status:   server.StatusIdle,
		CloseAt:  &stamped,
	}))

	closing, err := c.Close(context.Background(), testClient(), "srv-1")
	require.NoError(t, err)
	require.NotNil(t, closing.CloseAt)
	assert.True(t, closing.CloseAt.Equal(stamped), "an already stamped deadline is not refreshed")

	require.Eventually(t, func() bool {
		current, _ := env.store.GetByID(context.Background(), "srv-1")
		return current != nil && current.Status == server.StatusClosed
	}, time.Second*2, time.Millisecond*10)

	current, _ := env.store.GetByID(context.Background(), "srv-1")
	require.NotNil(t, current.CloseAt)
	assert.True(t, current.CloseAt.Equal(stamped))
}
