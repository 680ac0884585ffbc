// Package lifecycle implements the server state machine: admission of
// create/close requests, asynchronous provisioning and teardown, and the
// periodic health monitor that moves servers between occupancy states.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/lighthouse/client"
	"github.com/zllovesuki/lighthouse/game"
	"github.com/zllovesuki/lighthouse/provider"
	"github.com/zllovesuki/lighthouse/server"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Defaults applied to a create request when the caller leaves the
// corresponding threshold unset
const (
	DefaultCloseMinPlayers = 2
	DefaultCloseIdleTime   = 900
	DefaultCloseWaitTime   = 300
)

// ServerStore is the persistence surface the controller needs
type ServerStore interface {
	Create(ctx context.Context, srv *server.Server) error
	GetByID(ctx context.Context, id string) (*server.Server, error)
	List(ctx context.Context, opt server.ListOption) ([]server.Server, error)
	ListActive(ctx context.Context, opt server.ListOption) ([]server.Server, error)
	CountActive(ctx context.Context, opt server.ListOption) (int, error)
	CountActiveByProvider(ctx context.Context, providerID string) (int, error)
	LambdaUpdate(ctx context.Context, id string, lambda server.LambdaUpdateFunc) (*server.Server, error)
}

// ProviderRegistry resolves providers and load balancer children
type ProviderRegistry interface {
	Get(ctx context.Context, id string) (*provider.Provider, error)
	GetByRegion(ctx context.Context, region string) ([]provider.Provider, error)
	Resolve(ctx context.Context, p *provider.Provider, counts provider.ActiveCounter) (*provider.Provider, error)
	Cache() *provider.ClientCache
}

// GameRegistry looks up catalog entries
type GameRegistry interface {
	GetBySlug(ctx context.Context, slug string) (*game.Game, error)
}

// Notifier reports committed transitions to the requesting client
type Notifier interface {
	Notify(ctx context.Context, srv *server.Server, extra map[string]interface{})
}

// HandlerFactory builds the provider-specific handler for one server
type HandlerFactory func(option provider.HandlerOptions) (provider.Handler, error)

// ControllerOptions contains the dependencies for constructing a Controller
type ControllerOptions struct {
	Servers   ServerStore
	Providers ProviderRegistry
	Games     GameRegistry
	Ports     provider.PortAllocator
	Tokens    provider.TokenPool
	Notifier  Notifier
	Logger    *zap.Logger
	// HandlerFactory is optional and defaults to provider.NewHandler
	HandlerFactory HandlerFactory
}

// Controller owns every server status transition
type Controller struct {
	ControllerOptions
}

func NewController(option ControllerOptions) (*Controller, error) {
	if option.Servers == nil {
		return nil, fmt.Errorf("nil ServerStore is invalid")
	}
	if option.Providers == nil {
		return nil, fmt.Errorf("nil ProviderRegistry is invalid")
	}
	if option.Games == nil {
		return nil, fmt.Errorf("nil GameRegistry is invalid")
	}
	if option.Ports == nil {
		return nil, fmt.Errorf("nil PortAllocator is invalid")
	}
	if option.Tokens == nil {
		return nil, fmt.Errorf("nil TokenPool is invalid")
	}
	if option.Notifier == nil {
		return nil, fmt.Errorf("nil Notifier is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.HandlerFactory == nil {
		option.HandlerFactory = provider.NewHandler
	}
	return &Controller{
		ControllerOptions: option,
	}, nil
}

// CreateRequest is the admission input for a new server
type CreateRequest struct {
	Game            string `json:"game" validate:"required"`
	Region          string `json:"region" validate:"required"`
	Provider        string `json:"provider" validate:"omitempty"`
	Password        string `json:"password" validate:"omitempty,max=64"`
	RconPassword    string `json:"rconPassword" validate:"omitempty,max=64"`
	TvPassword      string `json:"tvPassword" validate:"omitempty,max=64"`
	CloseMinPlayers int    `json:"closeMinPlayers" validate:"omitempty,min=1"`
	CloseIdleTime   int    `json:"closeIdleTime" validate:"omitempty,min=60"`
	CloseWaitTime   int    `json:"closeWaitTime" validate:"omitempty,min=60"`
	CallbackURL     string `json:"callbackUrl" validate:"omitempty,url"`
	Map             string `json:"map" validate:"omitempty,max=128"`
	Config          string `json:"config" validate:"omitempty,max=128"`
	GitRepository   string `json:"gitRepository" validate:"omitempty,max=256"`
	GitDeployKey    string `json:"gitDeployKey" validate:"omitempty"`
	SdrEnable       bool   `json:"sdrEnable"`
}

// Create runs the admission chain and persists the server in INIT.
// Provisioning is handed off asynchronously; the caller gets the INIT
// record back immediately.
func (c *Controller) Create(ctx context.Context, cl *client.Client, req *CreateRequest) (*server.Server, error) {
	g, err := c.Games.GetBySlug(ctx, req.Game)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot look up game")
	}
	if g == nil {
		return nil, newAdmissionError(ReasonUnknownGame, fmt.Sprintf("game %q does not exist", req.Game))
	}

	if limit := cl.WaitTimerLimit(); limit > 0 && req.CloseWaitTime > limit {
		return nil, newAdmissionError(ReasonTimerLimit, fmt.Sprintf("wait timer exceeds the limit of %d seconds", limit))
	}
	if limit := cl.IdleTimerLimit(); limit > 0 && req.CloseIdleTime > limit {
		return nil, newAdmissionError(ReasonTimerLimit, fmt.Sprintf("idle timer exceeds the limit of %d seconds", limit))
	}

	if !cl.HasGameAccess(req.Game) {
		return nil, newAdmissionError(ReasonNoAccess, fmt.Sprintf("no access to game %q", req.Game))
	}
	if !cl.HasRegionAccess(req.Region) {
		return nil, newAdmissionError(ReasonNoAccess, fmt.Sprintf("no access to region %q", req.Region))
	}

	if limit := cl.RegionLimit(req.Region); limit > 0 {
		count, err := c.Servers.CountActive(ctx, server.ListOption{
			ClientID: cl.ID,
			Region:   req.Region,
		})
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot count active servers")
		}
		if count >= limit {
			return nil, newAdmissionError(ReasonAtLimit, fmt.Sprintf("region server limit of %d reached", limit))
		}
	}
	if limit := cl.Limit(); limit > 0 {
		count, err := c.Servers.CountActive(ctx, server.ListOption{
			ClientID: cl.ID,
		})
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot count active servers")
		}
		if count >= limit {
			return nil, newAdmissionError(ReasonAtLimit, fmt.Sprintf("server limit of %d reached", limit))
		}
	}

	resolved, err := c.pickProvider(ctx, cl, req)
	if err != nil {
		return nil, err
	}

	srv := &server.Server{
		ID:       uuid.New().String(),
		ClientID: cl.ID,
		Game:     req.Game,
		Provider: resolved.ID,
		Region:   req.Region,
		Status:   server.StatusInit,
		Data: server.Data{
			Password:        req.Password,
			RconPassword:    req.RconPassword,
			TvPassword:      req.TvPassword,
			CloseMinPlayers: valueOrDefault(req.CloseMinPlayers, DefaultCloseMinPlayers),
			CloseIdleTime:   valueOrDefault(req.CloseIdleTime, DefaultCloseIdleTime),
			CloseWaitTime:   valueOrDefault(req.CloseWaitTime, DefaultCloseWaitTime),
			CallbackURL:     req.CallbackURL,
			Map:             req.Map,
			Config:          req.Config,
			GitRepository:   req.GitRepository,
			GitDeployKey:    req.GitDeployKey,
			SdrEnable:       req.SdrEnable,
		},
	}

	if err := c.Servers.Create(ctx, srv); err != nil {
		return nil, extErrors.Wrap(err, "Cannot persist server")
	}

	c.logger(srv).Info("Server admitted")

	go c.Process(context.Background(), srv.ID)

	return srv, nil
}

// pickProvider resolves the requested provider, or when none was asked
// for, walks the region's providers by descending priority. Access is
// checked against the provider the client named; capacity is checked on
// the load balancer's resolved child so a full node is never picked.
func (c *Controller) pickProvider(ctx context.Context, cl *client.Client, req *CreateRequest) (*provider.Provider, error) {
	if req.Provider != "" {
		p, err := c.Providers.Get(ctx, req.Provider)
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot look up provider")
		}
		if p == nil || p.Region != req.Region {
			return nil, newAdmissionError(ReasonUnknownProvider, fmt.Sprintf("provider %q does not exist in region %q", req.Provider, req.Region))
		}
		if !cl.HasProviderAccess(p.ID) {
			return nil, newAdmissionError(ReasonNoAccess, fmt.Sprintf("no access to provider %q", p.ID))
		}
		resolved, err := c.Providers.Resolve(ctx, p, c.Servers)
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot resolve provider")
		}
		if err := c.checkCapacity(ctx, resolved); err != nil {
			return nil, err
		}
		return resolved, nil
	}

	candidates, err := c.Providers.GetByRegion(ctx, req.Region)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot list providers")
	}
	for i := range candidates {
		p := &candidates[i]
		if !cl.HasProviderAccess(p.ID) {
			continue
		}
		resolved, err := c.Providers.Resolve(ctx, p, c.Servers)
		if err != nil {
			continue
		}
		if err := c.checkCapacity(ctx, resolved); err != nil {
			continue
		}
		return resolved, nil
	}
	return nil, newAdmissionError(ReasonAtCapacity, fmt.Sprintf("no provider in region %q can take the server", req.Region))
}

func (c *Controller) checkCapacity(ctx context.Context, p *provider.Provider) error {
	count, err := c.Servers.CountActiveByProvider(ctx, p.ID)
	if err != nil {
		return extErrors.Wrap(err, "Cannot count servers on provider")
	}
	if p.AtCapacity(count) {
		return newAdmissionError(ReasonAtCapacity, fmt.Sprintf("provider %q is at capacity", p.ID))
	}
	return nil
}

// Close stamps the deadline, moves the server to CLOSING, and hands off
// asynchronous teardown. The caller gets the CLOSING record back.
func (c *Controller) Close(ctx context.Context, cl *client.Client, id string) (*server.Server, error) {
	srv, err := c.Servers.GetByID(ctx, id)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot look up server")
	}
	if srv == nil || srv.ClientID != cl.ID {
		return nil, newAdmissionError(ReasonUnknownServer, "server does not exist")
	}
	switch srv.Status {
	case server.StatusClosed, server.StatusFailed:
		return nil, newAdmissionError(ReasonAlreadyClosed, "server is already closed")
	case server.StatusClosing, server.StatusDeallocating:
		return nil, newAdmissionError(ReasonCloseInProgress, "server is already closing")
	case server.StatusInit, server.StatusAllocating:
		return nil, newAdmissionError(ReasonCloseInProgress, "server is still provisioning")
	}

	now := time.Now()
	updated, err := c.transition(ctx, id, server.StatusClosing, func(desired *server.Server) {
		if desired.CloseAt == nil {
			desired.CloseAt = &now
		}
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot transition server to closing")
	}
	if updated == nil {
		// another writer moved the server first
		return nil, newAdmissionError(ReasonCloseInProgress, "server is already closing")
	}

	go c.Process(context.Background(), id)

	return updated, nil
}

// Process dispatches on the server's current status. Only INIT and
// CLOSING have pending work; any other status reaching here is a logic
// error and the server is forced to FAILED.
func (c *Controller) Process(ctx context.Context, id string) {
	srv, err := c.Servers.GetByID(ctx, id)
	if err != nil {
		c.Logger.Error("Cannot look up server for processing",
			zap.String("ServerID", id),
			zap.Error(err),
		)
		return
	}
	if srv == nil {
		c.Logger.Error("Server vanished before processing",
			zap.String("ServerID", id),
		)
		return
	}
	switch srv.Status {
	case server.StatusInit:
		c.initializeServer(ctx, id)
	case server.StatusClosing:
		c.closeServer(ctx, id)
	default:
		c.logger(srv).Error("Unexpected status during processing")
		c.forceFailed(ctx, id)
	}
}

func (c *Controller) initializeServer(ctx context.Context, id string) {
	allocating, err := c.transition(ctx, id, server.StatusAllocating, nil)
	if err != nil || allocating == nil {
		c.Logger.Error("Cannot transition server to allocating",
			zap.String("ServerID", id),
			zap.Error(err),
		)
		return
	}

	logger := c.logger(allocating)

	handler, err := c.handlerFor(ctx, allocating)
	if err != nil {
		logger.Error("Cannot construct provider handler",
			zap.Error(err),
		)
		c.markFailed(ctx, id)
		return
	}

	if err := handler.CreateInstance(ctx, allocating); err != nil {
		logger.Error("Cannot provision server",
			zap.Error(err),
		)
		c.markFailed(ctx, id)
		return
	}

	// the handler filled in ip/port/image and any allocated credentials
	deadline := time.Now().Add(time.Duration(allocating.Data.CloseWaitTime) * time.Second)
	waiting, err := c.transition(ctx, id, server.StatusWaiting, func(desired *server.Server) {
		desired.IP = allocating.IP
		desired.Port = allocating.Port
		desired.TvPort = allocating.TvPort
		desired.Image = allocating.Image
		desired.Data = allocating.Data
		desired.CloseAt = &deadline
	})
	if err != nil || waiting == nil {
		logger.Error("Cannot transition server to waiting",
			zap.Error(err),
		)
		c.markFailed(ctx, id)
		return
	}
	logger.Info("Server provisioned",
		zap.String("IP", waiting.IP),
		zap.Int("Port", waiting.Port),
	)
}

func (c *Controller) closeServer(ctx context.Context, id string) {
	deallocating, err := c.transition(ctx, id, server.StatusDeallocating, nil)
	if err != nil || deallocating == nil {
		c.Logger.Error("Cannot transition server to deallocating",
			zap.String("ServerID", id),
			zap.Error(err),
		)
		return
	}

	logger := c.logger(deallocating)

	handler, err := c.handlerFor(ctx, deallocating)
	if err != nil {
		logger.Error("Cannot construct provider handler",
			zap.Error(err),
		)
		return
	}

	if err := handler.DestroyInstance(ctx, deallocating); err != nil {
		// the server stays in DEALLOCATING for operator follow-up
		logger.Error("Cannot destroy server instance",
			zap.Error(err),
		)
		return
	}

	if token := deallocating.Data.ServerToken; token != "" {
		if err := c.Tokens.Release(ctx, token); err != nil {
			logger.Warn("Cannot release login token",
				zap.Error(err),
			)
		}
	}

	closed, err := c.transition(ctx, id, server.StatusClosed, nil)
	if err != nil || closed == nil {
		logger.Error("Cannot transition server to closed",
			zap.Error(err),
		)
		return
	}
	logger.Info("Server closed")
}

// handlerFor builds the concrete handler for the server's provider
func (c *Controller) handlerFor(ctx context.Context, srv *server.Server) (provider.Handler, error) {
	p, err := c.Providers.Get(ctx, srv.Provider)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot look up provider")
	}
	if p == nil {
		return nil, fmt.Errorf("provider %q does not exist", srv.Provider)
	}
	g, err := c.Games.GetBySlug(ctx, srv.Game)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot look up game")
	}
	if g == nil {
		return nil, fmt.Errorf("game %q does not exist", srv.Game)
	}
	return c.HandlerFactory(provider.HandlerOptions{
		Provider: p,
		Game:     g,
		Ports:    c.Ports,
		Tokens:   c.Tokens,
		Cache:    c.Providers.Cache(),
		Logger:   c.Logger,
	})
}

// transition performs a guarded compare-and-set along the status graph.
// It returns nil without error when the edge is no longer valid, which
// means another writer won the race. Committed transitions are reported
// to the notifier.
func (c *Controller) transition(ctx context.Context, id string, to server.Status, mutate func(desired *server.Server)) (*server.Server, error) {
	updated, err := c.Servers.LambdaUpdate(ctx, id, func(current *server.Server, desired *server.Server) bool {
		if current == nil {
			return false
		}
		if !server.CanTransition(current.Status, to) {
			return false
		}
		desired.Status = to
		switch {
		case to == server.StatusClosing, to == server.StatusDeallocating, to.Terminal():
			// closeAt is frozen once teardown starts and survives into the
			// terminal statuses as a record of when reclamation was scheduled
		case !to.Expirable():
			desired.CloseAt = nil
		}
		if mutate != nil {
			mutate(desired)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		c.Notifier.Notify(ctx, updated, nil)
	}
	return updated, nil
}

// markFailed converts a provisioning error into the terminal status
func (c *Controller) markFailed(ctx context.Context, id string) {
	if _, err := c.transition(ctx, id, server.StatusFailed, nil); err != nil {
		c.Logger.Error("Cannot mark server as failed",
			zap.String("ServerID", id),
			zap.Error(err),
		)
	}
}

// forceFailed bypasses the status graph for the logic-error path
func (c *Controller) forceFailed(ctx context.Context, id string) {
	updated, err := c.Servers.LambdaUpdate(ctx, id, func(current *server.Server, desired *server.Server) bool {
		if current == nil || current.Status.Terminal() {
			return false
		}
		desired.Status = server.StatusFailed
		return true
	})
	if err != nil {
		c.Logger.Error("Cannot force server to failed",
			zap.String("ServerID", id),
			zap.Error(err),
		)
		return
	}
	if updated != nil {
		c.Notifier.Notify(ctx, updated, nil)
	}
}

func (c *Controller) logger(srv *server.Server) *zap.Logger {
	return c.Logger.With(
		zap.String("ServerID", srv.ID),
		zap.String("ClientID", srv.ClientID),
		zap.String("Game", srv.Game),
		zap.String("ProviderID", srv.Provider),
		zap.String("Status", string(srv.Status)),
	)
}

func valueOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}
