package provider

import (
	"context"
	"fmt"

	"github.com/zllovesuki/lighthouse/allocator"
	"github.com/zllovesuki/lighthouse/game"
	"github.com/zllovesuki/lighthouse/server"
	"github.com/zllovesuki/lighthouse/util"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Handler executes the create/destroy of compute resources for one
// concrete provider kind. Implementations are stateless with respect to
// other servers; the only shared state is the per-provider client cache.
//
// CreateInstance must leave the server with a reachable ip/port, and must
// attempt best-effort cleanup of partially created resources before
// propagating an error. DestroyInstance must be idempotent: destroying an
// already absent instance is a logged warning, not an error.
type Handler interface {
	CreateInstance(ctx context.Context, srv *server.Server) error
	DestroyInstance(ctx context.Context, srv *server.Server) error
}

// PortAllocator assigns and releases game ports for a provider
type PortAllocator interface {
	Allocate(ctx context.Context, providerID string, rng allocator.PortRange) (int, error)
	Release(ctx context.Context, providerID string, port int)
}

// TokenPool reserves and releases pooled login tokens
type TokenPool interface {
	Reserve(ctx context.Context) (*allocator.Token, error)
	Release(ctx context.Context, loginToken string) error
}

// HandlerOptions contains the dependencies for constructing a Handler
type HandlerOptions struct {
	Provider *Provider
	Game     *game.Game
	Ports    PortAllocator
	Tokens   TokenPool
	Cache    *ClientCache
	Logger   *zap.Logger
}

func (o *HandlerOptions) validate() error {
	if o.Provider == nil {
		return fmt.Errorf("nil Provider is invalid")
	}
	if o.Game == nil {
		return fmt.Errorf("nil Game is invalid")
	}
	if o.Ports == nil {
		return fmt.Errorf("nil PortAllocator is invalid")
	}
	if o.Tokens == nil {
		return fmt.Errorf("nil TokenPool is invalid")
	}
	if o.Cache == nil {
		return fmt.Errorf("nil ClientCache is invalid")
	}
	if o.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	return nil
}

// NewHandler returns the Handler for the provider's kind, with the game's
// per-kind metadata overrides already applied
func NewHandler(option HandlerOptions) (Handler, error) {
	if err := option.validate(); err != nil {
		return nil, err
	}
	base, err := newBaseHandler(option)
	if err != nil {
		return nil, err
	}
	switch option.Provider.Kind {
	case KindKubernetesNode:
		return newKubernetesHandler(base)
	case KindDockerNode:
		return newDockerHandler(base)
	case KindBinaryLane:
		return newBinaryLaneHandler(base)
	case KindLoadBalancer:
		return nil, fmt.Errorf("load balancer providers do not provision directly")
	default:
		return nil, fmt.Errorf("unknown provider kind %q", option.Provider.Kind)
	}
}

// baseHandler implements the default-options step shared by every kind:
// credentials, port allocation, token reservation, and the startup
// argument construction from the game profile.
type baseHandler struct {
	HandlerOptions
	meta    Metadata
	profile game.Profile
	logger  *zap.Logger
}

func newBaseHandler(option HandlerOptions) (*baseHandler, error) {
	profile, ok := game.GetProfile(option.Game.Slug)
	if !ok {
		return nil, fmt.Errorf("no profile for game %q", option.Game.Slug)
	}
	meta, err := option.Provider.Metadata.merged(option.Game.Overrides[string(option.Provider.Kind)])
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot apply game overrides to provider metadata")
	}
	return &baseHandler{
		HandlerOptions: option,
		meta:           meta,
		profile:        profile,
		logger: option.Logger.With(
			zap.String("ProviderID", option.Provider.ID),
			zap.String("Game", option.Game.Slug),
		),
	}, nil
}

// prepare fills the server with everything the provider-specific work
// needs: passwords, an allocated (or default) port, a reserved token when
// the game requires one, and the image to materialize.
func (h *baseHandler) prepare(ctx context.Context, srv *server.Server) error {
	if srv.Data.Password == "" {
		password, err := util.RandomHex(4)
		if err != nil {
			return extErrors.Wrap(err, "Cannot generate password")
		}
		srv.Data.Password = password
	}
	if h.profile.SupportsRcon && srv.Data.RconPassword == "" {
		rconPassword, err := util.RandomHex(4)
		if err != nil {
			return extErrors.Wrap(err, "Cannot generate rcon password")
		}
		srv.Data.RconPassword = rconPassword
	}

	if h.meta.PortMin > 0 {
		port, err := h.Ports.Allocate(ctx, h.Provider.ID, allocator.PortRange{
			Min:         h.meta.PortMin,
			Max:         h.meta.PortMax,
			Granularity: h.meta.PortGranularity,
		})
		if err != nil {
			return extErrors.Wrap(err, "Cannot allocate port")
		}
		srv.Port = port
	} else {
		srv.Port = h.profile.DefaultPort
	}
	if h.profile.TvEnabled {
		srv.TvPort = srv.Port + 1
	}

	if h.profile.RequiresToken && srv.Data.ServerToken == "" {
		token, err := h.Tokens.Reserve(ctx)
		if err != nil {
			h.releasePort(ctx, srv)
			return extErrors.Wrap(err, "Cannot reserve login token")
		}
		srv.Data.ServerToken = token.LoginToken
	}

	srv.Image = h.meta.Image
	return nil
}

// cleanup undoes prepare after a failed provision
func (h *baseHandler) cleanup(ctx context.Context, srv *server.Server) {
	h.releasePort(ctx, srv)
	if srv.Data.ServerToken != "" {
		if err := h.Tokens.Release(ctx, srv.Data.ServerToken); err != nil {
			h.logger.Warn("Cannot release login token during cleanup",
				zap.Error(err),
			)
		}
		srv.Data.ServerToken = ""
	}
}

func (h *baseHandler) releasePort(ctx context.Context, srv *server.Server) {
	if h.meta.PortMin > 0 && srv.Port != 0 {
		h.Ports.Release(ctx, h.Provider.ID, srv.Port)
	}
}

func (h *baseHandler) args(srv *server.Server) string {
	return h.profile.Args(srv)
}

// resourceName is the name of the compute resource at the provider
func resourceName(srv *server.Server) string {
	return "lighthouse-" + srv.ID
}
