package provider

import (
	"fmt"
	"net/http"

	"github.com/zllovesuki/lighthouse/client"
	resp "github.com/zllovesuki/lighthouse/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Manager *Manager
	Counts  ActiveCounter
	Logger  *zap.Logger
}

// Service is the provider discovery API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the provider discovery API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Counts == nil {
		return nil, fmt.Errorf("nil ActiveCounter is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// availableProviders is a point-in-time view; admission re-checks
// capacity at request time
func (s *Service) availableProviders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cl := ctx.Value(client.Context).(*client.Client)
	region := chi.URLParam(r, "region")

	statuses, err := s.Manager.Available(ctx, cl, region, s.Counts)
	if err != nil {
		s.Logger.Error("Unable to list available providers",
			zap.String("ClientID", cl.ID),
			zap.String("Region", region),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of providers"))
		return
	}

	resp.WriteResponse(w, r, statuses)
}

// Router will return the routes under the provider discovery API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/{region}", s.availableProviders)

	return r
}
