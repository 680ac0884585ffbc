package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/zllovesuki/lighthouse/client"
	resp "github.com/zllovesuki/lighthouse/response"
	"github.com/zllovesuki/lighthouse/server"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Controller *Controller
	Servers    ServerStore
	Logger     *zap.Logger
}

// Service is the server lifecycle API router
type Service struct {
	ServiceOptions
	validate *validator.Validate
}

// NewService will create an instance of the lifecycle API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Controller == nil {
		return nil, fmt.Errorf("nil Controller is invalid")
	}
	if option.Servers == nil {
		return nil, fmt.Errorf("nil ServerStore is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
		validate:       validator.New(),
	}, nil
}

func (s *Service) newServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cl := ctx.Value(client.Context).(*client.Client)

	logger := s.Logger.With(zap.String("ClientID", cl.ID))

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(validationMessages(err)...))
		return
	}

	srv, err := s.Controller.Create(ctx, cl, &req)
	if err != nil {
		var admission *AdmissionError
		if errors.As(err, &admission) {
			resp.WriteError(w, r, admissionResponse(admission))
			return
		}
		logger.Error("Unable to create server",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create Server"))
		return
	}

	resp.WriteResponse(w, r, srv)
}

func (s *Service) closeServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cl := ctx.Value(client.Context).(*client.Client)
	serverID := chi.URLParam(r, "id")

	logger := s.Logger.With(
		zap.String("ClientID", cl.ID),
		zap.String("ServerID", serverID),
	)

	srv, err := s.Controller.Close(ctx, cl, serverID)
	if err != nil {
		var admission *AdmissionError
		if errors.As(err, &admission) {
			resp.WriteError(w, r, admissionResponse(admission))
			return
		}
		logger.Error("Unable to close server",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to close Server"))
		return
	}

	resp.WriteResponse(w, r, srv)
}

func (s *Service) getServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cl := ctx.Value(client.Context).(*client.Client)
	serverID := chi.URLParam(r, "id")

	logger := s.Logger.With(
		zap.String("ClientID", cl.ID),
		zap.String("ServerID", serverID),
	)

	srv, err := s.Servers.GetByID(ctx, serverID)
	if err != nil {
		logger.Error("Unable to query server",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get details about the server"))
		return
	}
	if srv == nil || !s.visibleTo(cl, srv) {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find server with specific ID"))
		return
	}

	resp.WriteResponse(w, r, srv)
}

func (s *Service) listServers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cl := ctx.Value(client.Context).(*client.Client)
	all := r.URL.Query().Get("all") != ""

	logger := s.Logger.With(zap.String("ClientID", cl.ID))

	opt := server.ListOption{
		Region: r.URL.Query().Get("region"),
		Limit:  50,
	}
	if !cl.Access.MonitorServers {
		opt.ClientID = cl.ID
	}

	var results []server.Server
	var err error
	if all {
		results, err = s.Servers.List(ctx, opt)
	} else {
		results, err = s.Servers.ListActive(ctx, opt)
	}
	if err != nil {
		logger.Error("Unable to list servers",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of servers"))
		return
	}

	resp.WriteResponse(w, r, results)
}

// visibleTo allows monitoring clients to read every server record
func (s *Service) visibleTo(cl *client.Client, srv *server.Server) bool {
	return srv.ClientID == cl.ID || cl.Access.MonitorServers
}

// admissionResponse maps a rejected request to its status code
func admissionResponse(err *AdmissionError) *resp.Error {
	switch err.Reason {
	case ReasonUnknownGame, ReasonUnknownProvider:
		return resp.ErrBadRequest().AddMessages(err.Message)
	case ReasonUnknownServer:
		return resp.ErrNotFound().AddMessages(err.Message)
	case ReasonNoAccess:
		return resp.ErrForbidden().AddMessages(err.Message)
	case ReasonAtLimit, ReasonAtCapacity:
		return resp.ErrTooManyRequests().AddMessages(err.Message)
	case ReasonTimerLimit:
		return resp.ErrBadRequest().AddMessages(err.Message)
	case ReasonAlreadyClosed:
		return resp.ErrAlreadyClosed().AddMessages(err.Message)
	case ReasonCloseInProgress:
		return resp.ErrCloseInProgress().AddMessages(err.Message)
	default:
		return resp.ErrBadRequest().AddMessages(err.Message)
	}
}

func validationMessages(err error) []string {
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return []string{"Invalid request"}
	}
	messages := make([]string, 0, len(invalid))
	for _, field := range invalid {
		messages = append(messages, fmt.Sprintf("Invalid value for field %q", field.Field()))
	}
	return messages
}

// Router will return the routes under the server lifecycle API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.listServers)
	r.Post("/", s.newServer)
	r.Get("/{id}", s.getServer)
	r.Delete("/{id}", s.closeServer)

	return r
}
