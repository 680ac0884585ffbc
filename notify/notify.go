// Package notify delivers best-effort status webhooks to the client that
// requested a server. Delivery never blocks or reverts a state transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/zllovesuki/lighthouse/broker"
	"github.com/zllovesuki/lighthouse/server"

	"go.uber.org/zap"
)

// DispatcherOptions contains the configuration for the Dispatcher
type DispatcherOptions struct {
	// Producer is optional; when set, every transition is also published
	// to the internal event stream
	Producer   broker.Producer
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Dispatcher posts status transitions to the server's callback URL
type Dispatcher struct {
	DispatcherOptions
}

func NewDispatcher(option DispatcherOptions) (*Dispatcher, error) {
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.HTTPClient == nil {
		option.HTTPClient = &http.Client{
			Timeout: 10 * time.Second,
		}
	}
	return &Dispatcher{
		DispatcherOptions: option,
	}, nil
}

// Notify reports a transition. Errors are logged and swallowed: a client
// that cannot receive its webhook must never stall the lifecycle.
func (d *Dispatcher) Notify(ctx context.Context, srv *server.Server, extra map[string]interface{}) {
	if d.Producer != nil {
		if err := d.Producer.PublishTransition(&broker.TransitionEvent{
			ServerID:   srv.ID,
			ClientID:   srv.ClientID,
			ProviderID: srv.Provider,
			Game:       srv.Game,
			Region:     srv.Region,
			Status:     string(srv.Status),
			OccurredAt: time.Now(),
			Server:     srv,
		}); err != nil {
			d.Logger.Error("Cannot publish transition event",
				zap.String("ServerID", srv.ID),
				zap.Error(err),
			)
		}
	}

	callback := srv.Data.CallbackURL
	if callback == "" {
		d.Logger.Info("Updating status",
			zap.String("ServerID", srv.ID),
			zap.String("Status", string(srv.Status)),
		)
		return
	}

	logger := d.Logger.With(
		zap.String("ServerID", srv.ID),
		zap.String("Status", string(srv.Status)),
		zap.String("CallbackURL", callback),
	)
	logger.Info("Notifying callback URL")

	if err := d.post(ctx, callback, srv, extra); err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			logger.Warn("Failed to connect to callback URL")
		} else {
			logger.Error("Failed to notify callback URL",
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, callback string, srv *server.Server, extra map[string]interface{}) error {
	// merge the full server record with the transition extras
	payload := make(map[string]interface{})
	serialized, err := json.Marshal(srv)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(serialized, &payload); err != nil {
		return err
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	target, err := url.Parse(callback)
	if err != nil {
		return err
	}
	query := target.Query()
	query.Set("status", string(srv.Status))
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
