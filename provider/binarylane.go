package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/zllovesuki/lighthouse/server"
	"github.com/zllovesuki/lighthouse/util"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	binaryLaneEndpoint     = "https://api.binarylane.com.au/v2"
	binaryLanePollInterval = time.Second * 2
	binaryLanePollMax      = 120
	binaryLaneSSHPort      = 22
	binaryLaneSSHTimeout   = time.Second * 30

	// used when the provider metadata does not carry a startup script
	defaultStartupScript = "docker run -d --network host {{ image }} {{ args }}"
)

// binaryLaneHandler provisions a dedicated cloud machine per server,
// then bootstraps the game over ssh once the machine reports active
type binaryLaneHandler struct {
	*baseHandler
	http *http.Client
}

func newBinaryLaneHandler(base *baseHandler) (Handler, error) {
	if base.meta.APIKey == "" {
		return nil, fmt.Errorf("provider metadata is missing api key")
	}
	if base.meta.SSHKey == "" {
		return nil, fmt.Errorf("provider metadata is missing ssh key")
	}
	return &binaryLaneHandler{
		baseHandler: base,
		http: &http.Client{
			Timeout: time.Second * 30,
		},
	}, nil
}

type binaryLaneServer struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Networks struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

func (h *binaryLaneHandler) CreateInstance(ctx context.Context, srv *server.Server) error {
	if err := h.prepare(ctx, srv); err != nil {
		return err
	}

	name := resourceName(srv)
	created, err := h.createMachine(ctx, name)
	if err != nil {
		h.cleanup(ctx, srv)
		return extErrors.Wrap(err, "Cannot create machine")
	}

	machine, err := h.waitActive(ctx, created.ID)
	if err != nil {
		h.destroyMachine(ctx, created.ID)
		h.cleanup(ctx, srv)
		return err
	}

	ip := publicV4(machine)
	if ip == "" {
		h.destroyMachine(ctx, created.ID)
		h.cleanup(ctx, srv)
		return fmt.Errorf("machine %d has no public address", created.ID)
	}
	srv.IP = ip

	if err := h.bootstrap(ctx, srv); err != nil {
		h.destroyMachine(ctx, created.ID)
		h.cleanup(ctx, srv)
		return extErrors.Wrap(err, "Cannot bootstrap machine")
	}

	h.logger.Info("Machine provisioned",
		zap.String("ServerID", srv.ID),
		zap.Int64("MachineID", created.ID),
		zap.String("IP", ip),
	)
	return nil
}

func (h *binaryLaneHandler) DestroyInstance(ctx context.Context, srv *server.Server) error {
	machine, err := h.findByName(ctx, resourceName(srv))
	if err != nil {
		return err
	}
	if machine == nil {
		h.logger.Warn("Machine already absent",
			zap.String("ServerID", srv.ID),
		)
		h.releasePort(ctx, srv)
		return nil
	}
	if err := h.deleteMachine(ctx, machine.ID); err != nil {
		return extErrors.Wrap(err, "Cannot delete machine")
	}
	h.releasePort(ctx, srv)
	return nil
}

func (h *binaryLaneHandler) createMachine(ctx context.Context, name string) (*binaryLaneServer, error) {
	body, err := json.Marshal(map[string]interface{}{
		"name":   name,
		"size":   h.meta.MachineSize,
		"image":  h.meta.MachineImage,
		"region": h.meta.MachineRegion,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Server binaryLaneServer `json:"server"`
	}
	if err := h.do(ctx, http.MethodPost, "/servers", bytes.NewReader(body), &result); err != nil {
		return nil, err
	}
	return &result.Server, nil
}

func (h *binaryLaneHandler) getMachine(ctx context.Context, id int64) (*binaryLaneServer, error) {
	var result struct {
		Server binaryLaneServer `json:"server"`
	}
	if err := h.do(ctx, http.MethodGet, "/servers/"+strconv.FormatInt(id, 10), nil, &result); err != nil {
		return nil, err
	}
	return &result.Server, nil
}

func (h *binaryLaneHandler) findByName(ctx context.Context, name string) (*binaryLaneServer, error) {
	var result struct {
		Servers []binaryLaneServer `json:"servers"`
	}
	if err := h.do(ctx, http.MethodGet, "/servers?hostname="+name, nil, &result); err != nil {
		return nil, extErrors.Wrap(err, "Cannot list machines")
	}
	for i := range result.Servers {
		if result.Servers[i].Name == name {
			return &result.Servers[i], nil
		}
	}
	return nil, nil
}

func (h *binaryLaneHandler) deleteMachine(ctx context.Context, id int64) error {
	return h.do(ctx, http.MethodDelete, "/servers/"+strconv.FormatInt(id, 10), nil, nil)
}

// destroyMachine is the best-effort variant used while unwinding a
// failed provision
func (h *binaryLaneHandler) destroyMachine(ctx context.Context, id int64) {
	if err := h.deleteMachine(ctx, id); err != nil {
		h.logger.Warn("Cannot delete machine during cleanup",
			zap.Int64("MachineID", id),
			zap.Error(err),
		)
	}
}

func (h *binaryLaneHandler) waitActive(ctx context.Context, id int64) (*binaryLaneServer, error) {
	for i := 0; i < binaryLanePollMax; i++ {
		machine, err := h.getMachine(ctx, id)
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot poll machine status")
		}
		switch machine.Status {
		case "active":
			return machine, nil
		case "archive", "failed":
			return nil, fmt.Errorf("machine %d entered status %q", id, machine.Status)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(binaryLanePollInterval):
		}
	}
	return nil, fmt.Errorf("machine %d did not become active", id)
}

func (h *binaryLaneHandler) bootstrap(ctx context.Context, srv *server.Server) error {
	signer, err := ssh.ParsePrivateKey([]byte(h.meta.SSHKey))
	if err != nil {
		return extErrors.Wrap(err, "Cannot parse ssh key")
	}

	script := h.meta.StartupScript
	if script == "" {
		script = defaultStartupScript
	}
	rendered := util.RenderString(script, map[string]interface{}{
		"image":         srv.Image,
		"args":          h.args(srv),
		"gitRepository": srv.Data.GitRepository,
		"gitDeployKey":  srv.Data.GitDeployKey,
	})

	config := &ssh.ClientConfig{
		User: "root",
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         binaryLaneSSHTimeout,
	}

	addr := net.JoinHostPort(srv.IP, strconv.Itoa(binaryLaneSSHPort))
	var client *ssh.Client
	// sshd may lag behind the machine turning active
	for i := 0; i < 10; i++ {
		client, err = ssh.Dial("tcp", addr, config)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(binaryLanePollInterval):
		}
	}
	if err != nil {
		return extErrors.Wrap(err, "Cannot reach sshd")
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return extErrors.Wrap(err, "Cannot open ssh session")
	}
	defer session.Close()

	if out, err := session.CombinedOutput(rendered); err != nil {
		return extErrors.Wrapf(err, "Startup script failed: %s", string(out))
	}
	return nil
}

func (h *binaryLaneHandler) do(ctx context.Context, method, path string, body *bytes.Reader, result interface{}) error {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, binaryLaneEndpoint+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, binaryLaneEndpoint+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+h.meta.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d from %s %s", resp.StatusCode, method, path)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return extErrors.Wrap(err, "Cannot decode response")
		}
	}
	return nil
}

func publicV4(machine *binaryLaneServer) string {
	for _, v4 := range machine.Networks.V4 {
		if v4.Type == "public" {
			return v4.IPAddress
		}
	}
	return ""
}
