package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/zllovesuki/lighthouse/game"
	"github.com/zllovesuki/lighthouse/probe"
	"github.com/zllovesuki/lighthouse/server"

	"go.uber.org/zap"
)

const (
	// bounded retry budget for discovering the relay-assigned endpoint
	// during initial setup
	sdrDiscoveryAttempts = 3
	sdrDiscoveryInterval = time.Second * 5

	defaultMonitorInterval = time.Second * 30
)

// sdrPattern matches the relay address line of a source server's status
// output, e.g. "udp/ip  : 169.254.10.1:27015"
var sdrPattern = regexp.MustCompile(`udp/ip\s*:\s*([0-9.]+):(\d+)`)

// MonitorOptions contains the dependencies for constructing a Monitor
type MonitorOptions struct {
	Controller *Controller
	Servers    ServerStore
	Games      GameRegistry
	Prober     probe.Prober
	Console    probe.ConsoleDialer
	Logger     *zap.Logger
	// Interval defaults to 30 seconds
	Interval time.Duration
}

// Monitor drives servers between occupancy states based on probe results
// and reclaims servers whose deadline passed. Each sweep fans out one
// goroutine per server; per-server writes go through the store's guarded
// update, so overlapping sweeps cannot clobber each other.
type Monitor struct {
	MonitorOptions
}

func NewMonitor(option MonitorOptions) (*Monitor, error) {
	if option.Controller == nil {
		return nil, fmt.Errorf("nil Controller is invalid")
	}
	if option.Servers == nil {
		return nil, fmt.Errorf("nil ServerStore is invalid")
	}
	if option.Games == nil {
		return nil, fmt.Errorf("nil GameRegistry is invalid")
	}
	if option.Prober == nil {
		return nil, fmt.Errorf("nil Prober is invalid")
	}
	if option.Console == nil {
		return nil, fmt.Errorf("nil ConsoleDialer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Interval <= 0 {
		option.Interval = defaultMonitorInterval
	}
	return &Monitor{
		MonitorOptions: option,
	}, nil
}

// Run blocks until the context is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one round of all three sweeps
func (m *Monitor) Tick(ctx context.Context) {
	m.heartbeatSweep(ctx)
	m.occupancySweep(ctx)
	m.expirySweep(ctx)
}

// heartbeatSweep probes WAITING servers for their first sign of life
func (m *Monitor) heartbeatSweep(ctx context.Context) {
	servers, err := m.Servers.List(ctx, server.ListOption{
		Statuses: []server.Status{server.StatusWaiting},
	})
	if err != nil {
		m.Logger.Error("Cannot list waiting servers",
			zap.Error(err),
		)
		return
	}
	for i := range servers {
		go m.heartbeat(ctx, servers[i])
	}
}

func (m *Monitor) heartbeat(ctx context.Context, srv server.Server) {
	logger := m.Logger.With(
		zap.String("ServerID", srv.ID),
		zap.String("Game", srv.Game),
	)
	g, err := m.Games.GetBySlug(ctx, srv.Game)
	if err != nil || g == nil {
		logger.Error("Cannot look up game for heartbeat",
			zap.Error(err),
		)
		return
	}
	if _, err := m.Prober.Probe(ctx, srv.IP, srv.Port, g.QueryType); err != nil {
		// not up yet, keep waiting until the deadline reclaims it
		logger.Debug("Heartbeat probe failed",
			zap.Error(err),
		)
		m.stampDeadline(ctx, srv.ID, srv.Data.CloseIdleTime)
		return
	}

	settingUp, err := m.Controller.transition(ctx, srv.ID, server.StatusSettingUp, nil)
	if err != nil || settingUp == nil {
		return
	}

	if err := m.runInitialSetup(ctx, settingUp); err != nil {
		// remains in SETTING_UP and expires on the frozen deadline
		logger.Error("Initial setup failed",
			zap.Error(err),
		)
		m.stampDeadline(ctx, srv.ID, srv.Data.CloseIdleTime)
		return
	}

	if _, err := m.Controller.transition(ctx, srv.ID, server.StatusIdle, func(desired *server.Server) {
		desired.Data = settingUp.Data
		desired.CloseAt = nil
	}); err != nil {
		logger.Error("Cannot transition server to idle",
			zap.Error(err),
		)
		return
	}
	logger.Info("Server is up")
}

// runInitialSetup performs the game-specific post-provisioning steps over
// the administrative console: relay endpoint discovery, map change, and
// config execution. Games without console support skip all of it.
func (m *Monitor) runInitialSetup(ctx context.Context, srv *server.Server) error {
	profile, ok := game.GetProfile(srv.Game)
	if !ok || !profile.SupportsRcon || srv.Data.RconPassword == "" {
		return nil
	}

	console, err := m.Console.Dial(ctx, srv.IP, srv.Port, srv.Data.RconPassword)
	if err != nil {
		return err
	}
	defer console.Close()

	if srv.Data.SdrEnable {
		if err := m.discoverRelayEndpoint(ctx, console, srv); err != nil {
			return err
		}
	}

	if srv.Data.Map != "" {
		if _, err := console.Send(ctx, "changelevel "+srv.Data.Map); err != nil {
			return err
		}
	}
	if srv.Data.Config != "" {
		if _, err := console.Send(ctx, "exec "+srv.Data.Config); err != nil {
			return err
		}
	}
	return nil
}

// discoverRelayEndpoint polls the console status output until the relay
// network assigns a public address. The assignment usually lands within
// seconds of the server coming up.
func (m *Monitor) discoverRelayEndpoint(ctx context.Context, console probe.Console, srv *server.Server) error {
	for attempt := 0; attempt < sdrDiscoveryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sdrDiscoveryInterval):
			}
		}
		out, err := console.Send(ctx, "status")
		if err != nil {
			return err
		}
		matches := sdrPattern.FindStringSubmatch(out)
		if matches == nil {
			continue
		}
		port, err := strconv.Atoi(matches[2])
		if err != nil {
			continue
		}
		srv.Data.SdrIP = matches[1]
		srv.Data.SdrPort = port
		if srv.TvPort != 0 {
			srv.Data.SdrTvPort = port + 1
		}
		return nil
	}
	return fmt.Errorf("relay endpoint was not assigned after %d attempts", sdrDiscoveryAttempts)
}

// occupancySweep moves settled servers between IDLE/RUNNING/UNKNOWN
func (m *Monitor) occupancySweep(ctx context.Context) {
	servers, err := m.Servers.List(ctx, server.ListOption{
		Statuses: []server.Status{server.StatusUnknown, server.StatusIdle, server.StatusRunning},
	})
	if err != nil {
		m.Logger.Error("Cannot list settled servers",
			zap.Error(err),
		)
		return
	}
	for i := range servers {
		go m.occupancy(ctx, servers[i])
	}
}

func (m *Monitor) occupancy(ctx context.Context, srv server.Server) {
	g, err := m.Games.GetBySlug(ctx, srv.Game)
	if err != nil || g == nil {
		m.Logger.Error("Cannot look up game for occupancy probe",
			zap.String("ServerID", srv.ID),
			zap.Error(err),
		)
		return
	}
	result, err := m.Prober.Probe(ctx, srv.IP, srv.Port, g.QueryType)
	switch {
	case err != nil:
		// unreachable counts as presumptively idle
		m.settle(ctx, srv.ID, server.StatusUnknown, srv.Data.CloseIdleTime)
	case result.PlayerCount < srv.Data.CloseMinPlayers:
		m.settle(ctx, srv.ID, server.StatusIdle, srv.Data.CloseIdleTime)
	default:
		m.settle(ctx, srv.ID, server.StatusRunning, 0)
	}
}

// settle writes the occupancy outcome. A server already in the target
// status only has its deadline adjusted; the deadline is stamped when
// unset and left alone otherwise, so a running reclamation timer is never
// pushed back by repeated idle observations. idleSeconds of zero clears
// the deadline. A tick that observes no change writes nothing and stays
// silent: only an actual transition reaches the notifier.
func (m *Monitor) settle(ctx context.Context, id string, to server.Status, idleSeconds int) {
	deadline := time.Now().Add(time.Duration(idleSeconds) * time.Second)
	var transitioned bool
	updated, err := m.Servers.LambdaUpdate(ctx, id, func(current *server.Server, desired *server.Server) bool {
		transitioned = false
		if current == nil {
			return false
		}
		if current.Status != to {
			if !server.CanTransition(current.Status, to) {
				return false
			}
			desired.Status = to
			transitioned = true
		}
		switch {
		case idleSeconds <= 0 && current.CloseAt != nil:
			desired.CloseAt = nil
		case idleSeconds > 0 && current.CloseAt == nil:
			desired.CloseAt = &deadline
		default:
			return transitioned
		}
		return true
	})
	if err != nil {
		m.Logger.Error("Cannot record occupancy outcome",
			zap.String("ServerID", id),
			zap.Error(err),
		)
		return
	}
	if updated != nil && transitioned {
		m.Controller.Notifier.Notify(ctx, updated, nil)
	}
}

// stampDeadline sets the reclamation deadline when none is pending
func (m *Monitor) stampDeadline(ctx context.Context, id string, idleSeconds int) {
	deadline := time.Now().Add(time.Duration(idleSeconds) * time.Second)
	if _, err := m.Servers.LambdaUpdate(ctx, id, func(current *server.Server, desired *server.Server) bool {
		if current == nil || !current.Status.Expirable() {
			return false
		}
		if current.CloseAt != nil {
			return false
		}
		desired.CloseAt = &deadline
		return true
	}); err != nil {
		m.Logger.Error("Cannot stamp deadline",
			zap.String("ServerID", id),
			zap.Error(err),
		)
	}
}

// expirySweep reclaims servers whose deadline passed. The guarded
// transition to CLOSING commits for exactly one sweep, so teardown is
// scheduled once even when ticks overlap.
func (m *Monitor) expirySweep(ctx context.Context) {
	servers, err := m.Servers.List(ctx, server.ListOption{
		Statuses: []server.Status{server.StatusUnknown, server.StatusIdle, server.StatusWaiting, server.StatusSettingUp},
	})
	if err != nil {
		m.Logger.Error("Cannot list expirable servers",
			zap.Error(err),
		)
		return
	}
	now := time.Now()
	for i := range servers {
		srv := servers[i]
		if srv.CloseAt == nil || now.Before(*srv.CloseAt) {
			continue
		}
		go m.expire(ctx, srv)
	}
}

func (m *Monitor) expire(ctx context.Context, srv server.Server) {
	closing, err := m.Controller.transition(ctx, srv.ID, server.StatusClosing, nil)
	if err != nil {
		m.Logger.Error("Cannot transition server to closing",
			zap.String("ServerID", srv.ID),
			zap.Error(err),
		)
		return
	}
	if closing == nil {
		// another writer moved it first
		return
	}
	m.Logger.Info("Reclaiming expired server",
		zap.String("ServerID", srv.ID),
		zap.Time("CloseAt", *srv.CloseAt),
	)
	m.Controller.Process(ctx, srv.ID)
}
