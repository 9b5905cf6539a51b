package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/basket/naia/internal/config"
	"github.com/basket/naia/internal/proc"
	"github.com/basket/naia/internal/resolve"
	"github.com/basket/naia/internal/telemetry"
)

// Paths are the resolved inputs shared by the gateway and node host launch lines.
type Paths struct {
	Node     string
	OpenClaw string
	Config   string
}

// Launcher resolves and starts the OpenClaw children.
type Launcher interface {
	Resolve(ctx context.Context) (Paths, error)
	StartGateway(p Paths) (*proc.Process, error)
	StartNodeHost(p Paths) (*proc.Process, error)
}

// OpenClawLauncher runs the OpenClaw CLI under the resolved Node runtime,
// sending each child's output to its own file under <home>/logs.
type OpenClawLauncher struct {
	Env     resolve.Env
	Gateway config.GatewayConfig
	HomeDir string
	Logger  *slog.Logger
}

func (l OpenClawLauncher) Resolve(ctx context.Context) (Paths, error) {
	node, err := l.Env.NodeBinary(ctx, l.Gateway.MinNodeMajor)
	if err != nil {
		return Paths{}, err
	}
	bin, err := l.Env.OpenClawBin(l.Gateway.OpenClawBin)
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		Node:     node,
		OpenClaw: bin,
		Config:   l.Env.OpenClawConfig(l.Gateway.ConfigPath),
	}, nil
}

// GatewayArgs is the gateway launch line after the node binary.
func (l OpenClawLauncher) GatewayArgs(p Paths) []string {
	return []string{p.OpenClaw, "gateway", "run", "--bind", "loopback", "--port", strconv.Itoa(l.Gateway.Port)}
}

// NodeHostArgs is the node host launch line after the node binary.
func (l OpenClawLauncher) NodeHostArgs(p Paths) []string {
	return []string{p.OpenClaw, "node", "run",
		"--host", l.Gateway.Host,
		"--port", strconv.Itoa(l.Gateway.Port),
		"--display-name", l.Gateway.DisplayName,
	}
}

func (l OpenClawLauncher) StartGateway(p Paths) (*proc.Process, error) {
	return l.start("gateway", p, l.GatewayArgs(p))
}

func (l OpenClawLauncher) StartNodeHost(p Paths) (*proc.Process, error) {
	return l.start("node-host", p, l.NodeHostArgs(p))
}

func (l OpenClawLauncher) start(component string, p Paths, args []string) (*proc.Process, error) {
	cmd := proc.Command{
		Name: p.Node,
		Args: args,
		Env:  []string{"OPENCLAW_CONFIG_PATH=" + p.Config},
	}
	logFile, err := telemetry.OpenComponentLog(l.HomeDir, component)
	if err != nil {
		l.logger().Warn("component log unavailable, inheriting output", "component", component, "error", err)
		cmd.Stdout = os.Stdout
	} else {
		// The child keeps its own descriptor.
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	l.logger().Info("spawning "+component, "command", cmd.String())
	child, err := proc.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", component, err)
	}
	l.logger().Info(component+" process spawned", "pid", child.Pid())
	return child, nil
}

func (l OpenClawLauncher) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
