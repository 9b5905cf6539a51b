package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/naia/internal/app"
	"github.com/basket/naia/internal/config"
)

func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: naia status [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.UIBindAddr)
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	healthURL := "http://" + addr + "/healthz"

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: naia shell not reachable at %s: %v\n", addr, err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "status: %s: %s\n", resp.Status, strings.TrimSpace(string(body)))
		return 1
	}
	if jsonOutput {
		_, _ = out.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = out.Write([]byte("\n"))
		}
		return 0
	}

	var st app.Status
	if err := json.Unmarshal(body, &st); err != nil {
		fmt.Fprintf(os.Stderr, "status: decode: %v\n", err)
		return 1
	}
	printStatus(out, addr, st)
	return 0
}

func printStatus(w io.Writer, addr string, st app.Status) {
	fmt.Fprintln(w, titleStyle.Render("Naia shell")+" "+dimStyle.Render(addr))

	agent := yesNo(st.Agent.Running, "running", "not running")
	if st.Agent.Pid != 0 {
		agent += dimStyle.Render(fmt.Sprintf(" (pid %d)", st.Agent.Pid))
	}
	fmt.Fprintln(w, labelStyle.Render("agent")+agent)

	gw := yesNo(st.Gateway.Running, "running", "not running")
	switch {
	case st.Gateway.Running && st.Gateway.Managed:
		gw += dimStyle.Render(" (managed)")
	case st.Gateway.Running:
		gw += dimStyle.Render(" (external)")
	}
	fmt.Fprintln(w, labelStyle.Render("gateway")+gw)
	fmt.Fprintln(w, labelStyle.Render("node host")+yesNo(st.Gateway.NodeHost, "running", "not running"))

	monitor := yesNo(st.MonitorRunning, "running", "stopped")
	if st.MonitorRunning && st.MonitorFailures > 0 {
		monitor += warnStyle.Render(fmt.Sprintf(" (%d consecutive failures)", st.MonitorFailures))
	}
	fmt.Fprintln(w, labelStyle.Render("health monitor")+monitor)
	fmt.Fprintln(w, labelStyle.Render("config")+dimStyle.Render(st.Fingerprint))
}
