package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/basket/naia/internal/bus"
)

// errLineTooLong marks a stdout record that exceeded maxLineBytes. The
// record is consumed and dropped so the relay keeps reading.
var errLineTooLong = errors.New("agent line too long")

// relay forwards JSON-looking lines from the child's stdout until EOF or a
// read error. It never writes to the child.
func (s *Supervisor) relay(h *Handle, stdout io.ReadCloser) {
	defer stdout.Close()
	pid := h.Pid()

	r := bufio.NewReaderSize(stdout, 64*1024)
	for {
		raw, err := readLine(r, maxLineBytes)
		if errors.Is(err, errLineTooLong) {
			s.logger.Warn("dropped oversized agent line", "pid", pid, "limit", maxLineBytes)
			continue
		}
		s.forward(raw)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("error reading agent stdout", "pid", pid, "error", err)
			}
			break
		}
	}
	s.logger.Info("agent-core stdout reader ended", "pid", pid)

	// A replaced child must not overwrite the status its successor published.
	s.guard.With(func(cur **Handle) {
		if *cur == h || *cur == nil {
			s.publishStatus(bus.AgentStatus{Running: false, Pid: pid, Reason: "stdout closed"})
		}
	})
}

func (s *Supervisor) forward(raw []byte) {
	line := strings.TrimSpace(string(raw))
	if line == "" || !strings.HasPrefix(line, "{") {
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(line), &parsed); err == nil {
		if s.audit != nil {
			s.audit.MaybeLogEvent(parsed)
		}
		if s.debug.Load() {
			s.debugInbound(parsed)
		}
	}
	if s.pub != nil {
		s.pub.Publish(bus.TopicAgentResponse, line)
	}
}

// readLine returns the next newline-terminated record from r. A record longer
// than limit is read to its end and reported as errLineTooLong. At EOF or on a
// read error the partial record is returned together with the error.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > limit+1 {
				oversized, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil:
			return line, err
		case oversized:
			return nil, errLineTooLong
		default:
			return line, nil
		}
	}
}

func (s *Supervisor) debugInbound(msg map[string]any) {
	switch str(msg, "type") {
	case "tool_use":
		s.logger.Info("[E2E-DEBUG] agent_response tool_use", "tool", str(msg, "toolName"))
	case "tool_result":
		success, _ := msg["success"].(bool)
		s.logger.Info("[E2E-DEBUG] agent_response tool_result",
			"tool", str(msg, "toolName"),
			"success", success,
			"output_head", head(str(msg, "output"), 120),
		)
	case "error":
		s.logger.Info("[E2E-DEBUG] agent_response error", "msg", str(msg, "message"))
	}
}

// inspectOutbound audits approval decisions and, in debug mode, summarizes
// chat requests. Unparseable messages are still sent.
func (s *Supervisor) inspectOutbound(message string) {
	if s.audit == nil && !s.debug.Load() {
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(message), &parsed); err != nil {
		return
	}
	if s.audit != nil {
		s.audit.LogApprovalDecision(parsed)
	}
	if s.debug.Load() && str(parsed, "type") == "chat_request" {
		disabled, _ := parsed["disabledSkills"].([]any)
		s.logger.Info("[E2E-DEBUG] send_to_agent chat_request",
			"request_id", str(parsed, "requestId"),
			"provider", providerOf(parsed),
			"enable_tools", parsed["enableTools"] == true,
			"has_gateway_url", str(parsed, "gatewayUrl") != "",
			"gateway_auth_present", str(parsed, "gatewayToken") != "",
			"disabled_skills", len(disabled),
		)
	}
}

func providerOf(msg map[string]any) string {
	if p, ok := msg["provider"].(map[string]any); ok {
		return str(p, "provider")
	}
	return str(msg, "provider")
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
