package flutterbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shaharia-lab/flutterbridge/discovery"
	"github.com/shaharia-lab/flutterbridge/history"
	"github.com/shaharia-lab/flutterbridge/observability"
	"github.com/shaharia-lab/flutterbridge/vmservice"
)

// ToolsConfig tunes the Flutter tools.
type ToolsConfig struct {
	// Host is scanned by list_instances and by connect's discovery mode.
	Host         string
	PortStart    int
	PortEnd      int
	ProbeTimeout time.Duration
	// ProcessScan adds listening ports of ProcessNames to every scan.
	ProcessScan  bool
	ProcessNames []string
	// History, when set, remembers discovered instances and replays them as
	// extra candidates on every scan.
	History history.Storage
	// Slot is the ConnectionManager slot the tools operate on.
	Slot   string
	Logger observability.Logger
}

// historyReplayLimit bounds the remembered endpoints added to one scan.
const historyReplayLimit = 32

// DefaultToolsConfig scans the flutter run port range on loopback.
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		Host:         discovery.DefaultHost,
		PortStart:    8080,
		PortEnd:      8200,
		ProbeTimeout: discovery.DefaultProbeTimeout,
		ProcessNames: discovery.DefaultProcessNames,
		Slot:         DefaultConnection,
		Logger:       observability.NewNullLogger(),
	}
}

type flutterTools struct {
	mgr        *ConnectionManager
	discoverer *discovery.Discoverer
	cfg        ToolsConfig
}

// FlutterTools returns the tools that discover, connect to and query running
// Flutter applications.
func FlutterTools(mgr *ConnectionManager, d *discovery.Discoverer, cfg ToolsConfig) []Tool {
	if cfg.Slot == "" {
		cfg.Slot = DefaultConnection
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNullLogger()
	}
	t := &flutterTools{mgr: mgr, discoverer: d, cfg: cfg}

	tools := []Tool{
		{
			Name: "list_instances",
			Description: "Discover running Flutter applications by probing VM service ports. " +
				"Example: list_instances(port_start=8080, port_end=8200, timeout_ms=500)",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"port_start": {"type": "integer", "minimum": 1024, "maximum": 65535, "description": "First port to scan"},
					"port_end": {"type": "integer", "minimum": 1024, "maximum": 65535, "description": "Last port to scan"},
					"timeout_ms": {"type": "integer", "minimum": 100, "maximum": 5000, "description": "Probe timeout per port"}
				}
			}`),
			Handler: t.listInstances,
		},
		{
			Name: "connect",
			Description: "Connect to a Flutter application via the VM service protocol. " +
				"Without uri the running applications are discovered and filtered by project_name, port or instance_index.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"uri": {"type": "string", "description": "VM service WebSocket URI, e.g. ws://127.0.0.1:8181/ws"},
					"auth_token": {"type": "string", "description": "VM service authentication token"},
					"port": {"type": "integer", "minimum": 1024, "maximum": 65535},
					"project_name": {"type": "string"},
					"instance_index": {"type": "integer", "minimum": 0, "default": 0}
				}
			}`),
			Handler: t.connect,
		},
		{
			Name:        "disconnect",
			Description: "Disconnect from the current Flutter application.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler:     t.disconnect,
		},
		{
			Name:        "vm_info",
			Description: "Describe the VM and isolates of the connected Flutter application.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler:     t.vmInfo,
		},
		{
			Name: "stream_listen",
			Description: "Subscribe to a VM service stream (Extension, Logging, Isolate, ...). " +
				"Events are forwarded as log notifications.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"stream_id": {"type": "string", "minLength": 1}
				},
				"required": ["stream_id"]
			}`),
			Handler: t.streamListen,
		},
		{
			Name:        "call_extension",
			Description: "Call a service extension (ext.*) on the main isolate and return its raw result.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"method": {"type": "string", "pattern": "^ext\\."},
					"params": {"type": "object"}
				},
				"required": ["method"]
			}`),
			Handler: t.callExtension,
		},
	}
	if cfg.History != nil {
		tools = append(tools, Tool{
			Name:        "recent_instances",
			Description: "List Flutter applications seen by earlier scans, most recent first.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "minimum": 1, "maximum": 100, "default": 20}
				}
			}`),
			Handler: t.recentInstances,
		})
	}
	return tools
}

type toolResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func textResult(resp toolResponse) (CallToolResult, error) {
	out, err := json.Marshal(resp)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return CallToolResult{
		IsError: !resp.Success,
		Content: []ToolResultContent{{Type: "text", Text: string(out)}},
	}, nil
}

func success(data interface{}, message string) (CallToolResult, error) {
	return textResult(toolResponse{Success: true, Data: data, Message: message})
}

func failure(format string, args ...interface{}) (CallToolResult, error) {
	return textResult(toolResponse{Error: fmt.Sprintf(format, args...)})
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (t *flutterTools) scan(ctx context.Context, start, end int, timeout time.Duration) ([]discovery.Instance, error) {
	candidates, err := discovery.PortRange(t.cfg.Host, start, end)
	if err != nil {
		return nil, err
	}
	if t.cfg.ProcessScan {
		listening, lerr := discovery.ListeningEndpoints(ctx, t.cfg.ProcessNames)
		if lerr != nil {
			t.cfg.Logger.WithErr(lerr).Warn("Process scan failed, using the port range only")
		} else {
			candidates = append(candidates, listening...)
		}
	}
	if t.cfg.History != nil {
		recent, herr := t.cfg.History.Recent(ctx, historyReplayLimit)
		if herr != nil {
			t.cfg.Logger.WithErr(herr).Warn("Failed to read instance history")
		} else {
			candidates = append(candidates, history.Endpoints(recent)...)
		}
	}

	instances, err := t.discoverer.Discover(ctx, candidates, timeout)
	if err != nil {
		return nil, err
	}
	if t.cfg.History != nil {
		if herr := t.cfg.History.Record(ctx, instances); herr != nil {
			t.cfg.Logger.WithErr(herr).Warn("Failed to record discovered instances")
		}
	}
	return instances, nil
}

func (t *flutterTools) listInstances(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	args := struct {
		PortStart int `json:"port_start"`
		PortEnd   int `json:"port_end"`
		TimeoutMS int `json:"timeout_ms"`
	}{
		PortStart: t.cfg.PortStart,
		PortEnd:   t.cfg.PortEnd,
		TimeoutMS: int(t.cfg.ProbeTimeout / time.Millisecond),
	}
	if err := decodeArgs(params.Arguments, &args); err != nil {
		return failure("%v", err)
	}
	if args.PortStart > args.PortEnd {
		return failure("Invalid port range: port_start (%d) must be less than or equal to port_end (%d).", args.PortStart, args.PortEnd)
	}
	if args.TimeoutMS < 100 || args.TimeoutMS > 5000 {
		return failure("Invalid timeout_ms: %d. Must be between 100 and 5000.", args.TimeoutMS)
	}

	t.cfg.Logger.WithFields(map[string]interface{}{
		"portStart": args.PortStart,
		"portEnd":   args.PortEnd,
		"timeoutMs": args.TimeoutMS,
	}).Info("Discovering Flutter instances")

	instances, err := t.scan(ctx, args.PortStart, args.PortEnd, time.Duration(args.TimeoutMS)*time.Millisecond)
	if err != nil {
		return failure("Failed to discover Flutter instances: %v", err)
	}

	data := map[string]interface{}{
		"instances": instances,
		"count":     len(instances),
		"scan_params": map[string]int{
			"port_start":    args.PortStart,
			"port_end":      args.PortEnd,
			"timeout_ms":    args.TimeoutMS,
			"ports_scanned": args.PortEnd - args.PortStart + 1,
		},
	}
	if len(instances) == 0 {
		return success(data, "No running Flutter instances found. Start a Flutter app with 'flutter run'.")
	}
	return success(data, fmt.Sprintf("%d Flutter instance(s) discovered. Use connect(uri='<instance_uri>') to connect to an instance.", len(instances)))
}

func (t *flutterTools) connect(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var args struct {
		URI           string  `json:"uri"`
		AuthToken     string  `json:"auth_token"`
		Port          *int    `json:"port"`
		ProjectName   *string `json:"project_name"`
		InstanceIndex int     `json:"instance_index"`
	}
	if err := decodeArgs(params.Arguments, &args); err != nil {
		return failure("%v", err)
	}

	uri := args.URI
	if uri == "" {
		instances, err := t.scan(ctx, t.cfg.PortStart, t.cfg.PortEnd, t.cfg.ProbeTimeout)
		if err != nil {
			return failure("Failed to discover Flutter instances: %v", err)
		}
		inst, msg := selectInstance(instances, args.ProjectName, args.Port, args.InstanceIndex)
		if inst == nil {
			return failure("%s", msg)
		}
		uri = inst.URI
	}

	client, reused, err := t.mgr.Ensure(ctx, t.cfg.Slot, uri, args.AuthToken)
	if err != nil {
		return failure("Failed to connect to %s: %v", uri, err)
	}

	vm, err := vmservice.GetVM(ctx, client)
	if err != nil {
		return failure("Connected to %s but the VM query failed: %v", uri, err)
	}
	mainIsolate, err := vmservice.MainIsolateID(ctx, client)
	if err != nil {
		t.cfg.Logger.WithErr(err).Warn("No main isolate found")
	}

	data := map[string]interface{}{
		"uri":             uri,
		"connected":       true,
		"vm_name":         vm.Name,
		"vm_version":      vm.Version,
		"main_isolate_id": mainIsolate,
		"isolate_count":   len(vm.Isolates),
	}
	if reused {
		data["already_connected"] = true
		return success(data, "Already connected to Flutter app")
	}
	return success(data, "Successfully connected to Flutter app")
}

// selectInstance applies connect's discovery filters in order: project name,
// then port, then index. The message explains a miss.
func selectInstance(instances []discovery.Instance, projectName *string, port *int, index int) (*discovery.Instance, string) {
	if len(instances) == 0 {
		return nil, "No running Flutter instances found. Start a Flutter app with 'flutter run' or pass uri."
	}
	switch {
	case projectName != nil:
		names := make([]string, 0, len(instances))
		for i := range instances {
			if instances[i].ProjectName == *projectName {
				return &instances[i], ""
			}
			names = append(names, "'"+instances[i].ProjectName+"'")
		}
		return nil, fmt.Sprintf("No instance found with project name: %s. Available projects: %s", *projectName, strings.Join(names, ", "))
	case port != nil:
		for i := range instances {
			if instances[i].Port == *port {
				return &instances[i], ""
			}
		}
		return nil, fmt.Sprintf("No instance found on port: %d", *port)
	default:
		if index < 0 || index >= len(instances) {
			return nil, fmt.Sprintf("Invalid instance index: %d (found %d instance(s))", index, len(instances))
		}
		return &instances[index], ""
	}
}

func (t *flutterTools) disconnect(_ context.Context, _ CallToolParams) (CallToolResult, error) {
	wasConnected, err := t.mgr.Release(t.cfg.Slot)
	if err != nil {
		return failure("Failed to disconnect: %v", err)
	}
	if !wasConnected {
		return failure("Not connected to any Flutter instance")
	}
	return success(map[string]interface{}{"connected": false}, "Disconnected from Flutter app")
}

func (t *flutterTools) vmInfo(ctx context.Context, _ CallToolParams) (CallToolResult, error) {
	client, err := t.mgr.Get(t.cfg.Slot)
	if err != nil {
		return failure("%v. Use connect first.", err)
	}
	vm, err := vmservice.GetVM(ctx, client)
	if err != nil {
		return failure("Failed to query VM: %v", err)
	}
	return success(map[string]interface{}{
		"uri":                      client.Endpoint(),
		"name":                     vm.Name,
		"version":                  vm.Version,
		"operating_system_version": vm.OperatingSystemVersion,
		"target_cpu":               vm.TargetCPU,
		"host_cpu":                 vm.HostCPU,
		"pid":                      vm.PID,
		"isolates":                 vm.Isolates,
	}, "")
}

func (t *flutterTools) streamListen(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var args struct {
		StreamID string `json:"stream_id"`
	}
	if err := decodeArgs(params.Arguments, &args); err != nil {
		return failure("%v", err)
	}
	client, err := t.mgr.Get(t.cfg.Slot)
	if err != nil {
		return failure("%v. Use connect first.", err)
	}
	if err := vmservice.StreamListen(ctx, client, args.StreamID); err != nil {
		return failure("Failed to listen to stream %s: %v", args.StreamID, err)
	}
	return success(map[string]interface{}{"stream_id": args.StreamID}, "Listening to stream "+args.StreamID)
}

func (t *flutterTools) callExtension(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var args struct {
		Method string                 `json:"method"`
		Params map[string]interface{} `json:"params"`
	}
	if err := decodeArgs(params.Arguments, &args); err != nil {
		return failure("%v", err)
	}
	client, err := t.mgr.Get(t.cfg.Slot)
	if err != nil {
		return failure("%v. Use connect first.", err)
	}
	isolateID, err := vmservice.MainIsolateID(ctx, client)
	if err != nil {
		return failure("Failed to find the main isolate: %v", err)
	}
	raw, err := vmservice.CallExtension(ctx, client, isolateID, args.Method, args.Params)
	if err != nil {
		return failure("Extension %s failed: %v", args.Method, err)
	}
	return success(raw, "")
}

func (t *flutterTools) recentInstances(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	args := struct {
		Limit int `json:"limit"`
	}{Limit: 20}
	if err := decodeArgs(params.Arguments, &args); err != nil {
		return failure("%v", err)
	}
	records, err := t.cfg.History.Recent(ctx, args.Limit)
	if err != nil {
		return failure("Failed to read instance history: %v", err)
	}
	data := map[string]interface{}{"instances": records, "count": len(records)}
	if len(records) == 0 {
		return success(data, "No Flutter instances seen yet. Run list_instances first.")
	}
	return success(data, fmt.Sprintf("%d Flutter instance(s) seen before.", len(records)))
}

// ForwardEvents returns a sink that relays VM stream events to the tool client
// as notifications/message from the vm_service logger.
func ForwardEvents(s *BaseServer) vmservice.EventSink {
	return func(ev vmservice.Event) {
		s.LogMessage(LogLevelInfo, "vm_service", map[string]interface{}{
			"stream_id": ev.StreamID,
			"kind":      ev.Kind,
			"event":     ev.Event,
		})
	}
}
