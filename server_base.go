package flutterbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shaharia-lab/flutterbridge/jsonrpc"
	"github.com/shaharia-lab/flutterbridge/observability"
)

const (
	ProtocolVersion   = "2024-11-05"
	Version           = "0.1.0"
	defaultServerName = "flutterbridge"
	listToolsLimit    = 100
)

var ErrToolNotFound = errors.New("tool not found")

// ServerConfig holds all configuration for BaseServer
type ServerConfig struct {
	logger           observability.Logger
	protocolVersion  string
	serverName       string
	serverVersion    string
	minLogLevel      LogLevel
	capabilities     Capabilities
	sseServerAddress string
	dialect          jsonrpc.Dialect
}

// ServerConfigOption is a function that modifies ServerConfig
type ServerConfigOption func(*ServerConfig)

// UseLogger sets a custom logger
func UseLogger(logger observability.Logger) ServerConfigOption {
	return func(c *ServerConfig) {
		c.logger = logger
	}
}

// UseServerInfo sets server name and version
func UseServerInfo(name, version string) ServerConfigOption {
	return func(c *ServerConfig) {
		c.serverName = name
		c.serverVersion = version
	}
}

// UseLogLevel sets the minimum level forwarded as notifications/message.
func UseLogLevel(level LogLevel) ServerConfigOption {
	return func(c *ServerConfig) {
		c.minLogLevel = level
	}
}

func UseCapabilities(capabilities Capabilities) ServerConfigOption {
	return func(c *ServerConfig) {
		c.capabilities = capabilities
	}
}

func UseSSEServerAddress(address string) ServerConfigOption {
	return func(c *ServerConfig) {
		c.sseServerAddress = address
	}
}

// UseDialect sets the envelope version key spoken with the tool client.
func UseDialect(dialect jsonrpc.Dialect) ServerConfigOption {
	return func(c *ServerConfig) {
		c.dialect = dialect
	}
}

func defaultConfig() *ServerConfig {
	return &ServerConfig{
		logger:           observability.NewNullLogger(),
		protocolVersion:  ProtocolVersion,
		serverName:       defaultServerName,
		serverVersion:    Version,
		sseServerAddress: ":8080",
		minLogLevel:      LogLevelInfo,
		dialect:          jsonrpc.Default,
		capabilities: Capabilities{
			Logging: CapabilitiesLogging{},
			Tools: CapabilitiesTools{
				ListChanged: true,
			},
		},
	}
}

// BaseServer carries the tool-invocation protocol on top of a Dispatcher.
// Transports feed it frames through Handle and deliver what Notify emits.
type BaseServer struct {
	protocolVersion  string
	logger           observability.Logger
	ServerInfo       ServerInfo
	sseServerAddress string
	capabilities     Capabilities
	dialect          jsonrpc.Dialect
	dispatcher       *Dispatcher

	mu                 sync.RWMutex
	clientCapabilities map[string]any
	minLogLevel        LogLevel
	tools              map[string]Tool
	schemas            map[string]*gojsonschema.Schema
}

// NewBaseServer creates a new BaseServer instance with the given options
func NewBaseServer(opts ...ServerConfigOption) (*BaseServer, error) {
	cfg := defaultConfig()

	for _, opt := range opts {
		opt(cfg)
	}

	if _, ok := logLevelSeverity[cfg.minLogLevel]; !ok {
		return nil, fmt.Errorf("invalid log level: %s", cfg.minLogLevel)
	}

	s := &BaseServer{
		protocolVersion: cfg.protocolVersion,
		logger:          cfg.logger,
		ServerInfo: ServerInfo{
			Name:    cfg.serverName,
			Version: cfg.serverVersion,
		},
		sseServerAddress: cfg.sseServerAddress,
		capabilities:     cfg.capabilities,
		dialect:          cfg.dialect,
		minLogLevel:      cfg.minLogLevel,
		tools:            make(map[string]Tool),
		schemas:          make(map[string]*gojsonschema.Schema),
	}
	s.dispatcher = NewDispatcher(UseDispatcherLogger(cfg.logger), UseDispatcherDialect(cfg.dialect))
	s.registerMethods()

	return s, nil
}

func (s *BaseServer) registerMethods() {
	s.dispatcher.Register("initialize", s.handleInitialize)
	s.dispatcher.Register("ping", s.handlePing)
	s.dispatcher.Register("logging/setLevel", s.handleLoggingSetLevel)
	s.dispatcher.Register("tools/list", s.handleToolsList)
	s.dispatcher.Register("tools/call", s.handleToolsCall)
	s.dispatcher.Register("notifications/initialized", s.handleInitialized)
	s.dispatcher.Register("notifications/cancelled", s.handleCancelled)
}

// Dispatcher exposes the engine so callers can register extra methods.
func (s *BaseServer) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Handle processes one inbound frame. See Dispatcher.Handle.
func (s *BaseServer) Handle(ctx context.Context, frame []byte) []byte {
	return s.dispatcher.Handle(ctx, frame)
}

// AddTools registers tools. It fails on the first duplicate or invalid tool and
// leaves the tools before it registered.
func (s *BaseServer) AddTools(tools ...Tool) error {
	s.mu.Lock()
	for _, tool := range tools {
		if _, exists := s.tools[tool.Name]; exists {
			s.mu.Unlock()
			return fmt.Errorf("duplicate tool: %s", tool.Name)
		}

		schema, err := validateTool(tool)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("invalid tool: %w", err)
		}

		s.tools[tool.Name] = tool
		if schema != nil {
			s.schemas[tool.Name] = schema
		}
	}
	s.mu.Unlock()

	s.SendToolListChangedNotification()
	return nil
}

// RemoveTool unregisters a tool. It reports whether the tool existed.
func (s *BaseServer) RemoveTool(name string) bool {
	s.mu.Lock()
	_, exists := s.tools[name]
	delete(s.tools, name)
	delete(s.schemas, name)
	s.mu.Unlock()

	if exists {
		s.SendToolListChangedNotification()
	}
	return exists
}

func validateTool(tool Tool) (*gojsonschema.Schema, error) {
	if tool.Name == "" {
		return nil, fmt.Errorf("tool name cannot be empty")
	}
	if tool.Description == "" {
		return nil, fmt.Errorf("tool description cannot be empty")
	}
	if tool.Handler == nil {
		return nil, fmt.Errorf("tool %s has no handler", tool.Name)
	}
	if len(tool.InputSchema) == 0 {
		return nil, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid input schema for tool %s: %w", tool.Name, err)
	}
	return schema, nil
}

// SendToolListChangedNotification sends a notification that the tool list has changed.
func (s *BaseServer) SendToolListChangedNotification() {
	if s.dispatcher.State() != Initialized || !s.capabilities.Tools.ListChanged {
		return
	}
	s.notify("notifications/tools/list_changed", nil)
}

// LogMessage forwards data to the client as notifications/message unless level
// is below the minimum set by logging/setLevel.
func (s *BaseServer) LogMessage(level LogLevel, loggerName string, data interface{}) {
	s.mu.RLock()
	minLevel := s.minLogLevel
	s.mu.RUnlock()

	if logLevelSeverity[level] > logLevelSeverity[minLevel] {
		return
	}

	params := LogMessageParams{
		Level:  level,
		Logger: loggerName,
		Data:   data,
	}
	s.notify("notifications/message", params)
}

func (s *BaseServer) notify(method string, params interface{}) {
	if err := s.dispatcher.Notify(method, params); err != nil {
		s.logger.WithFields(map[string]interface{}{"method": method}).WithErr(err).Debug("Notification not delivered")
	}
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (s *BaseServer) handleInitialize(ctx context.Context, raw json.RawMessage) (result any, err error) {
	_, span := observability.StartSpan(ctx, "BaseServer.handleInitialize")
	defer func() { observability.EndSpan(span, err) }()

	var params InitializeParams
	if len(raw) == 0 {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "", "missing initialize params")
	}
	if err = json.Unmarshal(raw, &params); err != nil {
		s.logger.WithErr(err).Error("Failed to parse initialize params")
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "", err.Error())
	}

	if !strings.HasPrefix(params.ProtocolVersion, "2024-11") {
		s.logger.WithFields(map[string]interface{}{
			"version": params.ProtocolVersion,
		}).Error("Unsupported protocol version")
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Unsupported protocol version",
			map[string][]string{"supported": {ProtocolVersion}})
	}

	gate := DispatcherFromContext(ctx)
	if gate == nil {
		gate = s.dispatcher
	}
	if err = gate.MarkInitialized(); err != nil {
		s.logger.Warn("Rejecting repeated initialize")
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "Server already initialized", nil)
	}
	if gate != s.dispatcher {
		// The shared gate only records that some session has completed the
		// handshake; it is never consulted for a forked session's frames.
		_ = s.dispatcher.MarkInitialized()
	}

	s.mu.Lock()
	s.clientCapabilities = params.Capabilities
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"client":  params.ClientInfo.Name,
		"version": params.ClientInfo.Version,
	}).Info("Client initialized the session")

	return InitializeResult{
		ProtocolVersion: s.protocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.ServerInfo,
	}, nil
}

func (s *BaseServer) handlePing(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]interface{}{}, nil
}

func (s *BaseServer) handleLoggingSetLevel(_ context.Context, raw json.RawMessage) (any, error) {
	var params SetLogLevelParams
	if err := decodeParams(raw, &params); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"params": string(raw),
		}).WithErr(err).Error("Failed to parse set log level params")
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "", err.Error())
	}
	if _, ok := logLevelSeverity[params.Level]; !ok {
		s.logger.WithFields(map[string]interface{}{
			"level": params.Level,
		}).Error("Invalid log level")
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid log level", nil)
	}

	s.mu.Lock()
	s.minLogLevel = params.Level
	s.mu.Unlock()
	return struct{}{}, nil
}

func (s *BaseServer) handleToolsList(ctx context.Context, raw json.RawMessage) (any, error) {
	var params ListParams
	if err := decodeParams(raw, &params); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"params": string(raw),
		}).WithErr(err).Error("Failed to parse list tools params")
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "", err.Error())
	}

	s.logger.WithFields(map[string]interface{}{
		"cursor": params.Cursor,
		"limit":  listToolsLimit,
	}).Debug("Listing tools")

	return s.ListTools(ctx, params.Cursor, listToolsLimit), nil
}

func (s *BaseServer) handleToolsCall(ctx context.Context, raw json.RawMessage) (any, error) {
	var params CallToolParams
	if err := decodeParams(raw, &params); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"params": string(raw),
		}).WithErr(err).Error("Failed to parse call tool params")
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "", err.Error())
	}

	result, err := s.CallTool(ctx, params)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"tool": params.Name,
		}).WithErr(err).Error("Failed to call tool")
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error(), nil)
	}
	return result, nil
}

func (s *BaseServer) handleInitialized(_ context.Context, _ json.RawMessage) (any, error) {
	s.logger.Debug("Client confirmed initialization")
	return nil, nil
}

func (s *BaseServer) handleCancelled(_ context.Context, raw json.RawMessage) (any, error) {
	var cancelParams struct {
		RequestID json.RawMessage `json:"requestId"`
		Reason    string          `json:"reason"`
	}
	if err := decodeParams(raw, &cancelParams); err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"requestID": string(cancelParams.RequestID),
		"reason":    cancelParams.Reason,
	}).Debug("Cancellation requested")
	return nil, nil
}

// ListTools returns one page of tools sorted by name. The cursor is the name of
// the first tool of the page; NextCursor is empty on the last page.
func (s *BaseServer) ListTools(ctx context.Context, cursor string, limit int) ListToolsResult {
	_, span := observability.StartSpan(ctx, "BaseServer.ListTools")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	startIdx := 0
	if cursor != "" {
		startIdx = sort.SearchStrings(names, cursor)
	}

	endIdx := startIdx + limit
	if endIdx > len(names) {
		endIdx = len(names)
	}

	pageTools := make([]Tool, 0, endIdx-startIdx)
	for _, name := range names[startIdx:endIdx] {
		t := s.tools[name]
		pageTools = append(pageTools, Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	s.mu.RUnlock()

	var nextCursor string
	if endIdx < len(names) {
		nextCursor = names[endIdx]
	}

	span.SetAttributes(
		attribute.Int("limit", limit),
		attribute.String("cursor", cursor),
		attribute.Int("num_tools", len(pageTools)),
	)

	return ListToolsResult{
		Tools:      pageTools,
		NextCursor: nextCursor,
	}
}

// CallTool validates the arguments against the tool's schema and runs it.
// Validation and handler failures come back as IsError results; only an
// unknown tool is an error.
func (s *BaseServer) CallTool(ctx context.Context, params CallToolParams) (result CallToolResult, err error) {
	ctx, span := observability.StartSpan(ctx, "BaseServer.CallTool")
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("tool", params.Name))

	s.mu.RLock()
	tool, exists := s.tools[params.Name]
	schema := s.schemas[params.Name]
	s.mu.RUnlock()

	if !exists {
		s.logger.WithFields(map[string]interface{}{
			"tool": params.Name,
		}).Error("Tool not found")
		err = fmt.Errorf("%w: %s", ErrToolNotFound, params.Name)
		return CallToolResult{}, err
	}

	if schema != nil {
		args := params.Arguments
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage(`{}`)
		}
		validation, vErr := schema.Validate(gojsonschema.NewBytesLoader(args))
		if vErr != nil {
			s.logger.WithErr(vErr).Error("Schema validation error")
			return errorResult(fmt.Sprintf("Schema validation failed: %v", vErr)), nil
		}
		if !validation.Valid() {
			var errorMessages []string
			for _, desc := range validation.Errors() {
				errorMessages = append(errorMessages, desc.String())
			}

			s.logger.WithFields(map[string]interface{}{
				"tool":   params.Name,
				"errors": errorMessages,
			}).Warn("Schema validation failed")

			return errorResult(fmt.Sprintf("Schema validation failed: %s", strings.Join(errorMessages, "; "))), nil
		}
	}

	result, hErr := invokeTool(ctx, tool.Handler, params)
	if hErr != nil {
		s.logger.WithFields(map[string]interface{}{
			"tool": params.Name,
		}).WithErr(hErr).Error("Tool handler failed with an error")
		return errorResult(hErr.Error()), nil
	}

	span.SetAttributes(attribute.Int("contents_length", len(result.Content)))
	s.logger.WithFields(map[string]interface{}{
		"tool": params.Name,
	}).Debug("Tool handler executed successfully")

	return result, nil
}

func invokeTool(ctx context.Context, handler ToolHandler, params CallToolParams) (result CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", params.Name, r)
		}
	}()
	return handler(ctx, params)
}

func errorResult(text string) CallToolResult {
	return CallToolResult{
		IsError: true,
		Content: []ToolResultContent{{Type: "text", Text: text}},
	}
}
