package vmservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Caller issues one request and waits for its result. *Client implements it.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ErrNoIsolates is returned when the VM reports no isolates.
var ErrNoIsolates = errors.New("vm has no isolates")

// IsolateRef is the short isolate description embedded in the VM object.
type IsolateRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number,omitempty"`
}

// VM is the subset of the getVM result this module reads. Raw keeps the full
// document for callers that need more.
type VM struct {
	Type                   string          `json:"type"`
	Name                   string          `json:"name"`
	Version                string          `json:"version"`
	OperatingSystemVersion string          `json:"operatingSystemVersion,omitempty"`
	TargetCPU              string          `json:"targetCPU,omitempty"`
	HostCPU                string          `json:"hostCPU,omitempty"`
	PID                    int64           `json:"pid,omitempty"`
	Isolates               []IsolateRef    `json:"isolates"`
	Raw                    json.RawMessage `json:"-"`
}

// Isolate is the subset of the getIsolate result this module reads.
type Isolate struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Runnable   bool            `json:"runnable"`
	Extensions []string        `json:"extensionRPCs,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// GetVM calls getVM.
func GetVM(ctx context.Context, c Caller) (*VM, error) {
	raw, err := c.Call(ctx, "getVM", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get vm: %w", err)
	}
	var vm VM
	if err := json.Unmarshal(raw, &vm); err != nil {
		return nil, fmt.Errorf("failed to decode vm: %w", err)
	}
	vm.Raw = raw
	return &vm, nil
}

// GetIsolate calls getIsolate for id.
func GetIsolate(ctx context.Context, c Caller, id string) (*Isolate, error) {
	raw, err := c.Call(ctx, "getIsolate", map[string]string{"isolateId": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get isolate %s: %w", id, err)
	}
	var iso Isolate
	if err := json.Unmarshal(raw, &iso); err != nil {
		return nil, fmt.Errorf("failed to decode isolate %s: %w", id, err)
	}
	iso.Raw = raw
	return &iso, nil
}

// IsolateIDs returns the ids of every isolate in the VM.
func IsolateIDs(ctx context.Context, c Caller) ([]string, error) {
	vm, err := GetVM(ctx, c)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(vm.Isolates))
	for _, iso := range vm.Isolates {
		if iso.ID != "" {
			ids = append(ids, iso.ID)
		}
	}
	return ids, nil
}

// MainIsolateID returns the first isolate whose name contains "main", falling
// back to the first isolate.
func MainIsolateID(ctx context.Context, c Caller) (string, error) {
	vm, err := GetVM(ctx, c)
	if err != nil {
		return "", err
	}
	if len(vm.Isolates) == 0 {
		return "", ErrNoIsolates
	}
	for _, ref := range vm.Isolates {
		name := ref.Name
		if name == "" {
			iso, err := GetIsolate(ctx, c, ref.ID)
			if err != nil {
				return "", err
			}
			name = iso.Name
		}
		if strings.Contains(name, "main") {
			return ref.ID, nil
		}
	}
	return vm.Isolates[0].ID, nil
}

// StreamListen subscribes the connection to streamID. Events arrive through
// the client's event sinks.
func StreamListen(ctx context.Context, c Caller, streamID string) error {
	if _, err := c.Call(ctx, "streamListen", map[string]string{"streamId": streamID}); err != nil {
		return fmt.Errorf("failed to listen to stream %s: %w", streamID, err)
	}
	return nil
}

// CallExtension invokes a service extension such as ext.flutter.debugDumpApp on
// isolateID. params may be nil; isolateId is always injected.
func CallExtension(ctx context.Context, c Caller, isolateID, method string, params map[string]any) (json.RawMessage, error) {
	if !strings.HasPrefix(method, "ext.") {
		return nil, fmt.Errorf("%q is not a service extension", method)
	}
	args := make(map[string]any, len(params)+1)
	for k, v := range params {
		args[k] = v
	}
	args["isolateId"] = isolateID
	raw, err := c.Call(ctx, method, args)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	return raw, nil
}
