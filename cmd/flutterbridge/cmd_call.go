package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/flutterbridge/vmservice"
)

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVarP(&callURI, "uri", "u", "", "VM service WebSocket URI (required)")
	callCmd.Flags().StringVar(&callToken, "token", "", "VM service authentication token")
	callCmd.Flags().StringVar(&callIsolate, "isolate", "", "isolate for ext.* methods (default: main isolate)")
	callCmd.Flags().Duration("call-timeout", 0, "per-call timeout")
	_ = callCmd.MarkFlagRequired("uri")
}

var (
	callURI     string
	callToken   string
	callIsolate string
)

var callCmd = &cobra.Command{
	Use:   "call <method> [params-json]",
	Short: "Invoke one VM service method and print its result",
	Example: `flutterbridge call getVM --uri ws://127.0.0.1:8181/ws
flutterbridge call ext.flutter.debugDumpApp --uri ws://127.0.0.1:8181/ws`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		method := args[0]

		var params map[string]any
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
				return fmt.Errorf("params must be a JSON object: %w", err)
			}
		}

		client := newVMClient(cfg)
		if err := client.Connect(ctx, callURI, callToken); err != nil {
			return err
		}
		defer func() {
			if err := client.Disconnect(); err != nil {
				logger.WithErr(err).Debug("Disconnect failed")
			}
		}()

		var (
			result json.RawMessage
			err    error
		)
		if strings.HasPrefix(method, "ext.") {
			isolate := callIsolate
			if isolate == "" {
				if isolate, err = vmservice.MainIsolateID(ctx, client); err != nil {
					return err
				}
			}
			result, err = vmservice.CallExtension(ctx, client, isolate, method, params)
		} else if params == nil {
			result, err = client.Call(ctx, method, nil)
		} else {
			result, err = client.Call(ctx, method, params)
		}
		if err != nil {
			return err
		}

		var out bytes.Buffer
		if err := json.Indent(&out, result, "", "  "); err != nil {
			return fmt.Errorf("malformed result: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.String())
		return nil
	},
}
