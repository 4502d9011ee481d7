// Package flutterbridge exposes running Flutter applications to tool-calling
// clients. A BaseServer speaks the tool protocol over stdio or SSE, a
// ConnectionManager holds the VM service connections the tools share, and the
// vmservice and discovery packages do the talking to the Dart VM.
//
// Example:
//
//	package main
//
//	import (
//		"context"
//		"log"
//		"os"
//
//		"github.com/shaharia-lab/flutterbridge"
//		"github.com/shaharia-lab/flutterbridge/discovery"
//		"github.com/shaharia-lab/flutterbridge/jsonrpc"
//		"github.com/shaharia-lab/flutterbridge/vmservice"
//	)
//
//	func main() {
//		server, err := flutterbridge.NewBaseServer(
//			flutterbridge.UseServerInfo("flutterbridge", "0.1.0"),
//		)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		mgr := flutterbridge.NewConnectionManager(
//			func() flutterbridge.VMClient {
//				return vmservice.NewClient(nil, vmservice.UseDialect(jsonrpc.Standard))
//			},
//			flutterbridge.UseEventSink(flutterbridge.ForwardEvents(server)),
//		)
//		defer mgr.Close()
//
//		tools := flutterbridge.FlutterTools(mgr, discovery.NewDiscoverer(), flutterbridge.DefaultToolsConfig())
//		if err := server.AddTools(tools...); err != nil {
//			log.Fatal(err)
//		}
//
//		stdio := flutterbridge.NewStdIOServer(server, os.Stdin, os.Stdout)
//		if err := stdio.Run(context.Background()); err != nil {
//			log.Fatal(err)
//		}
//	}
package flutterbridge
