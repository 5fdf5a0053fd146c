// Package analyzer manages an out-of-process language-analysis server and
// exchanges typed asynchronous messages with it over stdio.
//
// The server speaks a Content-Length framed JSON protocol: each frame is a
// header line followed by a blank line and a JSON body that is a request,
// a response correlated by request_seq, or an unsolicited event. The package
// supervises the server process, correlates responses with their requests,
// enforces per-request timeouts, fans events out to subscribers, and recovers
// from crashes with bounded automatic restarts.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Controller: state machine and facade composing everything below
//   - Channel: Content-Length framing over the process's stdio streams
//   - Tracker: request/response correlation and timeouts
//   - EventDispatcher: event fan-out on a bounded worker pool
//   - CircuitBreaker and RetryPolicy: resilience around outbound sends
//   - Process: a single run of the server executable
//
// # Quick Start
//
// Configure and start a server, then issue requests:
//
//	config := analyzer.DefaultConfig()
//	config.Process.Command = "/usr/local/bin/analysis-server"
//	config.Process.Args = []string{"--stdio"}
//
//	ctrl, err := analyzer.NewController(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := ctrl.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Close(context.Background())
//
//	resp, err := ctrl.Request(ctx, "completions", args, 0)
//
// Subscribe to server events:
//
//	id := ctrl.Subscribe("diagnostics", func(evt *analyzer.Event) {
//	    // runs on a worker goroutine, never on the read loop
//	})
//	defer ctrl.Unsubscribe(id)
//
// # Crash Recovery
//
// The controller watches the process and restarts it on unexpected exit with
// a growing delay, up to a configured attempt limit. A server that stays up
// past the reset window clears the attempt counter. Lifecycle notifications
// are available through Events and state transitions through StateChanges.
//
// # Thread Safety
//
// The Controller is safe for concurrent use. Requests issued concurrently
// receive distinct sequence numbers and resolve independently.
package analyzer
