// Package app wires the license service into a running process: storage,
// telemetry, the license facade, the websocket hub and the HTTP router.
//
// Run starts the hub, the license heartbeat and the HTTP server in one
// errgroup; cancelling its context shuts all three down.
//
//	a, err := app.NewApplication(ctx, cfg, logger, app.Options{})
//	if err != nil {
//	    return err
//	}
//	return a.Run(ctx)
package app
