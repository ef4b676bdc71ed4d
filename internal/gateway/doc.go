// Package gateway orchestrates the wa-gateway server components.
//
// # Overview
//
// The Gateway owns the store, credential vault, connection registry, the
// three provider adapters, the webhook ingester, event publishing, and the
// template scheduler, and serves them over HTTP (chi) and gRPC (health only).
//
// # HTTP Surface
//
// Vendor webhooks, unauthenticated except for the optional
// X-Hub-Signature-256 check:
//
//   - GET  /webhooks/cloud, GET /webhooks/bsp/{tenant}/{line}: subscription handshake
//   - POST /webhooks/cloud: direct cloud deliveries, routed by phone number id
//   - POST /webhooks/bsp/{tenant}/{line}: relay deliveries for one line
//   - POST /webhooks/bsp/partner: relay channel lifecycle
//
// Deliveries are acknowledged with 200 before they are processed. Processing
// runs on a detached context bounded by webhooks.process_timeout and is
// tracked so Shutdown can wait for it.
//
// Line API under /api/v1/tenants/{tenant}, JWT protected and tenant scoped:
//
//   - POST   lines/{line}/messages       text, media, template or interactive
//   - POST   lines/{line}/read           mark a message read
//   - GET    lines/{line}/status         connection status
//   - GET    lines/{line}/window?contact= service window state
//   - GET    lines/{line}/media/{id}     download received media
//   - POST   lines/{line}/bsp            onboard a relay line (pending)
//   - POST   lines/{line}/cloud/signup   embedded signup for a cloud line
//   - POST   lines/{line}/local          start a browser session
//   - DELETE lines/{line}/local          stop it
//   - POST   lines/{line}/templates/sync refresh the template cache
//   - GET    events/ws                   live event stream
//
// Errors are JSON {"error", "kind"}: config_not_found 404,
// template_required 409, unsupported_operation 422, vendor_api_error 502,
// decryption_error 500, invalid_request 400.
//
// # gRPC
//
// The standard health service reports "" as SERVING and one service per
// line, named by LineService, SERVING only while the line is ready.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	...
//	cancel() // Run shuts down and waits for in-flight webhooks
package gateway
