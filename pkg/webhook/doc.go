// Package webhook serves the StellarNode admission webhook over HTTP.
//
// Routes:
//
//	GET    /health, /healthz   liveness and loaded plugin count
//	GET    /ready              503 until at least one plugin is loaded
//	POST   /validate           AdmissionReview validation
//	POST   /mutate             AdmissionReview defaulting patch
//	POST   /db-trigger         database change events for trigger plugins
//	GET    /plugins            list registered plugins
//	POST   /plugins            load a plugin from inline bytecode
//	DELETE /plugins/{name}     unload a plugin
//	GET    /metrics            Prometheus exposition
//
// The /plugins routes require an OIDC bearer token when an Authenticator
// is configured.
package webhook
