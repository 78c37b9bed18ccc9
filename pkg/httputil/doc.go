// Package httputil holds the JSON response helpers, request parsing and
// HTTP middleware shared by the webhook server.
//
// Errors are written as {"error": "..."}:
//
//	httputil.WriteError(w, http.StatusBadRequest, err)
//	httputil.WriteNotFound(w, "plugin not found")
//
// Middleware composes with Chain or gorilla/mux's Router.Use:
//
//	router.Use(httputil.RequestIDMiddleware, httputil.LoggingMiddleware(logger))
package httputil
