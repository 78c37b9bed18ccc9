// Package plugins defines the data model shared by the validation engine.
//
// # Overview
//
// A plugin is a WebAssembly module registered with a PluginConfig. The config
// names the module (Metadata.Name is the cache key), declares its resource
// limits, the admission operations it subscribes to, how a failure of the
// plugin contributes to the decision (FailurePolicy), and where the bytecode
// comes from.
//
// # Wire types
//
// ValidationInput is the JSON document handed to a plugin's validate entry and
// ValidationOutput is the verdict it writes back. Both use camelCase field
// names that compiled plugins depend on. DbTriggerInput and DbTriggerOutput are
// the contract of the optional process_trigger entry.
//
// # Aggregation
//
// Aggregate folds PluginExecutionResults in config order:
//
//	allowed     = AND of every plugin's allowed
//	message     = "[name] msg; [name] msg"
//	annotations = "name/key" -> value
//
// # Sources
//
// Bytecode is resolved by SourceSet in the order wasmBinary, blobKey,
// configMapRef, secretRef, url. Only the inline source is built in; the
// others are registered by the embedding process.
//
// # Plugin directories
//
// Loader discovers plugin directories that contain a plugin.yaml manifest and
// Watcher re-registers them when the manifest or its .wasm file changes:
//
//	plugins/
//	  replica-policy/
//	    plugin.yaml
//	    plugin.wasm
package plugins
