// Package contracts defines the JSON envelopes exchanged by RPC clients and
// servers.
//
// A call is {"operation": "add", "params": [1, 2]}. The server answers
// {"result": 3} on success or {"error": "message"} on failure. Parameters
// and results stay as raw JSON until the receiving side decodes them into
// its own types.
package contracts
