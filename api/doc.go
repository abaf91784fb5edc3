// Package api defines the JSON documents exchanged with markd clients: the
// project and marking records served over HTTP, the realtime update
// messages pushed over the /updates WebSocket, and the importer manifest.
package api
