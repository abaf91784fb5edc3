// Package markd is the collaborative annotation backend: an in-memory
// snapshot of projects, markings and identities that is persisted to a
// pluggable object store, an advisory lease table that serialises edits, and
// a websocket hub that broadcasts every change to connected clients.
//
// # Running a server
//
//	cfg := markd.Config{
//	    Store:  "disk:///var/lib/markd",
//	    Listen: ":4242",
//	}
//	srv, stop, err := markd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// The snapshot is restored from the store at startup. An empty or unreadable
// store is seeded with a demo project unless Config.NoSeed is set. The
// snapshot is persisted on an adaptive cadence (see internal/autosave) and
// once more during Shutdown.
//
// # Stores
//
// Config.Store selects the backend by URL:
//
//   - mem:// keeps the snapshot in process memory
//   - disk:///path writes objects below a local directory
//   - sqlite:///path/markd.db keeps objects in a SQLite table
//   - s3://bucket/prefix talks to S3-compatible services via minio-go
//   - aws://bucket/prefix talks to AWS S3 via the AWS SDK
//   - azure://account/container/prefix uses Azure Blob Storage
//
// With Config.StorageEncryption every object is sealed with kryptograf using
// the key file created by `markd keys gen`.
//
// # HTTP surface
//
// Records are read and written under /projects and /markings, leases under
// /leases, and realtime updates stream from /updates. Mutations require the
// caller to hold the lease on the record when one is held by someone else;
// conflicts surface as 409 with error code "locked".
package markd
