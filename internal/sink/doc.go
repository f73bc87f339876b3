// Package sink persists the result of a batch fetch to object storage.
//
// Each fetched URL is written as its own object under the batch prefix,
// named after the SHA256 of the URL. A trailing "/" is added to a prefix
// that lacks one. A JSON manifest maps URLs back to
// objects and lists the URLs that could not be fetched:
//
//	<prefix>manifest.json
//	<prefix>objects/3f7a...e1
//	<prefix>objects/9b02...4c
//
// # Manifest Format
//
//	{
//	  "batch_id": "5d0c6a8e-...",
//	  "prefix": "sitemaps/",
//	  "objects": [
//	    {"url": "http://example.com/a.xml", "object": "objects/3f7a...e1", "size": 1024, "checksum": "..."}
//	  ],
//	  "missing": ["http://example.com/b.xml"],
//	  "total_size": 1024,
//	  "completed_at": "2024-01-15T10:30:00Z"
//	}
//
// Writing a new batch to a prefix replaces the previous manifest and
// removes objects only the previous batch referenced.
package sink
