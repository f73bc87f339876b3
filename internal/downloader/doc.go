// Package downloader runs a configured batch fetch end to end.
//
// It ties the CLI's pieces together: proxies are collected from the
// config and the proxy list object, URLs from the config and the URL
// file, the batch runs through a proxypool.Getter, and the results are
// optionally persisted with the sink package.
//
// # Usage
//
//	res, err := downloader.Run(ctx, bucket, downloader.Options{
//	    Config:   cfg,
//	    Logger:   log,
//	    Progress: reporter,
//	})
//
// A *PartialError means the batch finished but some URLs have no content.
// Any other error means the run itself failed.
package downloader
