package internal

const (
	HeaderSubscriptionID = "subscription_id"
	HeaderClientID       = "client_id"
	HeaderSchema         = "schema"
	HeaderShardID        = "shard_id"

	// Unprocessed side-channel headers
	HeaderUnprocessedOriginalQueue = "unprocessed_original_queue"
	HeaderUnprocessedErrorMessage  = "unprocessed_error_message"
)
