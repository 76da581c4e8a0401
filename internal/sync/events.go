package sync

// Bus topics owned by the sync client. Entity-scoped topics follow the
// sync:<entity>:<action> convention shared with the UI layers
const (
	EventConnected    = "sync:connected"
	EventDisconnected = "sync:disconnected"
	EventOffline      = "sync:offline"
	EventError        = "sync:error"
	EventConflict     = "sync:conflict"
)

// Host connectivity signals published by the embedding application
const (
	TopicNetworkOnline  = "network:online"
	TopicNetworkOffline = "network:offline"
)

func entityTopic(entity, action string) string {
	return "sync:" + entity + ":" + action
}
