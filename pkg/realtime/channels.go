// Package realtime carries domain events across processes: a Redis
// pub/sub broker with publisher and subscriber connections, and a bus
// of fixed topic channels with typed publish helpers, last-message
// replay for late subscribers, and hooks binding the persistence layer
// and the control surface to the stream.
package realtime

// Bus channels. Downstream consumers match on the exact literals, so
// these never change shape.
const (
	ChannelTokenPrice     = "token:price"
	ChannelTokenMetadata  = "token:metadata"
	ChannelTokenRank      = "token:rank"
	ChannelTokenVolume    = "token:volume"
	ChannelTokenLiquidity = "token:liquidity"
	ChannelTokenDiscovery = "token:discovery"
	ChannelTokenPool      = "token:pool"

	ChannelContestStatus      = "contest:status"
	ChannelContestParticipant = "contest:participant"
	ChannelContestPortfolio   = "contest:portfolio"
	ChannelContestTrade       = "contest:trade"
	ChannelContestPrizes      = "contest:prizes"
	ChannelContestCreation    = "contest:creation"

	ChannelUserBalance     = "user:balance"
	ChannelUserAchievement = "user:achievement"
	ChannelUserLevel       = "user:level"
	ChannelUserLogin       = "user:login"
	ChannelUserProfile     = "user:profile"

	ChannelSystemStatus      = "system:status"
	ChannelSystemHeartbeat   = "system:heartbeat"
	ChannelSystemShutdown    = "system:shutdown"
	ChannelSystemError       = "system:error"
	ChannelSystemMaintenance = "system:maintenance"

	ChannelServiceStatus    = "service:status"
	ChannelServiceError     = "service:error"
	ChannelServiceHeartbeat = "service:heartbeat"
)

// WSTopicPrefix namespaces topics that exist only for control-surface
// broadcast, never as broker channels.
const WSTopicPrefix = "ws:"

// WSTopic returns a control-surface broadcast topic.
func WSTopic(name string) string {
	return WSTopicPrefix + name
}

// TokenTopic returns the entity-scoped topic for one token address.
func TokenTopic(address string) string {
	return "token:" + address
}

// ContestTopic returns the entity-scoped topic for one contest.
func ContestTopic(id string) string {
	return "contest:" + id
}
