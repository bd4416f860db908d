// Package routing decides which backend each command is sent to. The policy
// is default-master with explicit allowlists: anything not proven safe for a
// replica goes to the master.
package routing

// Route identifies the backend(s) a command is forwarded to.
type Route uint8

const (
	RouteMaster Route = iota
	RouteReplica
	RouteBoth
)

func (r Route) String() string {
	switch r {
	case RouteMaster:
		return "MASTER"
	case RouteReplica:
		return "REPLICA"
	case RouteBoth:
		return "BOTH"
	default:
		return "UNKNOWN"
	}
}

// Decide routes one command. name and firstArgUpper must be uppercased
// ASCII; firstArgUpper is "" when the command has no arguments.
//
// Precedence, first match wins: transaction context forces master; the
// always-master set; dual-forward commands; the replica read whitelist when
// a replica is available; default master.
func Decide(name, firstArgUpper string, inMulti, watchActive, replicaAvailable bool) Route {
	if inMulti || watchActive {
		return RouteMaster
	}
	if IsAlwaysMaster(name) {
		return RouteMaster
	}
	if IsDualForward(name, firstArgUpper) {
		return RouteBoth
	}
	if replicaAvailable && IsReplicaRead(name) {
		return RouteReplica
	}
	return RouteMaster
}

// IsAlwaysMaster reports commands whose semantics forbid replica execution:
// transactions, scripting, pub/sub, monitor.
func IsAlwaysMaster(name string) bool {
	switch name {
	case "MULTI", "EXEC", "DISCARD", "WATCH", "UNWATCH",
		"EVAL", "EVALSHA", "EVAL_RO", "SCRIPT", "FUNCTION", "FCALL", "FCALL_RO",
		"MONITOR",
		"SUBSCRIBE", "PSUBSCRIBE", "SSUBSCRIBE",
		"UNSUBSCRIBE", "PUNSUBSCRIBE", "SUNSUBSCRIBE":
		return true
	}
	return false
}

// IsDualForward reports commands that mutate per-connection state on the
// backend (selected db, protocol version, client tracking flags). They must
// reach both backends so the replica connection stays congruent.
func IsDualForward(name, firstArgUpper string) bool {
	switch name {
	case "SELECT", "READONLY", "READWRITE", "HELLO":
		return true
	case "CLIENT":
		switch firstArgUpper {
		case "SETNAME", "SETINFO", "TRACKING", "CACHING", "REPLY":
			return true
		}
	}
	return false
}

// IsReplicaRead is the conservative whitelist of commands safe to serve
// from a read replica.
func IsReplicaRead(name string) bool {
	switch name {
	// connection / healthcheck
	case "PING":
		return true
	// cursor-based iterators
	case "SCAN", "SSCAN", "HSCAN", "ZSCAN":
		return true
	// strings
	case "GET", "MGET", "GETRANGE", "STRLEN":
		return true
	// hashes
	case "HGET", "HMGET", "HGETALL", "HEXISTS", "HLEN", "HSTRLEN", "HKEYS", "HVALS":
		return true
	// lists
	case "LINDEX", "LLEN", "LRANGE":
		return true
	// sets
	case "SCARD", "SISMEMBER", "SMISMEMBER", "SMEMBERS", "SRANDMEMBER":
		return true
	// sorted sets
	case "ZCARD", "ZCOUNT", "ZRANGE", "ZRANGEBYSCORE", "ZREVRANGE", "ZREVRANGEBYSCORE",
		"ZRANK", "ZREVRANK", "ZSCORE", "ZMSCORE":
		return true
	// generic
	case "EXISTS", "TYPE", "TTL", "PTTL":
		return true
	}
	return false
}
