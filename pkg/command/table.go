package command

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var table = buildTable()

func buildTable() map[string]*Descriptor {
	t := make(map[string]*Descriptor)
	add := func(d *Descriptor) { t[d.Name] = d }

	single := func(flags Flags, names ...string) {
		for _, n := range names {
			add(&Descriptor{Name: n, FirstKey: 1, LastKey: 1, KeyStep: 1, Flags: flags})
		}
	}
	span := func(first, last, step int, flags Flags, names ...string) {
		for _, n := range names {
			add(&Descriptor{Name: n, FirstKey: first, LastKey: last, KeyStep: step, Flags: flags})
		}
	}
	numkeys := func(at int, fixed []int, flags Flags, names ...string) {
		for _, n := range names {
			add(&Descriptor{Name: n, Extract: numkeysAt(at, fixed...), Flags: flags})
		}
	}
	keyless := func(route KeylessRoute, policy ResponsePolicy, flags Flags, names ...string) {
		for _, n := range names {
			add(&Descriptor{Name: n, Flags: flags, Keyless: route, Policy: policy})
		}
	}

	// Single-key reads.
	single(0,
		"GET", "STRLEN", "GETRANGE", "TTL", "PTTL", "TYPE", "EXPIRETIME",
		"HGET", "HMGET", "HGETALL", "HEXISTS", "HLEN", "HKEYS", "HVALS", "HSTRLEN", "HRANDFIELD",
		"LLEN", "LRANGE", "LINDEX", "LPOS",
		"SMEMBERS", "SISMEMBER", "SMISMEMBER", "SCARD", "SRANDMEMBER",
		"ZRANGE", "ZSCORE", "ZCARD", "ZRANK", "ZREVRANK", "ZCOUNT", "ZMSCORE", "ZRANGEBYSCORE",
		"XLEN", "XRANGE", "XREVRANGE", "GETBIT", "BITCOUNT", "BITPOS", "DUMP",
		"GEOPOS", "GEODIST", "GEOHASH", "GEOSEARCH", "HSCAN", "SSCAN", "ZSCAN", "SORT_RO")

	// Single-key writes.
	single(Write,
		"SET", "SETNX", "SETEX", "PSETEX", "GETSET", "GETDEL", "GETEX", "APPEND", "SETRANGE",
		"INCR", "INCRBY", "INCRBYFLOAT", "DECR", "DECRBY",
		"EXPIRE", "PEXPIRE", "EXPIREAT", "PEXPIREAT", "PERSIST", "RESTORE",
		"HSET", "HSETNX", "HMSET", "HDEL", "HINCRBY", "HINCRBYFLOAT",
		"LPUSH", "RPUSH", "LPUSHX", "RPUSHX", "LPOP", "RPOP", "LSET", "LREM", "LTRIM", "LINSERT",
		"SADD", "SREM", "SPOP",
		"ZADD", "ZREM", "ZINCRBY", "ZPOPMIN", "ZPOPMAX", "ZREMRANGEBYSCORE", "ZREMRANGEBYRANK",
		"XADD", "XDEL", "XTRIM", "SETBIT", "PFADD", "GEOADD")

	// Multi-key commands split per slot.
	span(1, -1, 1, Write|FanOut, "DEL", "UNLINK")
	span(1, -1, 1, FanOut, "EXISTS", "TOUCH", "MGET", "WATCH")
	span(1, -1, 2, Write|FanOut, "MSET")
	t["DEL"].Policy = PolicyAggSum
	t["UNLINK"].Policy = PolicyAggSum
	t["EXISTS"].Policy = PolicyAggSum
	t["TOUCH"].Policy = PolicyAggSum
	t["MGET"].Policy = PolicyKeyOrdered
	t["MSET"].Policy = PolicyAllSucceeded
	t["WATCH"].Policy = PolicyAllSucceeded

	// Multi-key commands that must stay on one slot.
	span(1, 2, 1, Write, "RENAME", "RENAMENX", "SMOVE", "LMOVE", "RPOPLPUSH", "COPY", "ZRANGESTORE", "GEOSEARCHSTORE")
	span(1, 2, 1, Write|Blocking, "BLMOVE", "BRPOPLPUSH")
	t["BLMOVE"].Wait = secondsAt(-1)
	t["BRPOPLPUSH"].Wait = secondsAt(-1)
	span(1, 2, 1, 0, "LCS")
	span(1, -1, 1, 0, "SDIFF", "SINTER", "SUNION", "PFCOUNT")
	span(1, -1, 1, Write, "SDIFFSTORE", "SINTERSTORE", "SUNIONSTORE", "PFMERGE")
	span(1, -1, 2, Write, "MSETNX")
	span(2, -1, 1, Write, "BITOP")
	span(1, -2, 1, Write|Blocking, "BLPOP", "BRPOP", "BZPOPMIN", "BZPOPMAX")
	for _, n := range []string{"BLPOP", "BRPOP", "BZPOPMIN", "BZPOPMAX"} {
		t[n].Wait = secondsAt(-1)
	}
	numkeys(1, nil, 0, "ZDIFF", "ZINTER", "ZUNION", "ZINTERCARD", "SINTERCARD")
	numkeys(2, []int{1}, Write, "ZDIFFSTORE", "ZINTERSTORE", "ZUNIONSTORE")
	numkeys(1, nil, Write, "LMPOP", "ZMPOP")
	numkeys(2, nil, Write|Blocking, "BLMPOP", "BZMPOP")
	t["BLMPOP"].Wait = secondsAt(1)
	t["BZMPOP"].Wait = secondsAt(1)
	numkeys(2, nil, Write, "EVAL", "EVALSHA", "FCALL")
	numkeys(2, nil, 0, "EVAL_RO", "EVALSHA_RO", "FCALL_RO")
	add(&Descriptor{Name: "XREAD", Extract: xreadKeys, Wait: xreadBlock, Flags: Blocking})
	add(&Descriptor{Name: "SORT", Extract: sortKeys, Flags: Write})
	add(&Descriptor{Name: "OBJECT ENCODING", FirstKey: 2, LastKey: 2, KeyStep: 1})
	add(&Descriptor{Name: "OBJECT FREQ", FirstKey: 2, LastKey: 2, KeyStep: 1})
	add(&Descriptor{Name: "OBJECT IDLETIME", FirstKey: 2, LastKey: 2, KeyStep: 1})

	// Keyless commands.
	keyless(RouteRandom, PolicyNone, 0,
		"ECHO", "TIME", "LASTSAVE", "RANDOMKEY", "PUBLISH",
		"CONFIG GET", "CLIENT ID", "CLIENT GETNAME", "CLIENT SETNAME", "CLUSTER SLOTS", "CLUSTER MYID",
		"CLUSTER INFO", "CLUSTER KEYSLOT", "CLUSTER COUNTKEYSINSLOT", "FUNCTION LIST", "FUNCTION DUMP",
		"SCAN", "ASKING", "READONLY", "READWRITE", "LOLWUT", "MULTI", "EXEC", "DISCARD")
	keyless(RouteAllPrimaries, PolicyAllSucceeded, 0, "PING")
	keyless(RouteAllPrimaries, PolicyAggSum, 0, "DBSIZE")
	keyless(RouteAllPrimaries, PolicyCombineArrays, 0, "KEYS")
	keyless(RouteAllPrimaries, PolicyNone, 0, "INFO")
	keyless(RouteAllPrimaries, PolicyAllSucceeded, Write|Admin,
		"FLUSHALL", "FLUSHDB", "FUNCTION LOAD", "FUNCTION DELETE", "FUNCTION FLUSH",
		"FUNCTION RESTORE", "SCRIPT FLUSH")
	keyless(RouteAllPrimaries, PolicyAggLogicalAnd, 0, "SCRIPT EXISTS")
	keyless(RouteAllPrimaries, PolicyAggMin, 0, "WAIT")
	keyless(RouteAllPrimaries, PolicyOneSucceeded, Admin, "SCRIPT KILL", "FUNCTION KILL")
	keyless(RouteAllNodes, PolicyAllSucceeded, Admin, "CONFIG SET", "CONFIG RESETSTAT", "CONFIG REWRITE")
	keyless(RouteAllNodes, PolicyNone, 0, "FUNCTION STATS")

	return t
}

// numkeysAt extracts keys for commands of the form
// NAME [fixed...] ... numkeys key [key ...] where argv[at] is numkeys.
func numkeysAt(at int, fixed ...int) func(argv []string) []int {
	return func(argv []string) []int {
		var pos []int
		for _, f := range fixed {
			if f < len(argv) {
				pos = append(pos, f)
			}
		}
		if at >= len(argv) {
			return pos
		}
		n, err := strconv.Atoi(argv[at])
		if err != nil || n < 0 {
			return pos
		}
		for i := at + 1; i <= at+n && i < len(argv); i++ {
			pos = append(pos, i)
		}
		return pos
	}
}

// secondsAt reads a timeout in seconds at argv[at]; negative at counts from
// the end.
func secondsAt(at int) func(argv []string) (time.Duration, bool) {
	return func(argv []string) (time.Duration, bool) {
		i := at
		if i < 0 {
			i += len(argv)
		}
		if i < 1 || i >= len(argv) {
			return 0, false
		}
		secs, err := strconv.ParseFloat(argv[i], 64)
		if err != nil || secs < 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
}

// xreadBlock reads the BLOCK milliseconds option of XREAD.
func xreadBlock(argv []string) (time.Duration, bool) {
	for i := 1; i < len(argv)-1; i++ {
		if strings.EqualFold(argv[i], "STREAMS") {
			return 0, false
		}
		if strings.EqualFold(argv[i], "BLOCK") {
			ms, err := strconv.ParseInt(argv[i+1], 10, 64)
			if err != nil || ms < 0 {
				return 0, false
			}
			return time.Duration(ms) * time.Millisecond, true
		}
	}
	return 0, false
}

// xreadKeys handles XREAD ... STREAMS key [key ...] id [id ...].
func xreadKeys(argv []string) []int {
	for i := 1; i < len(argv); i++ {
		if strings.EqualFold(argv[i], "STREAMS") {
			n := (len(argv) - i - 1) / 2
			pos := make([]int, 0, n)
			for j := i + 1; j <= i+n; j++ {
				pos = append(pos, j)
			}
			return pos
		}
	}
	return nil
}

// sortKeys handles SORT key [... STORE destination].
func sortKeys(argv []string) []int {
	if len(argv) < 2 {
		return nil
	}
	pos := []int{1}
	for i := 2; i < len(argv)-1; i++ {
		if strings.EqualFold(argv[i], "STORE") {
			pos = append(pos, i+1)
			break
		}
	}
	return pos
}
