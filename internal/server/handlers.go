package server

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/match"

	"github.com/cachemir/clustermir/pkg/cache"
	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/protocol"
	"github.com/cachemir/clustermir/pkg/topology"
)

const defaultScanCount = 10

type handlerFunc func(argv []string) *protocol.Response

func (s *Server) buildHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"PING":        s.handlePing,
		"ECHO":        s.handleEcho,
		"GET":         s.handleGet,
		"SET":         s.handleSet,
		"SETNX":       s.handleSetNX,
		"DEL":         s.handleDel,
		"UNLINK":      s.handleDel,
		"EXISTS":      s.handleExists,
		"TOUCH":       s.handleExists,
		"MGET":        s.handleMGet,
		"MSET":        s.handleMSet,
		"INCR":        s.handleIncr,
		"INCRBY":      s.handleIncr,
		"DECR":        s.handleIncr,
		"DECRBY":      s.handleIncr,
		"TYPE":        s.handleType,
		"EXPIRE":      s.handleExpire,
		"TTL":         s.handleTTL,
		"PERSIST":     s.handlePersist,
		"RENAME":      s.handleRename,
		"HSET":        s.handleHSet,
		"HGET":        s.handleHGet,
		"HGETALL":     s.handleHGetAll,
		"HDEL":        s.handleHDel,
		"LPUSH":       s.handlePush,
		"RPUSH":       s.handlePush,
		"LPOP":        s.handlePop,
		"RPOP":        s.handlePop,
		"LLEN":        s.handleLLen,
		"LRANGE":      s.handleLRange,
		"SADD":        s.handleSAdd,
		"SREM":        s.handleSRem,
		"SMEMBERS":    s.handleSMembers,
		"SISMEMBER":   s.handleSIsMember,
		"SINTER":      s.handleSInter,
		"SINTERSTORE": s.handleSInterStore,
		"DBSIZE":      s.handleDBSize,
		"FLUSHALL":    s.handleFlush,
		"FLUSHDB":     s.handleFlush,
		"KEYS":        s.handleKeys,
		"SCAN":        s.handleScan,
		"INFO":        s.handleInfo,
		"TIME":        s.handleTime,
		"WATCH":       s.handleOK,
		"READONLY":    s.handleOK,
		"READWRITE":   s.handleOK,
		"WAIT":        s.handleWait,
		"CONFIG":      s.handleConfig,
		"CLUSTER":     s.handleCluster,
	}
}

func wrongArgs(argv []string) *protocol.Response {
	return protocol.Errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(argv[0]))
}

func errorResponse(err error) *protocol.Response {
	msg := err.Error()
	if strings.HasPrefix(msg, "WRONGTYPE") {
		return protocol.Errorf("%s", msg)
	}
	return protocol.Errorf("ERR %s", msg)
}

func boolInt(b bool) *protocol.Response {
	if b {
		return protocol.Int(1)
	}
	return protocol.Int(0)
}

func (s *Server) handleOK(_ []string) *protocol.Response { return protocol.OK() }

func (s *Server) handlePing(argv []string) *protocol.Response {
	if len(argv) > 1 {
		return protocol.String(argv[1])
	}
	return protocol.String("PONG")
}

func (s *Server) handleEcho(argv []string) *protocol.Response {
	if len(argv) != 2 {
		return wrongArgs(argv)
	}
	return protocol.String(argv[1])
}

func (s *Server) handleGet(argv []string) *protocol.Response {
	if len(argv) != 2 {
		return wrongArgs(argv)
	}
	if t := s.store.Type(argv[1]); t != "none" && t != "string" {
		return errorResponse(cache.ErrWrongType)
	}
	v, ok := s.store.Get(argv[1])
	if !ok {
		return protocol.Nil()
	}
	return protocol.String(v)
}

// handleSet supports SET key value [EX seconds | PX milliseconds] [NX].
func (s *Server) handleSet(argv []string) *protocol.Response {
	if len(argv) < 3 {
		return wrongArgs(argv)
	}
	var ttl time.Duration
	nx := false
	for i := 3; i < len(argv); i++ {
		switch strings.ToUpper(argv[i]) {
		case "NX":
			nx = true
		case "EX", "PX":
			if i+1 >= len(argv) {
				return protocol.Errorf("ERR syntax error")
			}
			n, err := strconv.ParseInt(argv[i+1], 10, 64)
			if err != nil || n <= 0 {
				return protocol.Errorf("ERR invalid expire time in 'set' command")
			}
			unit := time.Second
			if strings.EqualFold(argv[i], "PX") {
				unit = time.Millisecond
			}
			ttl = time.Duration(n) * unit
			i++
		default:
			return protocol.Errorf("ERR syntax error")
		}
	}
	if nx {
		if s.store.Exists(argv[1]) > 0 {
			return protocol.Nil()
		}
	}
	s.store.Set(argv[1], argv[2], ttl)
	return protocol.OK()
}

func (s *Server) handleSetNX(argv []string) *protocol.Response {
	if len(argv) != 3 {
		return wrongArgs(argv)
	}
	return boolInt(s.store.SetNX(argv[1], argv[2]))
}

func (s *Server) handleDel(argv []string) *protocol.Response {
	if len(argv) < 2 {
		return wrongArgs(argv)
	}
	return protocol.Int(int64(s.store.Del(argv[1:]...)))
}

func (s *Server) handleExists(argv []string) *protocol.Response {
	if len(argv) < 2 {
		return wrongArgs(argv)
	}
	return protocol.Int(int64(s.store.Exists(argv[1:]...)))
}

// handleMGet returns one element per key; missing keys and keys of another
// type are empty strings since arrays carry strings only.
func (s *Server) handleMGet(argv []string) *protocol.Response {
	if len(argv) < 2 {
		return wrongArgs(argv)
	}
	out := make([]string, 0, len(argv)-1)
	for _, key := range argv[1:] {
		v, _ := s.store.Get(key)
		out = append(out, v)
	}
	return protocol.Array(out)
}

func (s *Server) handleMSet(argv []string) *protocol.Response {
	if len(argv) < 3 || len(argv)%2 == 0 {
		return wrongArgs(argv)
	}
	for i := 1; i < len(argv); i += 2 {
		s.store.Set(argv[i], argv[i+1], 0)
	}
	return protocol.OK()
}

func (s *Server) handleIncr(argv []string) *protocol.Response {
	name := strings.ToUpper(argv[0])
	withDelta := name == "INCRBY" || name == "DECRBY"
	if (withDelta && len(argv) != 3) || (!withDelta && len(argv) != 2) {
		return wrongArgs(argv)
	}
	delta := int64(1)
	if withDelta {
		d, err := strconv.ParseInt(argv[2], 10, 64)
		if err != nil {
			return errorResponse(cache.ErrNotInteger)
		}
		delta = d
	}
	if strings.HasPrefix(name, "DECR") {
		delta = -delta
	}
	n, err := s.store.IncrBy(argv[1], delta)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.Int(n)
}

func (s *Server) handleType(argv []string) *protocol.Response {
	if len(argv) != 2 {
		return wrongArgs(argv)
	}
	return protocol.String(s.store.Type(argv[1]))
}

func (s *Server) handleExpire(argv []string) *protocol.Response {
	if len(argv) != 3 {
		return wrongArgs(argv)
	}
	secs, err := strconv.ParseInt(argv[2], 10, 64)
	if err != nil {
		return errorResponse(cache.ErrNotInteger)
	}
	return boolInt(s.store.Expire(argv[1], time.Duration(secs)*time.Second))
}

func (s *Server) handleTTL(argv []string) *protocol.Response {
	if len(argv) != 2 {
		return wrongArgs(argv)
	}
	ttl := s.store.TTL(argv[1])
	if ttl < 0 {
		return protocol.Int(int64(ttl))
	}
	return protocol.Int(int64(ttl.Round(time.Second) / time.Second))
}

func (s *Server) handlePersist(argv []string) *protocol.Response {
	if len(argv) != 2 {
		return wrongArgs(argv)
	}
	return boolInt(s.store.Persist(argv[1]))
}

func (s *Server) handleRename(argv []string) *protocol.Response {
	if len(argv) != 3 {
		return wrongArgs(argv)
	}
	if err := s.store.Rename(argv[1], argv[2]); err != nil {
		return errorResponse(err)
	}
	return protocol.OK()
}

func (s *Server) handleHSet(argv []string) *protocol.Response {
	if len(argv) < 4 || len(argv)%2 != 0 {
		return wrongArgs(argv)
	}
	added := 0
	for i := 2; i < len(argv); i += 2 {
		isNew, err := s.store.HSet(argv[1], argv[i], argv[i+1])
		if err != nil {
			return errorResponse(err)
		}
		if isNew {
			added++
		}
	}
	return protocol.Int(int64(added))
}

func (s *Server) handleHGet(argv []string) *protocol.Response {
	if len(argv) != 3 {
		return wrongArgs(argv)
	}
	v, ok, err := s.store.HGet(argv[1], argv[2])
	if err != nil {
		return errorResponse(err)
	}
	if !ok {
		return protocol.Nil()
	}
	return protocol.String(v)
}

// handleHGetAll returns field/value pairs ordered by field.
func (s *Server) handleHGetAll(argv []string) *protocol.Response {
	if len(argv) != 2 {
		return wrongArgs(argv)
	}
	h, err := s.store.HGetAll(argv[1])
	if err != nil {
		return errorResponse(err)
	}
	fields := make([]string, 0, len(h))
	for f := range h {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	out := make([]string, 0, 2*len(h))
	for _, f := range fields {
		out = append(out, f, h[f])
	}
	return protocol.Array(out)
}

func (s *Server) handleHDel(argv []string) *protocol.Response {
	if len(argv) < 3 {
		return wrongArgs(argv)
	}
	n, err := s.store.HDel(argv[1], argv[2:]...)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.Int(int64(n))
}

func (s *Server) handlePush(argv []string) *protocol.Response {
	if len(argv) < 3 {
		return wrongArgs(argv)
	}
	push := s.store.RPush
	if strings.EqualFold(argv[0], "LPUSH") {
		push = s.store.LPush
	}
	n, err := push(argv[1], argv[2:]...)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.Int(int64(n))
}

func (s *Server) handlePop(argv []string) *protocol.Response {
	if len(argv) != 2 {
		return wrongArgs(argv)
	}
	pop := s.store.RPop
	if strings.EqualFold(argv[0], "LPOP") {
		pop = s.store.LPop
	}
	v, ok, err := pop(argv[1])
	if err != nil {
		return errorResponse(err)
	}
	if !ok {
		return protocol.Nil()
	}
	return protocol.String(v)
}

func (s *Server) handleLLen(argv []string) *protocol.Response {
	if len(argv) != 2 {
		return wrongArgs(argv)
	}
	n, err := s.store.LLen(argv[1])
	if err != nil {
		return errorResponse(err)
	}
	return protocol.Int(int64(n))
}

func (s *Server) handleLRange(argv []string) *protocol.Response {
	if len(argv) != 4 {
		return wrongArgs(argv)
	}
	start, err1 := strconv.Atoi(argv[2])
	stop, err2 := strconv.Atoi(argv[3])
	if err1 != nil || err2 != nil {
		return errorResponse(cache.ErrNotInteger)
	}
	items, err := s.store.LRange(argv[1], start, stop)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.Array(items)
}

func (s *Server) handleSAdd(argv []string) *protocol.Response {
	if len(argv) < 3 {
		return wrongArgs(argv)
	}
	n, err := s.store.SAdd(argv[1], argv[2:]...)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.Int(int64(n))
}

func (s *Server) handleSRem(argv []string) *protocol.Response {
	if len(argv) < 3 {
		return wrongArgs(argv)
	}
	n, err := s.store.SRem(argv[1], argv[2:]...)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.Int(int64(n))
}

func (s *Server) handleSMembers(argv []string) *protocol.Response {
	if len(argv) != 2 {
		return wrongArgs(argv)
	}
	members, err := s.store.SMembers(argv[1])
	if err != nil {
		return errorResponse(err)
	}
	return protocol.Array(members)
}

func (s *Server) handleSIsMember(argv []string) *protocol.Response {
	if len(argv) != 3 {
		return wrongArgs(argv)
	}
	ok, err := s.store.SIsMember(argv[1], argv[2])
	if err != nil {
		return errorResponse(err)
	}
	return boolInt(ok)
}

func (s *Server) handleSInter(argv []string) *protocol.Response {
	if len(argv) < 2 {
		return wrongArgs(argv)
	}
	members, err := s.store.SInter(argv[1:]...)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.Array(members)
}

func (s *Server) handleSInterStore(argv []string) *protocol.Response {
	if len(argv) < 3 {
		return wrongArgs(argv)
	}
	members, err := s.store.SInter(argv[2:]...)
	if err != nil {
		return errorResponse(err)
	}
	s.store.Del(argv[1])
	if len(members) > 0 {
		if _, err := s.store.SAdd(argv[1], members...); err != nil {
			return errorResponse(err)
		}
	}
	return protocol.Int(int64(len(members)))
}

func (s *Server) handleDBSize(_ []string) *protocol.Response {
	return protocol.Int(int64(s.store.DBSize()))
}

func (s *Server) handleFlush(_ []string) *protocol.Response {
	s.store.Flush()
	return protocol.OK()
}

func (s *Server) handleKeys(argv []string) *protocol.Response {
	if len(argv) != 2 {
		return wrongArgs(argv)
	}
	return protocol.Array(s.store.Keys(argv[1]))
}

// handleScan implements SCAN cursor [MATCH pattern] [COUNT n] [TYPE type].
//
// The cursor is the next slot to visit. Each call walks whole slots served
// by this node, starting at the cursor, until at least COUNT keys were
// examined. The returned array is the next cursor followed by the keys; a
// next cursor of 0 means the node has been fully traversed.
func (s *Server) handleScan(argv []string) *protocol.Response {
	if len(argv) < 2 {
		return wrongArgs(argv)
	}
	cursor, err := strconv.Atoi(argv[1])
	if err != nil || cursor < 0 || cursor > hash.MaxSlot {
		return protocol.Errorf("ERR invalid cursor")
	}

	pattern, typ, count := "", "", defaultScanCount
	for i := 2; i < len(argv); i += 2 {
		if i+1 >= len(argv) {
			return protocol.Errorf("ERR syntax error")
		}
		switch strings.ToUpper(argv[i]) {
		case "MATCH":
			pattern = argv[i+1]
		case "TYPE":
			typ = strings.ToLower(argv[i+1])
		case "COUNT":
			count, err = strconv.Atoi(argv[i+1])
			if err != nil || count < 1 {
				return protocol.Errorf("ERR syntax error")
			}
		default:
			return protocol.Errorf("ERR syntax error")
		}
	}

	snap := s.state.Snapshot()
	if snap == nil {
		return protocol.Array([]string{"0"})
	}

	idx := s.store.SlotIndex()
	next, examined := 0, 0
	var batch []string
	for slot := cursor; slot < hash.SlotCount; slot++ {
		if !snap.Serves(s.addr, slot) {
			continue
		}
		for _, key := range idx[slot] {
			examined++
			if pattern != "" && !match.Match(key, pattern) {
				continue
			}
			if typ != "" && s.store.Type(key) != typ {
				continue
			}
			batch = append(batch, key)
		}
		if examined >= count {
			next = slot + 1
			break
		}
	}
	if next >= hash.SlotCount {
		next = 0
	}

	return protocol.Array(append([]string{strconv.Itoa(next)}, batch...))
}

func (s *Server) role() string {
	snap := s.state.Snapshot()
	if snap == nil {
		return "master"
	}
	if n, ok := snap.Node(s.addr); ok && !n.IsPrimary() {
		return "slave"
	}
	return "master"
}

func (s *Server) handleInfo(_ []string) *protocol.Response {
	var b strings.Builder
	fmt.Fprintf(&b, "# Server\nrun_id:%s\ntcp_addr:%s\n", s.runID, s.addr)
	fmt.Fprintf(&b, "# Replication\nrole:%s\n", s.role())
	fmt.Fprintf(&b, "# Keyspace\nkeys:%d\n", s.store.DBSize())
	return protocol.String(b.String())
}

func (s *Server) handleTime(_ []string) *protocol.Response {
	now := time.Now()
	return protocol.Array([]string{
		strconv.FormatInt(now.Unix(), 10),
		strconv.Itoa(now.Nanosecond() / int(time.Microsecond)),
	})
}

// handleWait reports the number of replicas of this node's shard.
func (s *Server) handleWait(argv []string) *protocol.Response {
	if len(argv) != 3 {
		return wrongArgs(argv)
	}
	snap := s.state.Snapshot()
	if snap == nil {
		return protocol.Int(0)
	}
	shard, ok := snap.ShardOf(s.addr)
	if !ok {
		return protocol.Int(0)
	}
	return protocol.Int(int64(len(shard.Replicas)))
}

func (s *Server) handleConfig(argv []string) *protocol.Response {
	if len(argv) < 2 {
		return wrongArgs(argv)
	}
	switch strings.ToUpper(argv[1]) {
	case "GET":
		if len(argv) != 3 {
			return wrongArgs(argv)
		}
		s.mu.Lock()
		names := make([]string, 0, len(s.params))
		for name := range s.params {
			if match.Match(name, strings.ToLower(argv[2])) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		out := make([]string, 0, 2*len(names))
		for _, name := range names {
			out = append(out, name, s.params[name])
		}
		s.mu.Unlock()
		return protocol.Array(out)
	case "SET":
		if len(argv) < 4 || len(argv)%2 != 0 {
			return wrongArgs(argv)
		}
		s.mu.Lock()
		for i := 2; i < len(argv); i += 2 {
			s.params[strings.ToLower(argv[i])] = argv[i+1]
		}
		s.mu.Unlock()
		return protocol.OK()
	case "RESETSTAT", "REWRITE":
		return protocol.OK()
	default:
		return protocol.Errorf("ERR unknown subcommand '%s'", argv[1])
	}
}

// Param returns a CONFIG value of this node.
func (s *Server) Param(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[strings.ToLower(name)]
}

func (s *Server) handleCluster(argv []string) *protocol.Response {
	if len(argv) < 2 {
		return wrongArgs(argv)
	}
	switch strings.ToUpper(argv[1]) {
	case "SLOTS":
		return protocol.Array(topology.FormatSlots(s.state.Specs()))
	case "MYID":
		return protocol.String(s.runID)
	case "KEYSLOT":
		if len(argv) != 3 {
			return wrongArgs(argv)
		}
		return protocol.Int(int64(hash.Slot(argv[2])))
	case "COUNTKEYSINSLOT":
		if len(argv) != 3 {
			return wrongArgs(argv)
		}
		slot, err := strconv.Atoi(argv[2])
		if err != nil || slot < 0 || slot > hash.MaxSlot {
			return protocol.Errorf("ERR Invalid slot")
		}
		return protocol.Int(int64(s.store.CountKeysInSlot(slot)))
	case "INFO":
		state, nodes := "fail", 0
		if snap := s.state.Snapshot(); snap != nil {
			state, nodes = "ok", len(snap.Nodes())
		}
		return protocol.String(fmt.Sprintf("cluster_state:%s\ncluster_slots_assigned:%d\ncluster_known_nodes:%d\n",
			state, hash.SlotCount, nodes))
	default:
		return protocol.Errorf("ERR unknown subcommand '%s'", argv[1])
	}
}
