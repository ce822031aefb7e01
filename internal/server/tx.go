package server

import (
	"strings"

	"github.com/cachemir/clustermir/pkg/command"
	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/protocol"
)

// transaction is an open MULTI: the commands queued so far and whether one
// of them was refused.
type transaction struct {
	queued  [][]string
	slot    int  // -1 until a keyed command is queued
	asking  bool // ASKING preceded MULTI and holds for the whole transaction
	aborted bool
}

func (s *Server) multi(sess *session, asking bool) *protocol.Response {
	if sess.tx != nil {
		return protocol.Errorf("ERR MULTI calls can not be nested")
	}
	sess.tx = &transaction{slot: -1, asking: asking}
	return protocol.OK()
}

func (s *Server) discard(sess *session) *protocol.Response {
	if sess.tx == nil {
		return protocol.Errorf("ERR DISCARD without MULTI")
	}
	sess.tx = nil
	return protocol.OK()
}

// queue checks argv like an immediate command would be checked and queues
// it. A refused command, redirections included, aborts the transaction.
func (s *Server) queue(tx *transaction, argv []string) *protocol.Response {
	desc := command.Lookup(argv)
	if resp := s.checkCluster(desc, argv, tx.asking); resp != nil {
		tx.aborted = true
		return resp
	}
	if _, ok := s.handlers[strings.ToUpper(argv[0])]; !ok {
		tx.aborted = true
		return unknownCommand(argv[0])
	}
	if keys := desc.Keys(argv); len(keys) > 0 {
		slot := hash.Slot(keys[0])
		if tx.slot >= 0 && slot != tx.slot {
			tx.aborted = true
			return protocol.Errorf("CROSSSLOT Keys in request don't hash to the same slot")
		}
		tx.slot = slot
	}
	tx.queued = append(tx.queued, argv)
	return protocol.String("QUEUED")
}

// exec runs the queued commands back to back and returns their replies as
// one list. The cluster checks are repeated first: if the slot moved since
// the commands were queued, the redirection is returned and nothing runs.
func (s *Server) exec(sess *session) *protocol.Response {
	tx := sess.tx
	if tx == nil {
		return protocol.Errorf("ERR EXEC without MULTI")
	}
	sess.tx = nil
	if tx.aborted {
		return protocol.Errorf("EXECABORT Transaction discarded because of previous errors.")
	}

	for _, argv := range tx.queued {
		if resp := s.checkCluster(command.Lookup(argv), argv, tx.asking); resp != nil {
			return resp
		}
	}

	replies := make([]*protocol.Response, len(tx.queued))
	for i, argv := range tx.queued {
		replies[i] = s.handlers[strings.ToUpper(argv[0])](argv)
	}
	return protocol.List(replies)
}
