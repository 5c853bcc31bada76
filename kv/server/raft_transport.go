package server

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pingcap/log"
	"go.etcd.io/etcd/raft/raftpb"
	"go.uber.org/zap"
)

const raftPath = "/raft"

// HTTPTransport posts raft messages to the status server of their target.
type HTTPTransport struct {
	addrs  map[uint64]string
	client *http.Client
}

func NewHTTPTransport(addrs map[uint64]string) *HTTPTransport {
	return &HTTPTransport{
		addrs:  addrs,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Send does not wait for delivery. Raft retries what gets lost.
func (t *HTTPTransport) Send(msgs []raftpb.Message) {
	for _, msg := range msgs {
		addr, ok := t.addrs[msg.To]
		if !ok {
			log.Warn("no address for raft peer", zap.Uint64("to", msg.To))
			continue
		}
		data, err := msg.Marshal()
		if err != nil {
			log.Error("marshal raft message failed", zap.Error(err))
			continue
		}
		go t.post(addr, msg.To, data)
	}
}

func (t *HTTPTransport) post(addr string, to uint64, data []byte) {
	resp, err := t.client.Post("http://"+addr+raftPath, "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		log.Debug("send raft message failed", zap.Uint64("to", to), zap.Error(err))
		return
	}
	resp.Body.Close()
}

// RaftMessage steps a message posted by an HTTPTransport of another member.
func (s *Server) RaftMessage(w http.ResponseWriter, r *http.Request) {
	data, err := ioutil.ReadAll(r.Body)
	if err != nil {
		s.rd.Text(w, http.StatusBadRequest, err.Error())
		return
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(data); err != nil {
		s.rd.Text(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.peer.Consensus().Step(r.Context(), msg); err != nil {
		s.rd.Text(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
