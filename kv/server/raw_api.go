package server

import (
	"context"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinytablet/kv/tablet/operations"
	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
)

type RawGetResponse struct {
	Key      string `json:"key"`
	Value    string `json:"value,omitempty"`
	NotFound bool   `json:"not_found,omitempty"`
	ReadTime uint64 `json:"read_time"`
}

type RawWriteResponse struct {
	Error      *errorpb.Error `json:"error,omitempty"`
	CommitTime uint64         `json:"commit_time,omitempty"`
}

type RawScanResponse struct {
	Kvs      []RawGetResponse `json:"kvs"`
	ReadTime uint64           `json:"read_time"`
}

// The below functions are the raw key value API, served over HTTP.

func (s *Server) RawGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, ok, readTs := s.peer.Read([]byte(key))
	s.rd.JSON(w, http.StatusOK, RawGetResponse{
		Key:      key,
		Value:    string(value),
		NotFound: !ok,
		ReadTime: uint64(readTs),
	})
}

func (s *Server) RawPut(w http.ResponseWriter, r *http.Request) {
	value, err := ioutil.ReadAll(r.Body)
	if err != nil {
		s.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	s.write(r.Context(), w, &raft_cmdpb.Request{
		CmdType: raft_cmdpb.CmdType_Put,
		Put:     &raft_cmdpb.PutRequest{Key: []byte(mux.Vars(r)["key"]), Value: value},
	})
}

func (s *Server) RawDelete(w http.ResponseWriter, r *http.Request) {
	s.write(r.Context(), w, &raft_cmdpb.Request{
		CmdType: raft_cmdpb.CmdType_Delete,
		Delete:  &raft_cmdpb.DeleteRequest{Key: []byte(mux.Vars(r)["key"])},
	})
}

func (s *Server) write(ctx context.Context, w http.ResponseWriter, req *raft_cmdpb.Request) {
	resp, commitTs, err := s.peer.Write(ctx, &raft_cmdpb.RaftCmdRequest{Requests: []*raft_cmdpb.Request{req}})
	if err != nil {
		s.rd.JSON(w, http.StatusServiceUnavailable, RawWriteResponse{Error: operations.ToPbError(err)})
		return
	}
	if pbErr := resp.GetHeader().GetError(); pbErr != nil {
		status := http.StatusInternalServerError
		if pbErr.NotLeader != nil || pbErr.ServerIsBusy != nil {
			status = http.StatusServiceUnavailable
		}
		s.rd.JSON(w, status, RawWriteResponse{Error: pbErr})
		return
	}
	s.rd.JSON(w, http.StatusOK, RawWriteResponse{CommitTime: uint64(commitTs)})
}

// RawScan takes the optional start, end and limit query parameters.
func (s *Server) RawScan(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if l := query.Get("limit"); l != "" {
		var err error
		if limit, err = strconv.Atoi(l); err != nil || limit < 0 {
			s.rd.JSON(w, http.StatusBadRequest, "invalid limit "+l)
			return
		}
	}
	var start, end []byte
	if v := query.Get("start"); v != "" {
		start = []byte(v)
	}
	if v := query.Get("end"); v != "" {
		end = []byte(v)
	}
	pairs, readTs := s.peer.Scan(start, end, limit)
	resp := RawScanResponse{Kvs: make([]RawGetResponse, 0, len(pairs)), ReadTime: uint64(readTs)}
	for _, p := range pairs {
		resp.Kvs = append(resp.Kvs, RawGetResponse{Key: string(p.Key), Value: string(p.Value), ReadTime: uint64(readTs)})
	}
	s.rd.JSON(w, http.StatusOK, resp)
}
