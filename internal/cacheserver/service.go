package cacheserver

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/transport"
)

// RegisterHandlers mounts the cache RPCs on mux. Token checking stays
// inside the Server's methods: get/BF take a user token, put a servant
// token.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc(api.PathTryGetEntry, s.handleTryGetEntry)
	mux.HandleFunc(api.PathPutEntry, s.handlePutEntry)
	mux.HandleFunc(api.PathFetchBloomFilter, s.handleFetchBloomFilter)
}

func (s *Server) handleTryGetEntry(w http.ResponseWriter, r *http.Request) {
	req, err := transport.ParseRequest(r)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		transport.WriteError(w, errors.Wrap(model.ErrInvalidArgument, "missing key"))
		return
	}
	entry, err := s.TryGetEntry(req.Token, key)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, &struct{}{}, entry)
}

func (s *Server) handlePutEntry(w http.ResponseWriter, r *http.Request) {
	req, err := transport.ParseRequest(r)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" || len(req.Attachment) == 0 {
		transport.WriteError(w, errors.Wrap(model.ErrInvalidArgument, "missing key or entry bytes"))
		return
	}
	if err := s.PutEntry(req.Token, key, req.Attachment); err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, &struct{}{}, nil)
}

func (s *Server) handleFetchBloomFilter(w http.ResponseWriter, r *http.Request) {
	req, err := transport.ParseRequest(r)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	var in api.FetchBloomFilterRequest
	if err := req.Decode(&in); err != nil {
		transport.WriteError(w, err)
		return
	}
	fetch, err := s.FetchBloomFilter(req.Token, req.PeerIP, in.SecondsSinceLastFetch, in.SecondsSinceLastFullFetch)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	out := &api.FetchBloomFilterResponse{
		Incremental:        fetch.Incremental,
		NewlyPopulatedKeys: fetch.NewlyPopulatedKeys,
		SizeBits:           fetch.SizeBits,
		NumHashes:          fetch.NumHashes,
		Salt:               fetch.Salt,
	}
	transport.WriteJSON(w, out, fetch.CompressedFilterBytes)
}
