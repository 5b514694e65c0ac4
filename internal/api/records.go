package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/model"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
	maxBodySize       = 1 << 20 // 1 MB
	maxBulkSize       = 8 << 20 // 8 MB
	maxAttachmentSize = 8 << 20 // 8 MB, well inside the bridge frame limit
)

// putRecordRequest is the JSON body for POST /v1/records.
type putRecordRequest struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// queryResponse is the JSON response for GET /v1/records.
type queryResponse struct {
	Records []model.Record `json:"records"`
	Prefix  string         `json:"prefix,omitempty"`
	Limit   int            `json:"limit"`
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	var req putRecordRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		req.ID = model.NewID()
	}

	var stored model.Record
	err := s.active(func(st backend.Storage, d backend.Descriptor) error {
		var err error
		stored, err = st.Put(r.Context(), model.Record{ID: req.ID, Data: req.Data})
		if err == nil {
			s.publish(d, model.OpPut, stored)
		}
		return err
	})
	if err != nil {
		s.writeStorageError(w, "put record", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleBulkPut(w http.ResponseWriter, r *http.Request) {
	var req []putRecordRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBulkSize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one record is required")
		return
	}

	recs := make([]model.Record, len(req))
	for i, item := range req {
		if item.ID == "" {
			item.ID = model.NewID()
		}
		recs[i] = model.Record{ID: item.ID, Data: item.Data}
	}

	var stored []model.Record
	err := s.active(func(st backend.Storage, d backend.Descriptor) error {
		var err error
		stored, err = st.BulkPut(r.Context(), recs)
		if err == nil {
			for _, rec := range stored {
				s.publish(d, model.OpPut, rec)
			}
		}
		return err
	})
	if err != nil {
		s.writeStorageError(w, "bulk put records", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleQueryRecords(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultQueryLimit)
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}
	q := model.Query{Prefix: r.URL.Query().Get("prefix"), Limit: limit}

	var recs []model.Record
	err := s.active(func(st backend.Storage, _ backend.Descriptor) error {
		var err error
		recs, err = st.Query(r.Context(), q)
		return err
	})
	if err != nil {
		s.writeStorageError(w, "query records", err)
		return
	}

	if recs == nil {
		recs = []model.Record{}
	}
	s.writeJSON(w, http.StatusOK, queryResponse{Records: recs, Prefix: q.Prefix, Limit: q.Limit})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var rec model.Record
	err := s.active(func(st backend.Storage, _ backend.Descriptor) error {
		var err error
		rec, err = st.Get(r.Context(), id)
		return err
	})
	if err != nil {
		s.writeStorageError(w, "get record", err)
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.active(func(st backend.Storage, d backend.Descriptor) error {
		if err := st.Delete(r.Context(), id); err != nil {
			return err
		}
		s.publish(d, model.OpDelete, model.Record{ID: id})
		return nil
	})
	if err != nil {
		s.writeStorageError(w, "delete record", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutAttachment(w http.ResponseWriter, r *http.Request) {
	id, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")

	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentSize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "attachment too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	err = s.active(func(st backend.Storage, d backend.Descriptor) error {
		if !d.SupportsBinaryAttachments {
			return backend.ErrUnsupported
		}
		return st.PutAttachment(r.Context(), id, name, data)
	})
	if err != nil {
		s.writeStorageError(w, "put attachment", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	id, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")

	var data []byte
	err := s.active(func(st backend.Storage, d backend.Descriptor) error {
		if !d.SupportsBinaryAttachments {
			return backend.ErrUnsupported
		}
		var err error
		data, err = st.GetAttachment(r.Context(), id, name)
		return err
	})
	if err != nil {
		s.writeStorageError(w, "get attachment", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write attachment", "error", err)
	}
}

// publish announces a successful write on the change feed of backends that
// speak the replication protocol.
func (s *Server) publish(d backend.Descriptor, op string, rec model.Record) {
	if !d.SupportsReplicationProtocol {
		return
	}
	s.broker.Publish(model.ChangeEvent{Op: op, ID: rec.ID, Rev: rec.Rev, Backend: d.Name})
}
