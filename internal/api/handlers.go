package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"go-eventflow/internal/ingest"
	"go-eventflow/internal/processor"
	"go-eventflow/pkg/models"
)

// HeaderAccountID names the acting account on internal requests.
const HeaderAccountID = "X-Account-Id"

type publishRequest struct {
	Subject models.Subject  `json:"subject" validate:"required"`
	Data    json.RawMessage `json:"data" validate:"required"`
}

type publishResponse struct {
	Subject   models.Subject `json:"subject"`
	MessageID string         `json:"messageId"`
}

type importResponse struct {
	JobID  string               `json:"jobId,omitempty"`
	Result *ingest.ImportResult `json:"result,omitempty"`
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	env, err := s.cfg.Publisher.Publish(r.Context(), req.Subject, req.Data)
	if err != nil {
		s.respondError(w, r, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusAccepted, publishResponse{Subject: env.Subject, MessageID: env.MessageID})
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	var record models.DeadLetter
	if err := decodeBody(r, &record); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	env, err := processor.Replay(r.Context(), s.cfg.Publisher, record)
	if err != nil {
		status := statusFor(err)
		if len(record.Payload) == 0 {
			status = http.StatusBadRequest
		}
		s.respondError(w, r, status, err)
		return
	}
	s.logger.WithFields(logrus.Fields{
		"original_message_id": record.MessageID,
		"message_id":          env.MessageID,
		"subject":             env.Subject,
	}).Info("Dead letter replayed")
	respondJSON(w, http.StatusAccepted, publishResponse{Subject: env.Subject, MessageID: env.MessageID})
}

// importTasks queues the CSV body when a job queue is configured and runs it
// inline otherwise.
func (s *Server) importTasks(w http.ResponseWriter, r *http.Request) {
	actor := models.Actor{AccountID: r.Header.Get(HeaderAccountID)}
	if actor.AccountID == "" {
		s.respondError(w, r, http.StatusBadRequest, fmt.Errorf("missing %s header", HeaderAccountID))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	if s.cfg.Jobs != nil {
		job, err := s.cfg.Jobs.AddJob(r.Context(), ingest.JobTypeImportTasks, ingest.ImportJob{CSV: string(body), Actor: actor})
		if err != nil {
			s.respondError(w, r, http.StatusBadGateway, err)
			return
		}
		respondJSON(w, http.StatusAccepted, importResponse{JobID: job.ID})
		return
	}
	if s.cfg.Importer == nil {
		s.respondError(w, r, http.StatusNotImplemented, errors.New("task import is not configured"))
		return
	}

	result, err := s.cfg.Importer.Import(r.Context(), bytes.NewReader(body), actor)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ingest.ErrInvalidRow) || errors.Is(err, ingest.ErrMissingColumn) {
			status = http.StatusUnprocessableEntity
		}
		s.respondError(w, r, status, err)
		return
	}
	respondJSON(w, http.StatusOK, importResponse{Result: &result})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return models.Validate(v)
}
